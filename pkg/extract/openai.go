package extract

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	jsonrepair "github.com/kaptinlin/jsonrepair"
	openai "github.com/sashabaranov/go-openai"
)

// Config holds configuration for the OpenAI-backed extractor.
type Config struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float32
}

// OpenAIExtractor implements Extractor against OpenAI or any
// OpenAI-compatible service.
type OpenAIExtractor struct {
	client *openai.Client
	config Config
}

// NewOpenAIExtractor creates an extractor backed by an OpenAI-compatible
// chat completion endpoint.
func NewOpenAIExtractor(config Config) (*OpenAIExtractor, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("api key is required")
	}
	if config.Model == "" {
		config.Model = openai.GPT4o
	}

	var client *openai.Client
	if config.BaseURL != "" {
		clientConfig := openai.DefaultConfig(config.APIKey)
		clientConfig.BaseURL = config.BaseURL
		client = openai.NewClientWithConfig(clientConfig)
	} else {
		client = openai.NewClient(config.APIKey)
	}

	return &OpenAIExtractor{
		client: client,
		config: config,
	}, nil
}

const extractionSystemPrompt = `You extract knowledge from conversations and documents.
Given an episode, list the entities it mentions and the relationships between them.
Respond with a single JSON object:
{"entities": [{"name": "...", "type": "...", "summary": "..."}],
 "edges": [{"source": "...", "target": "...", "relation": "...", "fact": "...",
            "valid_at": "RFC3339 or null", "invalid_at": "RFC3339 or null"}]}
Use relation names in UPPER_SNAKE_CASE. The fact is one complete sentence.
Only include dates the episode states or clearly implies.`

const contradictionSystemPrompt = `You judge whether a new fact contradicts or supersedes existing facts.
Respond with a single JSON object: {"contradicted": [<zero-based indices>]}.
Only list facts the new fact makes untrue. An unrelated fact is never contradicted.`

// Extract implements Extractor.
func (e *OpenAIExtractor) Extract(ctx context.Context, req Request) (*Result, error) {
	var sb strings.Builder
	if len(req.PriorContext) > 0 {
		sb.WriteString("Previous episodes, oldest first:\n")
		for _, prev := range req.PriorContext {
			sb.WriteString("- ")
			sb.WriteString(prev)
			sb.WriteString("\n")
		}
		sb.WriteString("\n")
	}
	if !req.Reference.IsZero() {
		fmt.Fprintf(&sb, "Episode timestamp: %s\n", req.Reference.Format(time.RFC3339))
	}
	if len(req.EntityTypes) > 0 {
		fmt.Fprintf(&sb, "Classify entities into these types where one fits: %s\n", strings.Join(req.EntityTypes, ", "))
	}
	if len(req.EdgeTypes) > 0 {
		fmt.Fprintf(&sb, "Classify relationships into these types where one fits: %s\n", strings.Join(req.EdgeTypes, ", "))
	}
	fmt.Fprintf(&sb, "Episode (%s):\n%s", req.Type, req.Content)

	content, err := e.chat(ctx, extractionSystemPrompt, sb.String())
	if err != nil {
		return nil, err
	}

	var decoded struct {
		Entities []CandidateEntity `json:"entities"`
		Edges    []struct {
			Source    string `json:"source"`
			Target    string `json:"target"`
			Relation  string `json:"relation"`
			Fact      string `json:"fact"`
			ValidAt   string `json:"valid_at"`
			InvalidAt string `json:"invalid_at"`
		} `json:"edges"`
	}
	if err := decodeModelJSON(content, &decoded); err != nil {
		return nil, err
	}

	result := &Result{Entities: decoded.Entities}
	for _, edge := range decoded.Edges {
		if edge.Source == "" || edge.Target == "" || edge.Fact == "" {
			continue
		}
		candidate := CandidateEdge{
			SourceName: edge.Source,
			TargetName: edge.Target,
			Relation:   edge.Relation,
			Fact:       edge.Fact,
			ValidAt:    parseModelTime(edge.ValidAt),
			InvalidAt:  parseModelTime(edge.InvalidAt),
		}
		result.Edges = append(result.Edges, candidate)
	}
	return result, nil
}

// DetectContradictions implements Extractor.
func (e *OpenAIExtractor) DetectContradictions(ctx context.Context, newFact string, existing []string) ([]int, error) {
	if len(existing) == 0 {
		return nil, nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "New fact: %s\n\nExisting facts:\n", newFact)
	for i, fact := range existing {
		fmt.Fprintf(&sb, "%d. %s\n", i, fact)
	}

	content, err := e.chat(ctx, contradictionSystemPrompt, sb.String())
	if err != nil {
		return nil, err
	}

	var decoded struct {
		Contradicted []int `json:"contradicted"`
	}
	if err := decodeModelJSON(content, &decoded); err != nil {
		return nil, err
	}

	indices := make([]int, 0, len(decoded.Contradicted))
	for _, idx := range decoded.Contradicted {
		if idx >= 0 && idx < len(existing) {
			indices = append(indices, idx)
		}
	}
	return indices, nil
}

func (e *OpenAIExtractor) chat(ctx context.Context, system, user string) (string, error) {
	req := openai.ChatCompletionRequest{
		Model: e.config.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
		Temperature: e.config.Temperature,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	}

	resp, err := e.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", classifyAPIError(err)
	}
	if len(resp.Choices) == 0 {
		return "", ErrEmptyResponse
	}

	choice := resp.Choices[0]
	if choice.FinishReason == openai.FinishReasonContentFilter {
		return "", fmt.Errorf("%w: content filtered", ErrRefusal)
	}
	if strings.TrimSpace(choice.Message.Content) == "" {
		return "", ErrEmptyResponse
	}
	return choice.Message.Content, nil
}

func classifyAPIError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		if apiErr.HTTPStatusCode == 429 {
			return NewRateLimitError(apiErr.Message)
		}
		if apiErr.HTTPStatusCode >= 500 {
			return NewFailureError(apiErr.Message)
		}
	}
	return fmt.Errorf("chat completion failed: %w", err)
}

var thinkTagPattern = regexp.MustCompile(`(?s)<think>.*?</think>`)

// decodeModelJSON strips reasoning tags, repairs near-JSON output and
// unmarshals it into v.
func decodeModelJSON(content string, v any) error {
	cleaned := strings.TrimSpace(thinkTagPattern.ReplaceAllString(content, ""))
	cleaned = strings.TrimPrefix(cleaned, "```json")
	cleaned = strings.TrimPrefix(cleaned, "```")
	cleaned = strings.TrimSuffix(cleaned, "```")

	repaired, err := jsonrepair.JSONRepair(cleaned)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedOutput, err)
	}
	if err := json.Unmarshal([]byte(repaired), v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedOutput, err)
	}
	return nil
}

func parseModelTime(s string) *time.Time {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, "null") {
		return nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return &t
		}
	}
	return nil
}
