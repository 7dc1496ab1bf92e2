// Package composer renders the memory context block handed to an
// assistant: the facts and entities most relevant to the recent turns of a
// session, in a fixed plain-text format. The output is a pure function of
// the recent messages and the graph's current state.
package composer

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/soundprediction/mnemo/pkg/search"
	"github.com/soundprediction/mnemo/pkg/types"
)

const (
	// DefaultMessageWindow is how many trailing messages feed the query,
	// two turns of a two-party conversation.
	DefaultMessageWindow = 4

	// DefaultFactCount and DefaultEntityCount bound the rendered block.
	DefaultFactCount   = 10
	DefaultEntityCount = 5

	dateLayout = "2006-01-02 15:04:05"
)

// Options tunes one composition.
type Options struct {
	// MessageWindow caps how many trailing messages form the query.
	MessageWindow int

	// FactCount and EntityCount cap the rendered sections.
	FactCount   int
	EntityCount int

	// MinRating filters low-rated facts when a rating policy is active.
	MinRating *float64
}

// Composer builds context blocks from search results.
type Composer struct {
	searcher *search.Searcher
}

// New creates a Composer.
func New(searcher *search.Searcher) *Composer {
	return &Composer{searcher: searcher}
}

// Compose renders the context block for a session's recent messages
// against one graph. An empty graph yields a block with empty sections.
func (c *Composer) Compose(ctx context.Context, graphID string, messages []types.Message, opts Options) (string, error) {
	if opts.MessageWindow <= 0 {
		opts.MessageWindow = DefaultMessageWindow
	}
	if opts.FactCount <= 0 {
		opts.FactCount = DefaultFactCount
	}
	if opts.EntityCount <= 0 {
		opts.EntityCount = DefaultEntityCount
	}

	query := buildQuery(messages, opts.MessageWindow)
	if query == "" {
		return renderContext(nil, nil), nil
	}

	edgeResults, err := c.searcher.Search(ctx, graphID, query, search.Config{
		Scope:   search.ScopeEdges,
		Limit:   opts.FactCount,
		Filters: search.Filters{MinRating: opts.MinRating},
	})
	if err != nil {
		return "", fmt.Errorf("fact search failed: %w", err)
	}

	nodeResults, err := c.searcher.Search(ctx, graphID, query, search.Config{
		Scope: search.ScopeNodes,
		Limit: opts.EntityCount,
	})
	if err != nil {
		return "", fmt.Errorf("entity search failed: %w", err)
	}

	return renderContext(edgeResults.Edges, nodeResults.Nodes), nil
}

// buildQuery concatenates the trailing window of message contents.
func buildQuery(messages []types.Message, window int) string {
	if len(messages) > window {
		messages = messages[len(messages)-window:]
	}
	parts := make([]string, 0, len(messages))
	for _, msg := range messages {
		content := strings.TrimSpace(msg.Content)
		if content != "" {
			parts = append(parts, content)
		}
	}
	return strings.Join(parts, "\n")
}

func renderContext(facts []search.EdgeResult, entities []search.NodeResult) string {
	var sb strings.Builder
	sb.WriteString("FACTS and ENTITIES represent relevant context to the current conversation.\n\n")

	sb.WriteString("# These are the most relevant facts and their valid date ranges\n")
	sb.WriteString("# format: FACT (Date range: from - to)\n")
	sb.WriteString("<FACTS>\n")
	for _, result := range facts {
		sb.WriteString("  - ")
		sb.WriteString(result.Edge.Fact)
		sb.WriteString(" (")
		sb.WriteString(dateRange(result.Edge))
		sb.WriteString(")\n")
	}
	sb.WriteString("</FACTS>\n\n")

	sb.WriteString("# These are the most relevant entities\n")
	sb.WriteString("# ENTITY_NAME: entity summary\n")
	sb.WriteString("<ENTITIES>\n")
	for _, result := range entities {
		sb.WriteString("  - ")
		sb.WriteString(result.Node.Name)
		sb.WriteString(": ")
		sb.WriteString(result.Node.Summary)
		sb.WriteString("\n")
	}
	sb.WriteString("</ENTITIES>\n")

	return sb.String()
}

// dateRange renders an edge's validity window as "from - to" where either
// side may read present/unknown.
func dateRange(edge *types.Edge) string {
	from := "unknown"
	if edge.ValidAt != nil {
		from = formatDate(*edge.ValidAt)
	}
	to := "present"
	if edge.InvalidAt != nil {
		to = formatDate(*edge.InvalidAt)
	}
	return from + " - " + to
}

func formatDate(t time.Time) string {
	return t.UTC().Format(dateLayout)
}
