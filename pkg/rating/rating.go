// Package rating scores facts for relevance against a caller-supplied
// policy. The policy names what matters for the use case through one
// instruction and three graded example facts; each fact is scored by its
// similarity to those anchors.
package rating

import (
	"context"
	"errors"
	"fmt"

	"github.com/soundprediction/mnemo/pkg/crossencoder"
)

// Policy defines what makes a fact worth keeping around for one project.
type Policy struct {
	// Instruction states the rating criterion in plain language.
	Instruction string `json:"instruction"`

	// HighExample, MediumExample and LowExample anchor the scale.
	HighExample   string `json:"high_example"`
	MediumExample string `json:"medium_example"`
	LowExample    string `json:"low_example"`
}

// Validate checks the policy is fully specified.
func (p *Policy) Validate() error {
	if p.Instruction == "" {
		return errors.New("rating policy requires an instruction")
	}
	if p.HighExample == "" || p.MediumExample == "" || p.LowExample == "" {
		return errors.New("rating policy requires high, medium and low examples")
	}
	return nil
}

// Anchor weights for the three example buckets.
const (
	highWeight   = 1.0
	mediumWeight = 0.5
	lowWeight    = 0.0
)

// Rater scores facts in [0, 1] against a policy using the injected
// cross-encoder.
type Rater struct {
	policy  Policy
	encoder crossencoder.Client
}

// NewRater creates a Rater for one policy.
func NewRater(policy Policy, encoder crossencoder.Client) (*Rater, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	if encoder == nil {
		return nil, errors.New("rater requires a cross-encoder client")
	}
	return &Rater{policy: policy, encoder: encoder}, nil
}

// Policy returns the active policy.
func (r *Rater) Policy() Policy {
	return r.policy
}

// RateEdge scores one fact. The fact is compared against the policy's
// three anchors; the rating is the similarity-weighted blend of the anchor
// weights, clamped to [0, 1].
func (r *Rater) RateEdge(ctx context.Context, fact string) (float64, error) {
	query := fmt.Sprintf("%s\nFact: %s", r.policy.Instruction, fact)
	passages := []string{r.policy.HighExample, r.policy.MediumExample, r.policy.LowExample}

	ranked, err := r.encoder.Rank(ctx, query, passages)
	if err != nil {
		return 0, fmt.Errorf("fact rating failed: %w", err)
	}

	weights := map[string]float64{
		r.policy.HighExample:   highWeight,
		r.policy.MediumExample: mediumWeight,
		r.policy.LowExample:    lowWeight,
	}

	var weighted, total float64
	for _, rp := range ranked {
		score := rp.Score
		if score < 0 {
			score = 0
		}
		weighted += score * weights[rp.Passage]
		total += score
	}
	if total == 0 {
		return mediumWeight, nil
	}

	rating := weighted / total
	if rating < 0 {
		rating = 0
	}
	if rating > 1 {
		rating = 1
	}
	return rating, nil
}
