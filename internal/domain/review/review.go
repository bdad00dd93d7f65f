// Package review defines domain types for multi-panelist reviews.
package review

import (
	"errors"
	"time"
)

// Status represents the lifecycle state of a review.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether s is an absorbing state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// DefaultTotalRounds is the canonical number of debate rounds.
const DefaultTotalRounds = 4

// Review is a single multi-panelist review. Owned exclusively by the
// panel runner while executing; read-only everywhere else.
type Review struct {
	ID           string        `json:"id"`
	Topic        string        `json:"topic"`
	Instruction  string        `json:"instruction"`
	Status       Status        `json:"status"`
	TotalRounds  int           `json:"total_rounds"`
	CurrentRound int           `json:"current_round"`
	CreatedAt    time.Time     `json:"created_at"`
	CompletedAt  *time.Time    `json:"completed_at,omitempty"`
	FinalReport  *FinalReport  `json:"final_report,omitempty"`
	TokenBudget  int           `json:"token_budget,omitempty"`
}

// PanelistConfig describes one configured panelist. Persona is the
// stable display identity and survives provider fallback.
type PanelistConfig struct {
	Provider     string        `json:"provider"`
	Persona      string        `json:"persona"`
	Model        string        `json:"model"`
	SystemPrompt string        `json:"system_prompt,omitempty"`
	Timeout      time.Duration `json:"timeout"`
	MaxRetries   int           `json:"max_retries"`
}

// Fallback derives the one-shot fallback config for a failed panelist:
// same persona and system prompt, the default provider, and zero
// retries so fallback chains cannot retry further.
func (c PanelistConfig) Fallback(defaultProvider, defaultModel string) PanelistConfig {
	return PanelistConfig{
		Provider:     defaultProvider,
		Persona:      c.Persona,
		Model:        defaultModel,
		SystemPrompt: c.SystemPrompt,
		Timeout:      c.Timeout,
		MaxRetries:   0,
	}
}

// FinalReport is the persisted output of report generation.
type FinalReport struct {
	ExecutiveSummary       string   `json:"executive_summary"`
	StrongestConsensus     []string `json:"strongest_consensus"`
	RemainingDisagreements []string `json:"remaining_disagreements"`
	Recommendations        []string `json:"recommendations"`
	ExecutedRounds         []int    `json:"executed_rounds,omitempty"`
	Error                  string   `json:"error,omitempty"`
}

// PanelistOutcome records one panelist call result within a round.
type PanelistOutcome struct {
	Persona    string `json:"persona"`
	Provider   string `json:"provider"`
	Success    bool   `json:"success"`
	Fallback   bool   `json:"fallback,omitempty"`
	TokensUsed int    `json:"tokens_used,omitempty"`
	ErrorKind  string `json:"error_kind,omitempty"`
}

// RoundMetrics is the list of panelist outcomes for one executed round.
type RoundMetrics struct {
	Round    int               `json:"round"`
	Outcomes []PanelistOutcome `json:"outcomes"`
}

// TokensUsed sums the tokens consumed by all outcomes in the round.
func (m RoundMetrics) TokensUsed() int {
	total := 0
	for _, o := range m.Outcomes {
		total += o.TokensUsed
	}
	return total
}

// AllMetrics is the ordered concatenation of round metrics across a
// review execution. Budget checks consult it cumulatively.
type AllMetrics []RoundMetrics

// TotalTokens returns cumulative token usage across all rounds.
func (a AllMetrics) TotalTokens() int {
	total := 0
	for _, m := range a {
		total += m.TokensUsed()
	}
	return total
}

// StatusEvent is one ordered entry of a review's status history.
type StatusEvent struct {
	ID       string          `json:"id"`
	ReviewID string          `json:"review_id"`
	Type     string          `json:"type"`
	Round    int             `json:"round,omitempty"`
	Payload  []byte          `json:"payload,omitempty"`
	At       time.Time       `json:"at"`
}

// ConversationRecord is a persisted panelist turn or report digest.
type ConversationRecord struct {
	ID       string    `json:"id"`
	ReviewID string    `json:"review_id"`
	Persona  string    `json:"persona"`
	Round    int       `json:"round"`
	Content  []byte    `json:"content"`
	At       time.Time `json:"at"`
}

var (
	// ErrBudgetExceeded terminates a review whose cumulative token
	// usage crossed the configured cap. Never retried.
	ErrBudgetExceeded = errors.New("review token budget exceeded")

	// ErrCancelled is returned when a review was cancelled out-of-band.
	ErrCancelled = errors.New("review cancelled")

	// ErrTopicRequired rejects review creation without a topic.
	ErrTopicRequired = errors.New("review topic is required")
)

// CreateRequest holds the fields for creating a new review.
type CreateRequest struct {
	Topic       string `json:"topic"`
	Instruction string `json:"instruction,omitempty"`
	Strategy    string `json:"strategy,omitempty"`
	TokenBudget int    `json:"token_budget,omitempty"`
}

// Validate checks the create request for correctness.
func (r *CreateRequest) Validate() error {
	if r.Topic == "" {
		return ErrTopicRequired
	}
	return nil
}
