package ws

// Event type constants for hub envelopes.
const (
	EventReviewStatus  = "review.status"
	EventRoundComplete = "review.round"
	EventPanelistTurn  = "panelist.turn"
	EventEarlyStop     = "review.early_stop"
	EventReportReady   = "review.report"
	EventMessageChunk  = "message.chunk"
)

// ReviewStatusEvent is broadcast on every review stage transition.
type ReviewStatusEvent struct {
	ReviewID string `json:"review_id"`
	Status   string `json:"status"`
	Stage    string `json:"stage,omitempty"`
	Round    int    `json:"round,omitempty"`
	Error    string `json:"error,omitempty"`
}

// RoundCompleteEvent is broadcast when a debate round finishes.
type RoundCompleteEvent struct {
	ReviewID  string `json:"review_id"`
	Round     int    `json:"round"`
	Stage     string `json:"stage"`
	Successes int    `json:"successes"`
	Failures  int    `json:"failures"`
	Tokens    int    `json:"tokens"`
}

// PanelistTurnEvent carries one panelist's validated output.
type PanelistTurnEvent struct {
	ReviewID string `json:"review_id"`
	Round    int    `json:"round"`
	Persona  string `json:"persona"`
	Provider string `json:"provider"`
	Fallback bool   `json:"fallback,omitempty"`
	Output   any    `json:"output"`
}

// EarlyStopEvent is broadcast when the panel converges before the
// final round.
type EarlyStopEvent struct {
	ReviewID       string `json:"review_id"`
	Round          int    `json:"round"`
	ExecutedRounds []int  `json:"executed_rounds"`
}

// ReportReadyEvent is broadcast when the final report is persisted.
type ReportReadyEvent struct {
	ReviewID string `json:"review_id"`
}

// MessageChunkEvent is one streamed chunk of a chat response.
type MessageChunkEvent struct {
	UserID  string `json:"user_id"`
	Content string `json:"content"`
	Done    bool   `json:"done"`
}
