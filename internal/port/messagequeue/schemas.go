package messagequeue

// ReviewExecutePayload is the schema for reviews.execute messages.
// Round is the round the execution should resume at; 0 means start
// from the beginning.
type ReviewExecutePayload struct {
	ReviewID string `json:"review_id"`
	Strategy string `json:"strategy,omitempty"`
	Round    int    `json:"round,omitempty"`
	Attempt  int    `json:"attempt,omitempty"` // infrastructure retry count
}

// ReviewCancelPayload is the schema for reviews.cancel messages.
type ReviewCancelPayload struct {
	ReviewID string `json:"review_id"`
	Reason   string `json:"reason,omitempty"`
}

// FactExtractPayload is the schema for background.facts messages.
type FactExtractPayload struct {
	UserID  string `json:"user_id"`
	Message string `json:"message"`
}

// ContextRefreshPayload is the schema for background.context messages.
type ContextRefreshPayload struct {
	UserID         string `json:"user_id"`
	ConversationID string `json:"conversation_id"`
}
