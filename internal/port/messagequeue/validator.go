package messagequeue

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Validate checks whether data is valid JSON conforming to the schema
// associated with the given subject. Unknown subjects pass validation
// (future-proof for new message types).
func Validate(subject string, data []byte) error {
	if !json.Valid(data) {
		return fmt.Errorf("invalid JSON on subject %s", subject)
	}

	// Map subject to payload struct for structural validation.
	// Priority-suffixed subjects share the base subject's schema.
	var target any
	switch {
	case hasBase(subject, SubjectReviewExecute):
		target = &ReviewExecutePayload{}
	case hasBase(subject, SubjectReviewCancel):
		target = &ReviewCancelPayload{}
	case hasBase(subject, SubjectFactExtract):
		target = &FactExtractPayload{}
	case hasBase(subject, SubjectContextRefresh):
		target = &ContextRefreshPayload{}
	default:
		return nil
	}

	if err := json.Unmarshal(data, target); err != nil {
		return fmt.Errorf("schema validation failed for %s: %w", subject, err)
	}
	return nil
}

func hasBase(subject, base string) bool {
	return subject == base || strings.HasPrefix(subject, base+".")
}
