package review

import "github.com/quorum-ai/quorum/internal/domain/provider"

// TurnOutcome is the explicit result of one panelist turn within a
// round. Exactly one of Output, ValidationErr, or ProviderErr is set.
type TurnOutcome struct {
	Persona  string
	Provider string
	Fallback bool

	Output        RoundOutput
	RawContent    []byte
	TokensUsed    int
	ValidationErr *ValidationError
	ProviderErr   error
}

// Success reports whether the turn produced a validated output.
func (o TurnOutcome) Success() bool {
	return o.Output != nil && o.ValidationErr == nil && o.ProviderErr == nil
}

// Metric converts the outcome into its RoundMetrics entry.
func (o TurnOutcome) Metric() PanelistOutcome {
	m := PanelistOutcome{
		Persona:    o.Persona,
		Provider:   o.Provider,
		Success:    o.Success(),
		Fallback:   o.Fallback,
		TokensUsed: o.TokensUsed,
	}
	switch {
	case o.ValidationErr != nil:
		m.ErrorKind = "validation_failed"
	case o.ProviderErr != nil:
		m.ErrorKind = string(provider.Classify(o.ProviderErr))
	}
	return m
}
