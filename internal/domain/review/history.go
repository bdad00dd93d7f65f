package review

import "fmt"

// PanelHistory accumulates validated panelist outputs by persona and
// round. Append-only: a (persona, round) cell is written at most once,
// which also makes duplicate task deliveries of the same round
// idempotent.
type PanelHistory struct {
	turns map[string]map[int]RoundOutput
	order []string
}

// NewPanelHistory creates an empty history for the given personas. The
// persona order is preserved for deterministic report prompts.
func NewPanelHistory(personas []string) *PanelHistory {
	h := &PanelHistory{
		turns: make(map[string]map[int]RoundOutput, len(personas)),
		order: append([]string(nil), personas...),
	}
	for _, p := range personas {
		h.turns[p] = make(map[int]RoundOutput)
	}
	return h
}

// Fold writes one validated output. Returns an error if the cell is
// already occupied or the persona is unknown.
func (h *PanelHistory) Fold(persona string, round int, out RoundOutput) error {
	rounds, ok := h.turns[persona]
	if !ok {
		return fmt.Errorf("unknown persona %q", persona)
	}
	if _, exists := rounds[round]; exists {
		return fmt.Errorf("history cell (%s, round %d) already written", persona, round)
	}
	rounds[round] = out
	return nil
}

// Get returns the output for a (persona, round) cell, if present.
func (h *PanelHistory) Get(persona string, round int) (RoundOutput, bool) {
	out, ok := h.turns[persona][round]
	return out, ok
}

// Personas returns panelist personas in configuration order.
func (h *PanelHistory) Personas() []string {
	return append([]string(nil), h.order...)
}

// RoundOutputs returns all outputs folded for the given round, keyed
// by persona.
func (h *PanelHistory) RoundOutputs(round int) map[string]RoundOutput {
	result := make(map[string]RoundOutput)
	for persona, rounds := range h.turns {
		if out, ok := rounds[round]; ok {
			result[persona] = out
		}
	}
	return result
}

// ByPersona returns one persona's outputs in round order up to and
// including maxRound.
func (h *PanelHistory) ByPersona(persona string, maxRound int) []RoundOutput {
	var outs []RoundOutput
	for r := RoundInitialAnalysis; r <= maxRound; r++ {
		if out, ok := h.turns[persona][r]; ok {
			outs = append(outs, out)
		}
	}
	return outs
}
