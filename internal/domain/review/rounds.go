package review

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Round stage numbers. Round 4 is optional and skipped by early stop.
const (
	RoundInitialAnalysis = 1
	RoundRebuttal        = 2
	RoundSynthesis       = 3
	RoundResolution      = 4
)

// StageName returns the semantic stage name for a round number.
func StageName(round int) string {
	switch round {
	case RoundInitialAnalysis:
		return "initial_analysis"
	case RoundRebuttal:
		return "rebuttal"
	case RoundSynthesis:
		return "synthesis"
	case RoundResolution:
		return "final_alignment"
	}
	return fmt.Sprintf("round_%d", round)
}

// RoundOutput is a validated structured panelist output for one round.
// Each round has its own schema; all schemas carry the NoNewArguments
// flag consulted by the early-stop rule.
type RoundOutput interface {
	Round() int
	NoNewArguments() bool
	// Summary is a condensed one-paragraph digest used when this
	// output is shown to peers in later-round prompts.
	Summary() string
}

// InitialAnalysis is the round 1 schema.
type InitialAnalysis struct {
	Position       string   `json:"position"`
	KeyArguments   []string `json:"key_arguments"`
	Risks          []string `json:"risks,omitempty"`
	NoNewArgs      bool     `json:"no_new_arguments"`
}

func (o InitialAnalysis) Round() int           { return RoundInitialAnalysis }
func (o InitialAnalysis) NoNewArguments() bool { return o.NoNewArgs }
func (o InitialAnalysis) Summary() string {
	return condense(o.Position, o.KeyArguments)
}

// Rebuttal is the round 2 schema.
type Rebuttal struct {
	Agreements    []string `json:"agreements"`
	Disagreements []string `json:"disagreements"`
	Rebuttals     []string `json:"rebuttals,omitempty"`
	RevisedView   string   `json:"revised_view"`
	NoNewArgs     bool     `json:"no_new_arguments"`
}

func (o Rebuttal) Round() int           { return RoundRebuttal }
func (o Rebuttal) NoNewArguments() bool { return o.NoNewArgs }
func (o Rebuttal) Summary() string {
	return condense(o.RevisedView, o.Disagreements)
}

// Synthesis is the round 3 schema.
type Synthesis struct {
	ConsensusPoints []string `json:"consensus_points"`
	OpenPoints      []string `json:"open_points,omitempty"`
	Proposal        string   `json:"proposal"`
	NoNewArgs       bool     `json:"no_new_arguments"`
}

func (o Synthesis) Round() int           { return RoundSynthesis }
func (o Synthesis) NoNewArguments() bool { return o.NoNewArgs }
func (o Synthesis) Summary() string {
	return condense(o.Proposal, o.ConsensusPoints)
}

// Resolution is the round 4 schema, produced only when the panel did
// not converge by round 3.
type Resolution struct {
	FinalPosition string   `json:"final_position"`
	Concessions   []string `json:"concessions,omitempty"`
	HeldPositions []string `json:"held_positions,omitempty"`
	NoNewArgs     bool     `json:"no_new_arguments"`
}

func (o Resolution) Round() int           { return RoundResolution }
func (o Resolution) NoNewArguments() bool { return o.NoNewArgs }
func (o Resolution) Summary() string {
	return condense(o.FinalPosition, o.Concessions)
}

// ValidationError reports a panelist response that failed to decode or
// validate against its round schema. Recorded per panelist, never
// fatal to the round.
type ValidationError struct {
	Round   int
	Persona string
	Reason  string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("round %d output from %s invalid: %s", e.Round, e.Persona, e.Reason)
}

// DecodeRoundOutput parses raw panelist content as the schema for the
// given round and validates required fields.
func DecodeRoundOutput(round int, persona string, data []byte) (RoundOutput, error) {
	invalid := func(reason string) error {
		return &ValidationError{Round: round, Persona: persona, Reason: reason}
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	switch round {
	case RoundInitialAnalysis:
		var o InitialAnalysis
		if err := dec.Decode(&o); err != nil {
			return nil, invalid(err.Error())
		}
		if o.Position == "" || len(o.KeyArguments) == 0 {
			return nil, invalid("position and key_arguments are required")
		}
		return o, nil
	case RoundRebuttal:
		var o Rebuttal
		if err := dec.Decode(&o); err != nil {
			return nil, invalid(err.Error())
		}
		if o.RevisedView == "" {
			return nil, invalid("revised_view is required")
		}
		return o, nil
	case RoundSynthesis:
		var o Synthesis
		if err := dec.Decode(&o); err != nil {
			return nil, invalid(err.Error())
		}
		if o.Proposal == "" {
			return nil, invalid("proposal is required")
		}
		return o, nil
	case RoundResolution:
		var o Resolution
		if err := dec.Decode(&o); err != nil {
			return nil, invalid(err.Error())
		}
		if o.FinalPosition == "" {
			return nil, invalid("final_position is required")
		}
		return o, nil
	}
	return nil, invalid(fmt.Sprintf("unknown round %d", round))
}

const summaryLimit = 480

// condense joins a lead sentence with bullet points and truncates, so
// peer context stays bounded in later-round prompts.
func condense(lead string, points []string) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(lead))
	for _, p := range points {
		if b.Len() >= summaryLimit {
			break
		}
		b.WriteString("; ")
		b.WriteString(strings.TrimSpace(p))
	}
	s := b.String()
	if len(s) > summaryLimit {
		s = s[:summaryLimit] + "…"
	}
	return s
}
