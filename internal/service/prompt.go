package service

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/quorum-ai/quorum/internal/domain/review"
)

// renderFull serializes a round output back to its schema JSON so a
// panelist (and the report model) sees the complete prior text, not
// the condensed peer digest.
func renderFull(out review.RoundOutput) string {
	data, err := json.Marshal(out)
	if err != nil {
		return out.Summary()
	}
	return string(data)
}

// roundSchemas describes, per round, the JSON shape panelists must
// return. Kept as prompt text so the model and DecodeRoundOutput agree.
var roundSchemas = map[int]string{
	review.RoundInitialAnalysis: `{"position": string, "key_arguments": [string], "risks": [string], "no_new_arguments": bool}`,
	review.RoundRebuttal:        `{"agreements": [string], "disagreements": [string], "rebuttals": [string], "revised_view": string, "no_new_arguments": bool}`,
	review.RoundSynthesis:       `{"consensus_points": [string], "open_points": [string], "proposal": string, "no_new_arguments": bool}`,
	review.RoundResolution:      `{"final_position": string, "concessions": [string], "held_positions": [string], "no_new_arguments": bool}`,
}

var roundInstructions = map[int]string{
	review.RoundInitialAnalysis: "State your initial position on the topic with your strongest arguments and the risks you see.",
	review.RoundRebuttal:        "Respond to the other panelists: where do you agree, where do you disagree, and how does your view change? Set no_new_arguments to true only if you have nothing new to add.",
	review.RoundSynthesis:       "Identify the points of consensus and propose a concrete resolution. Set no_new_arguments to true only if you have nothing new to add.",
	review.RoundResolution:      "Give your final position. Name the concessions you make and the positions you hold against the panel.",
}

// buildRoundPrompt assembles the user prompt for one panelist turn.
// Context grows round over round: the panelist sees its own full prior
// output and condensed summaries of every peer, never peers' full
// text, to keep prompt size bounded.
func buildRoundPrompt(rev *review.Review, persona string, round int, history *review.PanelHistory) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Review topic: %s\n", rev.Topic)
	if rev.Instruction != "" {
		fmt.Fprintf(&b, "Instruction: %s\n", rev.Instruction)
	}
	fmt.Fprintf(&b, "Debate stage: %s (round %d of %d)\n", review.StageName(round), round, rev.TotalRounds)

	if round > review.RoundInitialAnalysis {
		if own := history.ByPersona(persona, round-1); len(own) > 0 {
			b.WriteString("\nYour previous contributions, in full:\n")
			for _, out := range own {
				fmt.Fprintf(&b, "- [%s] %s\n", review.StageName(out.Round()), renderFull(out))
			}
		}

		prior := history.RoundOutputs(round - 1)
		var peers []string
		for _, p := range history.Personas() {
			if p == persona {
				continue
			}
			if out, ok := prior[p]; ok {
				peers = append(peers, fmt.Sprintf("- %s: %s", p, out.Summary()))
			}
		}
		if len(peers) > 0 {
			b.WriteString("\nOther panelists last round:\n")
			b.WriteString(strings.Join(peers, "\n"))
			b.WriteString("\n")
		}
	}

	fmt.Fprintf(&b, "\n%s\n", roundInstructions[round])
	fmt.Fprintf(&b, "Respond with a single JSON object matching exactly this schema, no prose outside it:\n%s\n", roundSchemas[round])

	return b.String()
}

// panelistSystemPrompt returns the system prompt for a panelist,
// prefixing the persona identity.
func panelistSystemPrompt(cfg review.PanelistConfig) string {
	base := fmt.Sprintf("You are %s, one member of an expert review panel.", cfg.Persona)
	if cfg.SystemPrompt != "" {
		return base + " " + cfg.SystemPrompt
	}
	return base
}

// buildReportPrompt assembles the report-model prompt from the full
// panel history, grouped by persona with rounds in order.
func buildReportPrompt(rev *review.Review, history *review.PanelHistory, executedRounds []int) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Review topic: %s\n", rev.Topic)
	if rev.Instruction != "" {
		fmt.Fprintf(&b, "Instruction: %s\n", rev.Instruction)
	}
	fmt.Fprintf(&b, "Executed rounds: %v\n\n", executedRounds)
	b.WriteString("Panel debate transcript:\n")

	maxRound := 0
	for _, r := range executedRounds {
		if r > maxRound {
			maxRound = r
		}
	}

	for _, persona := range history.Personas() {
		fmt.Fprintf(&b, "\n## %s\n", persona)
		for _, out := range history.ByPersona(persona, maxRound) {
			fmt.Fprintf(&b, "- [%s] %s\n", review.StageName(out.Round()), renderFull(out))
		}
	}

	b.WriteString("\nWrite the final review report. Respond with a single JSON object matching exactly this schema, no prose outside it:\n")
	b.WriteString(`{"executive_summary": string, "strongest_consensus": [string], "remaining_disagreements": [string], "recommendations": [string]}`)
	b.WriteString("\n")

	return b.String()
}

const reportSystemPrompt = "You are the moderator of an expert review panel. Synthesize the panel's debate into a balanced final report. Be faithful to what the panelists actually argued."
