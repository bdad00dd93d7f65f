package service

import (
	"strings"
	"testing"

	"github.com/quorum-ai/quorum/internal/domain/review"
)

func promptHistory(t *testing.T, personas []string) *review.PanelHistory {
	t.Helper()
	return review.NewPanelHistory(personas)
}

func TestBuildRoundPrompt_OwnPriorOutputInFull(t *testing.T) {
	longPosition := strings.Repeat("event sourcing keeps an audit trail for free. ", 40)

	h := promptHistory(t, []string{"architect", "skeptic"})
	if err := h.Fold("architect", review.RoundInitialAnalysis, review.InitialAnalysis{
		Position:     longPosition,
		KeyArguments: []string{"auditability", "replay"},
	}); err != nil {
		t.Fatalf("fold: %v", err)
	}

	rev := &review.Review{ID: "rev-1", Topic: "adopt event sourcing", TotalRounds: 4}
	prompt := buildRoundPrompt(rev, "architect", review.RoundRebuttal, h)

	if !strings.Contains(prompt, longPosition) {
		t.Fatal("round prompt lost the panelist's full prior position")
	}
}

func TestBuildRoundPrompt_PeersAreCondensed(t *testing.T) {
	longPosition := strings.Repeat("strong claim with lots of supporting prose. ", 40)

	h := promptHistory(t, []string{"architect", "skeptic"})
	for _, p := range []string{"architect", "skeptic"} {
		if err := h.Fold(p, review.RoundInitialAnalysis, review.InitialAnalysis{
			Position:     longPosition,
			KeyArguments: []string{"one", "two"},
		}); err != nil {
			t.Fatalf("fold %s: %v", p, err)
		}
	}

	rev := &review.Review{ID: "rev-1", Topic: "adopt event sourcing", TotalRounds: 4}
	prompt := buildRoundPrompt(rev, "architect", review.RoundRebuttal, h)

	// The peer section carries only the digest, never the full text.
	peerSection := prompt[strings.Index(prompt, "Other panelists last round:"):]
	if strings.Contains(peerSection, longPosition) {
		t.Fatal("peer output should be condensed in the round prompt")
	}
	if !strings.Contains(peerSection, "skeptic") {
		t.Fatal("peer section is missing the skeptic's summary")
	}
}

func TestBuildReportPrompt_FullTranscript(t *testing.T) {
	longProposal := strings.Repeat("converge on a phased rollout behind a flag. ", 40)

	h := promptHistory(t, []string{"architect"})
	if err := h.Fold("architect", review.RoundInitialAnalysis, review.InitialAnalysis{
		Position: "initial take", KeyArguments: []string{"a"},
	}); err != nil {
		t.Fatalf("fold round 1: %v", err)
	}
	if err := h.Fold("architect", review.RoundRebuttal, review.Rebuttal{
		RevisedView: "revised take", Agreements: []string{"b"},
	}); err != nil {
		t.Fatalf("fold round 2: %v", err)
	}
	if err := h.Fold("architect", review.RoundSynthesis, review.Synthesis{
		Proposal: longProposal, ConsensusPoints: []string{"c"},
	}); err != nil {
		t.Fatalf("fold round 3: %v", err)
	}

	rev := &review.Review{ID: "rev-1", Topic: "adopt event sourcing", TotalRounds: 4}
	prompt := buildReportPrompt(rev, h, []int{1, 2, 3})

	if !strings.Contains(prompt, longProposal) {
		t.Fatal("report prompt lost the full synthesis proposal")
	}
	for _, fragment := range []string{"initial take", "revised take"} {
		if !strings.Contains(prompt, fragment) {
			t.Fatalf("report prompt is missing transcript fragment %q", fragment)
		}
	}
}
