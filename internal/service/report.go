package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"text/template"
	"time"

	"github.com/google/uuid"

	"github.com/quorum-ai/quorum/internal/adapter/otel"
	"github.com/quorum-ai/quorum/internal/domain/review"
	"github.com/quorum-ai/quorum/internal/port/gateway"
)

// generateReport asks the report model to synthesize the panel history
// into the final report. The report call goes through the retry
// manager like any provider call.
func (p *PanelRunner) generateReport(ctx context.Context, rev *review.Review,
	history *review.PanelHistory, executedRounds []int) (*review.FinalReport, error) {

	ctx, span := otel.StartReportSpan(ctx, rev.ID)
	defer span.End()

	p.publishStatus(ctx, rev, "report_generation", rev.CurrentRound, "")

	model := p.gwCfg.ReportModel
	if model == "" {
		model = p.gwCfg.DefaultModel
	}

	var result *gateway.Result
	err := p.retry.Execute(ctx, p.gwCfg.DefaultProvider, 1, func(ctx context.Context) error {
		res, err := p.gw.Invoke(ctx, gateway.Request{
			Model:        model,
			SystemPrompt: reportSystemPrompt,
			UserPrompt:   buildReportPrompt(rev, history, executedRounds),
			RequestID:    uuid.New().String(),
			Format:       gateway.FormatJSON,
		})
		if err != nil {
			return err
		}
		result = res
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("report model call: %w", err)
	}

	var report review.FinalReport
	if err := json.Unmarshal([]byte(result.Content), &report); err != nil {
		return nil, fmt.Errorf("decode report: %w", err)
	}
	if report.ExecutiveSummary == "" {
		return nil, errors.New("report missing executive_summary")
	}

	if p.metrics != nil {
		p.metrics.TokensUsed.Add(ctx, int64(result.Usage.TotalTokens))
	}
	if err := p.budget.RecordUsage(ctx, result.Usage.TotalTokens); err != nil {
		// The debate already finished; log the overrun but keep the report.
		slog.Warn("daily budget exceeded by report generation", "review_id", rev.ID, "error", err)
	}

	return &report, nil
}

var digestTemplate = template.Must(template.New("digest").Parse(`# Review Report

{{.ExecutiveSummary}}

## Strongest consensus
{{range .StrongestConsensus}}- {{.}}
{{end}}
## Remaining disagreements
{{range .RemainingDisagreements}}- {{.}}
{{end}}
## Recommendations
{{range .Recommendations}}- {{.}}
{{end}}
Rounds executed: {{.ExecutedRounds}}
`))

// appendDigest renders the human-readable report digest and appends it
// as a conversation record. Best-effort.
func (p *PanelRunner) appendDigest(ctx context.Context, rev *review.Review, report *review.FinalReport) {
	var buf bytes.Buffer
	if err := digestTemplate.Execute(&buf, report); err != nil {
		slog.Error("report digest render failed", "review_id", rev.ID, "error", err)
		return
	}

	rec := &review.ConversationRecord{
		ID:       uuid.New().String(),
		ReviewID: rev.ID,
		Persona:  "moderator",
		Round:    0,
		Content:  buf.Bytes(),
		At:       time.Now().UTC(),
	}
	if err := p.store.AppendRecord(ctx, rec); err != nil {
		slog.Error("report digest persist failed", "review_id", rev.ID, "error", err)
	}
}
