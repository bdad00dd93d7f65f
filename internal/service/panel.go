package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quorum-ai/quorum/internal/adapter/otel"
	"github.com/quorum-ai/quorum/internal/adapter/ws"
	"github.com/quorum-ai/quorum/internal/config"
	"github.com/quorum-ai/quorum/internal/domain/review"
	"github.com/quorum-ai/quorum/internal/logger"
	"github.com/quorum-ai/quorum/internal/port/broadcast"
	"github.com/quorum-ai/quorum/internal/port/database"
	"github.com/quorum-ai/quorum/internal/port/gateway"
	"github.com/quorum-ai/quorum/internal/resilience"
)

// PanelRunner drives one review through the debate state machine:
// pending, rounds 1..N with fold and budget check after each, then
// report generation. A runner instance is shared across reviews; all
// per-review state lives in locals of Execute.
type PanelRunner struct {
	gw      gateway.Gateway
	retry   *resilience.RetryManager
	store   database.Store
	hub     broadcast.Broadcaster
	budget  *BudgetTracker
	cancels *CancelFlags
	metrics *otel.Metrics // may be nil
	gwCfg   config.Gateway
}

// NewPanelRunner creates a panel runner.
func NewPanelRunner(gw gateway.Gateway, retry *resilience.RetryManager, store database.Store,
	hub broadcast.Broadcaster, budget *BudgetTracker, cancels *CancelFlags,
	metrics *otel.Metrics, gwCfg config.Gateway) *PanelRunner {
	return &PanelRunner{
		gw:      gw,
		retry:   retry,
		store:   store,
		hub:     hub,
		budget:  budget,
		cancels: cancels,
		metrics: metrics,
		gwCfg:   gwCfg,
	}
}

// Execute runs the full pipeline for one review. The caller guarantees
// at most one active execution per review ID. The returned error is
// nil for every terminal outcome the pipeline itself absorbed
// (completed, failed, cancelled); only infrastructure errors that
// merit a task-level retry propagate.
func (p *PanelRunner) Execute(ctx context.Context, rev *review.Review, panel []review.PanelistConfig) error {
	ctx = logger.WithReviewID(ctx, rev.ID)
	ctx, span := otel.StartReviewSpan(ctx, rev.ID, "")
	defer span.End()

	start := time.Now()
	if p.metrics != nil {
		p.metrics.ReviewsStarted.Add(ctx, 1)
	}

	personas := make([]string, len(panel))
	for i, c := range panel {
		personas[i] = c.Persona
	}
	history := review.NewPanelHistory(personas)
	var allMetrics review.AllMetrics
	var executedRounds []int

	p.setStatus(ctx, rev, review.StatusInProgress, 0)
	p.publishStatus(ctx, rev, "processing", 0, "")

	configs := panel
	earlyStop := false

	for round := 1; round <= rev.TotalRounds && !earlyStop; round++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if p.cancels.Cancelled(rev.ID) {
			p.cancels.Clear(rev.ID)
			p.fail(ctx, rev, executedRounds, review.ErrCancelled)
			return nil
		}
		if p.budget.DailyExceeded(ctx) {
			p.fail(ctx, rev, executedRounds, fmt.Errorf("%w: daily cap spent", review.ErrBudgetExceeded))
			return nil
		}

		outcomes, roundMetrics, surviving := p.runRound(ctx, rev, round, configs, history)
		configs = surviving
		executedRounds = append(executedRounds, round)
		allMetrics = append(allMetrics, roundMetrics)

		allNoNew := true
		successes := 0
		for _, o := range outcomes {
			if !o.Success() {
				continue
			}
			successes++
			if !o.Output.NoNewArguments() {
				allNoNew = false
			}

			p.recordTurn(ctx, rev, round, o)
			if err := history.Fold(o.Persona, round, o.Output); err != nil {
				// Duplicate delivery of an already-folded turn.
				slog.Warn("history fold rejected", "review_id", rev.ID, "persona", o.Persona, "round", round, "error", err)
			}
		}

		if p.metrics != nil {
			p.metrics.RoundsExecuted.Add(ctx, 1)
			p.metrics.TokensUsed.Add(ctx, int64(roundMetrics.TokensUsed()))
			p.metrics.PanelistFailures.Add(ctx, int64(len(outcomes)-successes))
		}

		p.setStatus(ctx, rev, review.StatusInProgress, round)
		p.publishRound(ctx, rev, round, roundMetrics, successes, len(outcomes)-successes)

		if err := p.budget.CheckReview(allMetrics, rev.TokenBudget); err != nil {
			p.fail(ctx, rev, executedRounds, err)
			return nil
		}
		if err := p.budget.RecordUsage(ctx, roundMetrics.TokensUsed()); err != nil {
			p.fail(ctx, rev, executedRounds, err)
			return nil
		}

		// Convergence is only meaningful once panelists have seen each
		// other: evaluated after the rebuttal and synthesis rounds.
		if (round == review.RoundRebuttal || round == review.RoundSynthesis) &&
			successes > 0 && allNoNew {
			earlyStop = true
			p.publishEarlyStop(ctx, rev, round, executedRounds)
		}

		if successes == 0 {
			p.fail(ctx, rev, executedRounds, fmt.Errorf("round %d produced no valid panelist output", round))
			return nil
		}
	}

	report, err := p.generateReport(ctx, rev, history, executedRounds)
	if err != nil {
		slog.Error("report generation failed", "review_id", rev.ID, "error", err)
		p.fail(ctx, rev, executedRounds, errors.New("report generation failed"))
		return nil
	}
	report.ExecutedRounds = executedRounds

	if err := p.store.SaveFinalReport(ctx, rev.ID, report); err != nil {
		slog.Error("final report persist failed", "review_id", rev.ID, "error", err)
		p.fail(ctx, rev, executedRounds, errors.New("report persistence failed"))
		return nil
	}

	p.appendDigest(ctx, rev, report)
	p.complete(ctx, rev)
	p.cancels.Clear(rev.ID)

	if p.metrics != nil {
		p.metrics.ReviewsCompleted.Add(ctx, 1)
		p.metrics.ReviewDuration.Record(ctx, time.Since(start).Seconds())
	}
	return nil
}

// runRound executes one debate round: concurrent panelist dispatch,
// then one fallback attempt per failed non-default-provider panelist.
// Returns the turn outcomes, the round's metrics, and the surviving
// configs (fallback replacements applied) for subsequent rounds.
func (p *PanelRunner) runRound(ctx context.Context, rev *review.Review, round int,
	configs []review.PanelistConfig, history *review.PanelHistory) ([]review.TurnOutcome, review.RoundMetrics, []review.PanelistConfig) {

	ctx, span := otel.StartRoundSpan(ctx, rev.ID, round, review.StageName(round))
	defer span.End()
	start := time.Now()

	primary := make([]review.TurnOutcome, len(configs))
	var wg sync.WaitGroup
	for i, cfg := range configs {
		wg.Add(1)
		go func(i int, cfg review.PanelistConfig) {
			defer wg.Done()
			prompt := buildRoundPrompt(rev, cfg.Persona, round, history)
			primary[i] = p.callPanelist(ctx, round, cfg, prompt, false)
		}(i, cfg)
	}
	wg.Wait()

	outcomes := make([]review.TurnOutcome, 0, len(configs)+1)
	metrics := review.RoundMetrics{Round: round}
	surviving := append([]review.PanelistConfig(nil), configs...)

	// Fallback pass: one extra attempt on the default provider for
	// panelists whose provider call failed. Default-provider panelists
	// get no fallback; they are the fallback target.
	type fallbackSlot struct {
		idx int
		cfg review.PanelistConfig
	}
	var slots []fallbackSlot
	for i, o := range primary {
		outcomes = append(outcomes, o)
		metrics.Outcomes = append(metrics.Outcomes, o.Metric())
		if o.ProviderErr != nil && configs[i].Provider != p.gwCfg.DefaultProvider {
			slots = append(slots, fallbackSlot{i, configs[i].Fallback(p.gwCfg.DefaultProvider, p.gwCfg.DefaultModel)})
		}
	}

	if len(slots) > 0 {
		fallbacks := make([]review.TurnOutcome, len(slots))
		var fwg sync.WaitGroup
		for j, slot := range slots {
			fwg.Add(1)
			go func(j int, slot fallbackSlot) {
				defer fwg.Done()
				prompt := buildRoundPrompt(rev, slot.cfg.Persona, round, history)
				fallbacks[j] = p.callPanelist(ctx, round, slot.cfg, prompt, true)
			}(j, slot)
		}
		fwg.Wait()

		for j, slot := range slots {
			o := fallbacks[j]
			outcomes = append(outcomes, o)
			metrics.Outcomes = append(metrics.Outcomes, o.Metric())
			if o.Success() {
				surviving[slot.idx] = slot.cfg
			}
			if p.metrics != nil {
				p.metrics.Fallbacks.Add(ctx, 1)
			}
		}
	}

	if p.metrics != nil {
		p.metrics.RoundDuration.Record(ctx, time.Since(start).Seconds())
	}
	return outcomes, metrics, surviving
}

// callPanelist performs one panelist turn: retry-managed provider call
// then schema validation of the response.
func (p *PanelRunner) callPanelist(ctx context.Context, round int, cfg review.PanelistConfig, prompt string, isFallback bool) review.TurnOutcome {
	ctx, span := otel.StartPanelistSpan(ctx, cfg.Persona, cfg.Provider, cfg.Model)
	defer span.End()

	outcome := review.TurnOutcome{
		Persona:  cfg.Persona,
		Provider: cfg.Provider,
		Fallback: isFallback,
	}

	callCtx := ctx
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	var result *gateway.Result
	err := p.retry.Execute(callCtx, cfg.Provider, cfg.MaxRetries, func(ctx context.Context) error {
		res, err := p.gw.Invoke(ctx, gateway.Request{
			Model:        cfg.Model,
			SystemPrompt: panelistSystemPrompt(cfg),
			UserPrompt:   prompt,
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
		slog.Warn("panelist call failed",
			"persona", cfg.Persona, "provider", cfg.Provider, "round", round,
			"fallback", isFallback, "error", err)
		outcome.ProviderErr = err
		return outcome
	}

	outcome.RawContent = []byte(result.Content)
	outcome.TokensUsed = result.Usage.TotalTokens

	out, err := review.DecodeRoundOutput(round, cfg.Persona, outcome.RawContent)
	if err != nil {
		var verr *review.ValidationError
		if errors.As(err, &verr) {
			outcome.ValidationErr = verr
		} else {
			outcome.ValidationErr = &review.ValidationError{Round: round, Persona: cfg.Persona, Reason: err.Error()}
		}
		slog.Warn("panelist output invalid",
			"persona", cfg.Persona, "round", round, "error", err)
		return outcome
	}

	outcome.Output = out
	return outcome
}

// recordTurn persists a successful panelist turn and publishes it on
// the review channel. Both are best-effort.
func (p *PanelRunner) recordTurn(ctx context.Context, rev *review.Review, round int, o review.TurnOutcome) {
	rec := &review.ConversationRecord{
		ID:       uuid.New().String(),
		ReviewID: rev.ID,
		Persona:  o.Persona,
		Round:    round,
		Content:  o.RawContent,
		At:       time.Now().UTC(),
	}
	if err := p.store.AppendRecord(ctx, rec); err != nil {
		slog.Error("conversation record persist failed", "review_id", rev.ID, "persona", o.Persona, "error", err)
	}

	p.hub.Publish(ctx, rev.ID, ws.EventPanelistTurn, ws.PanelistTurnEvent{
		ReviewID: rev.ID,
		Round:    round,
		Persona:  o.Persona,
		Provider: o.Provider,
		Fallback: o.Fallback,
		Output:   o.Output,
	}, &broadcast.Meta{TS: time.Now().UnixMilli(), Round: round, Actor: o.Persona, ReviewID: rev.ID, DeliveryKind: "live"})
}

// setStatus persists the review's status and round. Persistence
// failure is logged and swallowed; pipeline progress is in-memory.
func (p *PanelRunner) setStatus(ctx context.Context, rev *review.Review, status review.Status, round int) {
	rev.Status = status
	if round > rev.CurrentRound {
		rev.CurrentRound = round
	}
	upd := database.ReviewUpdate{Status: &status}
	if round > 0 {
		upd.CurrentRound = &round
	}
	if status.Terminal() {
		upd.Completed = true
	}
	if err := p.store.UpdateReview(ctx, rev.ID, upd); err != nil {
		slog.Error("review status persist failed", "review_id", rev.ID, "status", status, "error", err)
	}
}

// publishStatus logs a status event and broadcasts it.
func (p *PanelRunner) publishStatus(ctx context.Context, rev *review.Review, stage string, round int, errMsg string) {
	ev := ws.ReviewStatusEvent{
		ReviewID: rev.ID,
		Status:   string(rev.Status),
		Stage:    stage,
		Round:    round,
		Error:    errMsg,
	}
	p.logEvent(ctx, rev, ws.EventReviewStatus, round, ev)
	p.hub.Publish(ctx, rev.ID, ws.EventReviewStatus, ev,
		&broadcast.Meta{TS: time.Now().UnixMilli(), Round: round, ReviewID: rev.ID, DeliveryKind: "live"})
}

func (p *PanelRunner) publishRound(ctx context.Context, rev *review.Review, round int, m review.RoundMetrics, successes, failures int) {
	ev := ws.RoundCompleteEvent{
		ReviewID:  rev.ID,
		Round:     round,
		Stage:     review.StageName(round),
		Successes: successes,
		Failures:  failures,
		Tokens:    m.TokensUsed(),
	}
	p.logEvent(ctx, rev, ws.EventRoundComplete, round, ev)
	p.hub.Publish(ctx, rev.ID, ws.EventRoundComplete, ev,
		&broadcast.Meta{TS: time.Now().UnixMilli(), Round: round, ReviewID: rev.ID, DeliveryKind: "live"})
}

func (p *PanelRunner) publishEarlyStop(ctx context.Context, rev *review.Review, round int, executedRounds []int) {
	ev := ws.EarlyStopEvent{
		ReviewID:       rev.ID,
		Round:          round,
		ExecutedRounds: append([]int(nil), executedRounds...),
	}
	p.logEvent(ctx, rev, ws.EventEarlyStop, round, ev)
	p.hub.Publish(ctx, rev.ID, ws.EventEarlyStop, ev,
		&broadcast.Meta{TS: time.Now().UnixMilli(), Round: round, ReviewID: rev.ID, DeliveryKind: "live"})
}

// logEvent appends one entry to the persisted status history.
func (p *PanelRunner) logEvent(ctx context.Context, rev *review.Review, eventType string, round int, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	ev := &review.StatusEvent{
		ID:       uuid.New().String(),
		ReviewID: rev.ID,
		Type:     eventType,
		Round:    round,
		Payload:  data,
		At:       time.Now().UTC(),
	}
	if err := p.store.LogEvent(ctx, ev); err != nil {
		slog.Error("status event persist failed", "review_id", rev.ID, "type", eventType, "error", err)
	}
}

// fail transitions the review to its absorbing failed state, recording
// a redacted error in the final report.
func (p *PanelRunner) fail(ctx context.Context, rev *review.Review, executedRounds []int, cause error) {
	slog.Error("review failed", "review_id", rev.ID, "executed_rounds", executedRounds, "error", cause)

	report := rev.FinalReport
	if report == nil {
		report = &review.FinalReport{}
	}
	report.ExecutedRounds = executedRounds
	report.Error = redactError(cause)
	if err := p.store.SaveFinalReport(ctx, rev.ID, report); err != nil {
		slog.Error("failure report persist failed", "review_id", rev.ID, "error", err)
	}

	p.setStatus(ctx, rev, review.StatusFailed, 0)
	p.publishStatus(ctx, rev, "failed", rev.CurrentRound, report.Error)
	p.cancels.Clear(rev.ID)

	if p.metrics != nil {
		p.metrics.ReviewsFailed.Add(ctx, 1)
	}
}

func (p *PanelRunner) complete(ctx context.Context, rev *review.Review) {
	p.setStatus(ctx, rev, review.StatusCompleted, 0)
	p.publishStatus(ctx, rev, "completed", rev.CurrentRound, "")

	ev := ws.ReportReadyEvent{ReviewID: rev.ID}
	p.logEvent(ctx, rev, ws.EventReportReady, 0, ev)
	p.hub.Publish(ctx, rev.ID, ws.EventReportReady, ev,
		&broadcast.Meta{TS: time.Now().UnixMilli(), ReviewID: rev.ID, DeliveryKind: "live"})
}

// redactError maps internal failures to the user-visible description.
// Budget and cancellation causes are explicit; everything else is
// generic so raw provider errors never reach end users.
func redactError(err error) string {
	switch {
	case errors.Is(err, review.ErrBudgetExceeded):
		return err.Error()
	case errors.Is(err, review.ErrCancelled):
		return "review cancelled"
	default:
		return "internal error during review execution"
	}
}
