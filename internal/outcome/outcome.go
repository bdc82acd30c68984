// Package outcome infers auction results from the event ledger. Outcomes are
// heuristic: each write carries a confidence score and the method that
// produced it.
package outcome

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/gavelworks/lotsync/internal/config"
	"github.com/gavelworks/lotsync/internal/model"
	"github.com/gavelworks/lotsync/internal/monitoring"
	"github.com/gavelworks/lotsync/internal/store"
)

// Method names recorded alongside each resolved outcome.
const (
	MethodGraceElapsed   = "grace_elapsed"
	MethodRelisted       = "relisted"
	MethodApprovalWindow = "approval_window"
)

// Decision is the proposed outcome for one lot.
type Decision struct {
	Outcome    model.Outcome
	Confidence float64
	Method     string
}

// Decide evaluates one lot against its event history. It is a pure function
// of its inputs; the second return is false when no outcome can be inferred
// yet.
//
// A relisted event naming the lot as the prior listing always yields
// not_sold, even over a previously terminal sold. That is the only
// permitted regression: the relist is direct evidence the earlier
// inference was wrong.
func Decide(lot *model.Lot, events []model.AuctionEvent, rules config.ResolverConfig, asOf time.Time) (Decision, bool) {
	for _, ev := range events {
		if ev.Type == model.EventRelisted && ev.ExternalLotID == lot.ExternalLotID {
			return Decision{
				Outcome:    model.OutcomeNotSold,
				Confidence: rules.NotSoldConfidence,
				Method:     MethodRelisted,
			}, true
		}
	}

	if lot.Outcome.Terminal() {
		return Decision{}, false
	}

	// Events arrive in ledger order. A reappearance under the same id voids
	// the earlier disappearance: the lot is back on the block.
	var disappearedAt *time.Time
	for _, ev := range events {
		if ev.ExternalLotID != lot.ExternalLotID {
			continue
		}
		switch ev.Type {
		case model.EventDisappeared:
			t := ev.OccurredAt
			disappearedAt = &t
		case model.EventAppeared:
			disappearedAt = nil
		}
	}
	if disappearedAt == nil {
		return Decision{}, false
	}

	// The scheduled auction time anchors the waiting windows; when the source
	// never provided one, the disappearance itself does.
	anchor := *disappearedAt
	if lot.AuctionAt != nil {
		anchor = *lot.AuctionAt
	}

	// Reserve lots wait out the longer approval window instead of the sold
	// grace period. Once the window passes with no relist, the lot is pending
	// seller approval; a later relist still flips it to not_sold.
	if lot.OnApproval {
		if !asOf.After(anchor.Add(rules.ApprovalWindow())) {
			return Decision{}, false
		}
		if lot.Outcome == model.OutcomeOnApproval {
			return Decision{}, false
		}
		return Decision{
			Outcome:    model.OutcomeOnApproval,
			Confidence: rules.OnApprovalConfidence,
			Method:     MethodApprovalWindow,
		}, true
	}

	if !asOf.After(anchor.Add(rules.GracePeriod())) {
		return Decision{}, false
	}

	return Decision{
		Outcome:    model.OutcomeSold,
		Confidence: rules.SoldConfidence,
		Method:     MethodGraceElapsed,
	}, true
}

// Options configures one resolver run.
type Options struct {
	// DryRun computes decisions without writing them.
	DryRun bool

	// Lot restricts the run to a single external lot id.
	Lot string
}

// Report summarizes one resolver run.
type Report struct {
	Examined   int  `json:"examined"`
	Sold       int  `json:"sold"`
	NotSold    int  `json:"not_sold"`
	OnApproval int  `json:"on_approval"`
	Relinked   int  `json:"relinked"`
	Unchanged  int  `json:"unchanged"`
	DryRun     bool `json:"dry_run"`
}

// Resolver applies outcome heuristics to candidate lots.
type Resolver struct {
	st    store.Store
	rules config.ResolverConfig
	log   *zap.Logger
}

// NewResolver builds a resolver with the given rules.
func NewResolver(st store.Store, rules config.ResolverConfig) *Resolver {
	return &Resolver{
		st:    st,
		rules: rules,
		log:   zap.L().With(zap.String("component", "outcome")),
	}
}

// Resolve examines candidate lots as of the given time and persists any newly
// inferred outcomes. Re-running with unchanged evidence writes nothing.
func (r *Resolver) Resolve(ctx context.Context, asOf time.Time, opts Options) (*Report, error) {
	if opts.DryRun {
		return r.run(ctx, asOf, opts)
	}

	release, err := r.st.AcquireStageLock(ctx, "resolve")
	if err != nil {
		return nil, eris.Wrap(err, "outcome: acquire stage lock")
	}
	defer release()

	runID, err := r.st.StartRun(ctx, "resolve", opts.Lot)
	if err != nil {
		return nil, eris.Wrap(err, "outcome: start run")
	}

	report, err := r.run(ctx, asOf, opts)
	if err != nil {
		if failErr := r.st.FailRun(ctx, runID, err.Error()); failErr != nil {
			r.log.Error("failed to record run failure", zap.Error(failErr))
		}
		return nil, err
	}

	stats := &store.RunStats{
		Rows: int64(report.Examined),
		Metadata: map[string]any{
			"sold":        report.Sold,
			"not_sold":    report.NotSold,
			"on_approval": report.OnApproval,
			"relinked":    report.Relinked,
		},
	}
	if err := r.st.CompleteRun(ctx, runID, stats); err != nil {
		r.log.Error("failed to record run completion", zap.Error(err))
	}

	r.log.Info("outcome resolution complete",
		zap.Int("examined", report.Examined),
		zap.Int("sold", report.Sold),
		zap.Int("not_sold", report.NotSold),
		zap.Int("on_approval", report.OnApproval),
	)

	return report, nil
}

func (r *Resolver) run(ctx context.Context, asOf time.Time, opts Options) (*Report, error) {
	report := &Report{DryRun: opts.DryRun}

	// Relists settle first: a relist is direct evidence about the prior
	// listing, and the prior lot may already be terminal and outside the
	// candidate set below.
	relists, err := r.st.UnsettledRelists(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "outcome: load unsettled relists")
	}
	settled := make(map[string]bool)
	for _, ev := range relists {
		if ev.RelatedLotID == nil {
			continue
		}
		if opts.Lot != "" && ev.ExternalLotID != opts.Lot && *ev.RelatedLotID != opts.Lot {
			continue
		}
		if err := r.settleRelistedPrior(ctx, ev.ExternalLotID, *ev.RelatedLotID, ev.OccurredAt, asOf, opts.DryRun, report); err != nil {
			return nil, err
		}
		settled[ev.ExternalLotID] = true
	}

	var lots []model.Lot
	if opts.Lot != "" {
		lot, err := r.st.GetLot(ctx, opts.Lot)
		if err != nil {
			return nil, eris.Wrapf(err, "outcome: load lot %s", opts.Lot)
		}
		if lot == nil {
			return nil, eris.Errorf("outcome: lot %s not found", opts.Lot)
		}
		lots = []model.Lot{*lot}
	} else {
		var err error
		lots, err = r.st.LotsForOutcome(ctx, asOf)
		if err != nil {
			return nil, eris.Wrap(err, "outcome: load candidate lots")
		}
	}

	for i := range lots {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		if settled[lots[i].ExternalLotID] {
			continue
		}
		if err := r.resolveLot(ctx, &lots[i], asOf, opts.DryRun, report); err != nil {
			return nil, err
		}
	}

	return report, nil
}

func (r *Resolver) resolveLot(ctx context.Context, lot *model.Lot, asOf time.Time, dryRun bool, report *Report) error {
	report.Examined++

	events, err := r.st.EventsForLot(ctx, lot.ExternalLotID)
	if err != nil {
		return eris.Wrapf(err, "outcome: events for lot %s", lot.ExternalLotID)
	}

	decision, ok := Decide(lot, events, r.rules, asOf)
	if !ok || decision.Confidence < r.rules.ConfidenceFloor {
		report.Unchanged++
		return nil
	}
	if decision.Outcome == lot.Outcome && decision.Method == lot.OutcomeMethod {
		report.Unchanged++
		return nil
	}

	r.countDecision(report, decision.Outcome)
	if dryRun {
		return nil
	}

	if err := r.st.UpdateLotOutcome(ctx, lot.ExternalLotID, decision.Outcome, decision.Confidence, asOf, decision.Method); err != nil {
		return eris.Wrapf(err, "outcome: update lot %s", lot.ExternalLotID)
	}
	monitoring.Engine().IncOutcomeResolved(string(decision.Outcome))

	r.log.Info("outcome resolved",
		zap.String("external_lot_id", lot.ExternalLotID),
		zap.String("outcome", string(decision.Outcome)),
		zap.Float64("confidence", decision.Confidence),
		zap.String("method", decision.Method),
	)

	return nil
}

// settleRelistedPrior marks the prior listing not_sold and links the relist
// chain on the newer one. Both writes are idempotent.
func (r *Resolver) settleRelistedPrior(ctx context.Context, prevLotID, newLotID string, occurredAt, asOf time.Time, dryRun bool, report *Report) error {
	prev, err := r.st.GetLot(ctx, prevLotID)
	if err != nil {
		return eris.Wrapf(err, "outcome: load prior lot %s", prevLotID)
	}
	if prev == nil {
		return nil
	}

	if prev.Outcome != model.OutcomeNotSold {
		r.countDecision(report, model.OutcomeNotSold)
		if !dryRun {
			if err := r.st.UpdateLotOutcome(ctx, prevLotID, model.OutcomeNotSold, r.rules.NotSoldConfidence, asOf, MethodRelisted); err != nil {
				return eris.Wrapf(err, "outcome: update prior lot %s", prevLotID)
			}
			monitoring.Engine().IncOutcomeResolved(string(model.OutcomeNotSold))
			r.log.Info("prior listing settled by relist",
				zap.String("external_lot_id", prevLotID),
				zap.String("relisted_as", newLotID),
			)
		}
	}

	if !dryRun {
		if err := r.st.LinkRelist(ctx, prevLotID, newLotID, occurredAt); err != nil {
			return eris.Wrapf(err, "outcome: link relist %s -> %s", prevLotID, newLotID)
		}
	}
	report.Relinked++

	return nil
}

func (r *Resolver) countDecision(report *Report, o model.Outcome) {
	switch o {
	case model.OutcomeSold:
		report.Sold++
	case model.OutcomeNotSold:
		report.NotSold++
	case model.OutcomeOnApproval:
		report.OnApproval++
	}
}
