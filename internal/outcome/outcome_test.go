package outcome

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gavelworks/lotsync/internal/config"
	"github.com/gavelworks/lotsync/internal/model"
	"github.com/gavelworks/lotsync/internal/store"
)

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	s, err := store.NewSQLite(":memory:")
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { s.Close() })
	return s
}

func defaultRules() config.ResolverConfig {
	return config.ResolverConfig{
		GraceHours:           24,
		ApprovalDays:         7,
		SoldConfidence:       0.85,
		NotSoldConfidence:    0.95,
		OnApprovalConfidence: 0.60,
		ConfidenceFloor:      0.50,
	}
}

func seedLot(t *testing.T, st store.Store, lot *model.Lot) {
	t.Helper()
	if lot.SourceRevisionAt.IsZero() {
		lot.SourceRevisionAt = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	}
	lot.UpdatedAt = time.Now().UTC()
	_, err := st.UpsertLot(context.Background(), lot)
	require.NoError(t, err)
}

func seedEvents(t *testing.T, st store.Store, events []model.AuctionEvent) {
	t.Helper()
	for i := range events {
		if events[i].ID == "" {
			events[i].ID = uuid.New().String()
		}
		if events[i].SnapshotID == "" {
			events[i].SnapshotID = uuid.New().String()
		}
	}
	require.NoError(t, st.InsertEvents(context.Background(), events))
}

func TestDecide_GraceBoundary(t *testing.T) {
	rules := defaultRules()
	auctionAt := time.Date(2026, 3, 5, 12, 0, 0, 0, time.UTC)
	disappeared := []model.AuctionEvent{
		{Type: model.EventDisappeared, ExternalLotID: "L1", OccurredAt: auctionAt.Add(6 * time.Hour)},
	}
	lot := &model.Lot{ExternalLotID: "L1", AuctionAt: &auctionAt, Outcome: model.OutcomeUnknown}

	tests := []struct {
		name     string
		asOf     time.Time
		wantOK   bool
		wantSold bool
	}{
		{"one minute before grace elapses", auctionAt.Add(24*time.Hour - time.Minute), false, false},
		{"exactly at grace boundary", auctionAt.Add(24 * time.Hour), false, false},
		{"one minute after grace elapses", auctionAt.Add(24*time.Hour + time.Minute), true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, ok := Decide(lot, disappeared, rules, tt.asOf)
			assert.Equal(t, tt.wantOK, ok)
			if tt.wantSold {
				assert.Equal(t, model.OutcomeSold, d.Outcome)
				assert.Equal(t, 0.85, d.Confidence)
				assert.Equal(t, MethodGraceElapsed, d.Method)
			}
		})
	}
}

func TestDecide_DisappearanceAnchorsWhenUndated(t *testing.T) {
	rules := defaultRules()
	gone := time.Date(2026, 3, 5, 12, 0, 0, 0, time.UTC)
	lot := &model.Lot{ExternalLotID: "L1", Outcome: model.OutcomeUnknown}
	events := []model.AuctionEvent{
		{Type: model.EventDisappeared, ExternalLotID: "L1", OccurredAt: gone},
	}

	_, ok := Decide(lot, events, rules, gone.Add(12*time.Hour))
	assert.False(t, ok)

	d, ok := Decide(lot, events, rules, gone.Add(25*time.Hour))
	require.True(t, ok)
	assert.Equal(t, model.OutcomeSold, d.Outcome)
}

func TestDecide_NoDisappearanceNoDecision(t *testing.T) {
	rules := defaultRules()
	lot := &model.Lot{ExternalLotID: "L1", Outcome: model.OutcomeUnknown}
	events := []model.AuctionEvent{
		{Type: model.EventAppeared, ExternalLotID: "L1", OccurredAt: time.Now().UTC()},
	}
	_, ok := Decide(lot, events, rules, time.Now().UTC().Add(48*time.Hour))
	assert.False(t, ok)
}

func TestDecide_ReappearanceVoidsDisappearance(t *testing.T) {
	rules := defaultRules()
	auctionAt := time.Date(2026, 3, 5, 12, 0, 0, 0, time.UTC)
	lot := &model.Lot{ExternalLotID: "L1", AuctionAt: &auctionAt, Outcome: model.OutcomeUnknown}

	// The lot drops out of one snapshot and is back in the next under the
	// same id. With it back on the block, no grace period is running.
	events := []model.AuctionEvent{
		{Type: model.EventAppeared, ExternalLotID: "L1", OccurredAt: auctionAt.Add(-24 * time.Hour)},
		{Type: model.EventDisappeared, ExternalLotID: "L1", OccurredAt: auctionAt.Add(6 * time.Hour)},
		{Type: model.EventAppeared, ExternalLotID: "L1", OccurredAt: auctionAt.Add(12 * time.Hour)},
	}
	_, ok := Decide(lot, events, rules, auctionAt.Add(72*time.Hour))
	assert.False(t, ok)

	// A second disappearance starts the clock again.
	events = append(events, model.AuctionEvent{
		Type: model.EventDisappeared, ExternalLotID: "L1", OccurredAt: auctionAt.Add(48 * time.Hour),
	})
	d, ok := Decide(lot, events, rules, auctionAt.Add(72*time.Hour))
	require.True(t, ok)
	assert.Equal(t, model.OutcomeSold, d.Outcome)
}

func TestDecide_RelistOverridesSold(t *testing.T) {
	rules := defaultRules()
	newer := "L3"
	lot := &model.Lot{ExternalLotID: "L1", Outcome: model.OutcomeSold, OutcomeConfidence: 0.85}
	events := []model.AuctionEvent{
		{Type: model.EventDisappeared, ExternalLotID: "L1", OccurredAt: time.Date(2026, 3, 5, 12, 0, 0, 0, time.UTC)},
		{Type: model.EventRelisted, ExternalLotID: "L1", RelatedLotID: &newer, OccurredAt: time.Date(2026, 3, 10, 6, 0, 0, 0, time.UTC)},
	}

	d, ok := Decide(lot, events, rules, time.Date(2026, 3, 11, 0, 0, 0, 0, time.UTC))
	require.True(t, ok)
	assert.Equal(t, model.OutcomeNotSold, d.Outcome)
	assert.Equal(t, 0.95, d.Confidence)
	assert.Equal(t, MethodRelisted, d.Method)
}

func TestDecide_OnApprovalWindow(t *testing.T) {
	rules := defaultRules()
	auctionAt := time.Date(2026, 3, 5, 12, 0, 0, 0, time.UTC)
	events := []model.AuctionEvent{
		{Type: model.EventDisappeared, ExternalLotID: "L1", OccurredAt: auctionAt.Add(6 * time.Hour)},
	}
	lot := &model.Lot{ExternalLotID: "L1", AuctionAt: &auctionAt, OnApproval: true, Outcome: model.OutcomeUnknown}

	// Inside the window no determination is made, even past the sold grace.
	_, ok := Decide(lot, events, rules, auctionAt.Add(3*24*time.Hour))
	assert.False(t, ok)

	// Window elapsed without a relist: pending seller approval.
	d, ok := Decide(lot, events, rules, auctionAt.Add(8*24*time.Hour))
	require.True(t, ok)
	assert.Equal(t, model.OutcomeOnApproval, d.Outcome)
	assert.Equal(t, 0.60, d.Confidence)
	assert.Equal(t, MethodApprovalWindow, d.Method)

	// Already marked: nothing new to write on a re-run.
	pending := &model.Lot{ExternalLotID: "L1", AuctionAt: &auctionAt, OnApproval: true, Outcome: model.OutcomeOnApproval}
	_, ok = Decide(pending, events, rules, auctionAt.Add(9*24*time.Hour))
	assert.False(t, ok)

	// A relist after the on_approval determination still settles it not_sold.
	newer := "L9"
	relisted := append(events, model.AuctionEvent{
		Type: model.EventRelisted, ExternalLotID: "L1", RelatedLotID: &newer,
		OccurredAt: auctionAt.Add(10 * 24 * time.Hour),
	})
	d, ok = Decide(pending, relisted, rules, auctionAt.Add(11*24*time.Hour))
	require.True(t, ok)
	assert.Equal(t, model.OutcomeNotSold, d.Outcome)
}

func TestResolve_SoldAfterGrace(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	resolver := NewResolver(st, defaultRules())

	auctionAt := time.Date(2026, 3, 5, 12, 0, 0, 0, time.UTC)
	seedLot(t, st, &model.Lot{ExternalLotID: "L1", AuctionAt: &auctionAt, Status: "live"})
	seedEvents(t, st, []model.AuctionEvent{
		{Type: model.EventDisappeared, ExternalLotID: "L1", OccurredAt: auctionAt.Add(18 * time.Hour)},
	})

	asOf := auctionAt.Add(30 * time.Hour)
	rep, err := resolver.Resolve(ctx, asOf, Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Sold)

	lot, err := st.GetLot(ctx, "L1")
	require.NoError(t, err)
	require.NotNil(t, lot)
	assert.Equal(t, model.OutcomeSold, lot.Outcome)
	assert.Equal(t, 0.85, lot.OutcomeConfidence)
	assert.Equal(t, MethodGraceElapsed, lot.OutcomeMethod)
	require.NotNil(t, lot.OutcomeDeterminedAt)
	assert.True(t, lot.OutcomeDeterminedAt.Equal(asOf))

	// Terminal lots leave the candidate set; re-running writes nothing.
	rep, err = resolver.Resolve(ctx, asOf.Add(time.Hour), Options{})
	require.NoError(t, err)
	assert.Equal(t, 0, rep.Examined)
	assert.Equal(t, 0, rep.Sold)
}

func TestResolve_RelistSettlesPriorAndLinks(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	resolver := NewResolver(st, defaultRules())

	vin := "1M8GDM9AXKP042788"
	prior := time.Date(2026, 3, 5, 12, 0, 0, 0, time.UTC)
	relistedAt := time.Date(2026, 3, 12, 6, 0, 0, 0, time.UTC)
	laterAuction := time.Date(2026, 3, 19, 12, 0, 0, 0, time.UTC)

	seedLot(t, st, &model.Lot{ExternalLotID: "L1", VIN: &vin, AuctionAt: &prior, Status: "live"})
	seedLot(t, st, &model.Lot{ExternalLotID: "L3", VIN: &vin, AuctionAt: &laterAuction, Status: "live"})

	// L1 was wrongly inferred sold before the relist surfaced.
	require.NoError(t, st.UpdateLotOutcome(ctx, "L1", model.OutcomeSold, 0.85, prior.Add(30*time.Hour), MethodGraceElapsed))

	newer := "L3"
	seedEvents(t, st, []model.AuctionEvent{
		{Type: model.EventDisappeared, ExternalLotID: "L1", OccurredAt: relistedAt, VIN: &vin},
		{Type: model.EventAppeared, ExternalLotID: "L3", OccurredAt: relistedAt, VIN: &vin},
		{Type: model.EventRelisted, ExternalLotID: "L1", RelatedLotID: &newer, OccurredAt: relistedAt, VIN: &vin},
	})

	asOf := relistedAt.Add(time.Hour)
	rep, err := resolver.Resolve(ctx, asOf, Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, rep.NotSold)
	assert.Equal(t, 1, rep.Relinked)

	// The sold inference regresses to not_sold, the one permitted regression.
	l1, err := st.GetLot(ctx, "L1")
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeNotSold, l1.Outcome)
	assert.Equal(t, 0.95, l1.OutcomeConfidence)
	assert.Equal(t, MethodRelisted, l1.OutcomeMethod)

	l3, err := st.GetLot(ctx, "L3")
	require.NoError(t, err)
	require.NotNil(t, l3.PreviousLotID)
	assert.Equal(t, "L1", *l3.PreviousLotID)
	assert.Equal(t, 1, l3.RelistCount)

	// Idempotent: a second run neither rewrites nor re-counts the chain.
	rep, err = resolver.Resolve(ctx, asOf.Add(time.Hour), Options{})
	require.NoError(t, err)
	assert.Equal(t, 0, rep.NotSold)

	l3, err = st.GetLot(ctx, "L3")
	require.NoError(t, err)
	assert.Equal(t, 1, l3.RelistCount)
}

func TestResolve_DryRunWritesNothing(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	resolver := NewResolver(st, defaultRules())

	auctionAt := time.Date(2026, 3, 5, 12, 0, 0, 0, time.UTC)
	seedLot(t, st, &model.Lot{ExternalLotID: "L1", AuctionAt: &auctionAt, Status: "live"})
	seedEvents(t, st, []model.AuctionEvent{
		{Type: model.EventDisappeared, ExternalLotID: "L1", OccurredAt: auctionAt.Add(12 * time.Hour)},
	})

	rep, err := resolver.Resolve(ctx, auctionAt.Add(48*time.Hour), Options{DryRun: true})
	require.NoError(t, err)
	assert.True(t, rep.DryRun)
	assert.Equal(t, 1, rep.Sold)

	lot, err := st.GetLot(ctx, "L1")
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeUnknown, lot.Outcome)
}

func TestResolve_SingleLot(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	resolver := NewResolver(st, defaultRules())

	auctionAt := time.Date(2026, 3, 5, 12, 0, 0, 0, time.UTC)
	seedLot(t, st, &model.Lot{ExternalLotID: "L1", AuctionAt: &auctionAt, Status: "live"})
	seedLot(t, st, &model.Lot{ExternalLotID: "L2", AuctionAt: &auctionAt, Status: "live"})
	seedEvents(t, st, []model.AuctionEvent{
		{Type: model.EventDisappeared, ExternalLotID: "L1", OccurredAt: auctionAt.Add(12 * time.Hour)},
		{Type: model.EventDisappeared, ExternalLotID: "L2", OccurredAt: auctionAt.Add(12 * time.Hour)},
	})

	rep, err := resolver.Resolve(ctx, auctionAt.Add(48*time.Hour), Options{Lot: "L1"})
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Examined)
	assert.Equal(t, 1, rep.Sold)

	l2, err := st.GetLot(ctx, "L2")
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeUnknown, l2.Outcome)

	_, err = resolver.Resolve(ctx, auctionAt.Add(48*time.Hour), Options{Lot: "missing"})
	assert.Error(t, err)
}

func TestResolve_CustomRuleOverrides(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	rules := defaultRules()
	rules.GraceHours = 48
	resolver := NewResolver(st, rules)

	auctionAt := time.Date(2026, 3, 5, 12, 0, 0, 0, time.UTC)
	seedLot(t, st, &model.Lot{ExternalLotID: "L1", AuctionAt: &auctionAt, Status: "live"})
	seedEvents(t, st, []model.AuctionEvent{
		{Type: model.EventDisappeared, ExternalLotID: "L1", OccurredAt: auctionAt.Add(12 * time.Hour)},
	})

	// Under the widened grace the 30-hour mark is still too early.
	rep, err := resolver.Resolve(ctx, auctionAt.Add(30*time.Hour), Options{})
	require.NoError(t, err)
	assert.Equal(t, 0, rep.Sold)
	assert.Equal(t, 1, rep.Unchanged)

	rep, err = resolver.Resolve(ctx, auctionAt.Add(50*time.Hour), Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Sold)
}
