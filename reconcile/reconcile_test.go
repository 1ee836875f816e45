package reconcile

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rustyeddy/autotrader/broker"
	"github.com/rustyeddy/autotrader/notify"
	"github.com/rustyeddy/autotrader/state"
)

func newFixture(t *testing.T, localCash, venueNAV float64) (*Service, *state.Store, *[]notify.Event) {
	t.Helper()
	dir := t.TempDir()

	store, err := state.Open(filepath.Join(dir, "state.json"), zap.NewNop())
	require.NoError(t, err)
	_, err = store.Mutate(func(s *state.EngineState) error {
		s.Cash = localCash
		return nil
	})
	require.NoError(t, err)

	// Cash-only venue account: NAV is just the starting cash.
	paper := broker.NewPaper("paper", venueNAV)
	bus := notify.NewBus()
	var events []notify.Event
	bus.Subscribe(notify.ReconciliationAlert, func(ev notify.Event) {
		events = append(events, ev)
	})

	recLog, err := OpenRecordLog(filepath.Join(dir, "recs.jsonl"))
	require.NoError(t, err)
	t.Cleanup(func() { recLog.Close() })

	svc := New(paper, store, bus, recLog, Config{
		DeviationPct: 0.01,
		AlertOnlyPct: 0.05,
	}, zap.NewNop())
	return svc, store, &events
}

func TestDeviationAboveThresholdCorrects(t *testing.T) {
	t.Parallel()

	// Local 100, venue 102: ~2% deviation against a 1% threshold.
	svc, store, events := newFixture(t, 100, 102)

	rec, err := svc.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, OutcomeCorrected, rec.Outcome)
	assert.InDelta(t, 100.0, rec.LocalNAV, 1e-9)
	assert.InDelta(t, 102.0, rec.VenueNAV, 1e-9)
	assert.InDelta(t, 2.0/102.0, rec.DeviationPct, 1e-9)
	assert.Contains(t, rec.Corrections, "cash")

	// Cash derived from the authoritative net figure by subtraction.
	assert.InDelta(t, 102.0, store.Snapshot().Cash, 1e-9)
	require.Len(t, *events, 1, "notification on every run")
}

func TestSmallDeviationLeavesBooksAlone(t *testing.T) {
	t.Parallel()

	// Local 100, venue 100.5: 0.5%, below the 1% threshold.
	svc, store, events := newFixture(t, 100, 100.5)

	rec, err := svc.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, OutcomeInSync, rec.Outcome)
	assert.Empty(t, rec.Corrections)
	assert.Equal(t, 100.0, store.Snapshot().Cash, "no correction applied")
	require.Len(t, *events, 1, "notification on every run")
}

func TestHugeDeviationAlertsOnly(t *testing.T) {
	t.Parallel()

	// Local 100, venue 200: far past the 5% alert-only line.
	svc, store, events := newFixture(t, 100, 200)

	rec, err := svc.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, OutcomeAlertOnly, rec.Outcome)
	assert.Empty(t, rec.Corrections)
	assert.Equal(t, 100.0, store.Snapshot().Cash, "books untouched, operator decides")
	require.Len(t, *events, 1)
}

func TestCorrectionDropsPositionsVenueDoesNotHold(t *testing.T) {
	t.Parallel()

	// Local: 48 cash + a 50-value position the venue has no record of;
	// venue: 100 cash. 2% deviation, inside the correction band.
	svc, store, _ := newFixture(t, 48, 100)
	_, err := store.Mutate(func(s *state.EngineState) error {
		s.Positions["STALE"] = state.Position{Symbol: "STALE", Quantity: 5, EntryPrice: 10}
		return nil
	})
	require.NoError(t, err)

	rec, err := svc.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, OutcomeCorrected, rec.Outcome)
	assert.Contains(t, rec.Corrections, "STALE:dropped")
	st := store.Snapshot()
	assert.NotContains(t, st.Positions, "STALE")
	assert.InDelta(t, 100.0, st.Cash, 1e-9)
}

func TestRecordLogRoundTrip(t *testing.T) {
	t.Parallel()

	svc, _, _ := newFixture(t, 100, 102)

	_, err := svc.Run(context.Background())
	require.NoError(t, err)
	_, err = svc.Run(context.Background())
	require.NoError(t, err)

	recs, err := svc.records.All()
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, OutcomeCorrected, recs[0].Outcome)
	assert.Equal(t, OutcomeInSync, recs[1].Outcome, "second pass finds the books in sync")
	assert.NotEmpty(t, recs[0].ID)
}
