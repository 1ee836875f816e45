// Package reconcile compares the engine's local books against the
// venue's account snapshot and repairs drift. The venue's net asset
// value is the single authoritative figure; local cash and position
// quantities are overwritten from it when the deviation is large
// enough to matter but small enough to trust an automatic fix.
package reconcile

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/rustyeddy/autotrader/broker"
	"github.com/rustyeddy/autotrader/metrics"
	"github.com/rustyeddy/autotrader/notify"
	"github.com/rustyeddy/autotrader/pkg/id"
	"github.com/rustyeddy/autotrader/pkg/retry"
	"github.com/rustyeddy/autotrader/state"
)

// Outcome classifies one reconciliation run.
type Outcome string

const (
	OutcomeInSync    Outcome = "in_sync"    // deviation below the correction threshold
	OutcomeCorrected Outcome = "corrected"  // local books overwritten from the venue
	OutcomeAlertOnly Outcome = "alert_only" // deviation too large for an automatic fix
)

// Record is the durable result of one reconciliation run.
type Record struct {
	ID           string    `json:"id"`
	Time         time.Time `json:"time"`
	LocalNAV     float64   `json:"local_nav"`
	VenueNAV     float64   `json:"venue_nav"`
	DeviationPct float64   `json:"deviation_pct"` // |local-venue| / venue
	Outcome      Outcome   `json:"outcome"`
	Corrections  []string  `json:"corrections,omitempty"` // fields/symbols overwritten
}

// Config sets the deviation thresholds as fractions (0.01 = 1%).
type Config struct {
	DeviationPct float64 // at or above: correct from the venue
	AlertOnlyPct float64 // at or above: alert, leave books alone
}

// Service runs reconciliation passes against one broker and store.
type Service struct {
	broker  broker.Broker
	store   *state.Store
	bus     *notify.Bus
	records *RecordLog
	log     *zap.Logger
	cfg     Config
}

func New(b broker.Broker, st *state.Store, bus *notify.Bus, records *RecordLog,
	cfg Config, log *zap.Logger) *Service {
	return &Service{
		broker:  b,
		store:   st,
		bus:     bus,
		records: records,
		log:     log,
		cfg:     cfg,
	}
}

// Run performs one reconciliation pass: fetch the venue account,
// compare net asset values, correct or alert per the thresholds, and
// persist a record. A notification is published on every run,
// whatever the outcome.
func (s *Service) Run(ctx context.Context) (Record, error) {
	acct, err := retry.DoWithResult(ctx, func() (broker.Account, error) {
		return s.broker.GetAccount(ctx)
	}, retry.DefaultConfig())
	if err != nil {
		return Record{}, fmt.Errorf("fetch account: %w", err)
	}

	st := s.store.Snapshot()
	local := s.localNAV(st, acct)
	venue := acct.NetAssetValue
	metrics.NAV.Set(venue)

	rec := Record{
		ID:       id.New(),
		Time:     time.Now(),
		LocalNAV: local,
		VenueNAV: venue,
	}
	if venue != 0 {
		rec.DeviationPct = math.Abs(local-venue) / math.Abs(venue)
	} else if local != 0 {
		rec.DeviationPct = 1
	}

	switch {
	case rec.DeviationPct >= s.cfg.AlertOnlyPct:
		rec.Outcome = OutcomeAlertOnly
		s.log.Error("books diverged past the alert-only threshold, not correcting",
			zap.Float64("local_nav", local),
			zap.Float64("venue_nav", venue),
			zap.Float64("deviation_pct", rec.DeviationPct),
		)

	case rec.DeviationPct >= s.cfg.DeviationPct:
		rec.Outcome = OutcomeCorrected
		rec.Corrections, err = s.correct(acct)
		if err != nil {
			return rec, fmt.Errorf("apply correction: %w", err)
		}
		s.log.Warn("books corrected from venue account",
			zap.Float64("local_nav", local),
			zap.Float64("venue_nav", venue),
			zap.Float64("deviation_pct", rec.DeviationPct),
			zap.Strings("corrections", rec.Corrections),
		)

	default:
		rec.Outcome = OutcomeInSync
		s.log.Info("books in sync with venue",
			zap.Float64("venue_nav", venue),
			zap.Float64("deviation_pct", rec.DeviationPct),
		)
	}

	if s.records != nil {
		if err := s.records.Append(rec); err != nil {
			s.log.Error("persist reconciliation record", zap.Error(err))
		}
	}

	s.bus.Publish(notify.NewEvent(notify.ReconciliationAlert, "",
		fmt.Sprintf("reconcile %s: local %.2f vs venue %.2f (%.2f%% off)",
			rec.Outcome, local, venue, rec.DeviationPct*100)))
	return rec, nil
}

// localNAV values the local books: ledger cash plus positions priced
// at the venue's own valuation where it holds the symbol, falling back
// to our entry price when it does not.
func (s *Service) localNAV(st state.EngineState, acct broker.Account) float64 {
	prices := make(map[string]float64, len(acct.Holdings))
	for _, h := range acct.Holdings {
		prices[h.Symbol] = h.Price
	}

	nav := st.Cash
	for sym, pos := range st.Positions {
		price, ok := prices[sym]
		if !ok {
			price = pos.EntryPrice
		}
		nav += pos.Quantity * price
	}
	return nav
}

// correct overwrites local cash and position quantities from the venue
// snapshot. Exit levels of surviving positions are kept; positions the
// venue does not hold are dropped, and venue holdings we never tracked
// are adopted at the venue's valuation price.
func (s *Service) correct(acct broker.Account) ([]string, error) {
	var corrections []string
	_, err := s.store.Mutate(func(st *state.EngineState) error {
		cash := acct.Cash()
		if st.Cash != cash {
			corrections = append(corrections, "cash")
			st.Cash = cash
		}

		seen := make(map[string]bool, len(acct.Holdings))
		for _, h := range acct.Holdings {
			seen[h.Symbol] = true
			pos, ok := st.Positions[h.Symbol]
			if !ok {
				corrections = append(corrections, h.Symbol+":adopted")
				st.Positions[h.Symbol] = state.Position{
					Symbol:     h.Symbol,
					Quantity:   h.Quantity,
					EntryPrice: h.Price,
					EntryTime:  acct.Time,
				}
				continue
			}
			if pos.Quantity != h.Quantity {
				corrections = append(corrections, h.Symbol+":quantity")
				pos.Quantity = h.Quantity
				st.Positions[h.Symbol] = pos
			}
		}
		for sym := range st.Positions {
			if !seen[sym] {
				corrections = append(corrections, sym+":dropped")
				delete(st.Positions, sym)
			}
		}
		return nil
	})
	return corrections, err
}
