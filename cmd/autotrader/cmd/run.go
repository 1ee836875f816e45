package cmd

import (
	"context"
	"fmt"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rustyeddy/autotrader/broker"
	"github.com/rustyeddy/autotrader/config"
	"github.com/rustyeddy/autotrader/engine"
	"github.com/rustyeddy/autotrader/executor"
	"github.com/rustyeddy/autotrader/journal"
	"github.com/rustyeddy/autotrader/metrics"
	"github.com/rustyeddy/autotrader/monitor"
	"github.com/rustyeddy/autotrader/notify"
	"github.com/rustyeddy/autotrader/pkg/ratelimit"
	"github.com/rustyeddy/autotrader/reconcile"
	"github.com/rustyeddy/autotrader/resilience"
	"github.com/rustyeddy/autotrader/schedule"
	"github.com/rustyeddy/autotrader/signal"
	"github.com/rustyeddy/autotrader/state"
	"github.com/rustyeddy/autotrader/watchdog"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the engine",
	Long: `Run the trading engine: scheduler, position monitor, order
executor, reconciliation and the metrics endpoint, until interrupted.

A circuit-breaker trip exits with code 0 so the watchdog restarts the
process cleanly.

Example:
  autotrader run -f autotrader.yaml`,
	RunE: runRun,
}

var runStrategy string

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVar(&runStrategy, "strategy", "equal-weight",
		"signal provider: equal-weight or hold")
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log, err := newLogger()
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, cancel := ossignal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	store, err := state.Open(cfg.Storage.StateFile, log)
	if err != nil {
		return fmt.Errorf("open state: %w", err)
	}

	jr, err := openJournal(cfg)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer jr.Close()

	bus := notify.NewBus()
	notify.AttachLogger(bus, log)

	bk, limiter := buildBroker(cfg)

	provider, err := buildProvider(runStrategy)
	if err != nil {
		return err
	}

	exec := executor.New(bk, store, jr, bus, limiter, executor.Config{
		MaxRetries:       cfg.Orders.MaxRetries,
		MaxPendingAge:    cfg.Orders.MaxPendingAge.Std(),
		MinOrderNotional: cfg.Trading.MinOrderNotional,
		StopLossPct:      cfg.Trading.StopLossPct,
		TakeProfitPcts:   cfg.Trading.TakeProfitPcts,
	}, log)

	hb := watchdog.NewHeartbeat(cfg.Watchdog.HeartbeatFile)
	mon := monitor.New(bk, store, exec, bus, monitor.Config{
		Interval:        cfg.Schedule.MonitorInterval.Std(),
		TrailRetracePct: cfg.Trading.TrailRetracePct,
		ItemTimeout:     cfg.Resilience.ItemTimeout.Std(),
		BatchTimeout:    cfg.Resilience.BatchTimeout.Std(),
		Workers:         cfg.Resilience.Workers,
	}, log)
	mon.Heartbeat = func() {
		if err := hb.Beat(); err != nil {
			log.Warn("heartbeat write failed", zap.Error(err))
		}
	}

	breaker := resilience.NewBreaker(cfg.Resilience.BreakerStrikes, log, func(strikes int) {
		bus.Publish(notify.NewEvent(notify.ConsecutiveTimeoutAlert, "",
			fmt.Sprintf("%d consecutive slow cycles, restarting via supervisor", strikes)))
		log.Error("circuit breaker tripped, shutting down for a clean restart",
			zap.Int("strikes", strikes))
		cancel()
	})

	cycle := engine.NewCycle(bk, store, exec, jr, provider, bus, breaker, engine.CycleConfig{
		Universe:         cfg.Trading.Universe,
		TargetPositions:  cfg.Trading.TargetPositions,
		MinOrderNotional: cfg.Trading.MinOrderNotional,
		ItemTimeout:      cfg.Resilience.ItemTimeout.Std(),
		BatchTimeout:     cfg.Resilience.BatchTimeout.Std(),
		Workers:          cfg.Resilience.Workers,
		WarnAfter:        cfg.Resilience.CycleWarnAfter.Std(),
	}, log)

	var recLog *reconcile.RecordLog
	if cfg.Storage.ReconcileFile != "" {
		recLog, err = reconcile.OpenRecordLog(cfg.Storage.ReconcileFile)
		if err != nil {
			return fmt.Errorf("open reconcile log: %w", err)
		}
		defer recLog.Close()
	}
	rec := reconcile.New(bk, store, bus, recLog, reconcile.Config{
		DeviationPct: cfg.Reconcile.DeviationPct,
		AlertOnlyPct: cfg.Reconcile.AlertOnlyPct,
	}, log)

	ctrl := engine.NewController(store, bus, log)
	ctrl.RegisterAction("screening", cycle.Screening)
	ctrl.RegisterAction("rebalance", cycle.Rebalance)
	ctrl.RegisterAction("urgent-rebalance", cycle.UrgentRebalance)
	ctrl.RegisterAction("report", cycle.Report)
	ctrl.RegisterAction("reconcile", func(ctx context.Context) error {
		_, err := rec.Run(ctx)
		return err
	})

	if _, err := store.Mutate(func(s *state.EngineState) error {
		s.DryRun = cfg.Account.DryRun
		s.LiveAccount = cfg.Account.Live
		if s.TargetPositions == 0 {
			s.TargetPositions = cfg.Trading.TargetPositions
		}
		if s.StopLossPct == 0 {
			s.StopLossPct = cfg.Trading.StopLossPct
		}
		return nil
	}); err != nil {
		return err
	}

	// Resume where the last run left off; a stopped engine starts, an
	// emergency stop stays put until the operator clears it.
	switch store.Snapshot().RunMode {
	case state.Stopped:
		if err := ctrl.Start(); err != nil {
			return err
		}
	case state.EmergencyStop:
		log.Warn("engine is in emergency stop; trading halted until cleared")
	}

	if cfg.Metrics.Addr != "" {
		go func() {
			if err := metrics.Serve(cfg.Metrics.Addr); err != nil {
				log.Error("metrics endpoint failed", zap.Error(err))
			}
		}()
	}

	sched := schedule.New(log)
	addDaily := func(name, clock string, run func(context.Context) error) {
		hm, _ := config.ParseClock(clock) // validated at load
		sched.Add(schedule.Trigger{Name: name, Hour: hm[0], Minute: hm[1], Run: run})
	}
	addDaily("screening", cfg.Schedule.ScreeningTime, cycle.Screening)
	addDaily("execution", cfg.Schedule.ExecutionTime, cycle.Rebalance)
	addDaily("report", cfg.Schedule.ReportTime, cycle.Report)
	addDaily("reconcile", cfg.Schedule.ReconcileTime, func(ctx context.Context) error {
		if time.Now().Weekday() != cfg.Schedule.ReconcileDay {
			return nil
		}
		_, err := rec.Run(ctx)
		return err
	})
	sched.Add(schedule.Trigger{
		Name:     "pending-orders",
		Interval: cfg.Schedule.MonitorInterval.Std(),
		Run:      exec.ReconcilePending,
	})

	go mon.Run(ctx)

	log.Info("engine up",
		zap.String("broker", bk.Name()),
		zap.String("strategy", provider.Name()),
		zap.Bool("dry_run", cfg.Account.DryRun),
		zap.Bool("live", cfg.Account.Live),
	)
	sched.Run(ctx)

	log.Info("engine shut down")
	return nil
}

func openJournal(cfg *config.Config) (journal.Journal, error) {
	if cfg.Storage.JournalType == "sqlite" {
		return journal.NewSQLite(cfg.Storage.JournalDB)
	}
	return journal.NewJSONL(cfg.Storage.JournalFile, cfg.Storage.SnapshotsFile)
}

func buildBroker(cfg *config.Config) (broker.Broker, *ratelimit.Limiter) {
	if cfg.Account.Live {
		bk := broker.NewREST("venue", cfg.Account.VenueURL, cfg.Account.VenueToken,
			cfg.Resilience.ConnectTimeout.Std(), cfg.Resilience.ReadTimeout.Std())
		return bk, ratelimit.New(cfg.Orders.RealRateInterval.Std())
	}
	p := broker.NewPaper("paper", cfg.Account.PaperCash)
	p.SetFees(cfg.Account.PaperFeePct, cfg.Account.PaperSlipPct)
	return p, ratelimit.New(cfg.Orders.SimRateInterval.Std())
}

func buildProvider(name string) (signal.Provider, error) {
	switch name {
	case "equal-weight":
		return signal.EqualWeight{}, nil
	case "hold":
		return signal.HoldAll{}, nil
	}
	return nil, fmt.Errorf("unknown strategy %q", name)
}
