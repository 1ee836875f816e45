package watchdog

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"os/exec"
	"time"

	"go.uber.org/zap"
)

// Config tunes the supervisor.
type Config struct {
	HeartbeatFile string
	StateFile     string        // engine state file, read for operator_stopped
	HangTimeout   time.Duration // heartbeat older than this means hung
	GracePeriod   time.Duration // after start, before hang checks begin
	RestartDelay  time.Duration
	CheckEvery    time.Duration // heartbeat poll interval, defaults to 10s
}

// Supervisor runs the engine as a child process and restarts it when
// it dies or hangs. An operator stop recorded in the state file is the
// only exit the supervisor honors.
type Supervisor struct {
	cmdPath string
	args    []string
	cfg     Config
	log     *zap.Logger
}

func NewSupervisor(cmdPath string, args []string, cfg Config, log *zap.Logger) *Supervisor {
	if cfg.CheckEvery <= 0 {
		cfg.CheckEvery = 10 * time.Second
	}
	return &Supervisor{cmdPath: cmdPath, args: args, cfg: cfg, log: log}
}

// Run supervises until ctx is canceled or the operator stops the
// engine.
func (s *Supervisor) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := s.runOnce(ctx)
		if errors.Is(err, context.Canceled) {
			return err
		}

		if s.operatorStopped() {
			s.log.Info("engine stopped by operator, not restarting")
			return nil
		}

		s.log.Warn("engine down, restarting",
			zap.Error(err),
			zap.Duration("delay", s.cfg.RestartDelay),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.cfg.RestartDelay):
		}
	}
}

// runOnce starts the engine and blocks until it exits, killing it if
// the heartbeat goes stale. The returned error is the child's exit
// error, or nil on a clean exit.
func (s *Supervisor) runOnce(ctx context.Context) error {
	hb := NewHeartbeat(s.cfg.HeartbeatFile)
	hb.Remove()

	cmd := exec.Command(s.cmdPath, s.args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return err
	}
	started := time.Now()
	s.log.Info("engine started", zap.Int("pid", cmd.Process.Pid))

	exited := make(chan error, 1)
	go func() { exited <- cmd.Wait() }()

	ticker := time.NewTicker(s.cfg.CheckEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			cmd.Process.Kill()
			<-exited
			return ctx.Err()

		case err := <-exited:
			return err

		case <-ticker.C:
			if time.Since(started) < s.cfg.GracePeriod {
				continue
			}
			if age := hb.Age(); age > s.cfg.HangTimeout {
				s.log.Error("engine heartbeat stale, killing",
					zap.Int("pid", cmd.Process.Pid),
					zap.Duration("age", age),
				)
				cmd.Process.Kill()
				err := <-exited
				if err == nil {
					err = errors.New("watchdog: killed hung engine")
				}
				return err
			}
		}
	}
}

// operatorStopped reads the engine's state file and reports whether
// the last run ended with an explicit operator stop. Read errors count
// as not stopped so a corrupt file cannot strand the engine offline.
func (s *Supervisor) operatorStopped() bool {
	data, err := os.ReadFile(s.cfg.StateFile)
	if err != nil {
		return false
	}
	var st struct {
		OperatorStopped bool `json:"operator_stopped"`
	}
	if err := json.Unmarshal(data, &st); err != nil {
		return false
	}
	return st.OperatorStopped
}
