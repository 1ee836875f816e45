// Package signal defines the Signal Provider contract. The engine is
// strategy-agnostic: anything that can turn a symbol universe into
// buy/sell/hold instructions plugs in here.
package signal

import "context"

type Action int

const (
	Hold Action = iota
	Buy
	Sell
)

func (a Action) String() string {
	switch a {
	case Buy:
		return "BUY"
	case Sell:
		return "SELL"
	default:
		return "HOLD"
	}
}

// Instruction is one symbol's directive for the coming cycle.
// TargetWeight is the desired fraction of net asset value, 0..1.
type Instruction struct {
	Symbol       string
	Action       Action
	TargetWeight float64
}

// Provider produces instructions for a universe of symbols. The engine
// treats implementations as opaque.
type Provider interface {
	Name() string
	Instructions(ctx context.Context, universe []string) ([]Instruction, error)
}

// HoldAll is a Provider that holds everything. Useful as a safe default
// and in tests.
type HoldAll struct{}

func (HoldAll) Name() string { return "hold-all" }

func (HoldAll) Instructions(ctx context.Context, universe []string) ([]Instruction, error) {
	out := make([]Instruction, 0, len(universe))
	for _, sym := range universe {
		out = append(out, Instruction{Symbol: sym, Action: Hold})
	}
	return out, nil
}

// EqualWeight buys every symbol in the universe at equal weight. The
// simplest real strategy: no view, just diversification.
type EqualWeight struct{}

func (EqualWeight) Name() string { return "equal-weight" }

func (EqualWeight) Instructions(ctx context.Context, universe []string) ([]Instruction, error) {
	if len(universe) == 0 {
		return nil, nil
	}
	w := 1.0 / float64(len(universe))
	out := make([]Instruction, 0, len(universe))
	for _, sym := range universe {
		out = append(out, Instruction{Symbol: sym, Action: Buy, TargetWeight: w})
	}
	return out, nil
}

// Static replays a fixed instruction set, for wiring and tests.
type Static struct {
	Instr []Instruction
}

func (Static) Name() string { return "static" }

func (s Static) Instructions(ctx context.Context, universe []string) ([]Instruction, error) {
	return s.Instr, nil
}
