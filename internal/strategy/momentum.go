package strategy

import (
	"fmt"

	"autotrader/internal/indicators"
	"autotrader/internal/position"
	"autotrader/pkg/broker"
)

// Momentum is the default adapter: enter when the fast average crosses
// above the slow one with RSI not yet overbought, exit early when the
// trend inverts.
type Momentum struct {
	fastSize  int
	slowSize  int
	rsiPeriod int

	state map[string]*symbolState
}

type symbolState struct {
	fast *indicators.SMA
	slow *indicators.SMA
	rsi  *indicators.RSI
}

// MomentumConfig tunes the default adapter.
type MomentumConfig struct {
	FastWindow int
	SlowWindow int
	RSIPeriod  int
}

// NewMomentum creates the default adapter. Zero-value config fields fall
// back to 5/20 averages and a 14-period RSI.
func NewMomentum(cfg MomentumConfig) *Momentum {
	if cfg.FastWindow <= 0 {
		cfg.FastWindow = 5
	}
	if cfg.SlowWindow <= cfg.FastWindow {
		cfg.SlowWindow = cfg.FastWindow * 4
	}
	if cfg.RSIPeriod <= 0 {
		cfg.RSIPeriod = 14
	}
	return &Momentum{
		fastSize:  cfg.FastWindow,
		slowSize:  cfg.SlowWindow,
		rsiPeriod: cfg.RSIPeriod,
		state:     make(map[string]*symbolState),
	}
}

func (m *Momentum) Name() string { return "momentum" }

func (m *Momentum) symbol(sym string) *symbolState {
	s, ok := m.state[sym]
	if !ok {
		s = &symbolState{
			fast: indicators.NewSMA(m.fastSize),
			slow: indicators.NewSMA(m.slowSize),
			rsi:  indicators.NewRSI(m.rsiPeriod),
		}
		m.state[sym] = s
	}
	return s
}

func (m *Momentum) Observe(sym string, price float64) {
	s := m.symbol(sym)
	s.fast.Update(price)
	s.slow.Update(price)
	s.rsi.Update(price)
}

func (m *Momentum) EvaluateEntry(sym string, price float64) (Signal, bool) {
	s := m.symbol(sym)
	if !s.slow.Ready() || !s.rsi.Ready() {
		return Signal{}, false
	}

	fast, slow := s.fast.Value(), s.slow.Value()
	if fast <= slow {
		return Signal{}, false
	}
	if s.rsi.Value() >= 70 {
		// Trend confirmed but overbought; chasing here buys the top.
		return Signal{}, false
	}

	strength := (fast - slow) / slow
	return Signal{
		Symbol:    sym,
		Side:      broker.SideBuy,
		Strength:  strength,
		StopPrice: price * 0.99,
		Ladder: []position.LadderRung{
			{Threshold: 0.01, Fraction: 0.3},
			{Threshold: 0.02, Fraction: 0.3},
			{Threshold: 0.03, Fraction: 0.4},
		},
		Reason: fmt.Sprintf("momentum: fast %.4f over slow %.4f, rsi %.1f", fast, slow, s.rsi.Value()),
	}, true
}

func (m *Momentum) EvaluateExit(pos *position.Position, price float64) (string, bool) {
	s := m.symbol(pos.Symbol)
	if !s.slow.Ready() {
		return "", false
	}
	if s.fast.Value() < s.slow.Value() && pos.GainFraction(price) > 0 {
		// Take the profit when the trend that opened the position inverts.
		return "trend inverted while in profit", true
	}
	return "", false
}

// Score ranks by unrealized gain plus residual trend strength. Losing
// positions in dying trends score lowest and rotate out first.
func (m *Momentum) Score(pos *position.Position, price float64) float64 {
	score := pos.GainFraction(price)
	s := m.symbol(pos.Symbol)
	if s.slow.Ready() && s.slow.Value() > 0 {
		score += (s.fast.Value() - s.slow.Value()) / s.slow.Value()
	}
	return score
}
