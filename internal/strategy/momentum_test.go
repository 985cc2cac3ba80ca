package strategy

import (
	"testing"

	"autotrader/internal/position"
	"autotrader/pkg/broker"
)

func feed(m *Momentum, sym string, prices []float64) {
	for _, p := range prices {
		m.Observe(sym, p)
	}
}

func rally(start float64, n int) []float64 {
	out := make([]float64, n)
	p := start
	for i := range out {
		p *= 1.005
		out[i] = p
	}
	return out
}

func selloff(start float64, n int) []float64 {
	out := make([]float64, n)
	p := start
	for i := range out {
		p *= 0.995
		out[i] = p
	}
	return out
}

func TestMomentumNoSignalDuringWarmup(t *testing.T) {
	m := NewMomentum(MomentumConfig{FastWindow: 3, SlowWindow: 10, RSIPeriod: 5})
	feed(m, "BTCUSDT", rally(100, 5))
	if _, ok := m.EvaluateEntry("BTCUSDT", 103); ok {
		t.Fatal("signal emitted before warmup")
	}
}

func TestMomentumEntryOnUptrend(t *testing.T) {
	m := NewMomentum(MomentumConfig{FastWindow: 3, SlowWindow: 10, RSIPeriod: 5})

	// A sawtooth climb keeps RSI off the overbought ceiling.
	feed(m, "BTCUSDT", []float64{100, 102, 100.5, 102.5, 101, 103, 101.5, 103.5, 102, 104, 102.5, 104.5})
	sig, ok := m.EvaluateEntry("BTCUSDT", 104.5)
	if !ok {
		t.Fatal("expected entry signal on uptrend")
	}
	if sig.Side != broker.SideBuy || sig.Strength <= 0 {
		t.Fatalf("signal = %+v", sig)
	}
}

func TestMomentumNoEntryOnDowntrend(t *testing.T) {
	m := NewMomentum(MomentumConfig{FastWindow: 3, SlowWindow: 10, RSIPeriod: 5})
	feed(m, "BTCUSDT", selloff(100, 20))
	if _, ok := m.EvaluateEntry("BTCUSDT", 90); ok {
		t.Fatal("entry signal on downtrend")
	}
}

func TestMomentumNoEntryWhenOverbought(t *testing.T) {
	m := NewMomentum(MomentumConfig{FastWindow: 3, SlowWindow: 10, RSIPeriod: 5})
	// A relentless rally drives RSI to 100.
	feed(m, "BTCUSDT", rally(100, 25))
	if _, ok := m.EvaluateEntry("BTCUSDT", 113); ok {
		t.Fatal("entry signal while overbought")
	}
}

func TestMomentumEarlyExitOnTrendInversion(t *testing.T) {
	m := NewMomentum(MomentumConfig{FastWindow: 3, SlowWindow: 10, RSIPeriod: 5})
	feed(m, "BTCUSDT", rally(100, 15))

	pos, err := position.New("acct-1", "BTCUSDT", broker.SideBuy, 1, 100, nil, 99)
	if err != nil {
		t.Fatal(err)
	}

	// Still trending up: hold.
	if _, exit := m.EvaluateExit(pos, 107); exit {
		t.Fatal("early exit during healthy trend")
	}

	// Sharp reversal drags the fast average under the slow one.
	feed(m, "BTCUSDT", selloff(107, 6))
	reason, exit := m.EvaluateExit(pos, 104)
	if !exit {
		t.Fatal("expected early exit after inversion while in profit")
	}
	if reason == "" {
		t.Fatal("exit must carry a reason")
	}

	// Same inversion but underwater: leave it to the stop loss.
	if _, exit := m.EvaluateExit(pos, 95); exit {
		t.Fatal("early exit while underwater")
	}
}

func TestMomentumScoreOrdersRotation(t *testing.T) {
	m := NewMomentum(MomentumConfig{FastWindow: 3, SlowWindow: 10, RSIPeriod: 5})
	feed(m, "WINUSDT", rally(100, 15))
	feed(m, "LOSEUSDT", selloff(100, 15))

	winner, err := position.New("acct-1", "WINUSDT", broker.SideBuy, 1, 100, nil, 99)
	if err != nil {
		t.Fatal(err)
	}
	loser, err := position.New("acct-1", "LOSEUSDT", broker.SideBuy, 1, 100, nil, 99)
	if err != nil {
		t.Fatal(err)
	}

	if m.Score(winner, 107) <= m.Score(loser, 93) {
		t.Fatal("winning position must outscore losing one")
	}
}
