// Package indicators provides the streaming indicators the default entry
// strategy consumes. Each indicator ingests one price per tick and exposes
// its current value once warmed up.
package indicators

// SMA is a streaming simple moving average over a fixed window.
type SMA struct {
	window []float64
	size   int
	next   int
	count  int
	sum    float64
}

// NewSMA creates an SMA over size samples.
func NewSMA(size int) *SMA {
	if size < 1 {
		size = 1
	}
	return &SMA{window: make([]float64, size), size: size}
}

// Update ingests a price and returns the current average.
func (s *SMA) Update(price float64) float64 {
	if s.count == s.size {
		s.sum -= s.window[s.next]
	} else {
		s.count++
	}
	s.window[s.next] = price
	s.sum += price
	s.next = (s.next + 1) % s.size
	return s.sum / float64(s.count)
}

// Value returns the current average, or 0 before any sample.
func (s *SMA) Value() float64 {
	if s.count == 0 {
		return 0
	}
	return s.sum / float64(s.count)
}

// Ready reports whether the window is full.
func (s *SMA) Ready() bool { return s.count == s.size }

// RSI is a streaming relative strength index using Wilder smoothing.
type RSI struct {
	period   int
	count    int
	prev     float64
	avgGain  float64
	avgLoss  float64
	hasPrev  bool
	seedGain float64
	seedLoss float64
}

// NewRSI creates an RSI over period samples (14 is customary).
func NewRSI(period int) *RSI {
	if period < 1 {
		period = 14
	}
	return &RSI{period: period}
}

// Update ingests a price and returns the current RSI (0..100). Before the
// warmup period completes it returns 50 (neutral).
func (r *RSI) Update(price float64) float64 {
	if !r.hasPrev {
		r.prev = price
		r.hasPrev = true
		return 50
	}

	change := price - r.prev
	r.prev = price
	gain, loss := 0.0, 0.0
	if change > 0 {
		gain = change
	} else {
		loss = -change
	}

	if r.count < r.period {
		r.seedGain += gain
		r.seedLoss += loss
		r.count++
		if r.count == r.period {
			r.avgGain = r.seedGain / float64(r.period)
			r.avgLoss = r.seedLoss / float64(r.period)
		}
		return 50
	}

	r.avgGain = (r.avgGain*float64(r.period-1) + gain) / float64(r.period)
	r.avgLoss = (r.avgLoss*float64(r.period-1) + loss) / float64(r.period)
	return r.Value()
}

// Value returns the current RSI, 50 while warming up.
func (r *RSI) Value() float64 {
	if r.count < r.period {
		return 50
	}
	if r.avgLoss == 0 {
		if r.avgGain == 0 {
			return 50
		}
		return 100
	}
	rs := r.avgGain / r.avgLoss
	return 100 - 100/(1+rs)
}

// Ready reports whether the warmup period has completed.
func (r *RSI) Ready() bool { return r.count >= r.period }
