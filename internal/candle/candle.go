// Package candle
package candle

import (
	"errors"
	"time"
)

// Candle is one closed bar.
type Candle struct {
	Timestamp time.Time `json:"timestamp"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
}

// Typical is the (H+L+C)/3 price used for VWAP.
func (c Candle) Typical() float64 {
	return (c.High + c.Low + c.Close) / 3
}

// Validate checks if a candle has valid data.
func (c Candle) Validate() error {
	if c.Timestamp.IsZero() {
		return errors.New("candle timestamp is zero")
	}
	if c.Open <= 0 || c.High <= 0 || c.Low <= 0 || c.Close <= 0 {
		return errors.New("candle prices must be positive")
	}
	if c.High < c.Low {
		return errors.New("candle high cannot be less than low")
	}
	if c.Volume < 0 {
		return errors.New("candle volume cannot be negative")
	}
	return nil
}

// Series is a fixed-capacity rolling buffer of closed bars, oldest first.
type Series struct {
	max  int
	data []Candle
}

func NewSeries(max int) *Series {
	return &Series{max: max, data: make([]Candle, 0, max)}
}

// Append pushes a bar, evicting the oldest when full. A bar with the same
// timestamp as the last one replaces it.
func (s *Series) Append(c Candle) {
	if n := len(s.data); n > 0 && s.data[n-1].Timestamp.Equal(c.Timestamp) {
		s.data[n-1] = c
		return
	}
	if len(s.data) == s.max {
		copy(s.data, s.data[1:])
		s.data = s.data[:s.max-1]
	}
	s.data = append(s.data, c)
}

func (s *Series) Len() int { return len(s.data) }

// Last returns the most recent bar.
func (s *Series) Last() (Candle, bool) {
	if len(s.data) == 0 {
		return Candle{}, false
	}
	return s.data[len(s.data)-1], true
}

// Candles returns the buffered bars, oldest first. The slice is shared;
// callers must not mutate it.
func (s *Series) Candles() []Candle { return s.data }

// Closes extracts the close prices, oldest first.
func (s *Series) Closes() []float64 {
	out := make([]float64, len(s.data))
	for i, c := range s.data {
		out[i] = c.Close
	}
	return out
}

// Volumes extracts the volumes, oldest first.
func (s *Series) Volumes() []float64 {
	out := make([]float64, len(s.data))
	for i, c := range s.data {
		out[i] = c.Volume
	}
	return out
}

// Aggregator folds base-interval bars into a larger bucket (1m into 5m).
type Aggregator struct {
	bucket time.Duration
	cur    *Candle
}

func NewAggregator(bucket time.Duration) *Aggregator {
	return &Aggregator{bucket: bucket}
}

// Add ingests one base bar. When the bar opens a new bucket the previous
// bucket is returned as a closed candle.
func (a *Aggregator) Add(c Candle) (Candle, bool) {
	start := c.Timestamp.Truncate(a.bucket)
	if a.cur == nil {
		a.cur = &Candle{Timestamp: start, Open: c.Open, High: c.High, Low: c.Low, Close: c.Close, Volume: c.Volume}
		return Candle{}, false
	}
	if !a.cur.Timestamp.Equal(start) {
		done := *a.cur
		a.cur = &Candle{Timestamp: start, Open: c.Open, High: c.High, Low: c.Low, Close: c.Close, Volume: c.Volume}
		return done, true
	}
	if c.High > a.cur.High {
		a.cur.High = c.High
	}
	if c.Low < a.cur.Low {
		a.cur.Low = c.Low
	}
	a.cur.Close = c.Close
	a.cur.Volume += c.Volume
	return Candle{}, false
}
