// Package position
package position

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/UrbanHao/perpwatch/internal/account"
)

// Side of a directional exposure.
type Side string

const (
	Long  Side = "LONG"
	Short Side = "SHORT"
)

// Sign is +1 for LONG, -1 for SHORT.
func (s Side) Sign() float64 {
	if s == Long {
		return 1
	}
	return -1
}

// Opposite returns the closing side.
func (s Side) Opposite() Side {
	if s == Long {
		return Short
	}
	return Long
}

// Position is one open exposure, owned by exactly one (account, symbol) pair.
// Created by the execution engine or by reconciliation, destroyed by
// settlement.
type Position struct {
	Side     Side      `json:"side"`
	Qty      float64   `json:"qty"`
	Entry    float64   `json:"entry"`
	Stop     float64   `json:"sl"`
	Target   float64   `json:"tp"`
	OpenedAt time.Time `json:"opened_at"`

	// RiskDistance is |entry-stop| frozen at open; never recomputed from a
	// moved stop.
	RiskDistance float64 `json:"risk_distance"`

	UniqueID string `json:"pos_uid"`

	// Features is the admission feature snapshot taken at open.
	Features []float64 `json:"ml_feat,omitempty"`
	Prob     float64   `json:"-"`
	HasProb  bool      `json:"-"`

	// LastAdjust throttles exit retargeting per position.
	LastAdjust time.Time `json:"-"`
	// LastQuickTrain throttles the in-trade R-multiple training step.
	LastQuickTrain time.Time `json:"-"`
	// ROIHitSince supports the confirmation window of the ROI fallback exit.
	ROIHitSince time.Time `json:"-"`
}

// RMultiple is the excursion to price px expressed in initial-risk units.
func (p *Position) RMultiple(px float64) float64 {
	if p.RiskDistance <= 0 {
		return 0
	}
	return (px - p.Entry) * p.Side.Sign() / p.RiskDistance
}

// NewUniqueID builds the settlement-dedup key of one position.
func NewUniqueID(kind account.Kind, symbol string, now time.Time) string {
	return fmt.Sprintf("%s:%s:%d:%s", kind, symbol, now.UnixMilli(), uuid.NewString()[:8])
}

// InFlightSet tracks symbols with a submitted-but-unconfirmed order. A
// reserved symbol blocks duplicate concurrent entries until release.
type InFlightSet struct {
	mu sync.Mutex
	m  map[string]struct{}
}

func NewInFlightSet() *InFlightSet {
	return &InFlightSet{m: make(map[string]struct{})}
}

// Reserve marks the symbol in-flight; false if it already is.
func (s *InFlightSet) Reserve(symbol string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.m[symbol]; ok {
		return false
	}
	s.m[symbol] = struct{}{}
	return true
}

func (s *InFlightSet) Release(symbol string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, symbol)
}

func (s *InFlightSet) Has(symbol string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.m[symbol]
	return ok
}

func (s *InFlightSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.m)
}

// DedupSet is an append-only id set with atomic check-and-set, used to make
// settlement and training idempotent per position UniqueID.
type DedupSet struct {
	mu sync.Mutex
	m  map[string]struct{}
}

func NewDedupSet() *DedupSet {
	return &DedupSet{m: make(map[string]struct{})}
}

// MarkIfNew records id and reports whether it was unseen.
func (s *DedupSet) MarkIfNew(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.m[id]; ok {
		return false
	}
	s.m[id] = struct{}{}
	return true
}

func (s *DedupSet) Has(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.m[id]
	return ok
}

// LossTracker suspends a symbol after a run of consecutive losses.
type LossTracker struct {
	mu             sync.Mutex
	limit          int
	suspend        time.Duration
	streak         map[string]int
	suspendedUntil map[string]time.Time
}

func NewLossTracker(limit int, suspend time.Duration) *LossTracker {
	return &LossTracker{
		limit:          limit,
		suspend:        suspend,
		streak:         make(map[string]int),
		suspendedUntil: make(map[string]time.Time),
	}
}

// OnResult records a settlement outcome; returns true if the symbol just got
// suspended.
func (t *LossTracker) OnResult(symbol string, netPnL float64, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if netPnL > 0 {
		t.streak[symbol] = 0
		return false
	}
	t.streak[symbol]++
	if t.limit > 0 && t.streak[symbol] >= t.limit {
		t.suspendedUntil[symbol] = now.Add(t.suspend)
		t.streak[symbol] = 0
		return true
	}
	return false
}

// Suspended reports whether new entries on symbol are blocked, and for how
// much longer.
func (t *LossTracker) Suspended(symbol string, now time.Time) (bool, time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	until, ok := t.suspendedUntil[symbol]
	if !ok || !now.Before(until) {
		return false, 0
	}
	return true, until.Sub(now)
}

// QtyDiffers reports whether two quantities differ beyond float noise.
func QtyDiffers(a, b float64) bool {
	return math.Abs(a-b) > 1e-9
}
