package ml

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/UrbanHao/perpwatch/internal/account"
)

// rUnit converts a net return on notional into R-like units: 0.12% == 1R.
const rUnit = 0.0012

const (
	recentCap       = 200
	minSeenForScore = 10
	minSeenForGate  = 30

	thresholdMin = 0.50
	thresholdMax = 0.90

	brierHigh = 0.20
	brierLow  = 0.12

	classWeightCap = 3.0
	trainReps      = 3
)

// Config tunes the admission model.
type Config struct {
	Enabled          bool
	Threshold        float64
	TrainAfterSeen   int
	FilterAfterSeen  int
	MinSeenForAction int
	AutoAdjust       bool
	TargetPrecision  float64
	// TrainSources whitelists which books feed training samples.
	TrainSources map[account.Kind]bool
	StatePath    string
}

type sample struct {
	P float64 `json:"p"`
	Y int     `json:"y"`
}

type openKey struct {
	kind   account.Kind
	symbol string
}

// Manager owns the logistic filter: the open-feature registry keyed by
// (account, symbol), the calibration buffer, the adaptive threshold, and the
// class counters. While disabled or under-trained it observes but never
// blocks.
type Manager struct {
	mu sync.Mutex

	cfg   Config
	model *Logit

	recent    []sample
	openFeats map[openKey][]float64
	openProbs map[openKey]float64

	posSeen int
	negSeen int

	lastAdjust time.Time
}

func NewManager(cfg Config) *Manager {
	if cfg.Threshold == 0 {
		cfg.Threshold = 0.55
	}
	if cfg.TargetPrecision == 0 {
		cfg.TargetPrecision = 0.58
	}
	if cfg.TrainSources == nil {
		cfg.TrainSources = map[account.Kind]bool{account.Live: true, account.Sim: true}
	}
	return &Manager{
		cfg:       cfg,
		model:     NewLogit(8, 0.05, 1e-6),
		openFeats: make(map[openKey][]float64),
		openProbs: make(map[openKey]float64),
	}
}

func (m *Manager) trainable(kind account.Kind) bool { return m.cfg.TrainSources[kind] }

// Threshold returns the current decision threshold.
func (m *Manager) Threshold() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg.Threshold
}

// SeenTotal is the count of observed settlement outcomes.
func (m *Manager) SeenTotal() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.posSeen + m.negSeen
}

// Score returns P(profitable) for the feature vector, false while the model
// has seen too little to say anything.
func (m *Manager) Score(x []float64) (float64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if x == nil || m.model.Seen < minSeenForScore {
		return 0, false
	}
	return m.model.Predict(x), true
}

// ShouldTake is the admission decision. It returns (take, p, hasP). The gate
// only bites once the model is enabled and has observed enough outcomes;
// until then every proposal passes and p is advisory.
func (m *Manager) ShouldTake(x []float64, now time.Time) (bool, float64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.autoAdjustThreshold(now)

	if !m.cfg.Enabled {
		return true, 0, false
	}
	seen := m.posSeen + m.negSeen
	if seen < m.cfg.MinSeenForAction || seen < m.cfg.FilterAfterSeen {
		return true, 0, false
	}
	if x == nil || m.model.Seen < minSeenForGate {
		return true, 0, false
	}

	p := m.model.Predict(x)
	th := m.cfg.Threshold
	// With enough calibration history, lift the bar to the recent 60th
	// percentile of observed probabilities if that is stricter.
	if len(m.recent) >= 50 {
		ps := make([]float64, 0, len(m.recent))
		for _, s := range m.recent {
			ps = append(ps, s.P)
		}
		sort.Float64s(ps)
		dyn := ps[int(0.60*float64(len(ps)-1))]
		if dyn > th {
			th = dyn
		}
	}
	return p >= th, p, true
}

// Active reports whether the model currently gates and sizes entries.
func (m *Manager) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := m.posSeen + m.negSeen
	return m.cfg.Enabled && m.model.Seen >= minSeenForGate && seen >= m.cfg.MinSeenForAction
}

// RecordOpen snapshots the feature vector (and optional probability) of a
// freshly opened position.
func (m *Manager) RecordOpen(kind account.Kind, symbol string, x []float64, p float64, hasP bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.trainable(kind) {
		return
	}
	key := openKey{kind, symbol}
	if x != nil {
		m.openFeats[key] = x
	}
	if hasP {
		m.openProbs[key] = p
	}
}

// HasOpenSample reports whether an open-feature snapshot is registered.
func (m *Manager) HasOpenSample(kind account.Kind, symbol string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.openFeats[openKey{kind, symbol}]
	return ok
}

// RecordClose consumes the open snapshot and trains on the settlement
// outcome. Label: R-multiple (netPct / rUnit) >= 1 positive, <= -1 negative,
// otherwise the sign of the raw PnL. Without an open snapshot the outcome is
// only recorded into the calibration buffer; no parameter update happens.
func (m *Manager) RecordClose(kind account.Kind, symbol string, netPnL, netPctFraction float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.trainable(kind) {
		return
	}
	key := openKey{kind, symbol}
	x, okX := m.openFeats[key]
	delete(m.openFeats, key)
	p, okP := m.openProbs[key]
	delete(m.openProbs, key)

	if !okX {
		y := 0
		if netPnL > 0 {
			y = 1
		}
		m.appendRecent(sample{P: 0.5, Y: y})
		return
	}

	rLike := netPctFraction / rUnit
	var y int
	switch {
	case rLike >= 1:
		y = 1
	case rLike <= -1:
		y = 0
	default:
		if netPnL > 0 {
			y = 1
		}
	}

	if y == 1 {
		m.posSeen++
	} else {
		m.negSeen++
	}
	if okP {
		m.appendRecent(sample{P: p, Y: y})
	}

	if !m.cfg.Enabled || m.posSeen+m.negSeen < m.cfg.TrainAfterSeen {
		return
	}

	total := math.Max(1, float64(m.posSeen+m.negSeen))
	posRatio := float64(m.posSeen) / total
	negRatio := float64(m.negSeen) / total
	w := 1.0
	if y == 1 && posRatio < 0.35 {
		w = math.Min(classWeightCap, 0.35/math.Max(1e-6, posRatio))
	}
	if y == 0 && negRatio < 0.35 {
		w = math.Min(classWeightCap, 0.35/math.Max(1e-6, negRatio))
	}
	if y == 1 {
		w *= 2
	}
	for i := 0; i < trainReps; i++ {
		m.model.Fit(x, float64(y), w)
	}
}

// QuickTrain applies a throttled in-trade training step (the caller owns the
// throttle) without touching the open-feature registry.
func (m *Manager) QuickTrain(x []float64, y int, weight float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if x == nil {
		return
	}
	for i := 0; i < trainReps; i++ {
		m.model.Fit(x, float64(y), weight)
	}
}

func (m *Manager) appendRecent(s sample) {
	m.recent = append(m.recent, s)
	if len(m.recent) > recentCap {
		m.recent = m.recent[len(m.recent)-recentCap:]
	}
}

func (m *Manager) recentPrecision(th float64, k int) (float64, bool) {
	arr := m.recent
	if len(arr) > k {
		arr = arr[len(arr)-k:]
	}
	tp, n := 0, 0
	for _, s := range arr {
		if s.P >= th {
			n++
			if s.Y == 1 {
				tp++
			}
		}
	}
	if n == 0 {
		return 0, false
	}
	return float64(tp) / float64(n), true
}

func (m *Manager) brierRecent() (float64, bool) {
	if len(m.recent) < 30 {
		return 0, false
	}
	var sum float64
	for _, s := range m.recent {
		d := s.P - float64(s.Y)
		sum += d * d
	}
	return sum / float64(len(m.recent)), true
}

// autoAdjustThreshold widens the threshold when recent calibration error is
// high or precision at threshold falls under the target; at most once per
// minute. Caller holds the lock.
func (m *Manager) autoAdjustThreshold(now time.Time) {
	if !m.cfg.AutoAdjust {
		return
	}
	if now.Sub(m.lastAdjust) < time.Minute {
		return
	}
	m.lastAdjust = now

	if b, ok := m.brierRecent(); ok {
		if b > brierHigh {
			m.cfg.Threshold = math.Min(0.85, m.cfg.Threshold+0.02)
		} else if b < brierLow {
			m.cfg.Threshold = math.Max(thresholdMin, m.cfg.Threshold-0.01)
		}
	}
	if pr, ok := m.recentPrecision(m.cfg.Threshold, 80); ok && pr < m.cfg.TargetPrecision {
		m.cfg.Threshold = math.Min(thresholdMax, m.cfg.Threshold+0.02)
	}
}

type persistedState struct {
	W         []float64 `json:"w"`
	Threshold float64   `json:"threshold"`
	NSeen     int       `json:"n_seen"`
	PosSeen   int       `json:"pos_seen"`
	NegSeen   int       `json:"neg_seen"`
}

// Save writes weights, threshold, and counters to the configured state path.
func (m *Manager) Save() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cfg.StatePath == "" {
		return nil
	}
	data, err := json.Marshal(persistedState{
		W:         m.model.W,
		Threshold: m.cfg.Threshold,
		NSeen:     m.model.Seen,
		PosSeen:   m.posSeen,
		NegSeen:   m.negSeen,
	})
	if err != nil {
		return fmt.Errorf("marshal model state: %w", err)
	}
	return os.WriteFile(m.cfg.StatePath, data, 0o644)
}

// Load restores a previously saved model state; a missing file is fine.
func (m *Manager) Load() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cfg.StatePath == "" {
		return nil
	}
	data, err := os.ReadFile(m.cfg.StatePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var s persistedState
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("unmarshal model state: %w", err)
	}
	if len(s.W) == len(m.model.W) {
		m.model.W = s.W
	}
	if s.Threshold > 0 {
		m.cfg.Threshold = s.Threshold
	}
	m.model.Seen = s.NSeen
	m.posSeen = s.PosSeen
	m.negSeen = s.NegSeen
	return nil
}
