// Package ml
package ml

import "math"

// Logit is an online logistic-regression classifier updated by single
// gradient steps with an L2 penalty. W[0] is the bias.
type Logit struct {
	W    []float64 `json:"w"`
	LR   float64   `json:"lr"`
	L2   float64   `json:"l2"`
	Seen int       `json:"n_seen"`
}

func NewLogit(nFeatures int, lr, l2 float64) *Logit {
	return &Logit{W: make([]float64, nFeatures+1), LR: lr, L2: l2}
}

func sigmoid(z float64) float64 {
	// split form avoids overflow for large |z|
	if z >= 0 {
		ez := math.Exp(-z)
		return 1 / (1 + ez)
	}
	ez := math.Exp(z)
	return ez / (1 + ez)
}

// Predict returns P(positive) for the feature vector x. Length mismatches
// return the uninformative 0.5.
func (m *Logit) Predict(x []float64) float64 {
	if len(x) != len(m.W)-1 {
		return 0.5
	}
	z := m.W[0]
	for i, xi := range x {
		z += m.W[i+1] * xi
	}
	return sigmoid(z)
}

// Fit applies one weighted gradient step toward label y in {0,1}.
func (m *Logit) Fit(x []float64, y float64, sampleWeight float64) {
	if len(x) != len(m.W)-1 {
		return
	}
	p := m.Predict(x)
	g0 := (p - y) * sampleWeight
	m.W[0] -= m.LR * (g0 + m.L2*m.W[0])
	for i, xi := range x {
		g := ((p-y)*xi + m.L2*m.W[i+1]) * sampleWeight
		m.W[i+1] -= m.LR * g
	}
	m.Seen++
}
