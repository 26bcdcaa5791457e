package ml

import "math"

// Adam keeps first and second moment estimates per parameter slot.
type Adam struct {
	LearningRate float64
	Beta1        float64
	Beta2        float64
	Epsilon      float64

	step int
	m    map[int][]float64
	v    map[int][]float64
}

// NewAdam uses the usual defaults: lr 0.001, betas 0.9/0.999, epsilon 1e-7.
func NewAdam() *Adam {
	return &Adam{
		LearningRate: 0.001,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-7,
	}
}

func (a *Adam) begin() {
	a.step++
}

func (a *Adam) apply(slot int, params, grads []float64) {
	if a.m == nil {
		a.m = make(map[int][]float64)
		a.v = make(map[int][]float64)
	}
	m, ok := a.m[slot]
	if !ok {
		m = make([]float64, len(params))
		a.m[slot] = m
		a.v[slot] = make([]float64, len(params))
	}
	v := a.v[slot]

	t := float64(a.step)
	correction1 := 1 - math.Pow(a.Beta1, t)
	correction2 := 1 - math.Pow(a.Beta2, t)
	for i, g := range grads {
		m[i] = a.Beta1*m[i] + (1-a.Beta1)*g
		v[i] = a.Beta2*v[i] + (1-a.Beta2)*g*g
		mHat := m[i] / correction1
		vHat := v[i] / correction2
		params[i] -= a.LearningRate * mHat / (math.Sqrt(vHat) + a.Epsilon)
	}
}
