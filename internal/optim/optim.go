// Package optim holds the parameter update rules used by the trainer.
// All optimizers operate in place on the model's flat parameter vector and
// take the learning rate per step, so the schedule stays outside.
package optim

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

// Kinds of optimizer.
const (
	Adam    = "adam"
	AMSGrad = "amsgrad"
	RMSProp = "rmsprop"
	SGD     = "sgd"
)

// Config selects and parameterizes an optimizer.
type Config struct {
	Kind        string
	Beta1       float64
	Beta2       float64
	Eps         float64
	Momentum    float64
	WeightDecay float64
}

// DefaultConfig returns Adam with the usual moment decay rates.
func DefaultConfig() Config {
	return Config{
		Kind:  Adam,
		Beta1: 0.9,
		Beta2: 0.999,
		Eps:   1e-8,
	}
}

// Validate checks hyperparameter ranges.
func (c Config) Validate() error {
	switch c.Kind {
	case Adam, AMSGrad, RMSProp, SGD:
	default:
		return fmt.Errorf("unknown optimizer %q", c.Kind)
	}
	if c.Beta1 < 0 || c.Beta1 >= 1 {
		return fmt.Errorf("beta1 must be in [0,1), got %v", c.Beta1)
	}
	if c.Beta2 < 0 || c.Beta2 >= 1 {
		return fmt.Errorf("beta2 must be in [0,1), got %v", c.Beta2)
	}
	if c.Eps <= 0 {
		return fmt.Errorf("eps must be positive, got %v", c.Eps)
	}
	if c.Momentum < 0 || c.Momentum >= 1 {
		return fmt.Errorf("momentum must be in [0,1), got %v", c.Momentum)
	}
	if c.WeightDecay < 0 {
		return fmt.Errorf("weight decay must be >= 0, got %v", c.WeightDecay)
	}
	return nil
}

// State is the serializable optimizer state stored in checkpoints.
type State struct {
	Kind string    `json:"kind"`
	Step int64     `json:"step"`
	M    []float64 `json:"m,omitempty"`
	V    []float64 `json:"v,omitempty"`
	VMax []float64 `json:"v_max,omitempty"`
}

// Optimizer updates params in place. Not safe for concurrent use.
type Optimizer struct {
	cfg  Config
	n    int
	step int64
	m    []float64
	v    []float64
	vmax []float64
}

// New creates an optimizer for nparams parameters.
func New(cfg Config, nparams int) (*Optimizer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if nparams <= 0 {
		return nil, fmt.Errorf("nparams must be positive, got %d", nparams)
	}
	o := &Optimizer{cfg: cfg, n: nparams}
	switch cfg.Kind {
	case Adam:
		o.m = make([]float64, nparams)
		o.v = make([]float64, nparams)
	case AMSGrad:
		o.m = make([]float64, nparams)
		o.v = make([]float64, nparams)
		o.vmax = make([]float64, nparams)
	case RMSProp:
		o.v = make([]float64, nparams)
	case SGD:
		if cfg.Momentum > 0 {
			o.m = make([]float64, nparams)
		}
	}
	return o, nil
}

// Kind returns the optimizer kind.
func (o *Optimizer) Kind() string {
	return o.cfg.Kind
}

// Steps returns the number of updates applied.
func (o *Optimizer) Steps() int64 {
	return o.step
}

// Step applies one update with learning rate lr.
func (o *Optimizer) Step(params, grad []float64, lr float64) error {
	if len(params) != o.n || len(grad) != o.n {
		return fmt.Errorf("length mismatch: optimizer has %d, params %d, grad %d", o.n, len(params), len(grad))
	}
	if !(lr >= 0) || math.IsInf(lr, 0) {
		return fmt.Errorf("invalid learning rate %v", lr)
	}

	g := grad
	if o.cfg.WeightDecay > 0 {
		g = make([]float64, o.n)
		copy(g, grad)
		floats.AddScaled(g, o.cfg.WeightDecay, params)
	}

	o.step++
	switch o.cfg.Kind {
	case Adam, AMSGrad:
		o.adam(params, g, lr)
	case RMSProp:
		o.rmsprop(params, g, lr)
	case SGD:
		o.sgd(params, g, lr)
	}
	return nil
}

func (o *Optimizer) adam(params, g []float64, lr float64) {
	b1, b2 := o.cfg.Beta1, o.cfg.Beta2
	c1 := 1 - math.Pow(b1, float64(o.step))
	c2 := 1 - math.Pow(b2, float64(o.step))
	for i, gi := range g {
		o.m[i] = b1*o.m[i] + (1-b1)*gi
		o.v[i] = b2*o.v[i] + (1-b2)*gi*gi
		v := o.v[i]
		if o.vmax != nil {
			o.vmax[i] = math.Max(o.vmax[i], v)
			v = o.vmax[i]
		}
		params[i] -= lr * (o.m[i] / c1) / (math.Sqrt(v/c2) + o.cfg.Eps)
	}
}

// rmsprop uses Beta2 as the squared-gradient decay.
func (o *Optimizer) rmsprop(params, g []float64, lr float64) {
	a := o.cfg.Beta2
	for i, gi := range g {
		o.v[i] = a*o.v[i] + (1-a)*gi*gi
		params[i] -= lr * gi / (math.Sqrt(o.v[i]) + o.cfg.Eps)
	}
}

func (o *Optimizer) sgd(params, g []float64, lr float64) {
	if o.m == nil {
		floats.AddScaled(params, -lr, g)
		return
	}
	mu := o.cfg.Momentum
	for i, gi := range g {
		o.m[i] = mu*o.m[i] + gi
	}
	floats.AddScaled(params, -lr, o.m)
}

// State returns a deep copy of the optimizer state.
func (o *Optimizer) State() State {
	return State{
		Kind: o.cfg.Kind,
		Step: o.step,
		M:    clone(o.m),
		V:    clone(o.v),
		VMax: clone(o.vmax),
	}
}

// LoadState restores a state taken with State. Kind and vector lengths must
// match this optimizer.
func (o *Optimizer) LoadState(s State) error {
	if s.Kind != o.cfg.Kind {
		return fmt.Errorf("optimizer kind mismatch: expected %s, got %s", o.cfg.Kind, s.Kind)
	}
	if s.Step < 0 {
		return fmt.Errorf("negative step count %d", s.Step)
	}
	for _, p := range []struct {
		name string
		dst  []float64
		src  []float64
	}{
		{"m", o.m, s.M},
		{"v", o.v, s.V},
		{"v_max", o.vmax, s.VMax},
	} {
		if len(p.dst) != len(p.src) {
			return fmt.Errorf("optimizer state %s: expected length %d, got %d", p.name, len(p.dst), len(p.src))
		}
	}
	copy(o.m, s.M)
	copy(o.v, s.V)
	copy(o.vmax, s.VMax)
	o.step = s.Step
	return nil
}

func clone(s []float64) []float64 {
	if s == nil {
		return nil
	}
	return append([]float64(nil), s...)
}
