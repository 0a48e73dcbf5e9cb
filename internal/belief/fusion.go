package belief

import (
	"math"

	"github.com/vagusloop/breathkernel/internal/domain"
)

// Config holds the belief-fusion tunables from spec §6's `belief` section.
type Config struct {
	PathwayWeights      [3]float64
	EMABeta             float64
	HysteresisThreshold int
	HysteresisMargin    float64
}

// DefaultConfig matches the defaults named in spec §4.3.
func DefaultConfig() Config {
	return Config{
		PathwayWeights:      [3]float64{1.0, 0.6, 0.8},
		EMABeta:             0.3,
		HysteresisThreshold: 3,
		HysteresisMargin:    0.15,
	}
}

// Engine owns the belief distribution and the three closed-set pathways; it
// resolves the open question on fusion interpretation by treating the prior
// as already in the log domain (via log(p_prior)) rather than re-deriving
// logits multiplicatively in the probability domain. This was chosen because
// the teacher's severity formula (a weighted linear sum of independent
// evidence terms) only composes correctly in an additive domain; a
// multiplicative probability-domain fusion would require renormalizing
// inputs the teacher never renormalizes.
type Engine struct {
	cfg   Config
	state domain.BeliefState
}

// New seeds the engine at the uniform prior collapsed on Calm.
func New(cfg Config) *Engine {
	return &Engine{cfg: cfg, state: domain.InitialBeliefState()}
}

// State returns the current belief state.
func (e *Engine) State() domain.BeliefState {
	return e.state
}

// Update folds one round of pathway evidence into the belief distribution
// and returns the updated state. It is total: no error path.
func (e *Engine) Update(logical, contextual, biometric PathwayOutput) domain.BeliefState {
	logits := logDomainPrior(e.state.P)

	pathways := [3]PathwayOutput{logical, contextual, biometric}
	for i, p := range pathways {
		w := e.cfg.PathwayWeights[i] * p.Confidence
		for m := range logits {
			logits[m] += w * p.Logits[m]
		}
	}

	pNew := softmax(logits)

	var pEMA [domain.NumModes]float64
	for i := range pEMA {
		pEMA[i] = (1-e.cfg.EMABeta)*e.state.P[i] + e.cfg.EMABeta*pNew[i]
	}
	normalize(&pEMA)

	confidence := maxOf(pEMA)

	collapsed, counter := e.collapse(pEMA)

	e.state = domain.BeliefState{
		Mode:            collapsed,
		P:               pEMA,
		Confidence:      confidence,
		CollapseCounter: counter,
	}
	return e.state
}

// collapse implements hysteresis-gated mode switching: argmax must differ
// from the current mode for more than HysteresisThreshold consecutive updates AND the
// margin over the current mode's probability must exceed HysteresisMargin
// before the collapsed mode actually changes.
func (e *Engine) collapse(p [domain.NumModes]float64) (domain.Mode, int) {
	candidate := argmax(p)
	current := e.state.Mode

	if candidate == current {
		return current, 0
	}

	counter := e.state.CollapseCounter + 1
	margin := p[candidate] - p[current]
	if counter > e.cfg.HysteresisThreshold && margin > e.cfg.HysteresisMargin {
		return candidate, 0
	}
	return current, counter
}

func logDomainPrior(p [domain.NumModes]float64) [domain.NumModes]float64 {
	var out [domain.NumModes]float64
	const eps = 1e-9
	for i, v := range p {
		out[i] = math.Log(v + eps)
	}
	return out
}

func softmax(logits [domain.NumModes]float64) [domain.NumModes]float64 {
	var out [domain.NumModes]float64
	maxLogit := logits[0]
	for _, v := range logits {
		if v > maxLogit {
			maxLogit = v
		}
	}
	sum := 0.0
	for i, v := range logits {
		out[i] = math.Exp(v - maxLogit)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}

func normalize(p *[domain.NumModes]float64) {
	sum := 0.0
	for _, v := range p {
		sum += v
	}
	if sum == 0 {
		for i := range p {
			p[i] = 1.0 / domain.NumModes
		}
		return
	}
	for i := range p {
		p[i] /= sum
	}
}

func maxOf(p [domain.NumModes]float64) float64 {
	m := p[0]
	for _, v := range p {
		if v > m {
			m = v
		}
	}
	return m
}

func argmax(p [domain.NumModes]float64) domain.Mode {
	best := 0
	for i, v := range p {
		if v > p[best] {
			best = i
		}
	}
	return domain.Mode(best)
}
