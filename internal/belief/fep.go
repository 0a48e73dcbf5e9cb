package belief

import (
	"math"

	"github.com/vagusloop/breathkernel/internal/domain"
)

// FEP is the per-channel Kalman-like precision tracker described in
// spec §4.4. It is grounded on the teacher's Mahalanobis scorer in spirit
// (evidence weighted by an inverse-variance-like term) but deliberately
// drops full covariance inversion: the spec's FepState carries independent
// per-channel variance, not a shared covariance matrix, so there is no
// off-diagonal term to invert.
type FEP struct {
	cfg   domain.FepConfig
	state domain.FepState
}

// NewFEP seeds the tracker from cfg.
func NewFEP(cfg domain.FepConfig) *FEP {
	return &FEP{cfg: cfg, state: domain.InitialFepState(cfg)}
}

// State returns the current tracker state.
func (f *FEP) State() domain.FepState {
	return f.state
}

// Observe folds one observation vector into μ/σ and the free-energy EMA,
// returning the updated state. It is total. A NaN channel means "not
// observed this tick" (spec: Observation fields are independently
// nullable) and is skipped entirely — it contributes no prediction error
// and leaves that channel's μ/σ untouched, rather than being scored as a
// zero-valued sample.
func (f *FEP) Observe(obs domain.FeatureVector) domain.FepState {
	instant := 0.0
	observed := 0
	for i := 0; i < domain.NumFeatureChannels; i++ {
		if math.IsNaN(obs[i]) {
			continue
		}
		observed++
		predictionError := obs[i] - f.state.Mu[i]
		k := f.state.Sigma[i] / (f.state.Sigma[i] + f.cfg.ObservationVariance[i])
		f.state.Mu[i] += k * predictionError
		f.state.Sigma[i] = clampSigma((1-k)*f.state.Sigma[i] + f.state.ProcessNoise)

		instant += (predictionError*predictionError)/f.state.Sigma[i] + math.Log(f.state.Sigma[i])
	}
	if observed == 0 {
		return f.state
	}

	f.state.FreeEnergyEMA = clampFE((1-f.cfg.Gamma)*f.state.FreeEnergyEMA + f.cfg.Gamma*instant)
	return f.state
}

// ProcessFeedback applies the success/failure adaptation rule from
// spec §4.4: a success tightens the tracker (less process noise, lower
// variance, higher learning rate); a failure loosens it.
func (f *FEP) ProcessFeedback(success bool) domain.FepState {
	if success {
		f.state.ProcessNoise = math.Max(f.cfg.ProcessNoiseMin, f.state.ProcessNoise*0.9)
		for i := range f.state.Sigma {
			f.state.Sigma[i] = math.Max(1e-3, f.state.Sigma[i]*0.9)
		}
		f.state.LR = math.Min(f.cfg.LRMax, f.state.LR*1.05)
	} else {
		f.state.ProcessNoise = math.Min(f.cfg.ProcessNoiseMax, f.state.ProcessNoise*1.2)
		for i := range f.state.Sigma {
			f.state.Sigma[i] = math.Min(10, f.state.Sigma[i]*1.2)
		}
		f.state.LR = math.Max(f.cfg.LRMin, f.state.LR*0.85)
		f.state.FreeEnergyEMA = math.Min(10, f.state.FreeEnergyEMA+0.15)
	}
	return f.state
}

func clampSigma(x float64) float64 {
	if x < 1e-3 {
		return 1e-3
	}
	if x > 10 {
		return 10
	}
	return x
}

func clampFE(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 10 {
		return 10
	}
	return x
}
