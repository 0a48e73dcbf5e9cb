package belief

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vagusloop/breathkernel/internal/domain"
)

func TestFEP_ObserveConvergesMuTowardObservation(t *testing.T) {
	f := NewFEP(domain.DefaultFepConfig())
	obs := domain.FeatureVector{72, 45, 14, 1.0, 0.0}

	var st domain.FepState
	for i := 0; i < 50; i++ {
		st = f.Observe(obs)
	}
	require.InDelta(t, 72.0, st.Mu[domain.FeatHR], 1.0)
}

func TestFEP_ProcessFeedback_SuccessTightens(t *testing.T) {
	f := NewFEP(domain.DefaultFepConfig())
	before := f.State()
	after := f.ProcessFeedback(true)

	require.LessOrEqual(t, after.ProcessNoise, before.ProcessNoise)
	require.GreaterOrEqual(t, after.LR, before.LR)
}

func TestFEP_ProcessFeedback_FailureLoosens(t *testing.T) {
	f := NewFEP(domain.DefaultFepConfig())
	before := f.State()
	after := f.ProcessFeedback(false)

	require.GreaterOrEqual(t, after.ProcessNoise, before.ProcessNoise)
	require.LessOrEqual(t, after.LR, before.LR)
	require.GreaterOrEqual(t, after.FreeEnergyEMA, before.FreeEnergyEMA)
}

func TestFEP_SigmaStaysWithinBounds(t *testing.T) {
	f := NewFEP(domain.DefaultFepConfig())
	for i := 0; i < 200; i++ {
		f.Observe(domain.FeatureVector{500, -500, 500, 1.0, 0.0})
		f.ProcessFeedback(i%2 == 0)
	}
	st := f.State()
	for _, s := range st.Sigma {
		require.GreaterOrEqual(t, s, 1e-3)
		require.LessOrEqual(t, s, 10.0)
	}
}
