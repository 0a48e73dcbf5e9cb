package belief

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vagusloop/breathkernel/internal/domain"
)

func TestLogical_HighHRLowRMSSD_BoostsStress(t *testing.T) {
	out := Logical(domain.Estimate{HR: 100, RMSSD: 20, RR: 14, Confidence: 0.9})
	require.Greater(t, out.Logits[domain.ModeStress], 0.0)
}

func TestLogical_ZeroConfidenceEstimate_ProducesNoEvidence(t *testing.T) {
	out := Logical(domain.Estimate{HR: 100, RMSSD: 10, Confidence: 0})
	for _, v := range out.Logits {
		require.Equal(t, 0.0, v)
	}
}

func TestContextual_NightBucket_BoostsSleepy(t *testing.T) {
	out := Contextual(domain.Context{LocalHour: 2})
	require.Greater(t, out.Logits[domain.ModeSleepy], 0.0)
}

func TestBiometric_HighMotionDegradesConfidence(t *testing.T) {
	calm := Biometric(domain.FeatureVector{70, 50, 12, 1.0, 0.0})
	jittery := Biometric(domain.FeatureVector{70, 50, 12, 1.0, 0.9})
	require.Greater(t, calm.Confidence, jittery.Confidence)
}

func TestBiometric_LowQualityDegradesConfidence(t *testing.T) {
	out := Biometric(domain.FeatureVector{70, 50, 12, 0.2, 0.0})
	require.Less(t, out.Confidence, 0.5)
}
