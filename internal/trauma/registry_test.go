package trauma

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRecordNegativeFeedback_ExponentialBackoffWorkedExample(t *testing.T) {
	r := New(DefaultConfig())
	sig := [32]byte{}

	var hit = r.RecordNegativeFeedback(sig, 0, 2.0)
	hit = r.RecordNegativeFeedback(sig, 0, 2.0)
	hit = r.RecordNegativeFeedback(sig, 0, 2.0)

	require.Equal(t, uint64(3), hit.Count)
	require.Equal(t, int64(4*3_600_000_000), hit.InhibitUntilTsUs)
}

func TestQuery_NoEntry(t *testing.T) {
	r := New(DefaultConfig())
	_, _, found := r.Query([32]byte{1}, 0)
	require.False(t, found)
}

func TestQuery_DecaysOverTime(t *testing.T) {
	r := New(DefaultConfig())
	sig := [32]byte{2}
	r.RecordNegativeFeedback(sig, 0, 2.0)

	dayUs := int64(24 * 3_600_000_000)
	sevNow, _, _ := r.Query(sig, 0)
	sevLater, _, _ := r.Query(sig, dayUs)

	require.Less(t, sevLater, sevNow)
}

func TestRestoreRoundTrip(t *testing.T) {
	r := New(DefaultConfig())
	sig := [32]byte{3}
	hit := r.RecordNegativeFeedback(sig, 0, 2.0)

	r2 := New(DefaultConfig())
	r2.Restore(hit)

	got, found := r2.Get(sig)
	require.True(t, found)
	require.Equal(t, hit, got)
}
