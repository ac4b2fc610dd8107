package signing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignVerify(t *testing.T) {
	now := time.Unix(1_770_000_000, 0)
	payload := []byte(`{"message":"hi"}`)

	sig, ts := Sign("whsec_abc", "nq_1", payload, now)
	assert.Equal(t, now.Unix(), ts)
	assert.Contains(t, sig, "v1=")

	assert.True(t, Verify("whsec_abc", "nq_1", payload, ts, sig))
	assert.False(t, Verify("whsec_other", "nq_1", payload, ts, sig))
	assert.False(t, Verify("whsec_abc", "nq_2", payload, ts, sig))
	assert.False(t, Verify("whsec_abc", "nq_1", []byte(`{"message":"bye"}`), ts, sig))
	assert.False(t, Verify("whsec_abc", "nq_1", payload, ts+1, sig))
}

func TestVerifyWithin(t *testing.T) {
	now := time.Unix(1_770_000_000, 0)
	payload := []byte("x")
	sig, ts := Sign("s", "id", payload, now)

	require.NoError(t, VerifyWithin("s", "id", payload, ts, sig, now.Add(4*time.Minute), 5*time.Minute))
	assert.Error(t, VerifyWithin("s", "id", payload, ts, sig, now.Add(6*time.Minute), 5*time.Minute))
	assert.Error(t, VerifyWithin("s", "id", []byte("y"), ts, sig, now, 5*time.Minute))
}
