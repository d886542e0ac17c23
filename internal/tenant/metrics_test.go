package tenant

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestByteLimitRejectsAboveThresholdUntilReset(t *testing.T) {
	m := New("ops", Limits{MaxBytes: 100})

	assert.True(t, m.UpdateSentByteCount("T", 60))
	assert.False(t, m.UpdateSentByteCount("T", 60))

	m.ResetByteCounts("T")
	assert.True(t, m.UpdateSentByteCount("T", 60))
}

func TestByteLimitStaysExceededUntilReset(t *testing.T) {
	m := New("ops", Limits{MaxBytes: 100})
	require := assert.New(t)

	require.False(m.UpdateSentByteCount("T", 200))
	// Even a call that on its own wouldn't exceed the limit must still
	// return false — the sticky flag, not the running total, gates this.
	require.False(m.UpdateSentByteCount("T", 1))
}

func TestByteLimitFiresEventOnlyOnTransition(t *testing.T) {
	m := New("ops", Limits{MaxBytes: 100})
	var fired int
	m.OnLimitExceeded = func(tenant string, kind LimitKind) { fired++ }

	m.UpdateSentByteCount("T", 60)
	assert.Equal(t, 0, fired)

	m.UpdateSentByteCount("T", 60)
	assert.Equal(t, 1, fired)

	m.UpdateSentByteCount("T", 10)
	assert.Equal(t, 1, fired, "must not re-fire on every call while still exceeded")
}

func TestOpsTenantExemptFromByteLimit(t *testing.T) {
	m := New("ops", Limits{MaxBytes: 1})
	assert.True(t, m.UpdateSentByteCount("ops", 1_000_000))
}

func TestConnectionLimit(t *testing.T) {
	m := New("ops", Limits{MaxConnections: 2})

	assert.True(t, m.IsConnectionAllowed("T"))
	m.UpdateConnectionCount("T", 1)
	assert.True(t, m.IsConnectionAllowed("T"))
	m.UpdateConnectionCount("T", 1)
	assert.False(t, m.IsConnectionAllowed("T"))

	m.UpdateConnectionCount("T", -1)
	assert.True(t, m.IsConnectionAllowed("T"))
}

func TestConnectionCountNeverNegative(t *testing.T) {
	m := New("ops", Limits{MaxConnections: 5})
	m.UpdateConnectionCount("T", -3)
	m.mu.Lock()
	count := m.connections["T"]
	m.mu.Unlock()
	assert.Equal(t, uint32(0), count)
}

func TestServiceRegistrationLimit(t *testing.T) {
	m := New("ops", Limits{MaxServices: 1})
	assert.True(t, m.IsServiceRegistrationAllowed("T"))
	m.UpdateServiceCount("T", 1)
	assert.False(t, m.IsServiceRegistrationAllowed("T"))
}

func TestSubscriptionLimitAggregatesAcrossClients(t *testing.T) {
	m := New("ops", Limits{MaxSubscriptions: 3})

	m.UpdateSubscriptionCount("T", "client-a", 2)
	assert.True(t, m.IsSubscriptionAllowed("T"))

	m.UpdateSubscriptionCount("T", "client-b", 1)
	assert.False(t, m.IsSubscriptionAllowed("T"))

	m.UpdateSubscriptionCount("T", "client-a", -2)
	assert.True(t, m.IsSubscriptionAllowed("T"))
}

func TestUnlimitedWhenLimitIsZero(t *testing.T) {
	m := New("ops", Limits{})
	assert.True(t, m.UpdateSentByteCount("T", 1_000_000))
	assert.True(t, m.IsConnectionAllowed("T"))
	assert.True(t, m.IsServiceRegistrationAllowed("T"))
	assert.True(t, m.IsSubscriptionAllowed("T"))
}
