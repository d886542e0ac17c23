package svcregistry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noZones(string) []string { return nil }

func baseReg(id, broker string, ttlMin uint32, now time.Time) *Registration {
	return &Registration{
		ServiceID:        id,
		ServiceType:      "type-a",
		RequestTopics:    []string{"/svc/topic"},
		ClientID:         "client-" + id,
		BrokerID:         broker,
		TenantID:         "tenant-1",
		TTLMinutes:       ttlMin,
		RegistrationTime: now,
		Metadata:         map[string]string{},
	}
}

func TestRegisterNewService(t *testing.T) {
	now := time.Now()
	r := New("local", noZones)
	assert.True(t, r.Register(baseReg("s1", "local", 60, now)))

	reg, ok := r.FindByID("s1")
	require.True(t, ok)
	assert.Equal(t, "type-a", reg.ServiceType)
}

func TestRegisterIgnoresStalerUpdateFromDifferentBroker(t *testing.T) {
	now := time.Now()
	r := New("local", noZones)
	require.True(t, r.Register(baseReg("s1", "broker-a", 60, now)))

	staler := baseReg("s1", "broker-b", 1, now) // shorter adjusted TTL, different broker
	assert.False(t, r.Register(staler))

	reg, _ := r.FindByID("s1")
	assert.Equal(t, "broker-a", reg.BrokerID, "the fresher existing registration must survive")
}

func TestRegisterRefreshesWhenIdentifyingFieldsMatch(t *testing.T) {
	now := time.Now()
	r := New("local", noZones)
	require.True(t, r.Register(baseReg("s1", "broker-a", 60, now)))

	later := now.Add(time.Minute)
	update := baseReg("s1", "broker-a", 90, later)
	require.True(t, r.Register(update))

	reg, _ := r.FindByID("s1")
	assert.Equal(t, uint32(90), reg.TTLMinutes)
	assert.Equal(t, later, reg.RegistrationTime)
}

func TestRegisterReplacesWhenIdentifyingFieldsDiffer(t *testing.T) {
	now := time.Now()
	r := New("local", noZones)
	require.True(t, r.Register(baseReg("s1", "broker-a", 60, now)))

	changed := baseReg("s1", "broker-a", 60, now)
	changed.ServiceType = "type-b"
	require.True(t, r.Register(changed))

	reg, _ := r.FindByID("s1")
	assert.Equal(t, "type-b", reg.ServiceType)
}

func TestUnregisterAuthenticatedRequiresMatchingClientAndTenant(t *testing.T) {
	now := time.Now()
	r := New("local", noZones)
	require.True(t, r.Register(baseReg("s1", "local", 60, now)))

	assert.Nil(t, r.UnregisterAuthenticated("s1", "wrong-client", "tenant-1"))
	_, stillThere := r.FindByID("s1")
	assert.True(t, stillThere)

	assert.NotNil(t, r.UnregisterAuthenticated("s1", "client-s1", "tenant-1"))
	_, gone := r.FindByID("s1")
	assert.False(t, gone)
}

func TestVisibleToTenantRules(t *testing.T) {
	own := &Registration{TenantID: "t1"}
	assert.True(t, VisibleToTenant(own, "t1", "ops"))
	assert.False(t, VisibleToTenant(own, "t2", "ops"))

	opsUnrestricted := &Registration{TenantID: "ops"}
	assert.True(t, VisibleToTenant(opsUnrestricted, "t2", "ops"))

	opsGated := &Registration{TenantID: "ops", TargetTenantIDs: []string{"t3"}}
	assert.True(t, VisibleToTenant(opsGated, "t3", "ops"))
	assert.False(t, VisibleToTenant(opsGated, "t4", "ops"))
}

func TestGetNextServiceRoundRobinsWithinZone(t *testing.T) {
	now := time.Now()
	r := New("local", func(string) []string { return []string{"zone-1"} })
	require.True(t, r.Register(baseReg("s1", "local", 60, now)))
	require.True(t, r.Register(baseReg("s2", "local", 60, now)))

	filter := EligibilityFilter{OpsTenant: "ops", CallerTenant: "tenant-1"}

	first, ok := r.GetNextService("/svc/topic", []string{"zone-1"}, filter, now)
	require.True(t, ok)
	second, ok := r.GetNextService("/svc/topic", []string{"zone-1"}, filter, now)
	require.True(t, ok)
	third, ok := r.GetNextService("/svc/topic", []string{"zone-1"}, filter, now)
	require.True(t, ok)

	assert.NotEqual(t, first.ServiceID, second.ServiceID)
	assert.Equal(t, first.ServiceID, third.ServiceID)
}

func TestGetNextServiceSkipsExpiredService(t *testing.T) {
	now := time.Now()
	r := New("local", func(string) []string { return []string{"zone-1"} })

	expired := baseReg("s1", "local", 1, now.Add(-time.Hour))
	fresh := baseReg("s2", "local", 60, now)
	require.True(t, r.Register(expired))
	require.True(t, r.Register(fresh))

	filter := EligibilityFilter{OpsTenant: "ops", CallerTenant: "tenant-1"}
	first, ok := r.GetNextService("/svc/topic", []string{"zone-1"}, filter, now)
	require.True(t, ok)
	second, ok := r.GetNextService("/svc/topic", []string{"zone-1"}, filter, now)
	require.True(t, ok)

	assert.Equal(t, "s2", first.ServiceID)
	assert.Equal(t, "s2", second.ServiceID, "only the unexpired service should ever be returned")
}

func TestGetNextServiceReturnsFalseWhenNoServiceForTopic(t *testing.T) {
	r := New("local", noZones)
	_, ok := r.GetNextService("/unknown/topic", nil, EligibilityFilter{}, time.Now())
	assert.False(t, ok)
}

func TestRunMaintenanceEvictsExpiredAndReportsOnlyLocal(t *testing.T) {
	now := time.Now()
	r := New("local", noZones)
	require.True(t, r.Register(baseReg("local-svc", "local", 1, now.Add(-time.Hour))))
	require.True(t, r.Register(baseReg("remote-svc", "other-broker", 1, now.Add(-time.Hour))))

	expired := r.RunMaintenance(now)
	require.Len(t, expired, 1)
	assert.Equal(t, "local-svc", expired[0].ServiceID)

	_, ok1 := r.FindByID("local-svc")
	_, ok2 := r.FindByID("remote-svc")
	assert.False(t, ok1)
	assert.False(t, ok2, "both must be removed even though only the local one reports an event")
}

func TestEventToRequestMapRebuildsAcrossRegistrations(t *testing.T) {
	now := time.Now()
	r := New("local", noZones)
	reg := baseReg("s1", "local", 60, now)
	reg.Metadata = map[string]string{
		"eventToRequestPrefix": "/req/prefix",
		"eventToRequestTopic1": "/event/one",
		"eventToRequestTopic2": "/event/two",
	}
	require.True(t, r.Register(reg))

	prefix, ok := r.RequestPrefixForEvent("/event/one")
	require.True(t, ok)
	assert.Equal(t, "/req/prefix", prefix)

	r.Unregister("s1")
	_, ok = r.RequestPrefixForEvent("/event/one")
	assert.False(t, ok, "map must be rebuilt after the contributing service unregisters")
}
