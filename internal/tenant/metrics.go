// Package tenant tracks per-tenant resource usage — bytes sent,
// connections, services, subscriptions — against configured limits, with a
// sticky "exceeded" flag for byte accounting that only a reset event
// clears.
package tenant

import "sync"

// Limits holds the per-tenant ceilings enforced by Metrics. A zero value
// for any field means "unlimited".
type Limits struct {
	MaxBytes         uint64
	MaxConnections   uint32
	MaxServices      uint32
	MaxSubscriptions uint32
}

// LimitKind identifies which counter tripped a limit-exceeded transition,
// used to label the broker-to-broker event fired from OnLimitExceeded.
type LimitKind int

const (
	LimitBytes LimitKind = iota
	LimitConnections
	LimitServices
	LimitSubscriptions
)

// Metrics tracks usage counters for every tenant except OpsTenant, which is
// exempt from all limit checks.
type Metrics struct {
	mu sync.Mutex

	opsTenant string
	limits    Limits

	bytesSent     map[string]uint64
	bytesExceeded map[string]bool

	connections map[string]uint32
	services    map[string]uint32

	// subscriptionsByClient tracks per-client counts so a client
	// disconnect can subtract only its own contribution from the tenant
	// total, per 4.H's "subscription count is stored per client."
	subscriptionsByClient map[string]map[string]uint32
	subscriptionTotal      map[string]uint32

	// OnLimitExceeded, if set, is invoked so the broker can emit the
	// cross-broker limit-exceeded event named in 4.H. For bytes it fires
	// once, when the running total first crosses the limit, and not again
	// until ResetByteCounts. For connections, services and subscriptions it
	// fires on every IsConnectionAllowed, IsServiceRegistrationAllowed or
	// IsSubscriptionAllowed call that refuses, not only the first.
	OnLimitExceeded func(tenant string, kind LimitKind)
}

// New returns a Metrics tracker. opsTenant is exempt from every limit.
func New(opsTenant string, limits Limits) *Metrics {
	return &Metrics{
		opsTenant:             opsTenant,
		limits:                limits,
		bytesSent:             map[string]uint64{},
		bytesExceeded:         map[string]bool{},
		connections:           map[string]uint32{},
		services:              map[string]uint32{},
		subscriptionsByClient: map[string]map[string]uint32{},
		subscriptionTotal:     map[string]uint32{},
	}
}

func (m *Metrics) fire(tenant string, kind LimitKind) {
	if m.OnLimitExceeded != nil {
		m.OnLimitExceeded(tenant, kind)
	}
}

// UpdateSentByteCount adds n bytes to tenant's running total and reports
// whether the send is allowed. Once the tenant's sticky exceeded flag is
// set, every subsequent call returns false without touching the running
// total again, until ResetByteCounts clears it.
func (m *Metrics) UpdateSentByteCount(tenantID string, n uint64) bool {
	if tenantID == m.opsTenant || m.limits.MaxBytes == 0 {
		return true
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.bytesExceeded[tenantID] {
		return false
	}
	m.bytesSent[tenantID] += n
	if m.bytesSent[tenantID] > m.limits.MaxBytes {
		m.bytesExceeded[tenantID] = true
		m.fire(tenantID, LimitBytes)
		return false
	}
	return true
}

// MarkExceedsByte forces the sticky exceeded flag for tenantID, used when
// a peer broker's limit-exceeded event arrives for a tenant this broker
// has also seen traffic for.
func (m *Metrics) MarkExceedsByte(tenantID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bytesExceeded[tenantID] = true
}

// ResetByteCounts clears both the running byte total and the sticky
// exceeded flag for tenantID, as driven by the tenant-reset control event.
func (m *Metrics) ResetByteCounts(tenantID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.bytesSent, tenantID)
	delete(m.bytesExceeded, tenantID)
}

// UpdateConnectionCount adjusts tenantID's connection count by delta
// (negative on disconnect). Counts never go negative.
func (m *Metrics) UpdateConnectionCount(tenantID string, delta int32) {
	if tenantID == m.opsTenant {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connections[tenantID] = clampedAdd(m.connections[tenantID], delta)
}

// IsConnectionAllowed reports whether tenantID may open one more
// connection under the configured limit.
func (m *Metrics) IsConnectionAllowed(tenantID string) bool {
	if tenantID == m.opsTenant || m.limits.MaxConnections == 0 {
		return true
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	allowed := m.connections[tenantID] < m.limits.MaxConnections
	if !allowed {
		m.fire(tenantID, LimitConnections)
	}
	return allowed
}

// UpdateServiceCount adjusts tenantID's registered-service count by delta.
func (m *Metrics) UpdateServiceCount(tenantID string, delta int32) {
	if tenantID == m.opsTenant {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.services[tenantID] = clampedAdd(m.services[tenantID], delta)
}

// IsServiceRegistrationAllowed reports whether tenantID may register one
// more service under the configured limit.
func (m *Metrics) IsServiceRegistrationAllowed(tenantID string) bool {
	if tenantID == m.opsTenant || m.limits.MaxServices == 0 {
		return true
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	allowed := m.services[tenantID] < m.limits.MaxServices
	if !allowed {
		m.fire(tenantID, LimitServices)
	}
	return allowed
}

// UpdateSubscriptionCount adjusts clientID's subscription count by delta,
// keeping tenantID's aggregate total in sync.
func (m *Metrics) UpdateSubscriptionCount(tenantID, clientID string, delta int32) {
	if tenantID == m.opsTenant {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	byClient, ok := m.subscriptionsByClient[tenantID]
	if !ok {
		byClient = map[string]uint32{}
		m.subscriptionsByClient[tenantID] = byClient
	}
	before := byClient[clientID]
	after := clampedAdd(before, delta)
	byClient[clientID] = after

	diff := int32(after) - int32(before)
	m.subscriptionTotal[tenantID] = clampedAdd(m.subscriptionTotal[tenantID], diff)
}

// IsSubscriptionAllowed reports whether tenantID's aggregate subscription
// count is currently within the configured limit.
func (m *Metrics) IsSubscriptionAllowed(tenantID string) bool {
	if tenantID == m.opsTenant || m.limits.MaxSubscriptions == 0 {
		return true
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	allowed := m.subscriptionTotal[tenantID] < m.limits.MaxSubscriptions
	if !allowed {
		m.fire(tenantID, LimitSubscriptions)
	}
	return allowed
}

func clampedAdd(current uint32, delta int32) uint32 {
	v := int64(current) + int64(delta)
	if v < 0 {
		return 0
	}
	return uint32(v)
}
