package svcregistry

import (
	"sync"
	"time"

	"github.com/dxlfabric/broker/internal/fabric"
)

// TTLGrace mirrors the registry.TTLGrace in internal/registry: additive
// slack past the declared TTL before a service is considered expired.
const TTLGrace = 15 * time.Second

// ZoneResolver returns the zone chain (most specific first) for a broker
// id, as computed by the fabric configuration service.
type ZoneResolver func(brokerID string) []string

// topicServices is the per-request-topic index: every registered service
// for the topic, plus a zone partition computed lazily and cached until
// the registry marks it dirty.
type topicServices struct {
	services map[string]bool // service id set

	zoneDirty bool
	byZone    map[string][]string // zone -> sorted service ids in that zone
	cursor    map[string]int      // zone -> next round-robin index
}

func newTopicServices() *topicServices {
	return &topicServices{services: map[string]bool{}, zoneDirty: true}
}

// Registry indexes service registrations by id, type, and request topic.
type Registry struct {
	mu sync.Mutex

	localBrokerID string
	zonesFor      ZoneResolver

	byID    map[string]*Registration
	byType  map[string]map[string]bool
	byTopic map[string]*topicServices

	eventToRequest map[string]string // event topic -> request prefix
}

// New returns an empty service registry bound to localBrokerID (used to
// decide whether a registration is local) and zonesFor (used for
// zone-aware round robin).
func New(localBrokerID string, zonesFor ZoneResolver) *Registry {
	return &Registry{
		localBrokerID:  localBrokerID,
		zonesFor:       zonesFor,
		byID:           map[string]*Registration{},
		byType:         map[string]map[string]bool{},
		byTopic:        map[string]*topicServices{},
		eventToRequest: map[string]string{},
	}
}

// Register applies the merge rule from 4.G: a brand-new service id is
// simply added; an existing one from a different, staler broker is
// ignored; an existing one whose identifying fields match is refreshed in
// place; otherwise the old record is replaced. Returns true if the
// registration was applied (added, refreshed, or replaced) and false if it
// was ignored.
func (r *Registry) Register(reg *Registration) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.byID[reg.ServiceID]
	if !ok {
		r.addLocked(reg)
		return true
	}

	if reg.BrokerID != existing.BrokerID && reg.adjustedTTL().Before(existing.adjustedTTL()) {
		return false
	}

	if identifyingFieldsEqual(reg, existing) {
		existing.TTLMinutes = reg.TTLMinutes
		existing.Metadata = reg.Metadata
		existing.RegistrationTime = reg.RegistrationTime
		r.rebuildEventMapLocked()
		return true
	}

	r.removeLocked(reg.ServiceID)
	r.addLocked(reg)
	return true
}

func (r *Registry) addLocked(reg *Registration) {
	r.byID[reg.ServiceID] = reg

	typeSet, ok := r.byType[reg.ServiceType]
	if !ok {
		typeSet = map[string]bool{}
		r.byType[reg.ServiceType] = typeSet
	}
	typeSet[reg.ServiceID] = true

	for _, topic := range reg.RequestTopics {
		ts, ok := r.byTopic[topic]
		if !ok {
			ts = newTopicServices()
			r.byTopic[topic] = ts
		}
		ts.services[reg.ServiceID] = true
		ts.zoneDirty = true
	}

	r.rebuildEventMapLocked()
}

// Unregister removes a service by id unconditionally (used for a
// broker-relayed unregister). Returns the removed registration, or nil if
// the id was unknown.
func (r *Registry) Unregister(serviceID string) *Registration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeLocked(serviceID)
}

// UnregisterAuthenticated removes a service only if its client id and
// tenant id match, as required for a client-initiated unregister request
// (a client cannot unregister someone else's service).
func (r *Registry) UnregisterAuthenticated(serviceID, clientID, tenantID string) *Registration {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.byID[serviceID]
	if !ok || existing.ClientID != clientID || existing.TenantID != tenantID {
		return nil
	}
	return r.removeLocked(serviceID)
}

func (r *Registry) removeLocked(serviceID string) *Registration {
	reg, ok := r.byID[serviceID]
	if !ok {
		return nil
	}
	delete(r.byID, serviceID)
	if typeSet, ok := r.byType[reg.ServiceType]; ok {
		delete(typeSet, serviceID)
		if len(typeSet) == 0 {
			delete(r.byType, reg.ServiceType)
		}
	}
	for _, topic := range reg.RequestTopics {
		if ts, ok := r.byTopic[topic]; ok {
			delete(ts.services, serviceID)
			ts.zoneDirty = true
			if len(ts.services) == 0 {
				delete(r.byTopic, topic)
			}
		}
	}
	r.rebuildEventMapLocked()
	return reg
}

func (r *Registry) rebuildEventMapLocked() {
	next := map[string]string{}
	for _, reg := range r.byID {
		prefix, eventTopics := eventToRequestPrefix(reg.Metadata)
		if prefix == "" {
			continue
		}
		for _, topic := range eventTopics {
			next[topic] = prefix
		}
	}
	r.eventToRequest = next
}

// RequestPrefixForEvent returns the request-topic prefix an event topic
// should be promoted to, if any currently registered service declared one.
func (r *Registry) RequestPrefixForEvent(eventTopic string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	prefix, ok := r.eventToRequest[eventTopic]
	return prefix, ok
}

// FindByID returns the registration for serviceID, if any.
func (r *Registry) FindByID(serviceID string) (*Registration, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	reg, ok := r.byID[serviceID]
	return reg, ok
}

// FindByType returns every registration of the given service type.
func (r *Registry) FindByType(serviceType string) []*Registration {
	r.mu.Lock()
	defer r.mu.Unlock()
	set := r.byType[serviceType]
	out := make([]*Registration, 0, len(set))
	for id := range set {
		out = append(out, r.byID[id])
	}
	return out
}

// All returns every current registration.
func (r *Registry) All() []*Registration {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Registration, 0, len(r.byID))
	for _, reg := range r.byID {
		out = append(out, reg)
	}
	return out
}

// VisibleToTenant implements the multi-tenant visibility rule from 4.G: a
// service is visible to callerTenant iff it was registered by the ops
// tenant (gated further by its target-tenant set, if any) or the caller is
// the registering tenant itself.
func VisibleToTenant(reg *Registration, callerTenant, opsTenant string) bool {
	if reg.TenantID == callerTenant {
		return true
	}
	if reg.TenantID == opsTenant {
		if len(reg.TargetTenantIDs) == 0 {
			return true
		}
		for _, t := range reg.TargetTenantIDs {
			if t == callerTenant {
				return true
			}
		}
	}
	return false
}

// EligibilityFilter evaluates the (b),(c),(d) criteria from 4.G's
// next-service walk that the registry itself cannot evaluate without
// reaching into the routing/authorization/tenant subsystems.
type EligibilityFilter struct {
	IsReachable  func(brokerID string) bool
	IsAuthorized func(reg *Registration) bool
	CallerTenant string
	OpsTenant    string
}

func (f EligibilityFilter) allows(reg *Registration, now time.Time) bool {
	if reg.expired(now, TTLGrace) {
		return false
	}
	if f.IsReachable != nil && !f.IsReachable(reg.BrokerID) {
		return false
	}
	if f.IsAuthorized != nil && !f.IsAuthorized(reg) {
		return false
	}
	return VisibleToTenant(reg, f.CallerTenant, f.OpsTenant)
}

// rebuildZones recomputes ts's zone partition from the current service
// set, using zonesFor to place each service's registering broker into its
// zone chain's most-specific zone.
func (r *Registry) rebuildZones(ts *topicServices) {
	byZone := map[string][]string{}
	for id := range ts.services {
		reg := r.byID[id]
		if reg == nil {
			continue
		}
		zones := r.zonesFor(reg.BrokerID)
		zone := ""
		if len(zones) > 0 {
			zone = zones[0]
		}
		byZone[zone] = append(byZone[zone], id)
	}
	for _, ids := range byZone {
		sortInPlace(ids)
	}
	ts.byZone = byZone
	if ts.cursor == nil {
		ts.cursor = map[string]int{}
	}
	ts.zoneDirty = false
}

func sortInPlace(ids []string) {
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && ids[j-1] > ids[j]; j-- {
			ids[j-1], ids[j] = ids[j], ids[j-1]
		}
	}
}

// GetNextService resolves the next service instance for topic per 4.G:
// walk the caller's zone chain in order, round-robin within each zone
// among eligible services, and return the first match.
func (r *Registry) GetNextService(topic string, callerZones []string, filter EligibilityFilter, now time.Time) (*Registration, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ts, ok := r.byTopic[topic]
	if !ok {
		return nil, false
	}
	if ts.zoneDirty {
		r.rebuildZones(ts)
	}

	zonesToTry := callerZones
	if len(zonesToTry) == 0 {
		zonesToTry = []string{""}
	} else {
		zonesToTry = append(append([]string(nil), zonesToTry...), "")
	}

	for _, zone := range zonesToTry {
		ids := ts.byZone[zone]
		if len(ids) == 0 {
			continue
		}
		start := ts.cursor[zone]
		for i := 0; i < len(ids); i++ {
			idx := (start + i) % len(ids)
			reg := r.byID[ids[idx]]
			if reg == nil || !filter.allows(reg, now) {
				continue
			}
			ts.cursor[zone] = (idx + 1) % len(ids)
			return reg, true
		}
	}
	return nil, false
}

// InvalidateZones marks every topic's zone partition dirty, to be
// recomputed lazily on the next GetNextService call for that topic. Called
// from OnFabricConfigurationChanged as soon as the configuration changes.
func (r *Registry) InvalidateZones() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ts := range r.byTopic {
		ts.zoneDirty = true
	}
}

// RunMaintenance unregisters every expired service, returning the ones
// that were local to this broker (callers fire an unregister event only
// for those, per 4.G's "fires an unregister event when the unregistration
// is local").
func (r *Registry) RunMaintenance(now time.Time) []*Registration {
	r.mu.Lock()
	var expiredIDs []string
	for id, reg := range r.byID {
		if reg.expired(now, TTLGrace) {
			expiredIDs = append(expiredIDs, id)
		}
	}
	var localExpired []*Registration
	for _, id := range expiredIDs {
		reg := r.removeLocked(id)
		if reg != nil && reg.IsLocal(r.localBrokerID) {
			localExpired = append(localExpired, reg)
		}
	}
	r.mu.Unlock()
	return localExpired
}

// OnFabricConfigurationChanged implements fabric.Listener so the service
// registry can be registered directly with the fabric configuration
// service.
func (r *Registry) OnFabricConfigurationChanged(old, new *fabric.Configuration) {
	r.InvalidateZones()
}
