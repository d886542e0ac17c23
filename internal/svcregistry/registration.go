// Package svcregistry indexes service registrations announced by clients
// (directly) and peer brokers (relayed), and answers "which service
// instance should handle this topic" with zone-aware round robin.
package svcregistry

import (
	"reflect"
	"sort"
	"time"
)

// Registration is one service's announcement that it will answer requests
// on a set of topics.
type Registration struct {
	ServiceID         string
	ServiceType       string
	RequestTopics     []string
	ClientID          string
	ClientInstanceID  string
	BrokerID          string
	TenantID          string
	TargetTenantIDs   []string
	TTLMinutes        uint32
	RegistrationTime  time.Time
	Metadata          map[string]string
	CertHashes        []string
	ManagedClient     bool
}

// IsLocal reports whether this registration is owned by localBrokerID,
// i.e. the client that registered it is directly connected to this
// broker rather than relayed from a peer.
func (r *Registration) IsLocal(localBrokerID string) bool {
	return r.BrokerID == localBrokerID
}

// adjustedTTL is the registration's effective expiry instant.
func (r *Registration) adjustedTTL() time.Time {
	return r.RegistrationTime.Add(time.Duration(r.TTLMinutes) * time.Minute)
}

func (r *Registration) expired(now time.Time, grace time.Duration) bool {
	return now.After(r.adjustedTTL().Add(grace))
}

// identifyingFieldsEqual reports whether two registrations describe the
// same service beyond TTL/timestamp — the fields the merge rule treats as
// "no real change, just refresh": request topics, broker, client,
// client-instance, service type, metadata, target tenants, managed flag,
// and certificate set.
func identifyingFieldsEqual(a, b *Registration) bool {
	return equalStringSlice(sortedCopy(a.RequestTopics), sortedCopy(b.RequestTopics)) &&
		a.BrokerID == b.BrokerID &&
		a.ClientID == b.ClientID &&
		a.ClientInstanceID == b.ClientInstanceID &&
		a.ServiceType == b.ServiceType &&
		reflect.DeepEqual(a.Metadata, b.Metadata) &&
		equalStringSlice(sortedCopy(a.TargetTenantIDs), sortedCopy(b.TargetTenantIDs)) &&
		a.ManagedClient == b.ManagedClient &&
		equalStringSlice(sortedCopy(a.CertHashes), sortedCopy(b.CertHashes))
}

func sortedCopy(in []string) []string {
	out := append([]string(nil), in...)
	sort.Strings(out)
	return out
}

func equalStringSlice(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// eventToRequestPrefix reads the metadata convention that promotes events
// on a topic to requests: a recognized "eventToRequestPrefix" key paired
// with one or more "eventToRequestTopic*" keys naming the event topics the
// prefix applies to.
func eventToRequestPrefix(meta map[string]string) (prefix string, eventTopics []string) {
	prefix, ok := meta["eventToRequestPrefix"]
	if !ok {
		return "", nil
	}
	for k, v := range meta {
		if k == "eventToRequestPrefix" {
			continue
		}
		if len(k) >= len("eventToRequestTopic") && k[:len("eventToRequestTopic")] == "eventToRequestTopic" {
			eventTopics = append(eventTopics, v)
		}
	}
	return prefix, eventTopics
}
