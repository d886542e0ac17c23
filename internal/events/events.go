// Package events builds the JSON payloads the broker emits on its own
// control topics, each wrapped into a codec.Message of kind event. These
// are materially distinct from the binary wire envelope in package codec:
// they are the application-level payloads carried inside that envelope's
// Payload field.
package events

import (
	"encoding/json"

	"github.com/dxlfabric/broker/internal/codec"
)

// Control topics this broker emits on. Handlers and the maintenance loop
// reference these constants rather than repeating the literal strings.
const (
	TopicBrokerState     = "/mcafee/event/dxl/broker/state"
	TopicBrokerTopics    = "/mcafee/event/dxl/broker/topics"
	TopicTopicAdded      = "/mcafee/event/dxl/broker/topicadded"
	TopicTopicRemoved    = "/mcafee/event/dxl/broker/topicremoved"
	TopicFabricChange    = "/mcafee/event/dxl/fabricchange"
	TopicServiceRegister = "/mcafee/event/dxl/svcregistry/register"
	TopicServiceUnreg    = "/mcafee/event/dxl/svcregistry/unregister"
	TopicTenantExceeded  = "/mcafee/event/dxl/tenant/limit/exceeded"
	TopicTenantReset     = "/mcafee/event/dxl/tenant/limit/reset"
	TopicRevokedList     = "/mcafee/event/dxl/certs/revokedlist"
)

func newEvent(sourceBrokerID, topic string, payload any) (*codec.Message, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	msg := codec.NewEvent(sourceBrokerID, "")
	msg.Payload = body
	msg.OtherFields["topic"] = topic
	return msg, nil
}

// BrokerState is the periodic broker-state payload.
type BrokerState struct {
	BrokerID        string   `json:"brokerId"`
	Hostname        string   `json:"hostname"`
	Port            int      `json:"port"`
	ConnectedPeers  []string `json:"connectedPeers"`
	ClientCount     int      `json:"clientCount"`
	ServiceZone     string   `json:"serviceZone,omitempty"`
	TopicRoutingOn  bool     `json:"topicRoutingEnabled"`
	TestModeEnabled bool     `json:"testModeEnabled"`
}

// NewBrokerStateEvent builds the periodic broker/state event.
func NewBrokerStateEvent(sourceBrokerID string, s BrokerState) (*codec.Message, error) {
	return newEvent(sourceBrokerID, TopicBrokerState, s)
}

// BrokerTopics is one batch of a broker's subscribed-topic membership.
// Large topic sets are split across several of these, with Start set on
// the first batch and End set on the last.
type BrokerTopics struct {
	BrokerID string   `json:"brokerId"`
	Topics   []string `json:"topics"`
	Start    bool     `json:"start"`
	End      bool     `json:"end"`
}

// NewBrokerTopicsEvent builds one batch of the broker/topics event.
func NewBrokerTopicsEvent(sourceBrokerID string, b BrokerTopics) (*codec.Message, error) {
	return newEvent(sourceBrokerID, TopicBrokerTopics, b)
}

// TopicDelta is the payload shared by topicadded and topicremoved.
type TopicDelta struct {
	BrokerID string `json:"brokerId"`
	Topic    string `json:"topic"`
}

// NewTopicAddedEvent builds a broker/topicadded delta event.
func NewTopicAddedEvent(sourceBrokerID, topic string) (*codec.Message, error) {
	return newEvent(sourceBrokerID, TopicTopicAdded, TopicDelta{BrokerID: sourceBrokerID, Topic: topic})
}

// NewTopicRemovedEvent builds a broker/topicremoved delta event.
func NewTopicRemovedEvent(sourceBrokerID, topic string) (*codec.Message, error) {
	return newEvent(sourceBrokerID, TopicTopicRemoved, TopicDelta{BrokerID: sourceBrokerID, Topic: topic})
}

// FabricChange carries only the id of the broker that announced the change;
// its arrival is the signal.
type FabricChange struct {
	BrokerID string `json:"brokerId"`
}

// NewFabricChangeEvent builds a fabricchange event.
func NewFabricChangeEvent(sourceBrokerID string) (*codec.Message, error) {
	return newEvent(sourceBrokerID, TopicFabricChange, FabricChange{BrokerID: sourceBrokerID})
}

// ServiceRegistration mirrors the wire shape of a service registration for
// propagation between brokers.
type ServiceRegistration struct {
	ServiceID       string            `json:"serviceId"`
	ServiceType     string            `json:"serviceType"`
	RequestTopics   []string          `json:"requestTopics"`
	ClientID        string            `json:"clientId"`
	BrokerID        string            `json:"brokerId"`
	TenantID        string            `json:"tenantId,omitempty"`
	TargetTenantIDs []string          `json:"targetTenantIds,omitempty"`
	TTLMinutes      uint32            `json:"ttlMinutes"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	ManagedClient   bool              `json:"managedClient"`
}

// NewServiceRegisterEvent builds an svcregistry/register propagation event.
func NewServiceRegisterEvent(sourceBrokerID string, reg ServiceRegistration) (*codec.Message, error) {
	return newEvent(sourceBrokerID, TopicServiceRegister, reg)
}

// ServiceUnregistration is the minimal payload needed to remove a service
// on a peer broker.
type ServiceUnregistration struct {
	ServiceID string `json:"serviceId"`
	BrokerID  string `json:"brokerId"`
}

// NewServiceUnregisterEvent builds an svcregistry/unregister propagation
// event.
func NewServiceUnregisterEvent(sourceBrokerID, serviceID string) (*codec.Message, error) {
	return newEvent(sourceBrokerID, TopicServiceUnreg, ServiceUnregistration{ServiceID: serviceID, BrokerID: sourceBrokerID})
}

// TenantLimit is the shared payload for both tenant-limit control topics.
type TenantLimit struct {
	TenantID string `json:"tenantId"`
	Kind     string `json:"kind"`
}

// NewTenantLimitExceededEvent builds a tenant/limit/exceeded event.
func NewTenantLimitExceededEvent(sourceBrokerID, tenantID, kind string) (*codec.Message, error) {
	return newEvent(sourceBrokerID, TopicTenantExceeded, TenantLimit{TenantID: tenantID, Kind: kind})
}

// NewTenantLimitResetEvent builds a tenant/limit/reset event.
func NewTenantLimitResetEvent(sourceBrokerID, tenantID string) (*codec.Message, error) {
	return newEvent(sourceBrokerID, TopicTenantReset, TenantLimit{TenantID: tenantID, Kind: "bytes"})
}

// RevokedList carries the cert hashes newly added to the revocation set
// since the last flush.
type RevokedList struct {
	BrokerID   string   `json:"brokerId"`
	CertHashes []string `json:"certHashes"`
}

// NewRevokedListEvent builds a certs/revokedlist event.
func NewRevokedListEvent(sourceBrokerID string, newHashes []string) (*codec.Message, error) {
	return newEvent(sourceBrokerID, TopicRevokedList, RevokedList{BrokerID: sourceBrokerID, CertHashes: newHashes})
}
