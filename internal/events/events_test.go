package events

import (
	"encoding/json"
	"testing"

	"github.com/dxlfabric/broker/internal/codec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewBrokerStateEventRoundTripsPayload(t *testing.T) {
	msg, err := NewBrokerStateEvent("broker-1", BrokerState{
		BrokerID:       "broker-1",
		Hostname:       "host-a",
		Port:           8883,
		ConnectedPeers: []string{"broker-2"},
		ClientCount:    3,
	})
	require.NoError(t, err)
	assert.True(t, msg.IsEvent())
	assert.Equal(t, TopicBrokerState, msg.OtherFields["topic"])

	var decoded BrokerState
	require.NoError(t, json.Unmarshal(msg.Payload, &decoded))
	assert.Equal(t, "broker-1", decoded.BrokerID)
	assert.Equal(t, 3, decoded.ClientCount)
}

func TestNewTopicAddedAndRemovedEvents(t *testing.T) {
	added, err := NewTopicAddedEvent("broker-1", "x/y")
	require.NoError(t, err)
	assert.Equal(t, TopicTopicAdded, added.OtherFields["topic"])

	removed, err := NewTopicRemovedEvent("broker-1", "x/y")
	require.NoError(t, err)
	assert.Equal(t, TopicTopicRemoved, removed.OtherFields["topic"])
}

func TestNewServiceRegisterEventCarriesRegistrationFields(t *testing.T) {
	msg, err := NewServiceRegisterEvent("broker-1", ServiceRegistration{
		ServiceID:     "svc-1",
		ServiceType:   "type-a",
		RequestTopics: []string{"/svc/topic"},
		BrokerID:      "broker-1",
		TTLMinutes:    60,
	})
	require.NoError(t, err)

	var decoded ServiceRegistration
	require.NoError(t, json.Unmarshal(msg.Payload, &decoded))
	assert.Equal(t, "svc-1", decoded.ServiceID)
	assert.Equal(t, []string{"/svc/topic"}, decoded.RequestTopics)
}

func TestNewTenantLimitEvents(t *testing.T) {
	exceeded, err := NewTenantLimitExceededEvent("broker-1", "tenant-1", "bytes")
	require.NoError(t, err)
	assert.Equal(t, TopicTenantExceeded, exceeded.OtherFields["topic"])

	reset, err := NewTenantLimitResetEvent("broker-1", "tenant-1")
	require.NoError(t, err)
	assert.Equal(t, TopicTenantReset, reset.OtherFields["topic"])
}

func TestNewRevokedListEventCarriesHashes(t *testing.T) {
	msg, err := NewRevokedListEvent("broker-1", []string{"hash-a", "hash-b"})
	require.NoError(t, err)

	var decoded RevokedList
	require.NoError(t, json.Unmarshal(msg.Payload, &decoded))
	assert.Equal(t, []string{"hash-a", "hash-b"}, decoded.CertHashes)
}

func TestEventMessagesAreAlwaysKindEvent(t *testing.T) {
	msg, err := NewFabricChangeEvent("broker-1")
	require.NoError(t, err)
	assert.Equal(t, codec.KindEvent, msg.Kind)
}
