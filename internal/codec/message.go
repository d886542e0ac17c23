// Package codec implements the versioned, message-pack-style wire envelope
// used for every frame that moves through the dispatch pipeline. Unlike the
// JSON control-topic payloads in package events, this is the binary format
// clients and bridges actually exchange.
//
// A decoder must accept any version up to and including its own, treating
// any field introduced by a later version as empty when the wire frame was
// produced by an older encoder. An encoder always writes the newest version
// it knows about (CurrentVersion).
package codec

import (
	"fmt"

	"github.com/google/uuid"
)

// Version is the wire-level message format version.
type Version uint8

// Field groups are cumulative: v1 adds OtherFields to v0, v2 adds tenant
// fields to v1, v3 adds the source client-instance id to v2.
const (
	Version0 Version = 0
	Version1 Version = 1
	Version2 Version = 2
	Version3 Version = 3

	// CurrentVersion is the highest version this module encodes.
	CurrentVersion = Version3
)

// Kind identifies which of the four DXL-style message shapes a Message is.
type Kind uint8

const (
	KindRequest Kind = iota
	KindResponse
	KindEvent
	KindError
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindResponse:
		return "response"
	case KindEvent:
		return "event"
	case KindError:
		return "error"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Message is the versioned, in-memory representation of one wire frame.
// Field groups are annotated with the version that introduces them; a
// decoder leaves later groups at their zero value when given an older wire
// frame, and an encoder always serializes every group through
// CurrentVersion.
type Message struct {
	Version Version
	Kind    Kind

	// Version 0
	ID                string
	SourceClientID    string
	SourceBrokerID    string
	DestinationBroker []string
	DestinationClient []string
	Payload           []byte

	// Request-specific (version 0)
	ReplyToTopic string

	// Response-specific (version 0)
	RequestMessageID  string
	ServiceInstanceID string

	// Error-specific (version 0)
	ErrorCode    int32
	ErrorMessage string

	// Version 1
	OtherFields map[string]string

	// Version 2
	SourceTenantID    string
	DestinationTenant []string

	// Version 3
	SourceClientInstanceID string

	// dirty is set whenever a field is mutated after Decode, telling the
	// dispatcher it must re-serialize before handing the frame back to the
	// transport. It is not part of the wire form.
	dirty bool
}

// NewEvent builds a new outbound event message with a fresh message id.
func NewEvent(sourceBrokerID, payload string) *Message {
	return &Message{
		Version:        CurrentVersion,
		Kind:           KindEvent,
		ID:             uuid.New().String(),
		SourceBrokerID: sourceBrokerID,
		Payload:        []byte(payload),
		OtherFields:    map[string]string{},
	}
}

// MarkDirty flags the message as mutated since it was decoded (or created),
// so the dispatcher knows to re-serialize it before forwarding.
func (m *Message) MarkDirty() { m.dirty = true }

// Dirty reports whether the message has been mutated since decode/creation.
func (m *Message) Dirty() bool { return m.dirty }

// IsRequest, IsResponse, IsEvent, IsError are small readability helpers used
// throughout the handler set.
func (m *Message) IsRequest() bool  { return m.Kind == KindRequest }
func (m *Message) IsResponse() bool { return m.Kind == KindResponse }
func (m *Message) IsEvent() bool    { return m.Kind == KindEvent }
func (m *Message) IsError() bool    { return m.Kind == KindError }

// Clone returns a deep copy, including its own backing arrays for every
// slice field so mutating the clone never aliases the original.
func (m *Message) Clone() *Message {
	clone := *m
	clone.DestinationBroker = append([]string(nil), m.DestinationBroker...)
	clone.DestinationClient = append([]string(nil), m.DestinationClient...)
	clone.DestinationTenant = append([]string(nil), m.DestinationTenant...)
	clone.Payload = append([]byte(nil), m.Payload...)
	if m.OtherFields != nil {
		clone.OtherFields = make(map[string]string, len(m.OtherFields))
		for k, v := range m.OtherFields {
			clone.OtherFields[k] = v
		}
	}
	return &clone
}

// WithDestinationClients returns a clone whose destination-client list has
// been replaced. Used by the routing handler to build the per-client event
// copy with destination ids stripped (4.K "client-specific-payload").
func (m *Message) WithDestinationClients(clients []string) *Message {
	clone := m.Clone()
	clone.DestinationClient = clients
	clone.dirty = true
	return clone
}
