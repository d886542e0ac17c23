package codec

import (
	"bytes"

	"github.com/vmihailenco/msgpack/v5"
)

func newDecoder(data []byte) *msgpack.Decoder {
	return msgpack.NewDecoder(bytes.NewReader(data))
}

// ErrorKind distinguishes codec failures: decode failures carry a distinct
// kind (bad-data, no-memory, wrong-kind) separate from success.
type ErrorKind int

const (
	// ErrBadData means the wire bytes are not a well-formed frame for any
	// supported version (truncated array, wrong element types).
	ErrBadData ErrorKind = iota
	// ErrNoMemory is returned when a length field exceeds the module's
	// sanity ceiling (maxListLen/maxPayloadLen below) — the corpus's C++
	// codec distinguishes this from ErrBadData because it corresponds to
	// the allocator-failure path there; here it is a guard against a
	// hostile or corrupt length prefix rather than an actual OOM.
	ErrNoMemory
	// ErrWrongKind means the frame decoded structurally but its Kind byte
	// does not match any of the four known message kinds.
	ErrWrongKind
)

func (k ErrorKind) String() string {
	switch k {
	case ErrBadData:
		return "bad-data"
	case ErrNoMemory:
		return "no-memory"
	case ErrWrongKind:
		return "wrong-kind"
	default:
		return "unknown"
	}
}

// Error is the error type every decode/encode failure in this package
// returns, so callers can switch on Kind without string matching.
type Error struct {
	Kind ErrorKind
	Msg  string
}

func (e *Error) Error() string { return e.Kind.String() + ": " + e.Msg }

func badData(msg string) error   { return &Error{Kind: ErrBadData, Msg: msg} }
func noMemory(msg string) error  { return &Error{Kind: ErrNoMemory, Msg: msg} }
func wrongKind(msg string) error { return &Error{Kind: ErrWrongKind, Msg: msg} }

// Sanity ceilings guarding against a corrupt or hostile length prefix.
const (
	maxListLen    = 1 << 20
	maxPayloadLen = 64 << 20
)

// Encode serializes m at CurrentVersion regardless of m.Version: an
// encoder always writes the highest version it supports.
func Encode(m *Message) ([]byte, error) {
	if m.Kind > KindError {
		return nil, wrongKind("unsupported kind on encode")
	}

	buf := new(bytes.Buffer)
	enc := msgpack.NewEncoder(buf)
	// Fixed v0..v3 envelope, one array per frame. Array length tells a
	// decoder built against an older version how much of the frame it can
	// consume; a decoder built against a newer version than was used to
	// encode simply sees a shorter array and leaves later fields zero.
	fields := []interface{}{
		uint8(CurrentVersion),
		uint8(m.Kind),
		m.ID,
		m.SourceClientID,
		m.SourceBrokerID,
		m.DestinationBroker,
		m.DestinationClient,
		m.Payload,
	}
	fields = append(fields, kindSpecificFields(m)...)
	fields = append(fields, flattenOtherFields(m.OtherFields))
	fields = append(fields, m.SourceTenantID, m.DestinationTenant)
	fields = append(fields, m.SourceClientInstanceID)

	if err := enc.Encode(fields); err != nil {
		return nil, badData(err.Error())
	}
	return buf.Bytes(), nil
}

// kindSpecificFields returns the five-element kind payload every version
// carries in the same slot: (replyToTopic, requestMessageId,
// serviceInstanceId, code, errorMessage), with the fields a Kind does not
// use left empty, so the array shape is uniform across kinds and a decoder
// does not need to branch on Kind before indexing.
func kindSpecificFields(m *Message) []interface{} {
	switch m.Kind {
	case KindRequest:
		return []interface{}{m.ReplyToTopic, "", "", int32(0), ""}
	case KindResponse:
		return []interface{}{"", m.RequestMessageID, m.ServiceInstanceID, int32(0), ""}
	case KindError:
		return []interface{}{"", m.RequestMessageID, m.ServiceInstanceID, m.ErrorCode, m.ErrorMessage}
	default: // event
		return []interface{}{"", "", "", int32(0), ""}
	}
}

func flattenOtherFields(m map[string]string) []string {
	out := make([]string, 0, len(m)*2)
	for k, v := range m {
		out = append(out, k, v)
	}
	return out
}

// Decode parses a wire frame produced by Encode (any version 0..CurrentVersion).
func Decode(data []byte) (*Message, error) {
	dec := newDecoder(data)

	arrLen, err := dec.DecodeArrayLen()
	if err != nil {
		return nil, badData("not an array: " + err.Error())
	}
	if arrLen < 8 {
		return nil, badData("frame too short for v0 envelope")
	}
	if arrLen > 64 {
		return nil, noMemory("frame array implausibly long")
	}

	version, err := decodeUint8(dec)
	if err != nil {
		return nil, badData("version: " + err.Error())
	}
	kindByte, err := decodeUint8(dec)
	if err != nil {
		return nil, badData("kind: " + err.Error())
	}
	if kindByte > uint8(KindError) {
		return nil, wrongKind("unknown kind byte")
	}

	m := &Message{Version: Version(version), Kind: Kind(kindByte)}
	consumed := 2

	if m.ID, err = dec.DecodeString(); err != nil {
		return nil, badData("id: " + err.Error())
	}
	if m.SourceClientID, err = dec.DecodeString(); err != nil {
		return nil, badData("sourceClientId: " + err.Error())
	}
	if m.SourceBrokerID, err = dec.DecodeString(); err != nil {
		return nil, badData("sourceBrokerId: " + err.Error())
	}
	if m.DestinationBroker, err = decodeStringList(dec); err != nil {
		return nil, err
	}
	if m.DestinationClient, err = decodeStringList(dec); err != nil {
		return nil, err
	}
	if m.Payload, err = dec.DecodeBytes(); err != nil {
		return nil, badData("payload: " + err.Error())
	}
	if len(m.Payload) > maxPayloadLen {
		return nil, noMemory("payload exceeds sanity ceiling")
	}
	consumed += 6

	replyToTopic, err := dec.DecodeString()
	if err != nil {
		return nil, badData("replyToTopic: " + err.Error())
	}
	requestMessageID, err := dec.DecodeString()
	if err != nil {
		return nil, badData("requestMessageId: " + err.Error())
	}
	serviceInstanceID, err := dec.DecodeString()
	if err != nil {
		return nil, badData("serviceInstanceId: " + err.Error())
	}
	errCode, err := decodeInt32(dec)
	if err != nil {
		return nil, badData("code: " + err.Error())
	}
	errMessage, err := dec.DecodeString()
	if err != nil {
		return nil, badData("errorMessage: " + err.Error())
	}
	consumed += 5

	switch m.Kind {
	case KindRequest:
		m.ReplyToTopic = replyToTopic
	case KindResponse:
		m.RequestMessageID = requestMessageID
		m.ServiceInstanceID = serviceInstanceID
	case KindError:
		m.RequestMessageID = requestMessageID
		m.ServiceInstanceID = serviceInstanceID
		m.ErrorCode = errCode
		m.ErrorMessage = errMessage
	}

	// Version 1: other-fields, present only if the encoder wrote it.
	m.OtherFields = map[string]string{}
	if consumed < arrLen {
		flat, err := decodeStringList(dec)
		if err != nil {
			return nil, err
		}
		consumed++
		for i := 0; i+1 < len(flat); i += 2 {
			m.OtherFields[flat[i]] = flat[i+1]
		}
	}

	// Version 2: tenant fields.
	if consumed < arrLen {
		if m.SourceTenantID, err = dec.DecodeString(); err != nil {
			return nil, badData("sourceTenantId: " + err.Error())
		}
		consumed++
	}
	if consumed < arrLen {
		if m.DestinationTenant, err = decodeStringList(dec); err != nil {
			return nil, err
		}
		consumed++
	}

	// Version 3: source client-instance id.
	if consumed < arrLen {
		if m.SourceClientInstanceID, err = dec.DecodeString(); err != nil {
			return nil, badData("sourceClientInstanceId: " + err.Error())
		}
		consumed++
	}

	return m, nil
}

func decodeStringList(dec *msgpack.Decoder) ([]string, error) {
	n, err := dec.DecodeArrayLen()
	if err != nil {
		return nil, badData("list header: " + err.Error())
	}
	if n < 0 {
		return nil, nil
	}
	if n > maxListLen {
		return nil, noMemory("list exceeds sanity ceiling")
	}
	out := make([]string, 0, n)
	for i := 0; i < n; i++ {
		s, err := dec.DecodeString()
		if err != nil {
			return nil, badData("list element: " + err.Error())
		}
		out = append(out, s)
	}
	return out, nil
}

func decodeUint8(dec *msgpack.Decoder) (uint8, error) {
	v, err := dec.DecodeUint64()
	if err != nil {
		return 0, err
	}
	return uint8(v), nil
}

func decodeInt32(dec *msgpack.Decoder) (int32, error) {
	v, err := dec.DecodeInt64()
	if err != nil {
		return 0, err
	}
	return int32(v), nil
}
