package pipeline

import "github.com/dxlfabric/broker/internal/codec"

// Context is the per-frame, pipeline-lifetime bookkeeping object. It is
// allocated on store-phase entry and freed after finalize; any handler in
// any later phase may read or mutate its flags.
type Context struct {
	FrameID uint64

	SourceClientID          string
	CanonicalSourceClientID string
	SourceIsBridge          bool

	// Context flags set by the store phase's default field overrides.
	Ops     bool
	Managed bool
	Local   bool

	Topic      string
	RawPayload []byte

	// InsertEnabled starts true; any store-phase handler may clear it,
	// which suppresses delivery without aborting finalize.
	InsertEnabled bool
	// ServiceNotFoundEnabled gates whether the no-destination finalize
	// handler is allowed to synthesize a service-not-found reply.
	ServiceNotFoundEnabled bool
	// ClientSpecificPayloadGenerated is set once a per-client payload
	// variant (destination ids stripped) has been produced for an event,
	// so later insert calls do not regenerate it.
	ClientSpecificPayloadGenerated bool

	// DestinationCount is incremented once per accepted insert call.
	DestinationCount int

	decodeFn func([]byte) (*codec.Message, error)
	parsed   bool
	msg      *codec.Message
}

// NewContext builds a Context directly, bypassing Dispatcher.Store. Handler
// unit tests use this to exercise a handler against a hand-built context
// without running the full store phase.
func NewContext(frameID uint64, topic string, raw []byte, sourceIsBridge bool, decodeFn func([]byte) (*codec.Message, error)) *Context {
	return newContext(frameID, topic, raw, sourceIsBridge, decodeFn)
}

func newContext(frameID uint64, topic string, raw []byte, sourceIsBridge bool, decodeFn func([]byte) (*codec.Message, error)) *Context {
	return &Context{
		FrameID:                frameID,
		Topic:                  topic,
		RawPayload:             raw,
		SourceIsBridge:         sourceIsBridge,
		InsertEnabled:          true,
		ServiceNotFoundEnabled: true,
		decodeFn:               decodeFn,
	}
}

func (c *Context) ensureParsed() *codec.Message {
	if c.parsed {
		return c.msg
	}
	c.parsed = true
	if c.decodeFn == nil {
		return nil
	}
	msg, err := c.decodeFn(c.RawPayload)
	if err == nil {
		c.msg = msg
	}
	return c.msg
}

// IsDxlMessage reports whether the raw payload parses as a recognized
// in-broker message.
func (c *Context) IsDxlMessage() bool {
	return c.ensureParsed() != nil
}

// Message returns the lazily-parsed message, if the payload is recognized.
func (c *Context) Message() (*codec.Message, bool) {
	m := c.ensureParsed()
	return m, m != nil
}

// DxlEvent returns the parsed message only if it is an event.
func (c *Context) DxlEvent() (*codec.Message, bool) {
	m := c.ensureParsed()
	if m == nil || !m.IsEvent() {
		return nil, false
	}
	return m, true
}

// DxlRequest returns the parsed message only if it is a request.
func (c *Context) DxlRequest() (*codec.Message, bool) {
	m := c.ensureParsed()
	if m == nil || !m.IsRequest() {
		return nil, false
	}
	return m, true
}

// SetMessage installs an already-decoded or mutated message directly,
// marking the context parsed so ensureParsed does not re-decode the raw
// payload over it.
func (c *Context) SetMessage(m *codec.Message) {
	c.parsed = true
	c.msg = m
}
