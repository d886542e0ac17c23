package handlers

import "github.com/dxlfabric/broker/internal/pipeline"

// NewNoServiceRequestHandler builds the always-on no-destination handler
// installed via Dispatcher.SetNoDestinationHandler: it fires only for
// parsed requests that still have insert enabled and landed zero
// destinations, replying with a service-unavailable error on the
// request's reply-to topic.
func NewNoServiceRequestHandler(d *Deps) func(ctx *pipeline.Context) {
	return func(ctx *pipeline.Context) {
		msg, isRequest := ctx.DxlRequest()
		if !isRequest || d.Reply == nil {
			return
		}
		d.Reply.SendError(msg, ErrServiceUnavailable, "no service available for "+ctx.Topic)
	}
}

// NewNoSubscriberTestModeFinalizeHandler logs events that reached
// finalize with zero destinations, but only while test mode is enabled —
// events have no reply-to, so this is purely diagnostic.
func NewNoSubscriberTestModeFinalizeHandler(d *Deps) pipeline.FinalizeHandler {
	return func(ctx *pipeline.Context) {
		if d.TestMode == nil || !d.TestMode.Load() {
			return
		}
		if !ctx.InsertEnabled || ctx.DestinationCount != 0 {
			return
		}
		if _, isEvent := ctx.DxlEvent(); !isEvent {
			return
		}
		d.Logger.Info("event had no subscribers", "topic", ctx.Topic, "frameId", ctx.FrameID)
	}
}
