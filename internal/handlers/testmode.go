package handlers

import "github.com/dxlfabric/broker/internal/pipeline"

// NewBrokerEnableTestModeRequestHandler flips the broker-wide test-mode
// flag on and replies to the request. Enabling test mode is what makes
// NewNoSubscriberTestModeFinalizeHandler start logging unserved events.
func NewBrokerEnableTestModeRequestHandler(d *Deps) pipeline.StoreHandler {
	return pipeline.StoreHandler{Fn: func(pctx *pipeline.Context) bool {
		msg, isRequest := pctx.DxlRequest()
		if !isRequest {
			return true
		}
		if d.TestMode != nil {
			d.TestMode.Store(true)
		}
		if d.Reply != nil {
			d.Reply.SendResponse(msg, nil)
		}
		return false
	}}
}

// NewBrokerDisableTestModeRequestHandler flips the broker-wide test-mode
// flag off and replies to the request.
func NewBrokerDisableTestModeRequestHandler(d *Deps) pipeline.StoreHandler {
	return pipeline.StoreHandler{Fn: func(pctx *pipeline.Context) bool {
		msg, isRequest := pctx.DxlRequest()
		if !isRequest {
			return true
		}
		if d.TestMode != nil {
			d.TestMode.Store(false)
		}
		if d.Reply != nil {
			d.Reply.SendResponse(msg, nil)
		}
		return false
	}}
}
