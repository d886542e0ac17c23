package pipeline

import "context"

type principalKey struct{}

// SourcePrincipal is the identity of whoever is publishing a frame, carried
// on the context.Context passed into Dispatcher.Publish so handlers that
// need it (the authorization handler) do not require a dispatcher-level API
// change per principal field.
type SourcePrincipal struct {
	ClientID   string
	CertHashes []string
	IsBridge   bool
	IsLocal    bool
}

// WithSourcePrincipal attaches p to ctx for the duration of one Publish
// call.
func WithSourcePrincipal(ctx context.Context, p SourcePrincipal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// SourcePrincipalFrom retrieves the principal attached by WithSourcePrincipal.
func SourcePrincipalFrom(ctx context.Context) (SourcePrincipal, bool) {
	p, ok := ctx.Value(principalKey{}).(SourcePrincipal)
	return p, ok
}
