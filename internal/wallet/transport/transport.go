// Package transport carries protocol messages between the wallet and the
// cosigner. Two implementations exist: a persistent websocket channel and a
// request/response polling client. Both speak the same envelope vocabulary so
// the session layer does not care which one is underneath.
package transport

import (
	"context"

	"github.com/intersend/interspace-wallet-core/internal/wallet/wire"
)

// Handler consumes a pushed message. Handlers run on the transport's read
// goroutine and must not block.
type Handler func(*wire.Envelope)

// Transport moves envelopes to and from the cosigner.
type Transport interface {
	// Connect establishes the transport. For polling this only verifies
	// reachability.
	Connect(ctx context.Context) error

	// Disconnect tears the transport down. Pending requests fail with a
	// session expiry error.
	Disconnect() error

	// Send delivers an envelope without waiting for a reply.
	Send(ctx context.Context, env *wire.Envelope) error

	// SendRequest delivers an envelope and waits for the correlated reply.
	SendRequest(ctx context.Context, env *wire.Envelope) (*wire.Envelope, error)

	// RegisterHandler subscribes to pushed messages of the given type.
	// Transports without server push never invoke handlers.
	RegisterHandler(t wire.MsgType, h Handler)
}
