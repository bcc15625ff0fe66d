package muxrpc

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
)

// Handler serves decoded requests. HandleRequest runs on its own goroutine
// per request, so handlers for distinct channels execute concurrently; the
// returned value is encoded and written back on the request's channel.
//
// A handler error produces no response: the requester's future fails at its
// timeout, but its channel stays reserved until the connection closes. Services that want
// error replies must encode them into their response messages.
type Handler interface {
	HandleRequest(ctx context.Context, req any, peer *ServerPeer) (any, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, req any, peer *ServerPeer) (any, error)

// HandleRequest calls f.
func (f HandlerFunc) HandleRequest(ctx context.Context, req any, peer *ServerPeer) (any, error) {
	return f(ctx, req, peer)
}

// ServerPeer is the server end of a multiplexed connection: each incoming
// frame dispatches to the handler, and the response is written back on the
// same channel. Response order across channels is unconstrained; frames are
// self-delimited.
type ServerPeer struct {
	core    *peerCore
	handler Handler

	ctx    context.Context
	cancel context.CancelFunc

	wg sync.WaitGroup
}

// NewServerPeer builds a server peer over conn with its own codec instance
// and starts the receive pump. The peer's context is canceled when the
// connection closes, which in-flight handlers should honor.
func NewServerPeer(conn Conn, codec Codec, handler Handler) *ServerPeer {
	ctx, cancel := context.WithCancel(context.Background())
	p := &ServerPeer{
		core:    newPeerCore(conn, codec),
		handler: handler,
		ctx:     ctx,
		cancel:  cancel,
	}
	go p.core.run(p)
	return p
}

// Host returns the remote host of the underlying connection.
func (p *ServerPeer) Host() string { return p.core.Host() }

// Port returns the remote port of the underlying connection.
func (p *ServerPeer) Port() int { return p.core.Port() }

// OnClosed registers a callback fired once when the peer closes.
func (p *ServerPeer) OnClosed(fn func(error)) { p.core.OnClosed(fn) }

// Close initiates shutdown. Idempotent.
func (p *ServerPeer) Close() error { return p.core.Close() }

// Closed reports whether the peer has started shutting down.
func (p *ServerPeer) Closed() bool { return p.core.Closed() }

func (p *ServerPeer) handleMessage(msg any, channel int) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.serve(msg, channel)
	}()
}

func (p *ServerPeer) serve(msg any, channel int) {
	resp, err := p.handler.HandleRequest(p.ctx, msg, p)
	if err != nil {
		log.Warn().Err(err).Int("channel", channel).Str("host", p.Host()).Msg("[server] handler error, channel left unanswered")
		return
	}

	raw, err := p.core.codec.Encode(resp, channel)
	if err != nil {
		log.Warn().Err(err).Int("channel", channel).Str("host", p.Host()).Msg("[server] response encode failed, channel left unanswered")
		return
	}
	if err := p.core.write(raw); err != nil {
		log.Debug().Err(err).Str("host", p.Host()).Msg("[server] response write failed, closing peer")
		_ = p.core.Close()
	}
}

func (p *ServerPeer) handleClosed(cause error) {
	p.cancel()
	p.core.fireOnClosed(cause)
}

// drain blocks until every in-flight handler has returned.
func (p *ServerPeer) drain() {
	p.wg.Wait()
}
