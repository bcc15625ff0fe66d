package muxrpc

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
)

// Terminal errors surfaced on request futures.
var (
	// ErrTimeout settles a future whose timeout elapsed before a response.
	ErrTimeout = errors.New("muxrpc: request timed out")
	// ErrConnectionClosed settles every outstanding future when the peer
	// closes before their responses arrive.
	ErrConnectionClosed = errors.New("muxrpc: connection closed")
)

// peerHook is the polymorphic half of a peer: ClientPeer correlates
// responses, ServerPeer dispatches requests. handleMessage runs once per
// decoded frame, in wire order, on the pump goroutine. handleClosed runs
// exactly once, after the last handleMessage.
type peerHook interface {
	handleMessage(msg any, channel int)
	handleClosed(cause error)
}

// peerCore is the plumbing shared by both peer kinds: it owns the transport
// and codec, pumps incoming bytes through Decode, serializes writes, and
// funnels every shutdown path into a single handleClosed dispatch.
type peerCore struct {
	conn  Conn
	codec Codec

	closed   atomic.Bool
	connOnce sync.Once
	hookOnce sync.Once

	cbMu     sync.Mutex
	onClosed []func(error)
	cbFired  bool

	writeMu sync.Mutex
}

func newPeerCore(conn Conn, codec Codec) *peerCore {
	return &peerCore{conn: conn, codec: codec}
}

// Host returns the remote host of the underlying connection.
func (p *peerCore) Host() string { return p.conn.RemoteHost() }

// Port returns the remote port of the underlying connection.
func (p *peerCore) Port() int { return p.conn.RemotePort() }

// OnClosed registers a callback fired once when the peer closes, in
// registration order. Callbacks registered after the close callbacks have
// fired run immediately.
func (p *peerCore) OnClosed(fn func(error)) {
	p.cbMu.Lock()
	if !p.cbFired {
		p.onClosed = append(p.onClosed, fn)
		p.cbMu.Unlock()
		return
	}
	p.cbMu.Unlock()
	fn(nil)
}

// Close initiates shutdown. Idempotent; outstanding futures fail through
// the pump's close path.
func (p *peerCore) Close() error {
	p.closed.Store(true)
	p.connOnce.Do(func() {
		if err := p.conn.Close(); err != nil {
			log.Debug().Err(err).Msg("[peer] transport close")
		}
	})
	return nil
}

// Closed reports whether shutdown has been initiated.
func (p *peerCore) Closed() bool {
	return p.closed.Load()
}

// write sends one encoded frame. Concurrent callers are serialized; frames
// are never interleaved on the wire.
func (p *peerCore) write(raw []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	if p.closed.Load() {
		return ErrConnectionClosed
	}
	_, err := p.conn.Write(raw)
	return err
}

// run pumps incoming bytes until the transport fails or closes. Decode
// errors are fatal: the connection is torn down and the hook's close path
// fails whatever was outstanding.
func (p *peerCore) run(hook peerHook) {
	buf := make([]byte, 32*1024)
	for {
		n, readErr := p.conn.Read(buf)
		if n > 0 {
			frames, decErr := p.codec.Decode(buf[:n])
			for _, frame := range frames {
				hook.handleMessage(frame.Message, frame.Channel)
			}
			if decErr != nil {
				log.Warn().Err(decErr).Str("host", p.Host()).Msg("[peer] decode error, closing connection")
				p.terminate(hook, decErr)
				return
			}
		}
		if readErr != nil {
			var cause error
			if readErr != io.EOF && !p.closed.Load() {
				cause = readErr
			}
			p.terminate(hook, cause)
			return
		}
	}
}

// terminate drives the one-shot close sequence: transport teardown, the
// hook's handleClosed, then the registered callbacks.
func (p *peerCore) terminate(hook peerHook, cause error) {
	p.closed.Store(true)
	p.connOnce.Do(func() {
		_ = p.conn.Close()
	})
	p.hookOnce.Do(func() {
		hook.handleClosed(cause)
	})
}

// fireOnClosed runs the registered close callbacks in registration order.
// Called by the hooks at the end of their handleClosed.
func (p *peerCore) fireOnClosed(cause error) {
	p.cbMu.Lock()
	callbacks := p.onClosed
	p.onClosed = nil
	p.cbFired = true
	p.cbMu.Unlock()

	for _, fn := range callbacks {
		fn(cause)
	}
}
