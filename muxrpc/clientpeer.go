package muxrpc

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// DefaultMaxChannels is the channel table size used when a config leaves it
// zero. Plenty for typical request concurrency while keeping the free-slot
// scan short.
const DefaultMaxChannels = 256

// queuedRequest is a request waiting for a free channel. Exactly one of
// msg/raw is set: raw carries a pre-encoded payload with a placeholder
// channel when the codec can recode, msg carries the original message
// otherwise.
type queuedRequest struct {
	fut *Future
	msg any
	raw []byte
}

// ClientPeer is the client end of a multiplexed connection. Concurrent
// requests share the transport through small integer channels; responses
// are matched back to their futures by channel number.
//
// SendMessage may be called from any goroutine. The channel table and the
// pending queue are guarded by one mutex; encoding and transport writes
// happen outside it.
type ClientPeer struct {
	core *peerCore

	mu       sync.Mutex
	channels []*Future
	queue    []*queuedRequest
	closed   bool
}

// NewClientPeer builds a client peer over conn with its own codec instance
// and starts the receive pump. maxChannels bounds concurrent in-flight
// requests; zero means DefaultMaxChannels, and values above MaxChannelLimit
// are rejected.
func NewClientPeer(conn Conn, codec Codec, maxChannels int) (*ClientPeer, error) {
	if maxChannels == 0 {
		maxChannels = DefaultMaxChannels
	}
	if maxChannels < 0 || maxChannels > MaxChannelLimit {
		return nil, fmt.Errorf("muxrpc: max channels %d out of range [1, %d]", maxChannels, MaxChannelLimit)
	}

	p := &ClientPeer{
		core:     newPeerCore(conn, codec),
		channels: make([]*Future, maxChannels),
	}
	go p.core.run(p)
	return p, nil
}

// Host returns the remote host of the underlying connection.
func (p *ClientPeer) Host() string { return p.core.Host() }

// Port returns the remote port of the underlying connection.
func (p *ClientPeer) Port() int { return p.core.Port() }

// OnClosed registers a callback fired once when the peer closes.
func (p *ClientPeer) OnClosed(fn func(error)) { p.core.OnClosed(fn) }

// Close initiates shutdown; outstanding futures fail with
// ErrConnectionClosed. Idempotent.
func (p *ClientPeer) Close() error { return p.core.Close() }

// Closed reports whether the peer has started shutting down.
func (p *ClientPeer) Closed() bool { return p.core.Closed() }

// SendMessage submits a request and returns its future immediately. The
// future settles exactly once: with the response, with ErrTimeout if
// timeout is positive and elapses first, with ErrConnectionClosed if the
// peer closes first, or with the encode error if serialization fails.
//
// When every channel is taken the request queues; queued requests drain
// into freed channels in submission order.
func (p *ClientPeer) SendMessage(msg any, timeout time.Duration) *Future {
	fut := newFuture()

	if timeout > 0 {
		// The timer races the response; the single-completion guard makes
		// the losing side a no-op. It never touches the channel table, so a
		// timed-out request keeps its channel reserved until the eventual
		// response arrives and is discarded.
		time.AfterFunc(timeout, func() {
			if fut.fail(ErrTimeout) {
				log.Debug().Str("host", p.Host()).Msg("[client] request timed out")
			}
		})
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		fut.fail(ErrConnectionClosed)
		return fut
	}

	channel, ok := p.takeChannelLocked(fut)
	if ok {
		p.mu.Unlock()
		p.encodeAndWrite(fut, msg, channel)
		return fut
	}

	// No channel free: prepare the queued payload once, now. A recoding
	// codec lets us pay the encode cost up front and patch the channel in
	// at flush time.
	q := &queuedRequest{fut: fut}
	if p.core.codec.Recoding() {
		p.mu.Unlock()
		raw, err := p.core.codec.Encode(msg, PlaceholderChannel)
		if err != nil {
			fut.fail(err)
			return fut
		}
		q.raw = raw
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			fut.fail(ErrConnectionClosed)
			return fut
		}
		// A channel may have freed while we encoded; keep FIFO by only
		// jumping the queue when it is empty.
		if len(p.queue) == 0 {
			if channel, ok := p.takeChannelLocked(fut); ok {
				p.mu.Unlock()
				p.recodeAndWrite(fut, q.raw, channel)
				return fut
			}
		}
	} else {
		q.msg = msg
	}
	p.queue = append(p.queue, q)
	p.mu.Unlock()
	return fut
}

// takeChannelLocked installs fut into the lowest-numbered free slot.
// Caller holds p.mu.
func (p *ClientPeer) takeChannelLocked(fut *Future) (int, bool) {
	for i, slot := range p.channels {
		if slot == nil {
			p.channels[i] = fut
			return i, true
		}
	}
	return 0, false
}

// releaseChannel frees a slot whose request never made it onto the wire.
func (p *ClientPeer) releaseChannel(channel int, fut *Future) {
	p.mu.Lock()
	if p.channels[channel] == fut {
		p.channels[channel] = nil
	}
	p.mu.Unlock()
}

func (p *ClientPeer) encodeAndWrite(fut *Future, msg any, channel int) {
	raw, err := p.core.codec.Encode(msg, channel)
	if err != nil {
		p.releaseChannel(channel, fut)
		fut.fail(err)
		return
	}
	p.writeFrame(raw)
}

func (p *ClientPeer) recodeAndWrite(fut *Future, raw []byte, channel int) {
	out, err := p.core.codec.Recode(raw, channel)
	if err != nil {
		p.releaseChannel(channel, fut)
		fut.fail(err)
		return
	}
	p.writeFrame(out)
}

// writeFrame pushes one frame at the transport. A write error means the
// byte stream is broken mid-frame, which is unrecoverable: the peer closes
// and every outstanding future fails through the close path.
func (p *ClientPeer) writeFrame(raw []byte) {
	if err := p.core.write(raw); err != nil {
		log.Debug().Err(err).Str("host", p.Host()).Msg("[client] write failed, closing peer")
		_ = p.core.Close()
	}
}

// handleMessage matches a response to the future reserved on its channel.
// Apart from encode failures and peer close, the slot frees only here: a
// timed-out request keeps its channel
// reserved until the late response arrives and is discarded, so a reused
// channel can never deliver a stale response to the wrong caller.
func (p *ClientPeer) handleMessage(msg any, channel int) {
	if channel < 0 || channel >= len(p.channels) {
		log.Warn().Int("channel", channel).Str("host", p.Host()).Msg("[client] response on unknown channel, dropping")
		return
	}

	p.mu.Lock()
	fut := p.channels[channel]
	p.channels[channel] = nil
	p.mu.Unlock()

	if fut != nil {
		if !fut.fulfill(msg) {
			log.Debug().Int("channel", channel).Msg("[client] discarding late response")
		}
	} else {
		log.Debug().Int("channel", channel).Msg("[client] response on idle channel, dropping")
	}

	p.flushQueue()
}

// flushQueue drains queued requests into freed channels in FIFO order.
// Slot assignment happens in one critical section; encoding and writing of
// the drained prefix happen after it, still in submission order. flushQueue
// only ever runs on the pump goroutine, so drains cannot interleave.
func (p *ClientPeer) flushQueue() {
	type flushItem struct {
		q       *queuedRequest
		channel int
	}

	p.mu.Lock()
	var drained []flushItem
	for len(p.queue) > 0 {
		q := p.queue[0]
		channel, ok := p.takeChannelLocked(q.fut)
		if !ok {
			break
		}
		p.queue = p.queue[1:]
		drained = append(drained, flushItem{q: q, channel: channel})
	}
	if len(p.queue) == 0 {
		p.queue = nil
	}
	p.mu.Unlock()

	for _, item := range drained {
		if item.q.raw != nil {
			p.recodeAndWrite(item.q.fut, item.q.raw, item.channel)
		} else {
			p.encodeAndWrite(item.q.fut, item.q.msg, item.channel)
		}
	}
}

// handleClosed fails every outstanding future, reserved channels and
// queued requests both, then fires the close callbacks.
func (p *ClientPeer) handleClosed(cause error) {
	p.mu.Lock()
	p.closed = true
	outstanding := make([]*Future, 0, len(p.queue))
	for i, fut := range p.channels {
		if fut != nil {
			outstanding = append(outstanding, fut)
			p.channels[i] = nil
		}
	}
	for _, q := range p.queue {
		outstanding = append(outstanding, q.fut)
	}
	p.queue = nil
	p.mu.Unlock()

	for _, fut := range outstanding {
		fut.fail(ErrConnectionClosed)
	}
	if len(outstanding) > 0 {
		log.Debug().Int("outstanding", len(outstanding)).Str("host", p.Host()).Msg("[client] connection closed with requests in flight")
	}

	p.core.fireOnClosed(cause)
}

// Outstanding reports the number of requests not yet settled or written
// off: reserved channels plus queued entries.
func (p *ClientPeer) Outstanding() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.queue)
	for _, fut := range p.channels {
		if fut != nil {
			n++
		}
	}
	return n
}
