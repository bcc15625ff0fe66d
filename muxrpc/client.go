package muxrpc

import (
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// DefaultDialTimeout bounds connection establishment when a ClientConfig
// leaves it zero.
const DefaultDialTimeout = 10 * time.Second

// ClientConfig is provided to NewClient.
type ClientConfig struct {
	// Addr is the host:port to connect to.
	Addr string

	// Codec builds one codec instance per connection. Defaults to
	// NewFrameCodec.
	Codec CodecFactory

	// MaxChannels bounds concurrent in-flight requests per connection.
	// Defaults to DefaultMaxChannels.
	MaxChannels int

	// Connections is how many parallel connections to open; requests are
	// routed across them round-robin. Defaults to 1.
	Connections int

	// DialTimeout bounds connection establishment. Defaults to
	// DefaultDialTimeout.
	DialTimeout time.Duration
}

// Client maintains a small pool of client peers to one address and routes
// SendMessage calls across them. Closed peers are skipped; there is no
// reconnection, callers layer retry above.
type Client struct {
	peers []*ClientPeer
	next  atomic.Uint64
}

// NewClient dials the configured connections and returns a ready client.
// Already-established connections are closed again if a later dial fails.
func NewClient(cfg *ClientConfig) (*Client, error) {
	if cfg.Addr == "" {
		return nil, errors.New("muxrpc: client config needs an address")
	}
	newCodec := cfg.Codec
	if newCodec == nil {
		newCodec = func() Codec { return NewFrameCodec() }
	}
	connections := cfg.Connections
	if connections <= 0 {
		connections = 1
	}
	dialTimeout := cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = DefaultDialTimeout
	}

	c := &Client{}
	for i := 0; i < connections; i++ {
		conn, err := net.DialTimeout("tcp", cfg.Addr, dialTimeout)
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("muxrpc: dial %s: %w", cfg.Addr, err)
		}
		peer, err := NewClientPeer(NewNetConn(conn), newCodec(), cfg.MaxChannels)
		if err != nil {
			_ = conn.Close()
			c.Close()
			return nil, err
		}
		c.peers = append(c.peers, peer)
	}

	log.Debug().Str("addr", cfg.Addr).Int("connections", connections).Msg("[client] connected")
	return c, nil
}

// SendMessage routes a request to the next live peer round-robin. With no
// live peer left the returned future fails immediately with
// ErrConnectionClosed.
func (c *Client) SendMessage(msg any, timeout time.Duration) *Future {
	n := len(c.peers)
	start := int(c.next.Add(1))
	for i := 0; i < n; i++ {
		peer := c.peers[(start+i)%n]
		if peer.Closed() {
			continue
		}
		return peer.SendMessage(msg, timeout)
	}

	fut := newFuture()
	fut.fail(ErrConnectionClosed)
	return fut
}

// Peers returns the underlying client peers, for callers that need
// per-connection control or close notification.
func (c *Client) Peers() []*ClientPeer {
	return c.peers
}

// Close closes every connection; outstanding futures fail with
// ErrConnectionClosed.
func (c *Client) Close() {
	for _, peer := range c.peers {
		_ = peer.Close()
	}
}
