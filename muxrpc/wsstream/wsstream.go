// Package wsstream presents a WebSocket as a muxrpc transport, for
// deployments where raw TCP is unavailable (browsers, restrictive proxies).
// Frames travel as binary WebSocket messages; the muxrpc codec on top is
// unchanged.
package wsstream

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"strconv"

	"github.com/coder/websocket"

	"github.com/gosuda/muxrpc/muxrpc"
)

type wsConn struct {
	net.Conn
	host string
	port int
}

func (c *wsConn) RemoteHost() string { return c.host }
func (c *wsConn) RemotePort() int    { return c.port }

// Dial connects to a WebSocket endpoint and returns it as a peer transport.
func Dial(ctx context.Context, rawURL string) (muxrpc.Conn, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}

	//nolint:bodyclose // the response body is managed by the websocket conn
	c, _, err := websocket.Dial(ctx, rawURL, nil)
	if err != nil {
		return nil, err
	}

	port, _ := strconv.Atoi(u.Port())
	return &wsConn{
		Conn: websocket.NetConn(context.Background(), c, websocket.MessageBinary),
		host: u.Hostname(),
		port: port,
	}, nil
}

// Accept upgrades an incoming HTTP request and returns the WebSocket as a
// peer transport. Hand the result to Server.HandleConn.
func Accept(w http.ResponseWriter, r *http.Request) (muxrpc.Conn, error) {
	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		return nil, err
	}

	host, portStr, err := net.SplitHostPort(r.RemoteAddr)
	port := 0
	if err == nil {
		port, _ = strconv.Atoi(portStr)
	} else {
		host = r.RemoteAddr
	}
	return &wsConn{
		Conn: websocket.NetConn(context.Background(), c, websocket.MessageBinary),
		host: host,
		port: port,
	}, nil
}
