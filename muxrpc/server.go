package muxrpc

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/rs/zerolog/log"
)

// ErrServerStopped is returned by Start after Stop, and by accept paths on
// a stopped server.
var ErrServerStopped = errors.New("muxrpc: server stopped")

// Server accepts connections and wraps each in a ServerPeer bound to the
// shared handler. Every connection gets its own codec instance from the
// factory since decode state is per-connection.
type Server struct {
	handler  Handler
	newCodec CodecFactory

	mu           sync.Mutex
	ln           net.Listener
	peers        map[*ServerPeer]struct{}
	onConnection func(*ServerPeer)
	stopped      bool

	wg sync.WaitGroup
}

// NewServer builds a server; call Start to bind a listener, or HandleConn
// to adopt connections accepted elsewhere.
func NewServer(handler Handler, newCodec CodecFactory) *Server {
	return &Server{
		handler:  handler,
		newCodec: newCodec,
		peers:    make(map[*ServerPeer]struct{}),
	}
}

// SetOnConnection installs a hook invoked with every new peer, before its
// first request is served.
func (s *Server) SetOnConnection(fn func(*ServerPeer)) {
	s.mu.Lock()
	s.onConnection = fn
	s.mu.Unlock()
}

// Start binds addr and begins accepting. It returns once the bind has
// succeeded; accepting proceeds in the background.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("muxrpc: bind %s: %w", addr, err)
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		_ = ln.Close()
		return ErrServerStopped
	}
	if s.ln != nil {
		s.mu.Unlock()
		_ = ln.Close()
		return errors.New("muxrpc: server already started")
	}
	s.ln = ln
	s.mu.Unlock()

	log.Info().Str("addr", ln.Addr().String()).Msg("[server] listening")

	s.wg.Add(1)
	go s.acceptLoop(ln)
	return nil
}

// Addr returns the bound listener address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

func (s *Server) acceptLoop(ln net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			stopped := s.stopped
			s.mu.Unlock()
			if !stopped {
				log.Error().Err(err).Msg("[server] accept failed")
			}
			return
		}
		if _, err := s.HandleConn(NewNetConn(conn)); err != nil {
			log.Warn().Err(err).Msg("[server] rejecting connection")
			_ = conn.Close()
		}
	}
}

// HandleConn adopts an established byte stream as a new ServerPeer. Useful
// for transports with their own accept path (WebSocket upgrades, in-memory
// pipes in tests).
func (s *Server) HandleConn(conn Conn) (*ServerPeer, error) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil, ErrServerStopped
	}
	onConnection := s.onConnection
	peer := NewServerPeer(conn, s.newCodec(), s.handler)
	s.peers[peer] = struct{}{}
	s.mu.Unlock()

	log.Debug().Str("host", peer.Host()).Int("port", peer.Port()).Msg("[server] connection accepted")

	s.wg.Add(1)
	peer.OnClosed(func(error) {
		s.mu.Lock()
		delete(s.peers, peer)
		s.mu.Unlock()
		peer.drain()
		s.wg.Done()
	})

	if onConnection != nil {
		onConnection(peer)
	}
	return peer, nil
}

// ActiveConnections reports the number of live peers.
func (s *Server) ActiveConnections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}

// Stop closes the listener and every live peer, then waits for in-flight
// handlers to drain. Idempotent.
func (s *Server) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		s.wg.Wait()
		return
	}
	s.stopped = true
	ln := s.ln
	peers := make([]*ServerPeer, 0, len(s.peers))
	for peer := range s.peers {
		peers = append(peers, peer)
	}
	s.mu.Unlock()

	if ln != nil {
		_ = ln.Close()
	}
	for _, peer := range peers {
		_ = peer.Close()
	}
	s.wg.Wait()
	log.Info().Msg("[server] stopped")
}
