package kv

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/gosuda/muxrpc/muxrpc"
)

// Service serves KV requests over muxrpc. Every request gets a response,
// including malformed ones, since leaving a channel unanswered would pin
// it on the client until the connection closes, even after the call times out.
type Service struct {
	store *Store

	requests atomic.Uint64
	errors   atomic.Uint64
}

// NewService wraps a store as a muxrpc handler.
func NewService(store *Store) *Service {
	return &Service{store: store}
}

// Codec returns the codec factory the service speaks.
func (s *Service) Codec() muxrpc.CodecFactory {
	return func() muxrpc.Codec { return muxrpc.NewMsgpackCodec() }
}

// Requests reports the number of requests served.
func (s *Service) Requests() uint64 { return s.requests.Load() }

// Errors reports the number of requests that produced an error response.
func (s *Service) Errors() uint64 { return s.errors.Load() }

// HandleRequest implements muxrpc.Handler.
func (s *Service) HandleRequest(_ context.Context, raw any, _ *muxrpc.ServerPeer) (any, error) {
	s.requests.Add(1)

	resp := s.dispatch(raw)
	if !resp.OK {
		s.errors.Add(1)
	}
	return resp.encode(), nil
}

func (s *Service) dispatch(raw any) *Response {
	req, err := decodeRequest(raw)
	if err != nil {
		return &Response{Err: err.Error()}
	}

	switch req.Op {
	case OpGet:
		value, err := s.store.Get(req.Key)
		if err != nil {
			return &Response{Err: err.Error()}
		}
		return &Response{OK: true, Value: value}
	case OpPut:
		if err := s.store.Put(req.Key, req.Value); err != nil {
			return &Response{Err: err.Error()}
		}
		return &Response{OK: true}
	case OpDelete:
		if err := s.store.Delete(req.Key); err != nil {
			return &Response{Err: err.Error()}
		}
		return &Response{OK: true}
	default:
		log.Debug().Str("op", req.Op).Msg("[kv] unknown operation")
		return &Response{Err: ErrBadRequest.Error()}
	}
}

// Client is a typed KV client over a muxrpc connection pool.
type Client struct {
	rpc     *muxrpc.Client
	timeout time.Duration
}

// NewClient wraps an established muxrpc client. timeout bounds each call;
// zero means no per-call timeout.
func NewClient(rpc *muxrpc.Client, timeout time.Duration) *Client {
	return &Client{rpc: rpc, timeout: timeout}
}

// Get fetches the value stored under key.
func (c *Client) Get(key string) ([]byte, error) {
	resp, err := c.call(&Request{Op: OpGet, Key: key})
	if err != nil {
		return nil, err
	}
	return resp.Value, nil
}

// Put stores value under key.
func (c *Client) Put(key string, value []byte) error {
	_, err := c.call(&Request{Op: OpPut, Key: key, Value: value})
	return err
}

// Delete removes key.
func (c *Client) Delete(key string) error {
	_, err := c.call(&Request{Op: OpDelete, Key: key})
	return err
}

// Close closes the underlying connections.
func (c *Client) Close() {
	c.rpc.Close()
}

func (c *Client) call(req *Request) (*Response, error) {
	raw, err := c.rpc.SendMessage(req.encode(), c.timeout).Result()
	if err != nil {
		return nil, err
	}
	resp, err := decodeResponse(raw)
	if err != nil {
		return nil, err
	}
	if !resp.OK {
		if resp.Err == ErrNotFound.Error() {
			return nil, ErrNotFound
		}
		if resp.Err == ErrBadRequest.Error() {
			return nil, ErrBadRequest
		}
		if resp.Err == "" {
			return nil, errors.New("kv: request failed")
		}
		return nil, errors.New(resp.Err)
	}
	return resp, nil
}
