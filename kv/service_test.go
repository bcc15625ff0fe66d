package kv

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gosuda/muxrpc/muxrpc"
)

func newTestService(t *testing.T) *Service {
	t.Helper()

	store, err := OpenStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Errorf("store.Close: %v", err)
		}
	})
	return NewService(store)
}

// newTestClientPeer wires a client peer straight into the service over an
// in-memory pipe, no TCP involved.
func newTestClientPeer(t *testing.T, service *Service) *muxrpc.ClientPeer {
	t.Helper()

	server := muxrpc.NewServer(service, service.Codec())
	t.Cleanup(server.Stop)

	near, far := muxrpc.NewPipeConnPair()
	_, err := server.HandleConn(far)
	require.NoError(t, err)

	peer, err := muxrpc.NewClientPeer(near, muxrpc.NewMsgpackCodec(), 16)
	require.NoError(t, err)
	t.Cleanup(func() { _ = peer.Close() })
	return peer
}

func call(t *testing.T, peer *muxrpc.ClientPeer, req *Request) *Response {
	t.Helper()

	raw, err := peer.SendMessage(req.encode(), 5*time.Second).Result()
	require.NoError(t, err)
	resp, err := decodeResponse(raw)
	require.NoError(t, err)
	return resp
}

func TestServicePutGetDelete(t *testing.T) {
	service := newTestService(t)
	peer := newTestClientPeer(t, service)

	resp := call(t, peer, &Request{Op: OpPut, Key: "greeting", Value: []byte("hello")})
	assert.True(t, resp.OK)

	resp = call(t, peer, &Request{Op: OpGet, Key: "greeting"})
	assert.True(t, resp.OK)
	assert.Equal(t, []byte("hello"), resp.Value)

	resp = call(t, peer, &Request{Op: OpDelete, Key: "greeting"})
	assert.True(t, resp.OK)

	resp = call(t, peer, &Request{Op: OpGet, Key: "greeting"})
	assert.False(t, resp.OK)
	assert.Equal(t, ErrNotFound.Error(), resp.Err)
}

func TestServiceMalformedRequest(t *testing.T) {
	service := newTestService(t)
	peer := newTestClientPeer(t, service)

	raw, err := peer.SendMessage("not a map", 5*time.Second).Result()
	require.NoError(t, err, "malformed requests still get a response")
	resp, err := decodeResponse(raw)
	require.NoError(t, err)
	assert.False(t, resp.OK)
	assert.Equal(t, ErrBadRequest.Error(), resp.Err)
}

func TestServiceUnknownOp(t *testing.T) {
	service := newTestService(t)
	peer := newTestClientPeer(t, service)

	resp := call(t, peer, &Request{Op: "increment", Key: "x"})
	assert.False(t, resp.OK)
	assert.Equal(t, uint64(1), service.Errors())
}

func TestServiceCounters(t *testing.T) {
	service := newTestService(t)
	peer := newTestClientPeer(t, service)

	call(t, peer, &Request{Op: OpPut, Key: "a", Value: []byte("1")})
	call(t, peer, &Request{Op: OpGet, Key: "a"})
	call(t, peer, &Request{Op: OpGet, Key: "missing"})

	assert.Equal(t, uint64(3), service.Requests())
	assert.Equal(t, uint64(1), service.Errors())
}

func TestStoreRoundTrip(t *testing.T) {
	store, err := OpenStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	require.NoError(t, store.Put("k", []byte("v")))
	value, err := store.Get("k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), value)

	require.NoError(t, store.Delete("k"))
	_, err = store.Get("k")
	assert.ErrorIs(t, err, ErrNotFound)

	// Deleting again is not an error.
	require.NoError(t, store.Delete("k"))
}

func TestClientHelpers(t *testing.T) {
	service := newTestService(t)

	server := muxrpc.NewServer(service, service.Codec())
	t.Cleanup(server.Stop)
	require.NoError(t, server.Start("127.0.0.1:0"))

	rpc, err := muxrpc.NewClient(&muxrpc.ClientConfig{
		Addr:  server.Addr().String(),
		Codec: service.Codec(),
	})
	require.NoError(t, err)
	client := NewClient(rpc, 5*time.Second)
	t.Cleanup(client.Close)

	require.NoError(t, client.Put("city", []byte("busan")))
	value, err := client.Get("city")
	require.NoError(t, err)
	assert.Equal(t, []byte("busan"), value)

	require.NoError(t, client.Delete("city"))
	_, err = client.Get("city")
	assert.ErrorIs(t, err, ErrNotFound)
}
