package muxrpc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMsgpackCodecRoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		msg     any
		channel int
		want    any
	}{
		{"string", "ping", 0, "ping"},
		{"map", map[string]any{"op": "get", "key": "a"}, 5, map[string]any{"op": "get", "key": "a"}},
		// WriteExt encodes []byte as msgpack bin, which decodes back as []byte;
		// RawToString only affects msgpack str values.
		{"bytes", []byte("blob"), 11, []byte("blob")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			enc := NewMsgpackCodec()
			dec := NewMsgpackCodec()

			raw, err := enc.Encode(tt.msg, tt.channel)
			require.NoError(t, err)

			frames, err := dec.Decode(raw)
			require.NoError(t, err)
			require.Len(t, frames, 1)
			assert.Equal(t, tt.want, frames[0].Message)
			assert.Equal(t, tt.channel, frames[0].Channel)
			assert.True(t, frames[0].Last)
		})
	}
}

func TestMsgpackCodecNoRecoding(t *testing.T) {
	c := NewMsgpackCodec()
	assert.False(t, c.Recoding())

	raw, err := c.Encode("x", 0)
	require.NoError(t, err)

	_, err = c.Recode(raw, 1)
	assert.ErrorIs(t, err, ErrNotRecoding)
}

// A non-recoding codec never sees the placeholder: queued requests keep the
// original message and are encoded at flush time with the real channel.
func TestMsgpackCodecRejectsPlaceholder(t *testing.T) {
	c := NewMsgpackCodec()
	_, err := c.Encode("x", PlaceholderChannel)
	assert.ErrorIs(t, err, ErrChannelRange)
}

func TestMsgpackCodecChunkedDecode(t *testing.T) {
	enc := NewMsgpackCodec()
	dec := NewMsgpackCodec()

	var wire []byte
	for i, msg := range []string{"one", "two", "three"} {
		raw, err := enc.Encode(msg, i)
		require.NoError(t, err)
		wire = append(wire, raw...)
	}

	var got []Frame
	for len(wire) > 0 {
		n := 3
		if n > len(wire) {
			n = len(wire)
		}
		frames, err := dec.Decode(wire[:n])
		require.NoError(t, err)
		got = append(got, frames...)
		wire = wire[n:]
	}

	require.Len(t, got, 3)
	assert.Equal(t, "one", got[0].Message)
	assert.Equal(t, "three", got[2].Message)
	assert.Equal(t, 2, got[2].Channel)
}
