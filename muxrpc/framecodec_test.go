package muxrpc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameCodecRoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		payload []byte
		channel int
	}{
		{"simple", []byte("ping"), 0},
		{"empty payload", []byte{}, 3},
		{"binary payload", []byte{0x00, 0xFF, 0x7F, 0x80}, 17},
		{"max channel", []byte("edge"), MaxChannelLimit - 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			enc := NewFrameCodec()
			dec := NewFrameCodec()

			raw, err := enc.Encode(tt.payload, tt.channel)
			require.NoError(t, err)

			frames, err := dec.Decode(raw)
			require.NoError(t, err)
			require.Len(t, frames, 1)
			assert.Equal(t, tt.payload, frames[0].Message)
			assert.Equal(t, tt.channel, frames[0].Channel)
			assert.True(t, frames[0].Last)
		})
	}
}

func TestFrameCodecStringMessage(t *testing.T) {
	enc := NewFrameCodec()
	dec := NewFrameCodec()

	raw, err := enc.Encode("ping", 1)
	require.NoError(t, err)

	frames, err := dec.Decode(raw)
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.Equal(t, []byte("ping"), frames[0].Message)
}

func TestFrameCodecRejectsUnsupportedMessage(t *testing.T) {
	enc := NewFrameCodec()
	_, err := enc.Encode(42, 0)
	assert.ErrorIs(t, err, ErrMessageType)
}

func TestFrameCodecChannelRange(t *testing.T) {
	enc := NewFrameCodec()

	_, err := enc.Encode([]byte("x"), MaxChannelLimit)
	assert.ErrorIs(t, err, ErrChannelRange)

	_, err = enc.Encode([]byte("x"), -2)
	assert.ErrorIs(t, err, ErrChannelRange)
}

func TestFrameCodecRecode(t *testing.T) {
	enc := NewFrameCodec()
	dec := NewFrameCodec()
	require.True(t, enc.Recoding())

	raw, err := enc.Encode([]byte("queued"), PlaceholderChannel)
	require.NoError(t, err)

	recoded, err := enc.Recode(raw, 9)
	require.NoError(t, err)

	frames, err := dec.Decode(recoded)
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.Equal(t, []byte("queued"), frames[0].Message)
	assert.Equal(t, 9, frames[0].Channel)
}

// A placeholder channel must never survive to the decode side; a frame
// carrying it on the wire is a protocol error.
func TestFrameCodecDecodeRejectsPlaceholder(t *testing.T) {
	enc := NewFrameCodec()
	dec := NewFrameCodec()

	raw, err := enc.Encode([]byte("lost"), PlaceholderChannel)
	require.NoError(t, err)

	_, err = dec.Decode(raw)
	assert.ErrorIs(t, err, ErrChannelRange)
}

func TestFrameCodecChunkedDecode(t *testing.T) {
	enc := NewFrameCodec()
	dec := NewFrameCodec()

	var wire []byte
	for i, payload := range []string{"alpha", "beta", "gamma"} {
		raw, err := enc.Encode([]byte(payload), i)
		require.NoError(t, err)
		wire = append(wire, raw...)
	}

	// Feed the stream one byte at a time; frame boundaries must not matter.
	var got []Frame
	for i := range wire {
		frames, err := dec.Decode(wire[i : i+1])
		require.NoError(t, err)
		got = append(got, frames...)
	}

	require.Len(t, got, 3)
	assert.Equal(t, []byte("alpha"), got[0].Message)
	assert.Equal(t, 0, got[0].Channel)
	assert.Equal(t, []byte("beta"), got[1].Message)
	assert.Equal(t, 1, got[1].Channel)
	assert.Equal(t, []byte("gamma"), got[2].Message)
	assert.Equal(t, 2, got[2].Channel)
}

func TestFrameCodecDecodeBadMagic(t *testing.T) {
	enc := NewFrameCodec()
	dec := NewFrameCodec()

	raw, err := enc.Encode([]byte("x"), 0)
	require.NoError(t, err)
	raw[4] = 'Z'

	_, err = dec.Decode(raw)
	assert.ErrorIs(t, err, ErrInvalidFrame)
}

func TestFrameCodecDecodeYieldsFramesBeforeError(t *testing.T) {
	enc := NewFrameCodec()
	dec := NewFrameCodec()

	good, err := enc.Encode([]byte("good"), 1)
	require.NoError(t, err)
	bad, err := enc.Encode([]byte("bad"), 2)
	require.NoError(t, err)
	bad[4] = 'Z'

	frames, err := dec.Decode(append(append([]byte{}, good...), bad...))
	assert.ErrorIs(t, err, ErrInvalidFrame)
	require.Len(t, frames, 1)
	assert.Equal(t, []byte("good"), frames[0].Message)
}
