package muxrpc

import (
	"bytes"
	"encoding/binary"
	"reflect"

	"github.com/hashicorp/go-msgpack/codec"
)

// msgpackFrameHeader precedes every msgpack body on the wire. The channel
// travels inside the msgpack stream, not at a fixed byte offset, which is
// why MsgpackCodec cannot recode.
type msgpackFrameHeader struct {
	Channel int32
	Last    bool
}

// MsgpackCodec carries arbitrary Go values as length-prefixed msgpack
// frames: a 4-byte big-endian length, then a header struct and the message
// body as two consecutive msgpack objects.
type MsgpackCodec struct {
	handle codec.MsgpackHandle
	buf    []byte
}

var _ Codec = (*MsgpackCodec)(nil)

// NewMsgpackCodec returns a fresh MsgpackCodec for one connection.
func NewMsgpackCodec() *MsgpackCodec {
	c := &MsgpackCodec{
		handle: codec.MsgpackHandle{RawToString: true, WriteExt: true},
	}
	c.handle.MapType = reflect.TypeOf(map[string]any(nil))
	return c
}

// Recoding reports false: the channel is serialized inside the msgpack
// stream and cannot be rewritten without re-encoding.
func (*MsgpackCodec) Recoding() bool { return false }

// Encode serializes msg onto the given channel. PlaceholderChannel is
// rejected since this codec cannot recode a queued payload.
func (c *MsgpackCodec) Encode(msg any, channel int) ([]byte, error) {
	if !validChannel(channel) {
		return nil, ErrChannelRange
	}

	var body bytes.Buffer
	enc := codec.NewEncoder(&body, &c.handle)
	header := msgpackFrameHeader{Channel: int32(channel), Last: true}
	if err := enc.Encode(&header); err != nil {
		return nil, err
	}
	if err := enc.Encode(msg); err != nil {
		return nil, err
	}
	if body.Len() > MaxFramePayload {
		return nil, ErrFrameTooLarge
	}

	out := make([]byte, 4+body.Len())
	binary.BigEndian.PutUint32(out[0:4], uint32(body.Len()))
	copy(out[4:], body.Bytes())
	return out, nil
}

// Recode is unsupported.
func (c *MsgpackCodec) Recode(raw []byte, channel int) ([]byte, error) {
	return nil, ErrNotRecoding
}

// Decode consumes chunk and returns every complete frame buffered so far.
func (c *MsgpackCodec) Decode(chunk []byte) ([]Frame, error) {
	c.buf = append(c.buf, chunk...)

	var frames []Frame
	for {
		if len(c.buf) < 4 {
			return frames, nil
		}
		bodyLen := int(binary.BigEndian.Uint32(c.buf[0:4]))
		if bodyLen > MaxFramePayload {
			return frames, ErrFrameTooLarge
		}
		if len(c.buf) < 4+bodyLen {
			return frames, nil
		}

		dec := codec.NewDecoder(bytes.NewReader(c.buf[4:4+bodyLen]), &c.handle)
		var header msgpackFrameHeader
		if err := dec.Decode(&header); err != nil {
			return frames, ErrInvalidFrame
		}
		if !validChannel(int(header.Channel)) {
			return frames, ErrChannelRange
		}
		var body any
		if err := dec.Decode(&body); err != nil {
			return frames, ErrInvalidFrame
		}

		frames = append(frames, Frame{
			Message: body,
			Channel: int(header.Channel),
			Last:    header.Last,
		})

		c.buf = c.buf[4+bodyLen:]
		if len(c.buf) == 0 {
			c.buf = nil
		}
	}
}
