package muxrpc

import (
	"encoding/binary"
)

const (
	frameMagic0 = 'M'
	frameMagic1 = 'X'

	frameVersion = 1

	// Header layout after the 4-byte length prefix:
	// magic(2) version(1) flags(1) channel(2)
	frameHeaderLen = 6

	// Offset of the channel field within the full frame, length prefix
	// included. Recode patches exactly these two bytes.
	frameChannelOffset = 8

	frameFlagLast = 0x01

	// wireChannelPlaceholder is the on-wire stand-in for an unassigned
	// channel. Frames carrying it are only valid as Recode input.
	wireChannelPlaceholder = 0xFFFF

	// MaxFramePayload bounds a single frame's payload.
	MaxFramePayload = 1 << 24 // 16MB
)

// FrameCodec is the default wire format: length-prefixed binary frames with
// a fixed-layout big-endian header and an opaque []byte payload. The channel
// field sits at a fixed offset, so Recode is a constant-time header rewrite.
type FrameCodec struct {
	buf []byte
}

var _ Codec = (*FrameCodec)(nil)

// NewFrameCodec returns a fresh FrameCodec for one connection.
func NewFrameCodec() *FrameCodec {
	return &FrameCodec{}
}

// Recoding reports true: the channel field can be patched in place.
func (*FrameCodec) Recoding() bool { return true }

// Encode frames msg, which must be a []byte or a string, onto the given
// channel. A string is carried as its bytes and decodes as a []byte.
func (c *FrameCodec) Encode(msg any, channel int) ([]byte, error) {
	payload, ok := msg.([]byte)
	if !ok {
		if s, isStr := msg.(string); isStr {
			payload = []byte(s)
		} else {
			return nil, ErrMessageType
		}
	}

	wc, err := wireChannel(channel)
	if err != nil {
		return nil, err
	}
	if len(payload) > MaxFramePayload {
		return nil, ErrFrameTooLarge
	}

	out := make([]byte, 4+frameHeaderLen+len(payload))
	binary.BigEndian.PutUint32(out[0:4], uint32(frameHeaderLen+len(payload)))
	out[4] = frameMagic0
	out[5] = frameMagic1
	out[6] = frameVersion
	out[7] = frameFlagLast
	binary.BigEndian.PutUint16(out[frameChannelOffset:frameChannelOffset+2], wc)
	copy(out[4+frameHeaderLen:], payload)
	return out, nil
}

// Recode rewrites the channel field of a previously encoded frame. The
// payload is untouched; only the two channel bytes change.
func (c *FrameCodec) Recode(raw []byte, channel int) ([]byte, error) {
	if len(raw) < 4+frameHeaderLen {
		return nil, ErrInvalidFrame
	}
	wc, err := wireChannel(channel)
	if err != nil {
		return nil, err
	}
	binary.BigEndian.PutUint16(raw[frameChannelOffset:frameChannelOffset+2], wc)
	return raw, nil
}

// Decode consumes chunk and returns every complete frame buffered so far.
func (c *FrameCodec) Decode(chunk []byte) ([]Frame, error) {
	c.buf = append(c.buf, chunk...)

	var frames []Frame
	for {
		if len(c.buf) < 4 {
			return frames, nil
		}
		totalLen := int(binary.BigEndian.Uint32(c.buf[0:4]))
		if totalLen < frameHeaderLen {
			return frames, ErrInvalidFrame
		}
		if totalLen > frameHeaderLen+MaxFramePayload {
			return frames, ErrFrameTooLarge
		}
		if len(c.buf) < 4+totalLen {
			return frames, nil
		}

		frame := c.buf[4 : 4+totalLen]
		if frame[0] != frameMagic0 || frame[1] != frameMagic1 {
			return frames, ErrInvalidFrame
		}
		if frame[2] != frameVersion {
			return frames, ErrInvalidFrame
		}
		rawChannel := binary.BigEndian.Uint16(frame[4:6])
		if rawChannel == wireChannelPlaceholder || rawChannel >= MaxChannelLimit {
			return frames, ErrChannelRange
		}

		payload := make([]byte, totalLen-frameHeaderLen)
		copy(payload, frame[frameHeaderLen:])
		frames = append(frames, Frame{
			Message: payload,
			Channel: int(rawChannel),
			Last:    frame[3]&frameFlagLast != 0,
		})

		c.buf = c.buf[4+totalLen:]
		if len(c.buf) == 0 {
			c.buf = nil
		}
	}
}

func wireChannel(channel int) (uint16, error) {
	if channel == PlaceholderChannel {
		return wireChannelPlaceholder, nil
	}
	if !validChannel(channel) {
		return 0, ErrChannelRange
	}
	return uint16(channel), nil
}
