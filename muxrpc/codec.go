package muxrpc

import "errors"

// MaxChannelLimit is the largest channel table size a peer may be built with.
// Channel identifiers must fit in 15 bits on the wire.
const MaxChannelLimit = 1 << 15

// PlaceholderChannel marks a payload whose channel has not been assigned yet.
// It may only appear in bytes produced for a later Recode call; it is never
// valid on the wire.
const PlaceholderChannel = -1

// Sentinel errors shared by the codec implementations.
var (
	ErrChannelRange   = errors.New("muxrpc: channel out of range")
	ErrNotRecoding    = errors.New("muxrpc: codec does not support recoding")
	ErrFrameTooLarge  = errors.New("muxrpc: frame exceeds maximum size")
	ErrInvalidFrame   = errors.New("muxrpc: malformed frame")
	ErrMessageType    = errors.New("muxrpc: unsupported message type for codec")
)

// Frame is a single decoded unit from the wire: the logical message, the
// channel it was multiplexed on, and whether it terminates its exchange.
type Frame struct {
	Message any
	Channel int
	Last    bool
}

// Codec translates between logical messages and self-delimited wire frames.
// A Codec instance is stateful (Decode retains partial frames between calls)
// and belongs to exactly one connection; it must not be shared across peers.
type Codec interface {
	// Encode produces one complete frame carrying msg on the given channel.
	// channel == PlaceholderChannel is only legal when Recoding() is true;
	// the resulting bytes must later be passed through Recode before hitting
	// the wire.
	Encode(msg any, channel int) ([]byte, error)

	// Recode rewrites the channel field of a previously encoded frame
	// without re-serializing the payload. Implementations that report
	// Recoding() == false return ErrNotRecoding.
	Recode(raw []byte, channel int) ([]byte, error)

	// Decode consumes a chunk of bytes from the wire and returns every
	// fully parsed frame, in wire order. Partial trailing data is retained
	// for the next call. A non-nil error is fatal to the connection.
	Decode(chunk []byte) ([]Frame, error)

	// Recoding reports whether Recode is supported.
	Recoding() bool
}

// CodecFactory builds a fresh codec instance for a new connection.
type CodecFactory func() Codec

func validChannel(channel int) bool {
	return channel >= 0 && channel < MaxChannelLimit
}
