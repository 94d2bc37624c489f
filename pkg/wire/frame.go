// Package wire defines the peer-to-peer frame format, the signed message
// envelope and the per-kind body codecs. Frames are length-prefixed with a
// small header so a stream can be parsed without cross-frame state.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/meridian-mesh/meridian/pkg/types"
)

const (
	frameHeaderLen = 6 // kind u8 | flags u8 | length u32

	// MaxFrameSize bounds a single frame body on the wire. Anything larger
	// is a protocol violation and closes the connection.
	MaxFrameSize = 1 << 20
)

const (
	// FlagCompressed marks a frame body that was compressed before framing.
	FlagCompressed uint8 = 1 << iota
)

var (
	ErrFrameTooLarge     = errors.New("frame exceeds maximum size")
	ErrMalformedEnvelope = errors.New("malformed envelope")
)

// Frame is one unit on a transport stream: a header plus the (possibly
// compressed) serialized envelope.
type Frame struct {
	Kind  types.MsgKind
	Flags uint8
	Body  []byte
}

func (f *Frame) Compressed() bool {
	return f.Flags&FlagCompressed != 0
}

// WriteFrame writes a single frame to w.
func WriteFrame(w io.Writer, f *Frame) error {
	if len(f.Body) > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(f.Body))
	}

	hdr := make([]byte, frameHeaderLen)
	hdr[0] = byte(f.Kind)
	hdr[1] = f.Flags
	binary.BigEndian.PutUint32(hdr[2:], uint32(len(f.Body)))

	if _, err := w.Write(hdr); err != nil {
		return err
	}
	_, err := w.Write(f.Body)
	return err
}

// ReadFrame reads a single frame from r, rejecting oversized declarations
// before allocating.
func ReadFrame(r io.Reader) (*Frame, error) {
	hdr := make([]byte, frameHeaderLen)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint32(hdr[2:])
	if length > MaxFrameSize {
		return nil, fmt.Errorf("%w: declared %d bytes", ErrFrameTooLarge, length)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}

	return &Frame{
		Kind:  types.MsgKind(hdr[0]),
		Flags: hdr[1],
		Body:  body,
	}, nil
}
