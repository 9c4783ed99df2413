package wire

import (
	"bufio"
	"errors"
	"fmt"
	"io"

	"github.com/multiformats/go-varint"
)

// DefaultMaxFrame is the payload limit used when none is configured.
const DefaultMaxFrame = 64 << 10

// EncodeFrame returns m as one length-prefixed frame.
func EncodeFrame(m Message) ([]byte, error) {
	return appendFrame(nil, m, DefaultMaxFrame)
}

func appendFrame(dst []byte, m Message, maxFrame int) ([]byte, error) {
	payload, err := Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("wire: marshal %s: %w", m.Cmd, err)
	}
	if len(payload) > maxFrame {
		return nil, fmt.Errorf("%w: %d > %d bytes", ErrFrameTooLarge, len(payload), maxFrame)
	}
	dst = append(dst, varint.ToUvarint(uint64(len(payload)))...)
	return append(dst, payload...), nil
}

// Encoder writes frames to an underlying writer. It is not safe for
// concurrent use.
type Encoder struct {
	w        io.Writer
	maxFrame int
	buf      []byte
}

// NewEncoder returns an encoder that rejects payloads larger than maxFrame.
// A non-positive maxFrame selects DefaultMaxFrame.
func NewEncoder(w io.Writer, maxFrame int) *Encoder {
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrame
	}
	return &Encoder{w: w, maxFrame: maxFrame}
}

// Encode writes m as a single frame with one Write call.
func (e *Encoder) Encode(m Message) error {
	frame, err := appendFrame(e.buf[:0], m, e.maxFrame)
	if err != nil {
		return err
	}
	e.buf = frame
	_, err = e.w.Write(frame)
	return err
}

// Decoder reads frames from a byte stream. Partial frames are buffered until
// complete; coalesced frames are returned one per call.
type Decoder struct {
	r        *bufio.Reader
	maxFrame int
}

// NewDecoder returns a decoder that refuses frames larger than maxFrame.
// A non-positive maxFrame selects DefaultMaxFrame.
func NewDecoder(r io.Reader, maxFrame int) *Decoder {
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrame
	}
	return &Decoder{r: bufio.NewReader(r), maxFrame: maxFrame}
}

// Decode returns the next complete message.
//
// io.EOF is returned only on a clean end of stream between frames. A
// *DecodeError means the frame was skipped and decoding may continue; any
// other error is fatal for the stream.
func (d *Decoder) Decode() (Message, error) {
	n, err := varint.ReadUvarint(d.r)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return Message{}, io.EOF
		}
		return Message{}, fmt.Errorf("wire: read frame length: %w", err)
	}
	if n > uint64(d.maxFrame) {
		return Message{}, fmt.Errorf("%w: %d > %d bytes", ErrFrameTooLarge, n, d.maxFrame)
	}
	if n == 0 {
		return Message{}, &DecodeError{Err: ErrEmptyFrame}
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(d.r, payload); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return Message{}, fmt.Errorf("wire: read frame payload: %w", err)
	}
	return Unmarshal(payload)
}
