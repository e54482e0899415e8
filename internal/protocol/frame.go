package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
)

var (
	// ErrInvalidFrame is returned when the length prefix is malformed. The
	// stream cannot be resynchronized after it.
	ErrInvalidFrame = errors.New("protocol: invalid frame")

	// ErrMalformed is returned when a well-delimited frame does not hold a
	// JSON object. The stream stays usable.
	ErrMalformed = errors.New("protocol: malformed message")
)

const (
	// maxLengthDigits bounds the length prefix while it is being read.
	maxLengthDigits = 12
	// MaxFrameSize is the largest frame a Reader accepts.
	MaxFrameSize = 256 << 20
)

// Encode marshals v and prefixes it with its decimal byte length.
func Encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode: %w", err)
	}
	if len(data) == 0 || data[0] != '{' {
		return nil, fmt.Errorf("%w: payload is not a JSON object", ErrInvalidFrame)
	}
	buf := make([]byte, 0, len(data)+maxLengthDigits)
	buf = strconv.AppendInt(buf, int64(len(data)), 10)
	return append(buf, data...), nil
}

// WriteFrame encodes v and writes it to w in a single Write call.
func WriteFrame(w io.Writer, v any) error {
	frame, err := Encode(v)
	if err != nil {
		return err
	}
	_, err = w.Write(frame)
	return err
}

// Reader reads length-prefixed frames from a byte stream.
type Reader struct {
	r *bufio.Reader
}

// NewReader wraps r for frame reading.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReader(r)}
}

// ReadFrame returns the raw JSON bytes of the next frame. Digits are
// consumed up to the '{' sentinel, which is part of the returned payload.
// A clean EOF before any digit returns io.EOF.
func (r *Reader) ReadFrame() ([]byte, error) {
	var length int64
	digits := 0
	for {
		b, err := r.r.ReadByte()
		if err != nil {
			if errors.Is(err, io.EOF) && digits > 0 {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
		if b >= '0' && b <= '9' {
			digits++
			if digits > maxLengthDigits {
				return nil, fmt.Errorf("%w: length prefix too long", ErrInvalidFrame)
			}
			length = length*10 + int64(b-'0')
			continue
		}
		if b != '{' {
			return nil, fmt.Errorf("%w: unexpected byte %q in length prefix", ErrInvalidFrame, b)
		}
		if digits == 0 {
			return nil, fmt.Errorf("%w: missing length prefix", ErrInvalidFrame)
		}
		break
	}
	if length < 2 {
		return nil, fmt.Errorf("%w: length %d too short", ErrInvalidFrame, length)
	}
	if length > MaxFrameSize {
		return nil, fmt.Errorf("%w: length %d exceeds %d", ErrInvalidFrame, length, MaxFrameSize)
	}

	data := make([]byte, length)
	data[0] = '{'
	if _, err := io.ReadFull(r.r, data[1:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return data, nil
}

// Read returns the next frame decoded as a Message.
func (r *Reader) Read() (Message, error) {
	data, err := r.ReadFrame()
	if err != nil {
		return nil, err
	}
	return Decode(data)
}

// Decode parses a JSON object. Numbers decode as json.Number so that byte
// offsets and ids survive without float rounding.
func Decode(data []byte) (Message, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var m Message
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if m == nil {
		return nil, fmt.Errorf("%w: null message", ErrMalformed)
	}
	return m, nil
}
