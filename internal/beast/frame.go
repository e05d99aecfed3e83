// Package beast reads the binary "Beast" output of Mode-S receivers and
// decodes the Mode-S messages it carries.
package beast

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/saviobatista/flight-tracker/internal/stats"
)

// Escape marks the start of every frame; inside a frame a literal 0x1A is doubled
const Escape = 0x1A

// Frame types
const (
	TypeModeAC     byte = '1'
	TypeModeSShort byte = '2'
	TypeModeSLong  byte = '3'
	TypeStatus     byte = '4'
)

const (
	mlatLen   = 6
	signalLen = 1
)

// payloadLen returns the message length for a frame type, or 0 if the type is unknown
func payloadLen(t byte) int {
	switch t {
	case TypeModeAC:
		return 2
	case TypeModeSShort:
		return 7
	case TypeModeSLong:
		return 14
	case TypeStatus:
		return 14
	default:
		return 0
	}
}

// Frame is one un-escaped Beast frame
type Frame struct {
	Type byte
	// MLAT is the receiver's 48-bit 12 MHz clock at reception
	MLAT uint64
	// Signal is the raw signal level, 0-255
	Signal  byte
	Payload []byte
}

// Hex renders the Mode-S payload the way dump1090 prints it
func (f Frame) Hex() string {
	return hex.EncodeToString(f.Payload)
}

// Reader splits a Beast byte stream into frames. Malformed frames are
// counted and skipped; the reader resynchronises on the next frame start.
type Reader struct {
	r     *bufio.Reader
	stats *stats.Stats

	// pending is set when an escape byte that starts a new frame has
	// already been consumed
	pending bool
	// unread is set while the next byte has already been counted
	unread bool
}

// NewReader wraps r
func NewReader(r io.Reader, s *stats.Stats) *Reader {
	return &Reader{r: bufio.NewReaderSize(r, 8192), stats: s}
}

func (r *Reader) readByte() (byte, error) {
	b, err := r.r.ReadByte()
	if err == nil && !r.unread {
		r.stats.AddBeastBytes(1)
	}
	r.unread = false
	return b, err
}

// Next returns the next well-formed frame. It only returns an error when
// the underlying reader does.
func (r *Reader) Next() (Frame, error) {
	for {
		if !r.pending {
			b, err := r.readByte()
			if err != nil {
				return Frame{}, err
			}
			if b != Escape {
				// Garbage between frames
				continue
			}
		}
		r.pending = false

		t, err := r.readByte()
		if err != nil {
			return Frame{}, err
		}
		if t == Escape {
			// Escaped data byte outside a frame, keep scanning
			continue
		}

		n := payloadLen(t)
		if n == 0 {
			r.stats.IncrementBeastMalformed()
			continue
		}

		body, err := r.readBody(mlatLen + signalLen + n)
		if err != nil {
			if err == errResync {
				r.stats.IncrementBeastMalformed()
				continue
			}
			return Frame{}, err
		}

		var mlat uint64
		for _, b := range body[:mlatLen] {
			mlat = mlat<<8 | uint64(b)
		}
		r.stats.IncrementBeastFrames()
		return Frame{
			Type:    t,
			MLAT:    mlat,
			Signal:  body[mlatLen],
			Payload: body[mlatLen+signalLen:],
		}, nil
	}
}

var errResync = fmt.Errorf("beast frame truncated by a new frame start")

// readBody reads n un-escaped bytes. A lone escape byte inside the body
// means the frame was truncated and a new one has started.
func (r *Reader) readBody(n int) ([]byte, error) {
	body := make([]byte, 0, n)
	for len(body) < n {
		b, err := r.readByte()
		if err != nil {
			return nil, err
		}
		if b == Escape {
			next, err := r.readByte()
			if err != nil {
				return nil, err
			}
			if next != Escape {
				if err := r.r.UnreadByte(); err != nil {
					return nil, err
				}
				r.unread = true
				r.pending = true
				return nil, errResync
			}
		}
		body = append(body, b)
	}
	return body, nil
}
