package beast

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"time"

	"golang.org/x/time/rate"

	"github.com/saviobatista/flight-tracker/internal/capture"
	"github.com/saviobatista/flight-tracker/internal/stats"
)

// DefaultIdleTimeout drops a receiver that has sent nothing for this long
const DefaultIdleTimeout = 5 * time.Minute

// Handler receives every assembled position record
type Handler func(ctx context.Context, r *Record)

// Client turns Beast TCP streams into position records
type Client struct {
	acc         *Accumulator
	stats       *stats.Stats
	handler     Handler
	idleTimeout time.Duration

	badFrames rate.Sometimes
	now       func() time.Time
}

// NewClient creates a client delivering records to h
func NewClient(s *stats.Stats, h Handler) *Client {
	return &Client{
		acc:         NewAccumulator(),
		stats:       s,
		handler:     h,
		idleTimeout: DefaultIdleTimeout,
		badFrames:   rate.Sometimes{First: 3, Interval: time.Minute},
		now:         time.Now,
	}
}

// Accumulator exposes the per-aircraft state shared by all sessions
func (c *Client) Accumulator() *Accumulator {
	return c.acc
}

// Source builds a capture source for one receiver
func (c *Client) Source(name, addr string) capture.Source {
	return capture.Source{Name: name, Addr: addr, Session: c.Session}
}

// Session reads frames until the connection fails, goes idle or ctx ends
func (c *Client) Session(ctx context.Context, conn net.Conn) error {
	r := NewReader(deadlineReader{conn: conn, timeout: c.idleTimeout}, c.stats)
	for {
		f, err := r.Next()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				return fmt.Errorf("no data for %s", c.idleTimeout)
			}
			return err
		}
		c.HandleFrame(ctx, f)
	}
}

// HandleFrame decodes one frame and forwards any completed record
func (c *Client) HandleFrame(ctx context.Context, f Frame) {
	now := c.now().UTC()
	m, err := Decode(f, now)
	if err != nil {
		if errors.Is(err, ErrBadCRC) {
			c.badFrames.Do(func() {
				log.Printf("Warning: dropping Beast frame %s: %v", f.Hex(), err)
			})
		}
		return
	}
	if rec := c.acc.Add(m, now); rec != nil {
		c.handler(ctx, rec)
	}
}

// deadlineReader extends the read deadline before every read
type deadlineReader struct {
	conn    net.Conn
	timeout time.Duration
}

func (d deadlineReader) Read(p []byte) (int, error) {
	if err := d.conn.SetReadDeadline(time.Now().Add(d.timeout)); err != nil {
		return 0, err
	}
	return d.conn.Read(p)
}
