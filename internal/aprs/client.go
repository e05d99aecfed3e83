package aprs

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/saviobatista/flight-tracker/internal/capture"
	"github.com/saviobatista/flight-tracker/internal/config"
	"github.com/saviobatista/flight-tracker/internal/stats"
)

const (
	softwareName    = "flight-tracker"
	softwareVersion = "1.0"

	// DefaultReadTimeout drops a session when the server goes quiet; APRS-IS
	// servers send a comment at least every 20 seconds
	DefaultReadTimeout = 90 * time.Second
)

// Handler receives every parsed packet
type Handler func(ctx context.Context, p *Packet)

// Client keeps an APRS-IS session and hands parsed lines to a handler
type Client struct {
	cfg         config.APRSConfig
	stats       *stats.Stats
	handler     Handler
	readTimeout time.Duration
	now         func() time.Time

	malformed rate.Sometimes
}

// NewClient creates a client for the configured server
func NewClient(cfg config.APRSConfig, s *stats.Stats, h Handler) *Client {
	return &Client{
		cfg:         cfg,
		stats:       s,
		handler:     h,
		readTimeout: DefaultReadTimeout,
		now:         time.Now,
		malformed:   rate.Sometimes{First: 5, Interval: time.Minute},
	}
}

// Source builds the capture source for the configured server
func (c *Client) Source() capture.Source {
	return capture.Source{Name: "aprs", Addr: c.cfg.Server, Session: c.Session}
}

// LoginLine builds the APRS-IS login command
func LoginLine(cfg config.APRSConfig) string {
	line := fmt.Sprintf("user %s pass %s vers %s %s", cfg.Callsign, cfg.Passcode, softwareName, softwareVersion)
	if cfg.Filter != "" {
		line += " filter " + cfg.Filter
	}
	return line + "\r\n"
}

// Session logs in, sends keepalives and reads lines until the connection fails
func (c *Client) Session(ctx context.Context, conn net.Conn) error {
	var writeMu sync.Mutex
	write := func(s string) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		if err := conn.SetWriteDeadline(time.Now().Add(10 * time.Second)); err != nil {
			return err
		}
		_, err := conn.Write([]byte(s))
		return err
	}

	if err := write(LoginLine(c.cfg)); err != nil {
		return fmt.Errorf("failed to send login: %w", err)
	}
	log.Printf("Logged in to APRS-IS as %s", c.cfg.Callsign)

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if c.cfg.Keepalive > 0 {
		go func() {
			ticker := time.NewTicker(c.cfg.Keepalive)
			defer ticker.Stop()
			for {
				select {
				case <-sessionCtx.Done():
					return
				case <-ticker.C:
					if err := write(fmt.Sprintf("# %s keepalive\r\n", softwareName)); err != nil {
						log.Printf("Warning: failed to send APRS keepalive: %v", err)
						conn.Close()
						return
					}
				}
			}
		}()
	}

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 4096), 64*1024)
	for {
		if err := conn.SetReadDeadline(time.Now().Add(c.readTimeout)); err != nil {
			return err
		}
		if !scanner.Scan() {
			err := scanner.Err()
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				return fmt.Errorf("no data for %s", c.readTimeout)
			}
			if err == nil {
				return errors.New("connection closed by server")
			}
			return err
		}
		c.HandleLine(ctx, scanner.Text())
	}
}

// HandleLine parses one line and forwards it. Malformed lines are counted
// and logged at a limited rate.
func (c *Client) HandleLine(ctx context.Context, line string) {
	if line == "" {
		return
	}
	c.stats.IncrementAPRSLines()

	p, err := ParseLine(line, c.now())
	if err != nil {
		c.stats.IncrementAPRSMalformed()
		c.malformed.Do(func() {
			log.Printf("Warning: failed to parse APRS line %q: %v", line, err)
		})
		return
	}
	c.handler(ctx, p)
}
