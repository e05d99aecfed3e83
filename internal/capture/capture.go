package capture

import (
	"context"
	"log"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/saviobatista/flight-tracker/internal/stats"
)

// Session consumes one established connection until the connection fails
// or ctx is cancelled
type Session func(ctx context.Context, conn net.Conn) error

// Source is one upstream receiver
type Source struct {
	// Name labels the source in logs and metrics
	Name    string
	Addr    string
	Session Session
}

// Capture keeps one connection open per source, reconnecting with jittered
// exponential backoff
type Capture struct {
	sources []Source
	stats   *stats.Stats

	dialTimeout time.Duration
	stableAfter time.Duration
	newBackOff  func() backoff.BackOff

	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// New creates a new Capture instance
func New(sources []Source, s *stats.Stats) *Capture {
	return &Capture{
		sources:     sources,
		stats:       s,
		dialTimeout: 10 * time.Second,
		stableAfter: 30 * time.Second,
		newBackOff:  DefaultBackOff,
	}
}

// DefaultBackOff starts at one second and caps at one minute, with 50% jitter
func DefaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = time.Minute
	b.Multiplier = 2
	b.RandomizationFactor = 0.5
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// SetBackOff replaces the reconnect policy
func (c *Capture) SetBackOff(f func() backoff.BackOff) {
	c.newBackOff = f
}

// Start connects to every source in its own goroutine
func (c *Capture) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ctx, c.cancel = context.WithCancel(ctx)
	for _, src := range c.sources {
		c.wg.Add(1)
		go c.connectToSource(ctx, src)
	}
}

// Stop closes all connections and waits for the source goroutines to exit
func (c *Capture) Stop() {
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Unlock()
	c.wg.Wait()
}

// configureTCPKeepalive configures TCP keepalive settings
func configureTCPKeepalive(conn net.Conn, source string) {
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		if err := tcpConn.SetKeepAlive(true); err != nil {
			log.Printf("Warning: failed to set keepalive for %s: %v", source, err)
		}
		if err := tcpConn.SetKeepAlivePeriod(15 * time.Second); err != nil {
			log.Printf("Warning: failed to set keepalive period for %s: %v", source, err)
		}
	}
}

// logReconnect reports how long a source was unreachable
func logReconnect(source string, disconnectTime time.Time) {
	if disconnectTime.IsZero() {
		log.Printf("Successfully connected to %s", source)
		return
	}
	duration := time.Since(disconnectTime)
	if duration < 10*time.Second {
		log.Printf("A connection hiccup of %.1f seconds happened on %s", duration.Seconds(), source)
	} else {
		log.Printf("Connection to %s reestablished after %.1f minutes", source, duration.Minutes())
	}
}

// sleep waits for d or until ctx is done; it reports whether to keep going
func sleep(ctx context.Context, d time.Duration) bool {
	if d == backoff.Stop {
		return false
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (c *Capture) connectToSource(ctx context.Context, src Source) {
	defer c.wg.Done()

	b := c.newBackOff()
	dialer := &net.Dialer{Timeout: c.dialTimeout}
	var disconnectTime time.Time

	log.Printf("Attempting to connect to %s (%s)...", src.Name, src.Addr)
	for ctx.Err() == nil {
		conn, err := dialer.DialContext(ctx, "tcp", src.Addr)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.stats.ConnectionFailed(src.Name)
			if disconnectTime.IsZero() {
				disconnectTime = time.Now()
				log.Printf("Failed to connect to %s: %v", src.Name, err)
			}
			if !sleep(ctx, b.NextBackOff()) {
				return
			}
			continue
		}

		configureTCPKeepalive(conn, src.Name)
		c.stats.ConnectionEstablished(src.Name)
		logReconnect(src.Name, disconnectTime)
		disconnectTime = time.Time{}

		started := time.Now()
		stopClose := context.AfterFunc(ctx, func() { conn.Close() })
		err = src.Session(ctx, conn)
		stopClose()
		conn.Close()
		c.stats.SetDisconnected(src.Name)

		if ctx.Err() != nil {
			return
		}
		c.stats.ConnectionFailed(src.Name)
		log.Printf("Connection to %s lost: %v", src.Name, err)
		disconnectTime = time.Now()

		if time.Since(started) >= c.stableAfter {
			b.Reset()
		}
		if !sleep(ctx, b.NextBackOff()) {
			return
		}
	}
}
