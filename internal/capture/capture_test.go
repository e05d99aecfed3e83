package capture

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/saviobatista/flight-tracker/internal/stats"
	"github.com/saviobatista/flight-tracker/internal/testutils"
)

func fastBackOff() backoff.BackOff {
	return backoff.NewConstantBackOff(10 * time.Millisecond)
}

func TestNew(t *testing.T) {
	s := stats.New()
	c := New([]Source{{Name: "a", Addr: "localhost:30005"}, {Name: "b", Addr: "localhost:14580"}}, s)

	if c == nil {
		t.Fatal("New() returned nil")
	}
	if len(c.sources) != 2 {
		t.Errorf("Expected 2 sources, got %d", len(c.sources))
	}
	if c.newBackOff == nil {
		t.Error("Expected default backoff policy")
	}
}

func TestDefaultBackOff(t *testing.T) {
	b := DefaultBackOff()
	var prev time.Duration
	for i := 0; i < 20; i++ {
		d := b.NextBackOff()
		if d == backoff.Stop {
			t.Fatal("Default backoff must retry forever")
		}
		// Jitter allows up to 1.5x the one minute cap
		if d > 90*time.Second {
			t.Fatalf("Backoff %s exceeds cap", d)
		}
		prev = d
	}
	if prev < 30*time.Second {
		t.Errorf("Expected backoff to approach the cap, got %s", prev)
	}
}

func TestCapture_SessionReceivesData(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to create listener: %v", err)
	}
	defer listener.Close()

	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		_, _ = conn.Write([]byte("# aprsc 2.1.14\r\n"))
		time.Sleep(time.Second)
	}()

	lines := make(chan string, 1)
	session := func(ctx context.Context, conn net.Conn) error {
		sc := bufio.NewScanner(conn)
		for sc.Scan() {
			lines <- sc.Text()
		}
		return sc.Err()
	}

	s := stats.New()
	c := New([]Source{{Name: "test", Addr: listener.Addr().String(), Session: session}}, s)
	c.SetBackOff(fastBackOff)
	c.Start(context.Background())
	defer c.Stop()

	select {
	case line := <-lines:
		if line != "# aprsc 2.1.14" {
			t.Errorf("Unexpected line %q", line)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for session data")
	}

	if got := s.GetStats()["ingest_connected"]; got != 1 {
		t.Errorf("Expected connected gauge 1, got %v", got)
	}
}

func TestCapture_ReconnectsAfterDrop(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to create listener: %v", err)
	}
	defer listener.Close()

	// Server drops every connection straight away
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	session := func(ctx context.Context, conn net.Conn) error {
		_, err := conn.Read(make([]byte, 1))
		return err
	}

	s := stats.New()
	c := New([]Source{{Name: "flaky", Addr: listener.Addr().String(), Session: session}}, s)
	c.SetBackOff(fastBackOff)
	c.Start(context.Background())

	err = testutils.WaitForCondition(func() bool {
		return s.GetStats()["ingest_connections_established_total"] >= 3
	}, 5*time.Second)
	c.Stop()
	if err != nil {
		t.Fatalf("Expected repeated reconnects: %v", err)
	}

	m := s.GetStats()
	if m["ingest_connections_failed_total"] < 2 {
		t.Errorf("Expected dropped sessions to be counted, got %v", m["ingest_connections_failed_total"])
	}
	if m["ingest_connected"] != 0 {
		t.Errorf("Expected disconnected after Stop, got %v", m["ingest_connected"])
	}
}

func TestCapture_StopInterruptsBlockedSession(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to create listener: %v", err)
	}
	defer listener.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := listener.Accept()
		if err == nil {
			accepted <- conn
		}
	}()

	session := func(ctx context.Context, conn net.Conn) error {
		_, err := conn.Read(make([]byte, 16))
		return err
	}

	c := New([]Source{{Name: "idle", Addr: listener.Addr().String(), Session: session}}, stats.New())
	c.SetBackOff(fastBackOff)
	c.Start(context.Background())

	var server net.Conn
	select {
	case server = <-accepted:
		defer server.Close()
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for connection")
	}

	done := make(chan struct{})
	go func() {
		c.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop() did not interrupt the blocked read")
	}
}

func TestCapture_UnreachableSourceCountsFailures(t *testing.T) {
	// Grab a free port and release it so nothing listens there
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to create listener: %v", err)
	}
	addr := l.Addr().String()
	l.Close()

	s := stats.New()
	c := New([]Source{{Name: "down", Addr: addr, Session: func(context.Context, net.Conn) error { return nil }}}, s)
	c.SetBackOff(fastBackOff)
	c.Start(context.Background())

	err = testutils.WaitForCondition(func() bool {
		return s.GetStats()["ingest_connections_failed_total"] >= 2
	}, 5*time.Second)
	c.Stop()
	if err != nil {
		t.Fatalf("Expected dial failures to be counted: %v", err)
	}
}
