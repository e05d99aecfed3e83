package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/nats-io/nats.go"

	"github.com/saviobatista/flight-tracker/internal/stats"
	"github.com/saviobatista/flight-tracker/internal/types"
)

const (
	SubjectAPRSRaw        = "aprs.raw"
	SubjectStagingAPRSRaw = "staging.aprs.raw"
	SubjectADSBRaw        = "adsb.raw"

	streamMaxAge     = 24 * time.Hour
	duplicatesWindow = 2 * time.Minute
)

// Stream binds a JetStream stream to its subject
type Stream struct {
	Name    string
	Subject string
}

// Streams lists every stream the service publishes to
var Streams = []Stream{
	{Name: "APRS_RAW", Subject: SubjectAPRSRaw},
	{Name: "STAGING_APRS_RAW", Subject: SubjectStagingAPRSRaw},
	{Name: "BEAST_RAW", Subject: SubjectADSBRaw},
}

// FixHandler processes one consumed fix. Returning an error leaves the
// message for redelivery.
type FixHandler func(ctx context.Context, fix *types.Fix) error

// FixSubmitter starts processing a fix and reports the outcome on the
// returned channel. Fixes are submitted in batch order before any outcome
// is awaited.
type FixSubmitter func(ctx context.Context, fix *types.Fix) <-chan error

// ConsumeOptions tunes a pull consumer
type ConsumeOptions struct {
	BatchSize int
	MaxWait   time.Duration
	// AckWait is how long a delivered message stays invisible before it
	// is redelivered
	AckWait time.Duration
}

// DefaultConsumeOptions returns the options used by the binaries
func DefaultConsumeOptions() ConsumeOptions {
	return ConsumeOptions{BatchSize: 100, MaxWait: 2 * time.Second, AckWait: 30 * time.Second}
}

// Client represents a NATS client
type Client struct {
	conn    *nats.Conn
	js      nats.JetStreamContext
	stats   *stats.Stats
	staging bool

	newBackOff func() backoff.BackOff
}

// New creates a new NATS client and makes sure every stream exists
func New(url string, s *stats.Stats, staging bool) (*Client, error) {
	nc, err := nats.Connect(url, nats.Name("flight-tracker"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to get JetStream context: %w", err)
	}

	for _, st := range Streams {
		_, err = js.AddStream(&nats.StreamConfig{
			Name:       st.Name,
			Subjects:   []string{st.Subject},
			Storage:    nats.FileStorage,
			MaxAge:     streamMaxAge,
			Duplicates: duplicatesWindow,
		})
		if err != nil && !strings.Contains(err.Error(), "stream name already in use") {
			nc.Close()
			return nil, fmt.Errorf("failed to create stream %s: %w", st.Name, err)
		}
	}

	return &Client{
		conn:       nc,
		js:         js,
		stats:      s,
		staging:    staging,
		newBackOff: defaultPublishBackOff,
	}, nil
}

func defaultPublishBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	b.MaxElapsedTime = 10 * time.Second
	return backoff.WithMaxRetries(b, 3)
}

// SubjectFor returns the subject fixes of a protocol are published to
func SubjectFor(p types.Protocol, staging bool) string {
	if p == types.ProtocolADSB {
		return SubjectADSBRaw
	}
	if staging {
		return SubjectStagingAPRSRaw
	}
	return SubjectAPRSRaw
}

// ConsumedSubjects returns the subjects a consumer in this environment reads
func ConsumedSubjects(staging bool) []string {
	return []string{SubjectFor(types.ProtocolAPRS, staging), SubjectADSBRaw}
}

func streamFor(subject string) string {
	for _, st := range Streams {
		if st.Subject == subject {
			return st.Name
		}
	}
	return ""
}

// PublishFix publishes a fix with its id as the deduplication key. Failures
// are retried a bounded number of times and then reported.
func (c *Client) PublishFix(ctx context.Context, fix *types.Fix) error {
	subject := SubjectFor(fix.Protocol, c.staging)
	start := time.Now()

	data, err := json.Marshal(fix)
	if err != nil {
		err = fmt.Errorf("failed to marshal fix: %w", err)
		c.stats.RecordPublish(subject, err, time.Since(start))
		return err
	}

	op := func() error {
		_, err := c.js.Publish(subject, data, nats.MsgId(fix.ID.String()), nats.Context(ctx))
		if err != nil && ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		return err
	}
	err = backoff.Retry(op, backoff.WithContext(c.newBackOff(), ctx))
	if err != nil {
		err = fmt.Errorf("failed to publish fix %s: %w", fix.ID, err)
	}
	c.stats.RecordPublish(subject, err, time.Since(start))
	return err
}

// Consume pulls fixes from every consumed stream with a durable consumer
// and blocks until ctx is done. Each fetched batch is handed to the
// handler in timestamp order.
func (c *Client) Consume(ctx context.Context, durable string, handler FixHandler, opts ConsumeOptions) error {
	return c.ConsumePipelined(ctx, durable, func(ctx context.Context, fix *types.Fix) <-chan error {
		done := make(chan error, 1)
		done <- handler(ctx, fix)
		return done
	}, opts)
}

// ConsumePipelined is Consume for handlers that process fixes concurrently.
// The whole batch is submitted before the outcomes are awaited, so
// submitters that keep per-key order can work on the batch in parallel.
func (c *Client) ConsumePipelined(ctx context.Context, durable string, submit FixSubmitter, opts ConsumeOptions) error {
	var subs []*nats.Subscription
	for _, subject := range ConsumedSubjects(c.staging) {
		name := fmt.Sprintf("%s-%s", durable, streamFor(subject))
		sub, err := c.js.PullSubscribe(subject, name,
			nats.ManualAck(),
			nats.AckExplicit(),
			nats.AckWait(opts.AckWait),
			nats.DeliverAll(),
		)
		if err != nil {
			for _, s := range subs {
				_ = s.Unsubscribe()
			}
			return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
		}
		subs = append(subs, sub)
	}

	var wg sync.WaitGroup
	for _, sub := range subs {
		wg.Add(1)
		go func(sub *nats.Subscription) {
			defer wg.Done()
			c.fetchLoop(ctx, sub, submit, opts)
		}(sub)
	}
	wg.Wait()
	return ctx.Err()
}

type delivery struct {
	msg *nats.Msg
	fix *types.Fix
}

func (c *Client) fetchLoop(ctx context.Context, sub *nats.Subscription, submit FixSubmitter, opts ConsumeOptions) {
	for ctx.Err() == nil {
		msgs, err := sub.Fetch(opts.BatchSize, nats.MaxWait(opts.MaxWait))
		if err != nil {
			if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			log.Printf("Error fetching from %s: %v", sub.Subject, err)
			sleep(ctx, time.Second)
			continue
		}

		batch := decodeBatch(msgs)
		results := make([]<-chan error, len(batch))
		for i, d := range batch {
			results[i] = submit(ctx, d.fix)
		}
		for i, d := range batch {
			if err := <-results[i]; err != nil {
				log.Printf("Failed to process fix %s: %v", d.fix.ID, err)
				if err := d.msg.Nak(); err != nil {
					log.Printf("Warning: failed to nak message: %v", err)
				}
				continue
			}
			if err := d.msg.Ack(); err != nil {
				log.Printf("Warning: failed to ack fix %s: %v", d.fix.ID, err)
			}
		}
	}
}

// decodeBatch unmarshals a batch and sorts it by fix timestamp. Messages
// that do not decode are terminated so they are never redelivered.
func decodeBatch(msgs []*nats.Msg) []delivery {
	batch := make([]delivery, 0, len(msgs))
	for _, m := range msgs {
		var fix types.Fix
		if err := json.Unmarshal(m.Data, &fix); err != nil {
			log.Printf("Error unmarshaling fix: %v", err)
			if err := m.Term(); err != nil {
				log.Printf("Warning: failed to terminate message: %v", err)
			}
			continue
		}
		batch = append(batch, delivery{msg: m, fix: &fix})
	}
	sort.SliceStable(batch, func(i, j int) bool {
		return batch[i].fix.Timestamp.Before(batch[j].fix.Timestamp)
	})
	return batch
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// Close closes the NATS connection
func (c *Client) Close() {
	if c.conn != nil {
		c.conn.Close()
	}
}
