// Package ingest routes decoded packets into bounded queues and drains them
// with workers that normalise and publish fixes and persist receivers.
package ingest

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/saviobatista/flight-tracker/internal/aprs"
	"github.com/saviobatista/flight-tracker/internal/beast"
	"github.com/saviobatista/flight-tracker/internal/normalize"
	"github.com/saviobatista/flight-tracker/internal/queue"
	"github.com/saviobatista/flight-tracker/internal/stats"
	"github.com/saviobatista/flight-tracker/internal/types"
)

// Normalizer turns a record into a fix
type Normalizer interface {
	Normalize(ctx context.Context, rec normalize.Record) (*types.Fix, error)
}

// Publisher hands fixes to the broker
type Publisher interface {
	PublishFix(ctx context.Context, fix *types.Fix) error
}

// ReceiverStore persists receiver beacons
type ReceiverStore interface {
	UpsertReceiverPosition(ctx context.Context, r *types.Receiver) error
	UpsertReceiverStatus(ctx context.Context, r *types.Receiver) error
}

// Producer is anything feeding the pipeline that must stop before the
// queues close
type Producer interface {
	Stop()
}

// Pipeline owns the ingest queues and their workers
type Pipeline struct {
	normalizer Normalizer
	publisher  Publisher
	receivers  ReceiverStore
	stats      *stats.Stats
	workers    int

	fixes            *queue.Queue[normalize.Record]
	receiverStatus   *queue.Queue[*aprs.Packet]
	receiverPosition *queue.Queue[*aprs.Packet]
	serverStatus     *queue.Queue[*aprs.Packet]

	producers []Producer
	wg        sync.WaitGroup
	failures  rate.Sometimes
}

// New creates a pipeline whose queues each hold up to queueSize items.
// workers fix workers are started; the other queues get one worker each.
func New(n Normalizer, p Publisher, r ReceiverStore, s *stats.Stats, queueSize, workers int) *Pipeline {
	if workers <= 0 {
		workers = 1
	}
	return &Pipeline{
		normalizer:       n,
		publisher:        p,
		receivers:        r,
		stats:            s,
		workers:          workers,
		fixes:            queue.New[normalize.Record]("fixes", queueSize, s),
		receiverStatus:   queue.New[*aprs.Packet]("receiver_status", queueSize, s),
		receiverPosition: queue.New[*aprs.Packet]("receiver_position", queueSize, s),
		serverStatus:     queue.New[*aprs.Packet]("server_status", queueSize, s),
		failures:         rate.Sometimes{First: 5, Interval: time.Minute},
	}
}

// AddProducer registers a producer to stop on Shutdown
func (p *Pipeline) AddProducer(pr Producer) {
	p.producers = append(p.producers, pr)
}

// Start launches the workers. They outlive ctx cancellation so that
// Shutdown can drain what is already queued.
func (p *Pipeline) Start(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)

	for i := 0; i < p.workers; i++ {
		p.spawn(func() { p.fixWorker(ctx) })
	}
	p.spawn(func() { p.receiverPositionWorker(ctx) })
	p.spawn(func() { p.receiverStatusWorker(ctx) })
	p.spawn(func() { p.serverStatusWorker() })
}

func (p *Pipeline) spawn(f func()) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		f()
	}()
}

// Shutdown stops the producers, closes the queues and waits for the
// workers to drain them
func (p *Pipeline) Shutdown() {
	for _, pr := range p.producers {
		pr.Stop()
	}
	p.fixes.Close()
	p.receiverStatus.Close()
	p.receiverPosition.Close()
	p.serverStatus.Close()
	p.wg.Wait()
}

// RouteAPRS queues a parsed APRS packet by kind
func (p *Pipeline) RouteAPRS(ctx context.Context, pkt *aprs.Packet) {
	var err error
	switch pkt.Kind() {
	case aprs.KindAircraftPosition:
		err = p.fixes.Send(ctx, normalize.Record{APRS: pkt, ReceivedAt: time.Now().UTC()})
	case aprs.KindReceiverPosition:
		err = p.receiverPosition.Send(ctx, pkt)
	case aprs.KindReceiverStatus:
		err = p.receiverStatus.Send(ctx, pkt)
	case aprs.KindServerComment:
		err = p.serverStatus.Send(ctx, pkt)
	default:
		return
	}
	p.logSendError(err)
}

// RouteBeast queues a decoded Beast record heard by receiver
func (p *Pipeline) RouteBeast(ctx context.Context, receiver string, rec *beast.Record) {
	err := p.fixes.Send(ctx, normalize.Record{Beast: rec, Receiver: receiver, ReceivedAt: rec.Timestamp})
	p.logSendError(err)
}

// BeastHandler binds RouteBeast to one receiver
func (p *Pipeline) BeastHandler(receiver string) beast.Handler {
	return func(ctx context.Context, rec *beast.Record) {
		p.RouteBeast(ctx, receiver, rec)
	}
}

func (p *Pipeline) logSendError(err error) {
	// Closed queues are alerted by the queue itself
	if err == nil || errors.Is(err, queue.ErrQueueClosed) || errors.Is(err, context.Canceled) {
		return
	}
	log.Printf("Warning: failed to queue packet: %v", err)
}

func (p *Pipeline) fixWorker(ctx context.Context) {
	for rec := range p.fixes.Receive() {
		fix, err := p.normalizer.Normalize(ctx, rec)
		if err != nil {
			if !errors.Is(err, normalize.ErrUnsupported) {
				p.failures.Do(func() {
					log.Printf("Warning: failed to normalize %s record: %v", rec.Protocol(), err)
				})
			}
			continue
		}
		if err := p.publisher.PublishFix(ctx, fix); err != nil {
			p.failures.Do(func() {
				log.Printf("Failed to publish fix: %v", err)
			})
		}
	}
}

func (p *Pipeline) receiverPositionWorker(ctx context.Context) {
	for pkt := range p.receiverPosition.Receive() {
		lat, lon, ts := pkt.Latitude, pkt.Longitude, pkt.Timestamp
		r := &types.Receiver{
			Callsign:       pkt.Source,
			Latitude:       &lat,
			Longitude:      &lon,
			AltitudeFeet:   pkt.AltitudeFeet,
			LastPositionAt: &ts,
		}
		if err := p.receivers.UpsertReceiverPosition(ctx, r); err != nil {
			log.Printf("Failed to store receiver position: %v", err)
		}
	}
}

func (p *Pipeline) receiverStatusWorker(ctx context.Context) {
	for pkt := range p.receiverStatus.Receive() {
		status, ts := pkt.Status, pkt.Timestamp
		r := &types.Receiver{
			Callsign:     pkt.Source,
			LastStatus:   &status,
			LastStatusAt: &ts,
		}
		if err := p.receivers.UpsertReceiverStatus(ctx, r); err != nil {
			log.Printf("Failed to store receiver status: %v", err)
		}
	}
}

func (p *Pipeline) serverStatusWorker() {
	for pkt := range p.serverStatus.Receive() {
		p.stats.UpdateServerMessageTime(pkt.Timestamp)
		log.Printf("APRS server: %s", pkt.Comment)
	}
}
