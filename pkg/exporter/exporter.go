package exporter

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"distlog/pkg/listener"
)

const defaultBuffer = 1024

type Options struct {
	// MaxRetries bounds Sink.Store attempts per record.
	MaxRetries   int
	RetryBackoff time.Duration
	Buffer       int
}

// Exporter hands records to a Sink one at a time, in submission order.
type Exporter struct {
	sink       Sink
	controller Controller
	opts       Options
	log        *slog.Logger

	in       chan Record
	listener *listener.Listener[Record]
}

func New(sink Sink, controller Controller, opts Options) *Exporter {
	if opts.MaxRetries < 1 {
		opts.MaxRetries = 1
	}
	if opts.Buffer < 1 {
		opts.Buffer = defaultBuffer
	}

	e := &Exporter{
		sink:       sink,
		controller: controller,
		opts:       opts,
		log:        slog.With("component", "exporter"),
		in:         make(chan Record, opts.Buffer),
	}
	e.listener = listener.New("exporter", e.in, e.export, e.closeSink)
	return e
}

func (e *Exporter) Start(ctx context.Context) {
	e.listener.Start(ctx)
	e.log.Info("exporter opened")
}

// Submit queues a record, waiting for room while ctx allows.
func (e *Exporter) Submit(ctx context.Context, r Record) error {
	select {
	case e.in <- r:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop waits for the record in progress and closes the sink. Queued records
// are not exported; their positions stay unacknowledged.
func (e *Exporter) Stop() {
	e.listener.Stop()
	e.log.Info("exporter closed")
}

func (e *Exporter) closeSink() {
	if err := e.sink.Close(); err != nil {
		e.log.Warn("failed to close sink", "error", err)
	}
}

// export stores r with bounded retries. A record that still fails is skipped
// without acknowledging its position.
func (e *Exporter) export(ctx context.Context, r Record) error {
	var err error
	for attempt := 1; attempt <= e.opts.MaxRetries; attempt++ {
		if err = e.sink.Store(ctx, r); err == nil {
			break
		}
		e.log.Warn("store failed", "partition", r.Partition, "position", r.Position,
			"attempt", attempt, "error", err)
		if attempt == e.opts.MaxRetries {
			break
		}
		select {
		case <-time.After(e.opts.RetryBackoff * time.Duration(attempt)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err != nil {
		return fmt.Errorf("skip record %s/%d of instance %d after %d attempts: %w",
			r.Partition, r.Position, r.instanceKey(), e.opts.MaxRetries, err)
	}

	if !r.LastInBlock {
		return nil
	}
	if err := e.controller.AcknowledgePosition(r.Partition, r.Position); err != nil {
		return fmt.Errorf("acknowledge %s/%d: %w", r.Partition, r.Position, err)
	}
	return nil
}
