// Package export ships decision telemetry to an OTLP collector as log
// records. Submission is fire-and-forget: the authorization path hands
// an event off and never waits on the network.
package export

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	sdklog "go.opentelemetry.io/otel/sdk/log"

	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"

	"github.com/hostsentry/hostsentry/pkg/types"
)

type Config struct {
	Endpoint string
	Insecure bool
	Headers  map[string]string

	Timeout      time.Duration
	BatchTimeout time.Duration
	BatchMaxSize int
}

// Status is the sync view exposed on the control surface.
type Status struct {
	Enabled     bool      `json:"enabled"`
	Endpoint    string    `json:"endpoint,omitempty"`
	Submitted   int64     `json:"submitted"`
	LastSubmit  time.Time `json:"last_submit,omitempty"`
	LastFlush   time.Time `json:"last_flush,omitempty"`
	LastFlushOK bool      `json:"last_flush_ok"`
}

// Queue batches and exports submitted events. Safe for concurrent use.
type Queue struct {
	endpoint string
	provider *sdklog.LoggerProvider
	logger   otellog.Logger

	mu          sync.Mutex
	submitted   int64
	lastSubmit  time.Time
	lastFlush   time.Time
	lastFlushOK bool
}

func New(ctx context.Context, cfg Config) (*Queue, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("export endpoint is empty")
	}
	opts := []otlploghttp.Option{otlploghttp.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlploghttp.WithInsecure())
	}
	if cfg.Timeout > 0 {
		opts = append(opts, otlploghttp.WithTimeout(cfg.Timeout))
	}
	if len(cfg.Headers) > 0 {
		opts = append(opts, otlploghttp.WithHeaders(cfg.Headers))
	}
	exp, err := otlploghttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("otlp log exporter: %w", err)
	}

	batchTimeout := cfg.BatchTimeout
	if batchTimeout == 0 {
		batchTimeout = 5 * time.Second
	}
	batchMaxSize := cfg.BatchMaxSize
	if batchMaxSize == 0 {
		batchMaxSize = 512
	}
	proc := sdklog.NewBatchProcessor(exp,
		sdklog.WithExportInterval(batchTimeout),
		sdklog.WithExportMaxBatchSize(batchMaxSize),
	)
	return newQueue(cfg.Endpoint, proc), nil
}

func newQueue(endpoint string, proc sdklog.Processor) *Queue {
	hostname, _ := os.Hostname()
	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName("hostsentryd"),
		semconv.HostName(hostname),
	))
	if err != nil {
		res = resource.Default()
	}
	provider := sdklog.NewLoggerProvider(
		sdklog.WithProcessor(proc),
		sdklog.WithResource(res),
	)
	return &Queue{
		endpoint: endpoint,
		provider: provider,
		logger:   provider.Logger("hostsentry"),
	}
}

// Submit enqueues one event for export. done, when non-nil, runs once
// the record is handed to the batcher; the bool is false only when the
// queue is already shut down. Submit never blocks on the collector.
func (q *Queue) Submit(ctx context.Context, ev types.StoredEvent, done func(ok bool)) {
	rec := convert(ev)
	q.logger.Emit(ctx, rec)

	q.mu.Lock()
	q.submitted++
	q.lastSubmit = time.Now()
	q.mu.Unlock()

	if done != nil {
		done(true)
	}
}

// Flush forces the batcher to export now. The control surface calls it
// from the sync-status handler so operators see fresh outcomes.
func (q *Queue) Flush(ctx context.Context) error {
	err := q.provider.ForceFlush(ctx)
	q.mu.Lock()
	q.lastFlush = time.Now()
	q.lastFlushOK = err == nil
	q.mu.Unlock()
	return err
}

func (q *Queue) Status() Status {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Status{
		Enabled:     true,
		Endpoint:    q.endpoint,
		Submitted:   q.submitted,
		LastSubmit:  q.lastSubmit,
		LastFlush:   q.lastFlush,
		LastFlushOK: q.lastFlushOK,
	}
}

// Close flushes pending records and shuts the provider down.
func (q *Queue) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := q.provider.Shutdown(ctx); err != nil {
		slog.Warn("export provider shutdown error", "error", err)
		return err
	}
	return nil
}
