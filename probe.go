package fiber

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/fiberstack/fiber/internal/buffer"
	"github.com/fiberstack/fiber/internal/config"
	"github.com/fiberstack/fiber/internal/failover"
	"github.com/fiberstack/fiber/internal/model"
	"github.com/fiberstack/fiber/internal/telemetry"
	"github.com/fiberstack/fiber/internal/transport"
)

const (
	// backpressureThreshold is the fraction of the buffer quota or memory
	// watermark above which the probe sheds load: batch size halves and
	// the collection interval doubles until both drop back under it.
	backpressureThreshold = 0.8

	monitorInterval   = 15 * time.Second
	flushIdleDelay    = time.Second
	flushFailureDelay = 5 * time.Second
)

// Probe is the probe agent process lifecycle: collect measurements into
// the durable buffer, drain the buffer to the federation targets, and
// report liveness heartbeats.
type Probe struct {
	cfg          config.Probe
	buf          *buffer.Buffer
	pusher       failover.Pusher
	clients      []*transport.Client
	collector    Collector
	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
	version      string

	// Adaptive state owned by the backpressure monitor.
	mu        sync.Mutex
	batchSize int
	interval  time.Duration
	shedding  bool

	pushOK  atomic.Int64
	pushErr atomic.Int64
}

// NewProbe wires the probe agent: durable buffer, one transport client
// per federation target, and the failover (or fan-out) controller over
// them. It does NOT start the loops; call Run().
func NewProbe(opts ...Option) (*Probe, error) {
	o := resolveOptions(opts)
	logger := o.loggerOrDefault()

	_ = godotenv.Load()

	cfg, err := config.LoadProbe()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	version := o.versionOrDev()

	logger.Info("fiber probe starting",
		"version", version, "node_id", cfg.NodeID,
		"country", cfg.Country, "region", cfg.Region,
		"targets", len(cfg.Targets), "failover", cfg.FailoverEnabled)

	otelShutdown, err := telemetry.Init(context.Background(), cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	buf, err := buffer.New(cfg.BufferPath, cfg.BufferMaxBytes, logger)
	if err != nil {
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("buffer: %w", err)
	}

	clients := make([]*transport.Client, 0, len(cfg.Targets))
	targets := make([]failover.Target, 0, len(cfg.Targets))
	for _, t := range cfg.Targets {
		token := t.Auth.Token()
		if token == "" {
			token = cfg.FederationSecret
		}
		c := transport.NewClient(transport.Config{
			Name:   t.Name,
			URL:    t.URL,
			Token:  token,
			NodeID: cfg.NodeID,
			Secret: cfg.FederationSecret,
			Retry: transport.RetryPolicy{
				MaxAttempts: t.Retry.MaxAttempts,
				BaseDelay:   time.Duration(t.Retry.BaseDelayMS) * time.Millisecond,
				MaxDelay:    time.Duration(t.Retry.MaxDelayMS) * time.Millisecond,
			},
			RequestTimeout: cfg.RequestTimeout,
		}, logger)
		clients = append(clients, c)
		targets = append(targets, c)
		logger.Info("federation target", "name", t.Name, "url", t.URL)
	}

	var pusher failover.Pusher
	switch {
	case len(targets) == 0:
		// Metrics still land in the durable buffer; the quota evicts the
		// oldest rows once it fills.
		logger.Warn("no federation targets configured, probe will buffer locally")
	case cfg.FailoverEnabled:
		pusher = failover.NewController(targets, failover.Config{Timeout: cfg.RequestTimeout}, logger)
	default:
		pusher = failover.NewFanOut(targets, logger)
	}

	collector := o.collector
	if collector == nil {
		collector = syntheticCollector{}
	}

	return &Probe{
		cfg:          cfg,
		buf:          buf,
		pusher:       pusher,
		clients:      clients,
		collector:    collector,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
		batchSize:    cfg.BatchSize,
		interval:     cfg.Interval,
	}, nil
}

// Run starts the producer, consumer, heartbeat, and backpressure monitor
// loops, then blocks until ctx is cancelled. On clean return, Shutdown
// has already been called.
func (p *Probe) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.collectLoop(ctx) })
	g.Go(func() error { return p.flushLoop(ctx) })
	g.Go(func() error { return p.heartbeatLoop(ctx) })
	g.Go(func() error { return p.monitorLoop(ctx) })

	err := g.Wait()
	if err != nil && ctx.Err() == nil {
		_ = p.Shutdown(context.Background())
		return err
	}
	return p.Shutdown(context.Background())
}

// Shutdown closes the durable buffer and the OTEL providers. Buffered
// rows survive on disk and are drained on the next start.
func (p *Probe) Shutdown(ctx context.Context) error {
	p.logger.Info("fiber probe shutting down")

	if err := p.buf.Close(); err != nil {
		p.logger.Error("buffer close error", "error", err)
	}

	drainCtx, cancel := contextWithOptionalTimeout(ctx, shutdownDrainTimeout)
	_ = p.otelShutdown(drainCtx)
	cancel()

	p.logger.Info("fiber probe stopped")
	return nil
}

// collectLoop produces one measurement per interval into the buffer. The
// interval is re-read every cycle so backpressure changes take effect on
// the next tick.
func (p *Probe) collectLoop(ctx context.Context) error {
	timer := time.NewTimer(p.currentInterval())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}

		m, err := p.collector.Collect(ctx)
		if err != nil {
			p.logger.Warn("collect failed", "error", err)
		} else if err := p.buf.Push(ctx, p.stamp(m)); err != nil {
			p.logger.Warn("buffer push failed, metric dropped", "error", err)
		}

		timer.Reset(p.currentInterval())
	}
}

// stamp turns a Measurement into a wire metric carrying the probe's
// node identity and the collection instant.
func (p *Probe) stamp(m Measurement) model.Metric {
	return model.Metric{
		NodeID:     p.cfg.NodeID,
		Country:    p.cfg.Country,
		Region:     p.cfg.Region,
		LatencyMS:  m.LatencyMS,
		UptimePct:  m.UptimePct,
		PacketLoss: m.PacketLoss,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
		Metadata:   m.Metadata,
	}
}

// flushLoop drains the buffer through the failover controller. Rows are
// acknowledged only after a target accepted them, so a crash between
// push and acknowledge re-sends rather than loses; the gateway's
// idempotency layer absorbs the duplicate batch.
func (p *Probe) flushLoop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if p.pusher == nil {
			if !sleepCtx(ctx, flushIdleDelay) {
				return ctx.Err()
			}
			continue
		}

		items, err := p.buf.Peek(ctx, p.currentBatchSize())
		if err != nil {
			p.logger.Error("buffer peek failed", "error", err)
			if !sleepCtx(ctx, flushFailureDelay) {
				return ctx.Err()
			}
			continue
		}
		if len(items) == 0 {
			if !sleepCtx(ctx, flushIdleDelay) {
				return ctx.Err()
			}
			continue
		}

		metrics := make([]model.Metric, len(items))
		ids := make([]int64, len(items))
		for i, it := range items {
			metrics[i] = it.Metric
			ids[i] = it.ID
		}

		target, err := p.pusher.Push(ctx, metrics)
		if err != nil {
			p.pushErr.Add(1)
			p.logger.Warn("push failed, batch stays buffered", "error", err)
			if !sleepCtx(ctx, flushFailureDelay) {
				return ctx.Err()
			}
			continue
		}
		p.pushOK.Add(1)

		if err := p.buf.Acknowledge(ctx, ids); err != nil {
			p.logger.Error("acknowledge failed, rows will be re-sent", "error", err)
		}
		p.logger.Debug("flushed batch", "target", target, "metrics", len(metrics))
	}
}

// heartbeatLoop reports the probe's liveness and active target to the
// gateway. In fan-out mode every target hears the heartbeat; with
// failover only the active one does.
func (p *Probe) heartbeatLoop(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		p.emitHeartbeat(ctx)
	}
}

func (p *Probe) emitHeartbeat(ctx context.Context) {
	if p.pusher == nil {
		return
	}
	status := model.ProbeStatus{
		NodeID:       p.cfg.NodeID,
		ActiveTarget: p.pusher.ActiveTarget(),
		Timestamp:    time.Now().UTC().Format(time.RFC3339),
	}
	for _, c := range p.clients {
		if status.ActiveTarget != failover.FanOutName && c.Name() != status.ActiveTarget {
			continue
		}
		if err := c.Heartbeat(ctx, status); err != nil {
			p.logger.Debug("heartbeat failed", "target", c.Name(), "error", err)
		}
	}
}

// monitorLoop watches the buffer quota and the process heap, toggling
// backpressure, and emits a periodic status line with the transport
// counters.
func (p *Probe) monitorLoop(ctx context.Context) error {
	ticker := time.NewTicker(monitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		p.checkBackpressure(ctx)
	}
}

func (p *Probe) checkBackpressure(ctx context.Context) {
	size, err := p.buf.SizeBytes(ctx)
	if err != nil {
		p.logger.Warn("buffer size check failed", "error", err)
		return
	}
	depth, err := p.buf.Depth(ctx)
	if err != nil {
		p.logger.Warn("buffer depth check failed", "error", err)
		return
	}
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	bufferHot := float64(size) >= backpressureThreshold*float64(p.cfg.BufferMaxBytes)
	memHot := p.cfg.MemoryMaxBytes > 0 &&
		float64(ms.HeapAlloc) >= backpressureThreshold*float64(p.cfg.MemoryMaxBytes)

	p.mu.Lock()
	switch {
	case (bufferHot || memHot) && !p.shedding:
		p.shedding = true
		p.batchSize = max(1, p.cfg.BatchSize/2)
		p.interval = p.cfg.Interval * 2
		p.logger.Warn("backpressure engaged",
			"buffer_bytes", size, "heap_bytes", ms.HeapAlloc,
			"batch_size", p.batchSize, "interval", p.interval)
	case !bufferHot && !memHot && p.shedding:
		p.shedding = false
		p.batchSize = p.cfg.BatchSize
		p.interval = p.cfg.Interval
		p.logger.Info("backpressure cleared",
			"batch_size", p.batchSize, "interval", p.interval)
	}
	active := ""
	if p.pusher != nil {
		active = p.pusher.ActiveTarget()
	}
	shedding := p.shedding
	p.mu.Unlock()

	p.logger.Info("probe status",
		"buffer_depth", depth, "buffer_bytes", size,
		"heap_bytes", ms.HeapAlloc, "shedding", shedding,
		"push_ok", p.pushOK.Load(), "push_err", p.pushErr.Load(),
		"active_target", active)
}

func (p *Probe) currentInterval() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.interval
}

func (p *Probe) currentBatchSize() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.batchSize
}

// sleepCtx sleeps for d unless ctx ends first; reports whether the full
// sleep elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// syntheticCollector fabricates plausible link telemetry: RTT in the
// tens of milliseconds with occasional loss spikes. It stands in where
// no real measurement source is wired up, which keeps a freshly
// provisioned probe observable end to end.
type syntheticCollector struct{}

func (syntheticCollector) Collect(_ context.Context) (Measurement, error) {
	latency := 20 + rand.Float64()*130
	loss := 0.0
	if rand.Float64() > 0.95 {
		loss = 1 + rand.Float64()*4
	}
	uptime := 100 - rand.Float64()*0.5

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	return Measurement{
		LatencyMS:  round2(latency),
		UptimePct:  round2(uptime),
		PacketLoss: round2(loss),
		Metadata: map[string]any{
			"heap_bytes": ms.HeapAlloc,
			"goroutines": runtime.NumGoroutine(),
		},
	}, nil
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
