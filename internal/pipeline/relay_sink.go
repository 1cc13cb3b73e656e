package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/sourcegraph/conc"

	"backstop/internal/config"
	"backstop/internal/match"
	"backstop/internal/normalize"
	"backstop/internal/telemetry"
)

const (
	defaultRelayInputBuffer = 4096

	relaySent    = "sent"
	relaySpooled = "spooled"
	relayDropped = "dropped"
)

var errRelayStopped = errors.New("relay sink stopped")

// SenderFactory builds the line sender for one relay protocol.
type SenderFactory func(protocol string) (LineSender, error)

// RelaySink fans events out to per-relay workers that batch, send with failover and spool.
type RelaySink struct {
	workers []*relayWorker
	logger  *slog.Logger

	wg   conc.WaitGroup
	done chan struct{}
}

type relayWorker struct {
	name     string
	cfg      config.RelayConfig
	logger   *slog.Logger
	recorder *telemetry.Recorder
	sender   LineSender
	spool    *Spool
	drop     match.Set

	input chan normalize.MetricEvent

	batch      []normalize.MetricEvent
	batchStart time.Time
}

// NewRelaySink creates one worker per relay and starts their loops.
// Params: ctx lifecycle context; relays config list; logger; recorder may be nil; newSender builds transports.
// Returns: relay sink or error.
func NewRelaySink(
	ctx context.Context,
	relays []config.RelayConfig,
	logger *slog.Logger,
	recorder *telemetry.Recorder,
	newSender SenderFactory,
) (*RelaySink, error) {
	if len(relays) == 0 {
		return nil, fmt.Errorf("relay list is empty")
	}
	if newSender == nil {
		newSender = NewLineSender
	}

	out := &RelaySink{
		workers: make([]*relayWorker, 0, len(relays)),
		logger:  logger,
		done:    make(chan struct{}),
	}
	cleanup := func() {
		for _, worker := range out.workers {
			worker.close()
		}
	}

	for idx, cfg := range relays {
		name := strings.TrimSpace(cfg.Name)
		if name == "" {
			name = fmt.Sprintf("relay-%d", idx)
		}

		drop, err := match.CompileSet(cfg.Drop)
		if err != nil {
			cleanup()
			return nil, fmt.Errorf("relay %s drop patterns: %w", name, err)
		}

		sender, err := newSender(cfg.Protocol)
		if err != nil {
			cleanup()
			return nil, fmt.Errorf("relay %s: %w", name, err)
		}

		worker := &relayWorker{
			name:     name,
			cfg:      cfg,
			logger:   logger.With(slog.String("relay", name)),
			recorder: recorder,
			sender:   sender,
			drop:     drop,
			input:    make(chan normalize.MetricEvent, defaultRelayInputBuffer),
			batch:    make([]normalize.MetricEvent, 0, cfg.Batch.MaxEvents),
		}
		out.workers = append(out.workers, worker)

		if cfg.Queue.Enabled {
			worker.spool, err = OpenSpool(cfg.Queue.Dir, cfg.Queue.MaxBatches, cfg.Queue.MaxAge.Duration)
			if err != nil {
				cleanup()
				return nil, fmt.Errorf("init spool for %s: %w", name, err)
			}
			recorder.Spooled(ctx, name, int64(worker.spool.Pending()))
		}
	}

	for _, worker := range out.workers {
		out.wg.Go(func() {
			defer worker.close()
			worker.run(ctx)
		})
	}
	go func() {
		out.wg.Wait()
		close(out.done)
	}()

	return out, nil
}

// Emit hands the event to every relay whose drop patterns do not match its name.
// Params: ctx bounds waiting on a full relay buffer; event payload.
// Returns: ctx error, or errRelayStopped after shutdown.
func (s *RelaySink) Emit(ctx context.Context, event normalize.MetricEvent) error {
	if ctx == nil {
		ctx = context.Background()
	}

	for _, worker := range s.workers {
		if worker.drop.Match(event.Name) {
			continue
		}
		select {
		case worker.input <- event:
		case <-ctx.Done():
			return ctx.Err()
		case <-s.done:
			return errRelayStopped
		}
	}
	return nil
}

// Wait blocks until every worker flushed and exited after ctx cancellation.
func (s *RelaySink) Wait() {
	<-s.done
}

// run batches input, flushes by size and age, and drains the spool on the retry ticker.
func (w *relayWorker) run(ctx context.Context) {
	flushTicker := time.NewTicker(w.flushInterval())
	retry := w.cfg.RetryInterval.Duration
	if retry <= 0 {
		retry = 3 * time.Second
	}
	retryTicker := time.NewTicker(retry)
	defer flushTicker.Stop()
	defer retryTicker.Stop()

	_ = w.drainSpool(ctx)

	for {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), w.shutdownDrainTimeout())
			w.drainInput()
			w.flushBatch(shutdownCtx)
			cancel()
			return
		case event := <-w.input:
			w.appendBatch(event)
			if uint64(len(w.batch)) >= w.cfg.Batch.MaxEvents {
				w.flushBatch(ctx)
			}
		case <-flushTicker.C:
			w.flushByAge(ctx)
		case <-retryTicker.C:
			_ = w.drainSpool(ctx)
		}
	}
}

// drainInput moves buffered events into the batch so shutdown does not lose accepted events.
func (w *relayWorker) drainInput() {
	for {
		select {
		case event := <-w.input:
			w.appendBatch(event)
		default:
			return
		}
	}
}

func (w *relayWorker) flushInterval() time.Duration {
	interval := w.cfg.Batch.MaxAge.Duration / 2
	if interval <= 0 || interval > time.Second {
		interval = time.Second
	}
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	return interval
}

// shutdownDrainTimeout bounds the final flush by the number of failover addresses.
func (w *relayWorker) shutdownDrainTimeout() time.Duration {
	base := w.cfg.Timeout.Duration
	if base <= 0 {
		base = 5 * time.Second
	}
	addresses := max(1, len(w.cfg.Addr))

	timeout := time.Duration(addresses)*base + 2*time.Second
	return min(max(timeout, 3*time.Second), time.Minute)
}

func (w *relayWorker) appendBatch(event normalize.MetricEvent) {
	if len(w.batch) == 0 {
		w.batchStart = time.Now()
	}
	w.batch = append(w.batch, event)
}

func (w *relayWorker) flushByAge(ctx context.Context) {
	if len(w.batch) == 0 || w.cfg.Batch.MaxAge.Duration <= 0 {
		return
	}
	if time.Since(w.batchStart) < w.cfg.Batch.MaxAge.Duration {
		return
	}
	w.flushBatch(ctx)
}

// flushBatch encodes the batch once, sends it, and spools it when every address failed.
func (w *relayWorker) flushBatch(ctx context.Context) {
	if len(w.batch) == 0 {
		return
	}
	defer func() { w.batch = w.batch[:0] }()

	payload, err := w.sender.Encode(w.batch)
	if err != nil {
		w.logger.Error("encode relay batch failed", slog.String("error", err.Error()))
		w.recorder.RelayBatch(ctx, w.name, relayDropped)
		return
	}

	if err := w.sendWithFailover(ctx, payload); err != nil {
		w.spoolBatch(ctx, payload, err)
		return
	}
	w.recorder.RelayBatch(ctx, w.name, relaySent)
	_ = w.drainSpool(ctx)
}

func (w *relayWorker) spoolBatch(ctx context.Context, payload []byte, sendErr error) {
	if w.spool == nil {
		w.logger.Error("relay unavailable, dropping batch (spool disabled)",
			slog.Int("events", len(w.batch)),
			slog.String("error", sendErr.Error()),
		)
		w.recorder.RelayBatch(ctx, w.name, relayDropped)
		return
	}

	if err := w.spool.Enqueue(payload); err != nil {
		w.logger.Error("spool batch failed", slog.Int("events", len(w.batch)), slog.String("error", err.Error()))
		w.recorder.RelayBatch(ctx, w.name, relayDropped)
		return
	}
	w.logger.Warn("relay unavailable, batch spooled",
		slog.Int("events", len(w.batch)),
		slog.Int("bytes", len(payload)),
	)
	w.recorder.RelayBatch(ctx, w.name, relaySpooled)
	w.recorder.Spooled(ctx, w.name, 1)
}

// sendWithFailover tries addresses in order.
// Returns: nil on the first success, the last error when all fail.
func (w *relayWorker) sendWithFailover(ctx context.Context, payload []byte) error {
	var lastErr error
	for _, address := range w.cfg.Addr {
		address = strings.TrimSpace(address)
		if address == "" {
			continue
		}

		sendCtx, cancel := context.WithTimeout(ctx, w.cfg.Timeout.Duration)
		err := w.sender.Send(sendCtx, address, payload, w.cfg.Timeout.Duration)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		w.logger.Warn("send attempt failed", slog.String("address", address), slog.String("error", err.Error()))
	}

	if lastErr == nil {
		return fmt.Errorf("no relay addresses configured")
	}
	return lastErr
}

// drainSpool resends spooled batches oldest first until one fails.
func (w *relayWorker) drainSpool(ctx context.Context) error {
	if w.spool == nil {
		return nil
	}

	for {
		record, err := w.spool.Peek()
		if err != nil {
			if errors.Is(err, errSpoolEmpty) {
				return nil
			}
			w.logger.Error("peek spool failed", slog.String("error", err.Error()))
			return err
		}

		if err := w.sendWithFailover(ctx, record.payload); err != nil {
			return err
		}
		if err := w.spool.Ack(record); err != nil {
			w.logger.Error("ack spool batch failed", slog.String("error", err.Error()))
			return err
		}
		w.recorder.Spooled(ctx, w.name, -1)
		w.logger.Info("spooled batch delivered", slog.Duration("age", time.Since(record.created)))
	}
}

func (w *relayWorker) close() {
	if w.spool != nil {
		if err := w.spool.Close(); err != nil {
			w.logger.Error("close spool failed", slog.String("error", err.Error()))
		}
	}
	if w.sender != nil {
		if err := w.sender.Close(); err != nil {
			w.logger.Error("close relay sender failed", slog.String("error", err.Error()))
		}
	}
}
