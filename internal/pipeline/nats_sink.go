package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/nats-io/nats.go"

	"backstop/internal/config"
	"backstop/internal/normalize"
	"backstop/internal/telemetry"
)

const sourceHeader = "Backstop-Source"

type natsPublisher interface {
	PublishMsg(msg *nats.Msg) error
}

// NATSSink publishes every event as one Graphite plaintext line on a subject.
// Core NATS is fire-and-forget: while disconnected the client buffers and later reports errors.
type NATSSink struct {
	conn     *nats.Conn
	pub      natsPublisher
	subject  string
	logger   *slog.Logger
	recorder *telemetry.Recorder
	now      func() time.Time
}

// NewNATSSink connects with reconnect handling and returns the sink.
// Params: cfg nats section; logger; recorder may be nil.
// Returns: sink or connect error.
func NewNATSSink(cfg config.NATSConfig, logger *slog.Logger, recorder *telemetry.Recorder) (*NATSSink, error) {
	sink := &NATSSink{
		subject:  cfg.Subject,
		logger:   logger.With(slog.String("subject", cfg.Subject)),
		recorder: recorder,
		now:      time.Now,
	}

	conn, err := nats.Connect(cfg.URL,
		nats.Name("backstop"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait.Duration),
		nats.DisconnectErrHandler(sink.onDisconnect),
		nats.ReconnectHandler(sink.onReconnect),
		nats.ErrorHandler(sink.onError),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %q: %w", cfg.URL, err)
	}
	sink.conn = conn
	sink.pub = conn
	return sink, nil
}

// Emit publishes "name value timestamp" with the event source as a header.
func (s *NATSSink) Emit(ctx context.Context, event normalize.MetricEvent) error {
	msg := nats.NewMsg(s.subject)
	msg.Header.Set(sourceHeader, event.Source)
	msg.Data = s.line(event)

	if err := s.pub.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish %s: %w", s.subject, err)
	}
	s.recorder.Published(ctx, s.subject)
	return nil
}

func (s *NATSSink) line(event normalize.MetricEvent) []byte {
	ts := event.Timestamp
	if !event.HasTimestamp() {
		ts = s.now().Unix()
	}
	out := make([]byte, 0, len(event.Name)+32)
	out = append(out, event.Name...)
	out = append(out, ' ')
	out = strconv.AppendFloat(out, event.Value, 'f', -1, 64)
	out = append(out, ' ')
	out = strconv.AppendInt(out, ts, 10)
	return out
}

// Close flushes buffered messages and closes the connection.
func (s *NATSSink) Close() error {
	if s.conn == nil {
		return nil
	}
	if err := s.conn.FlushTimeout(2 * time.Second); err != nil {
		s.logger.Warn("nats flush on close failed", slog.String("error", err.Error()))
	}
	s.conn.Close()
	return nil
}

func (s *NATSSink) onDisconnect(_ *nats.Conn, err error) {
	if err != nil {
		s.logger.Warn("nats disconnected", slog.String("error", err.Error()))
		return
	}
	s.logger.Info("nats disconnected")
}

func (s *NATSSink) onReconnect(conn *nats.Conn) {
	s.logger.Info("nats reconnected", slog.String("url", conn.ConnectedUrlRedacted()))
}

func (s *NATSSink) onError(_ *nats.Conn, sub *nats.Subscription, err error) {
	attrs := []any{slog.String("error", err.Error())}
	if sub != nil {
		attrs = append(attrs, slog.String("subscription", sub.Subject))
	}
	s.logger.Error("nats async error", attrs...)
}
