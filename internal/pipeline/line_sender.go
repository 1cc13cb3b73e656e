package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"backstop/internal/config"
	"backstop/internal/normalize"
)

const (
	// statsdDatagramSize keeps one UDP packet under a typical 1500 byte MTU.
	statsdDatagramSize = 1432
	dialAttempts       = 3
)

// LineSender encodes event batches into a text line protocol and writes them to one relay address.
type LineSender interface {
	Encode(events []normalize.MetricEvent) ([]byte, error)
	Send(ctx context.Context, address string, payload []byte, timeout time.Duration) error
	Close() error
}

// NewLineSender returns the sender for a relay protocol.
// Params: protocol graphite or statsd.
// Returns: sender or error for unknown protocol.
func NewLineSender(protocol string) (LineSender, error) {
	switch protocol {
	case "", config.ProtocolGraphite:
		return &GraphiteSender{conns: make(map[string]net.Conn)}, nil
	case config.ProtocolStatsD:
		return &StatsDSender{}, nil
	default:
		return nil, fmt.Errorf("unsupported relay protocol %q", protocol)
	}
}

// GraphiteSender writes plaintext carbon lines over cached TCP connections.
type GraphiteSender struct {
	mu    sync.Mutex
	conns map[string]net.Conn
	now   func() time.Time
}

// Encode renders "name value timestamp\n" per event; missing timestamps get the encode time.
// Params: events batch.
// Returns: payload bytes.
func (s *GraphiteSender) Encode(events []normalize.MetricEvent) ([]byte, error) {
	now := time.Now
	if s.now != nil {
		now = s.now
	}
	stamp := now().Unix()

	var buf bytes.Buffer
	for _, event := range events {
		ts := event.Timestamp
		if !event.HasTimestamp() {
			ts = stamp
		}
		buf.WriteString(event.Name)
		buf.WriteByte(' ')
		buf.WriteString(formatValue(event.Value))
		buf.WriteByte(' ')
		buf.WriteString(strconv.FormatInt(ts, 10))
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}

// Send writes payload to address, reconnecting once when a cached connection went stale.
// Params: ctx send context; address host:port; payload encoded lines; timeout write deadline.
// Returns: nil or transport error.
func (s *GraphiteSender) Send(ctx context.Context, address string, payload []byte, timeout time.Duration) error {
	if len(payload) == 0 {
		return nil
	}

	for attempt := 0; attempt < 2; attempt++ {
		conn, err := s.connForAddress(ctx, address, timeout)
		if err != nil {
			return err
		}
		if timeout > 0 {
			_ = conn.SetWriteDeadline(time.Now().Add(timeout))
		}
		if _, err = conn.Write(payload); err == nil {
			return nil
		}
		s.dropAddress(address)
		if attempt == 1 || ctx.Err() != nil {
			return fmt.Errorf("write to %s: %w", address, err)
		}
	}
	return nil
}

// Close closes every cached connection.
func (s *GraphiteSender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	for address, conn := range s.conns {
		if err := conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", address, err))
		}
		delete(s.conns, address)
	}
	return errors.Join(errs...)
}

// connForAddress returns the cached connection or dials a new one with exponential backoff.
func (s *GraphiteSender) connForAddress(ctx context.Context, address string, timeout time.Duration) (net.Conn, error) {
	s.mu.Lock()
	if conn, ok := s.conns[address]; ok {
		s.mu.Unlock()
		return conn, nil
	}
	s.mu.Unlock()

	conn, err := dialWithBackoff(ctx, "tcp", address, timeout)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if cached, ok := s.conns[address]; ok {
		_ = conn.Close()
		return cached, nil
	}
	s.conns[address] = conn
	return conn, nil
}

func (s *GraphiteSender) dropAddress(address string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conn, ok := s.conns[address]
	if !ok {
		return
	}
	delete(s.conns, address)
	_ = conn.Close()
}

// StatsDSender writes gauges as UDP datagrams. StatsD has no timestamps.
type StatsDSender struct{}

// Encode renders "name:value|g\n" per event.
func (StatsDSender) Encode(events []normalize.MetricEvent) ([]byte, error) {
	var buf bytes.Buffer
	for _, event := range events {
		buf.WriteString(event.Name)
		buf.WriteByte(':')
		buf.WriteString(formatValue(event.Value))
		buf.WriteString("|g\n")
	}
	return buf.Bytes(), nil
}

// Send splits payload on line boundaries into datagrams and writes them over one socket.
func (StatsDSender) Send(ctx context.Context, address string, payload []byte, timeout time.Duration) error {
	if len(payload) == 0 {
		return nil
	}

	conn, err := dialWithBackoff(ctx, "udp", address, timeout)
	if err != nil {
		return err
	}
	defer conn.Close()

	if timeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(timeout))
	}
	for _, datagram := range splitDatagrams(payload, statsdDatagramSize) {
		if _, err := conn.Write(datagram); err != nil {
			return fmt.Errorf("write to %s: %w", address, err)
		}
	}
	return nil
}

// Close is a no-op: statsd sockets live for one Send.
func (StatsDSender) Close() error {
	return nil
}

// splitDatagrams groups whole lines into chunks of at most size bytes.
// A single line longer than size becomes its own chunk.
func splitDatagrams(payload []byte, size int) [][]byte {
	var (
		out   [][]byte
		start int
		end   int
	)
	for end < len(payload) {
		next := bytes.IndexByte(payload[end:], '\n')
		lineEnd := len(payload)
		if next >= 0 {
			lineEnd = end + next + 1
		}
		if lineEnd-start > size && end > start {
			out = append(out, payload[start:end])
			start = end
		}
		end = lineEnd
	}
	if end > start {
		out = append(out, payload[start:end])
	}
	return out
}

// dialWithBackoff retries a dial a few times with exponential backoff, bounded by ctx.
func dialWithBackoff(ctx context.Context, network, address string, timeout time.Duration) (net.Conn, error) {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 100 * time.Millisecond
	policy.MaxInterval = time.Second

	dialer := &net.Dialer{Timeout: timeout}
	var lastErr error
	for attempt := 0; attempt < dialAttempts; attempt++ {
		conn, err := dialer.DialContext(ctx, network, address)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		if attempt == dialAttempts-1 {
			break
		}

		wait := policy.NextBackOff()
		if wait == backoff.Stop {
			break
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("dial %s %s: %w", network, address, ctx.Err())
		case <-timer.C:
		}
	}
	return nil, fmt.Errorf("dial %s %s: %w", network, address, lastErr)
}

func formatValue(value float64) string {
	return strconv.FormatFloat(value, 'f', -1, 64)
}
