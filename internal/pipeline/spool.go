package pipeline

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const spoolExt = ".batch"

var (
	errSpoolEmpty = errors.New("spool is empty")
	errSpoolFull  = errors.New("spool limits reached; rejecting new batch")
)

type spoolRecord struct {
	name    string
	payload []byte
	created time.Time
}

// Spool keeps encoded relay batches on disk while the relay is unreachable.
// Each batch is one file named "<unixnano>-<uuid>.batch", so lexical order is arrival order
// and a crash loses at most the batch being written.
type Spool struct {
	mu sync.Mutex

	dir        string
	maxBatches uint64
	maxAge     time.Duration

	// names holds pending files, oldest first.
	names  []string
	last   int64
	closed bool
	now    func() time.Time
}

// OpenSpool creates dir when needed and restores pending batches from a previous run.
// Params: dir spool directory; maxBatches/maxAge limits, zero disables each.
// Returns: spool or error.
func OpenSpool(dir string, maxBatches uint64, maxAge time.Duration) (*Spool, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create spool dir %q: %w", dir, err)
	}

	spool := &Spool{
		dir:        dir,
		maxBatches: maxBatches,
		maxAge:     maxAge,
		now:        time.Now,
	}
	if err := spool.reindex(); err != nil {
		return nil, err
	}
	return spool, nil
}

// Enqueue writes one batch if limits allow.
// Params: payload encoded batch.
// Returns: nil, errSpoolFull, or IO error.
func (s *Spool) Enqueue(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("spool %q is closed", s.dir)
	}
	now := s.now()
	if err := s.rejectByLimits(now); err != nil {
		return err
	}

	// Stamps are strictly increasing so arrival order survives a coarse clock.
	stamp := max(now.UnixNano(), s.last+1)
	s.last = stamp
	name := fmt.Sprintf("%020d-%s%s", stamp, uuid.NewString(), spoolExt)
	tmp := filepath.Join(s.dir, name+".tmp")
	if err := os.WriteFile(tmp, payload, 0o644); err != nil {
		return fmt.Errorf("write spool batch: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(s.dir, name)); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("commit spool batch: %w", err)
	}

	s.names = append(s.names, name)
	return nil
}

// Peek reads the oldest pending batch without removing it.
// Returns: record or errSpoolEmpty.
func (s *Spool) Peek() (spoolRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for len(s.names) > 0 {
		name := s.names[0]
		payload, err := os.ReadFile(filepath.Join(s.dir, name))
		if errors.Is(err, os.ErrNotExist) {
			s.names = s.names[1:]
			continue
		}
		if err != nil {
			return spoolRecord{}, fmt.Errorf("read spool batch %s: %w", name, err)
		}
		return spoolRecord{name: name, payload: payload, created: createdAt(name)}, nil
	}
	return spoolRecord{}, errSpoolEmpty
}

// Ack removes a batch returned by Peek.
func (s *Spool) Ack(record spoolRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(filepath.Join(s.dir, record.name)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove spool batch %s: %w", record.name, err)
	}
	if idx := slices.Index(s.names, record.name); idx >= 0 {
		s.names = slices.Delete(s.names, idx, idx+1)
	}
	return nil
}

// Pending returns the number of spooled batches.
func (s *Spool) Pending() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return uint64(len(s.names))
}

// Close stops accepting batches. Files stay on disk for the next run.
func (s *Spool) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// reindex lists committed batch files and removes leftovers of interrupted writes.
func (s *Spool) reindex() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("read spool dir %q: %w", s.dir, err)
	}

	s.names = s.names[:0]
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		switch {
		case strings.HasSuffix(name, spoolExt+".tmp"):
			_ = os.Remove(filepath.Join(s.dir, name))
		case strings.HasSuffix(name, spoolExt):
			s.names = append(s.names, name)
		}
	}
	slices.Sort(s.names)
	if len(s.names) > 0 {
		if newest := createdAt(s.names[len(s.names)-1]); !newest.IsZero() {
			s.last = newest.UnixNano()
		}
	}
	return nil
}

// rejectByLimits checks count and oldest-batch age; caller holds the lock.
func (s *Spool) rejectByLimits(now time.Time) error {
	if s.maxBatches > 0 && uint64(len(s.names)) >= s.maxBatches {
		return errSpoolFull
	}
	if s.maxAge > 0 && len(s.names) > 0 {
		if now.Sub(createdAt(s.names[0])) >= s.maxAge {
			return errSpoolFull
		}
	}
	return nil
}

// createdAt recovers the enqueue time from a batch file name.
func createdAt(name string) time.Time {
	prefix, _, ok := strings.Cut(name, "-")
	if !ok {
		return time.Time{}
	}
	nanos, err := strconv.ParseInt(prefix, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(0, nanos)
}
