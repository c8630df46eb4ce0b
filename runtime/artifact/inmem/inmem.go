// Package inmem provides the in-memory artifact store used by default. It
// implements content-addressed dedup, per-ref TTL, and byte/count caps with
// lru, fifo, or none cleanup strategies.
package inmem

import (
	"container/list"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/penguiflow/penguiflow/runtime/artifact"
)

type (
	// Strategy selects the eviction policy applied under cap pressure.
	Strategy string

	// Options configures the store bounds.
	Options struct {
		// MaxArtifactBytes rejects individual payloads above this size.
		// Zero means 32 MiB.
		MaxArtifactBytes int
		// MaxTotalBytes caps the summed payload size. Zero means unbounded.
		MaxTotalBytes int64
		// MaxCount caps the number of stored artifacts. Zero means unbounded.
		MaxCount int
		// TTL is the default per-ref time to live. Zero disables expiry.
		TTL time.Duration
		// Cleanup selects the eviction strategy. Defaults to StrategyLRU.
		Cleanup Strategy
		// Notify, when non-nil, is invoked for every new write (never for
		// dedup hits, never for evictions). The runtime uses it to emit
		// artifact_stored events.
		Notify func(artifact.Ref)
		// Clock overrides time.Now for tests.
		Clock func() time.Time
	}

	// Store is the in-memory artifact store.
	Store struct {
		mu    sync.Mutex
		items map[string]*item
		// order tracks eviction order: front is most recently used (lru) or
		// most recently inserted (fifo); eviction removes from the back.
		order      *list.List
		opts       Options
		totalBytes int64
	}

	item struct {
		ref       artifact.Ref
		data      []byte
		expiresAt time.Time
		elem      *list.Element
	}
)

const (
	// StrategyLRU evicts the least recently read artifact first.
	StrategyLRU Strategy = "lru"
	// StrategyFIFO evicts the oldest artifact first regardless of reads.
	StrategyFIFO Strategy = "fifo"
	// StrategyNone never evicts; puts under pressure fail with ErrQuotaExceeded.
	StrategyNone Strategy = "none"
)

const defaultMaxArtifactBytes = 32 << 20

// New constructs an in-memory store with the given bounds.
func New(opts Options) *Store {
	if opts.MaxArtifactBytes <= 0 {
		opts.MaxArtifactBytes = defaultMaxArtifactBytes
	}
	if opts.Cleanup == "" {
		opts.Cleanup = StrategyLRU
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Store{
		items: make(map[string]*item),
		order: list.New(),
		opts:  opts,
	}
}

// PutBytes implements artifact.Store.
func (s *Store) PutBytes(_ context.Context, data []byte, opts artifact.PutOptions) (artifact.Ref, error) {
	if len(data) > s.opts.MaxArtifactBytes {
		return artifact.Ref{}, fmt.Errorf("%w: %d bytes exceeds limit %d", artifact.ErrTooLarge, len(data), s.opts.MaxArtifactBytes)
	}
	ns := opts.Namespace
	if ns == "" {
		ns = "artifact"
	}
	mime := opts.MimeType
	if mime == "" {
		mime = "application/octet-stream"
	}
	sum := sha256.Sum256(data)
	digest := hex.EncodeToString(sum[:])
	id := ns + "_" + digest[:12]

	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.opts.Clock()
	s.expireLocked(now)

	if existing, ok := s.items[id]; ok {
		// Content-addressed dedup: identical bytes, same namespace. The
		// original ref wins; no bytes are rewritten and no notification fires.
		return existing.ref, nil
	}

	if err := s.makeRoomLocked(int64(len(data))); err != nil {
		return artifact.Ref{}, err
	}

	ref := artifact.Ref{
		ID:         id,
		MimeType:   mime,
		SizeBytes:  len(data),
		SHA256:     digest,
		Filename:   opts.Filename,
		Scope:      opts.Scope,
		SourceMeta: opts.Meta,
	}
	it := &item{ref: ref, data: append([]byte(nil), data...)}
	ttl := opts.TTL
	if ttl == 0 {
		ttl = s.opts.TTL
	}
	if ttl > 0 {
		it.expiresAt = now.Add(ttl)
	}
	it.elem = s.order.PushFront(id)
	s.items[id] = it
	s.totalBytes += int64(len(data))

	if s.opts.Notify != nil {
		s.opts.Notify(ref)
	}
	return ref, nil
}

// PutText implements artifact.Store.
func (s *Store) PutText(ctx context.Context, text string, opts artifact.PutOptions) (artifact.Ref, error) {
	if opts.MimeType == "" {
		opts.MimeType = "text/plain"
	}
	return s.PutBytes(ctx, []byte(text), opts)
}

// Get implements artifact.Store. Reads touch recency order under the lru
// strategy.
func (s *Store) Get(_ context.Context, id string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.liveLocked(id)
	if !ok {
		return nil, artifact.ErrNotFound
	}
	if s.opts.Cleanup == StrategyLRU {
		s.order.MoveToFront(it.elem)
	}
	return append([]byte(nil), it.data...), nil
}

// GetRef implements artifact.Store.
func (s *Store) GetRef(_ context.Context, id string) (artifact.Ref, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.liveLocked(id)
	if !ok {
		return artifact.Ref{}, artifact.ErrNotFound
	}
	return it.ref, nil
}

// Exists implements artifact.Store.
func (s *Store) Exists(_ context.Context, id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.liveLocked(id)
	return ok
}

// Delete implements artifact.Store.
func (s *Store) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if it, ok := s.items[id]; ok {
		s.removeLocked(id, it)
	}
	return nil
}

// Len returns the number of live artifacts.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireLocked(s.opts.Clock())
	return len(s.items)
}

// TotalBytes returns the summed live payload size.
func (s *Store) TotalBytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireLocked(s.opts.Clock())
	return s.totalBytes
}

// liveLocked returns the item when present and unexpired; expired items are
// reaped on access so expiry is indistinguishable from absence.
func (s *Store) liveLocked(id string) (*item, bool) {
	it, ok := s.items[id]
	if !ok {
		return nil, false
	}
	if !it.expiresAt.IsZero() && !s.opts.Clock().Before(it.expiresAt) {
		s.removeLocked(id, it)
		return nil, false
	}
	return it, true
}

// makeRoomLocked evicts until the new payload fits under both caps, or fails
// with ErrQuotaExceeded when the strategy is none.
func (s *Store) makeRoomLocked(incoming int64) error {
	overCap := func() bool {
		if s.opts.MaxCount > 0 && len(s.items)+1 > s.opts.MaxCount {
			return true
		}
		if s.opts.MaxTotalBytes > 0 && s.totalBytes+incoming > s.opts.MaxTotalBytes {
			return true
		}
		return false
	}
	for overCap() {
		if s.opts.Cleanup == StrategyNone {
			return artifact.ErrQuotaExceeded
		}
		back := s.order.Back()
		if back == nil {
			return artifact.ErrQuotaExceeded
		}
		id := back.Value.(string)
		s.removeLocked(id, s.items[id])
	}
	return nil
}

func (s *Store) expireLocked(now time.Time) {
	for id, it := range s.items {
		if !it.expiresAt.IsZero() && !now.Before(it.expiresAt) {
			s.removeLocked(id, it)
		}
	}
}

func (s *Store) removeLocked(id string, it *item) {
	s.order.Remove(it.elem)
	s.totalBytes -= int64(len(it.data))
	delete(s.items, id)
}

var _ artifact.Store = (*Store)(nil)
