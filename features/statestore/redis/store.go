// Package redis implements the runtime state store on Redis. Event history
// lives in per-trace lists, planner snapshots in plain keys with a TTL, and
// remote bindings in keys scoped by trace and remote system. All three
// runtime capabilities are provided: the base store, planner snapshots, and
// bulk event writes.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/penguiflow/penguiflow/runtime/statestore"
)

type (
	// Options configures the store.
	Options struct {
		// Client is the Redis connection. Required.
		Client goredis.UniversalClient
		// KeyPrefix namespaces every key. Defaults to "penguiflow".
		KeyPrefix string
		// EventTTL bounds how long a trace's event list is retained. Zero
		// keeps history until deleted externally.
		EventTTL time.Duration
		// StateTTL bounds planner snapshots. Zero means no expiry; the pause
		// controller's own TTL still applies.
		StateTTL time.Duration
	}

	// Store is a Redis-backed statestore.Store with the planner-state and
	// bulk capabilities.
	Store struct {
		cmds     commands
		prefix   string
		eventTTL time.Duration
		stateTTL time.Duration
	}

	// commands is the slice of the Redis API the store uses. Tests
	// substitute a fake; production wraps the go-redis client.
	commands interface {
		RPush(ctx context.Context, key string, values ...any) error
		LRange(ctx context.Context, key string) ([]string, error)
		Set(ctx context.Context, key string, value string, ttl time.Duration) error
		Get(ctx context.Context, key string) (string, bool, error)
		Del(ctx context.Context, key string) error
		Expire(ctx context.Context, key string, ttl time.Duration) error
		Ping(ctx context.Context) error
	}

	goredisCommands struct {
		rdb goredis.UniversalClient
	}
)

const defaultKeyPrefix = "penguiflow"

var (
	_ statestore.Store             = (*Store)(nil)
	_ statestore.PlannerStateStore = (*Store)(nil)
	_ statestore.BulkEventStore    = (*Store)(nil)
)

// New builds a Store over the provided Redis client.
func New(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("redis client is required")
	}
	prefix := opts.KeyPrefix
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &Store{
		cmds:     goredisCommands{rdb: opts.Client},
		prefix:   prefix,
		eventTTL: opts.EventTTL,
		stateTTL: opts.StateTTL,
	}, nil
}

// Name identifies the store for health reporting.
func (s *Store) Name() string { return "statestore-redis" }

// Ping reports connectivity.
func (s *Store) Ping(ctx context.Context) error { return s.cmds.Ping(ctx) }

// SaveEvent appends one event record to the trace's history list.
func (s *Store) SaveEvent(ctx context.Context, rec statestore.EventRecord) error {
	return s.SaveEvents(ctx, []statestore.EventRecord{rec})
}

// SaveEvents appends a batch in one round trip.
func (s *Store) SaveEvents(ctx context.Context, recs []statestore.EventRecord) error {
	if len(recs) == 0 {
		return nil
	}
	traceID := recs[0].TraceID
	values := make([]any, 0, len(recs))
	for _, rec := range recs {
		if rec.TraceID != traceID {
			return errors.New("redis statestore: batch spans traces")
		}
		raw, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("encode event %s: %w", rec.EventID, err)
		}
		values = append(values, string(raw))
	}
	key := s.eventsKey(traceID)
	if err := s.cmds.RPush(ctx, key, values...); err != nil {
		return err
	}
	if s.eventTTL > 0 {
		return s.cmds.Expire(ctx, key, s.eventTTL)
	}
	return nil
}

// LoadHistory returns the trace's events ordered by seq.
func (s *Store) LoadHistory(ctx context.Context, traceID string) ([]statestore.EventRecord, error) {
	raws, err := s.cmds.LRange(ctx, s.eventsKey(traceID))
	if err != nil {
		return nil, err
	}
	recs := make([]statestore.EventRecord, 0, len(raws))
	for _, raw := range raws {
		var rec statestore.EventRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("decode event record: %w", err)
		}
		recs = append(recs, rec)
	}
	sort.SliceStable(recs, func(i, j int) bool { return recs[i].Seq < recs[j].Seq })
	return recs, nil
}

// SaveRemoteBinding stores the trace-to-remote association. Last write wins.
func (s *Store) SaveRemoteBinding(ctx context.Context, b statestore.RemoteBinding) error {
	raw, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("encode binding: %w", err)
	}
	return s.cmds.Set(ctx, s.bindingKey(b.TraceID, b.Remote), string(raw), 0)
}

// LoadRemoteBinding returns the binding for a trace and remote system.
func (s *Store) LoadRemoteBinding(ctx context.Context, traceID, remote string) (statestore.RemoteBinding, error) {
	raw, ok, err := s.cmds.Get(ctx, s.bindingKey(traceID, remote))
	if err != nil {
		return statestore.RemoteBinding{}, err
	}
	if !ok {
		return statestore.RemoteBinding{}, statestore.ErrStateMissing
	}
	var b statestore.RemoteBinding
	if err := json.Unmarshal([]byte(raw), &b); err != nil {
		return statestore.RemoteBinding{}, fmt.Errorf("decode binding: %w", err)
	}
	return b, nil
}

// SavePlannerState stores a pause snapshot under its resume token.
func (s *Store) SavePlannerState(ctx context.Context, token string, payload []byte) error {
	if token == "" {
		return errors.New("resume token is required")
	}
	return s.cmds.Set(ctx, s.stateKey(token), string(payload), s.stateTTL)
}

// LoadPlannerState returns a snapshot. Missing and expired tokens are
// indistinguishable.
func (s *Store) LoadPlannerState(ctx context.Context, token string) ([]byte, error) {
	raw, ok, err := s.cmds.Get(ctx, s.stateKey(token))
	if err != nil {
		return nil, err
	}
	if !ok || raw == "" {
		return nil, statestore.ErrStateMissing
	}
	return []byte(raw), nil
}

// DeletePlannerState removes a consumed snapshot. Unknown tokens are not an
// error.
func (s *Store) DeletePlannerState(ctx context.Context, token string) error {
	return s.cmds.Del(ctx, s.stateKey(token))
}

func (s *Store) eventsKey(traceID string) string {
	return fmt.Sprintf("%s:events:%s", s.prefix, traceID)
}

func (s *Store) stateKey(token string) string {
	return fmt.Sprintf("%s:pstate:%s", s.prefix, token)
}

func (s *Store) bindingKey(traceID, remote string) string {
	return fmt.Sprintf("%s:binding:%s:%s", s.prefix, traceID, remote)
}

func (g goredisCommands) RPush(ctx context.Context, key string, values ...any) error {
	return g.rdb.RPush(ctx, key, values...).Err()
}

func (g goredisCommands) LRange(ctx context.Context, key string) ([]string, error) {
	return g.rdb.LRange(ctx, key, 0, -1).Result()
}

func (g goredisCommands) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return g.rdb.Set(ctx, key, value, ttl).Err()
}

func (g goredisCommands) Get(ctx context.Context, key string) (string, bool, error) {
	raw, err := g.rdb.Get(ctx, key).Result()
	if errors.Is(err, goredis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return raw, true, nil
}

func (g goredisCommands) Del(ctx context.Context, key string) error {
	return g.rdb.Del(ctx, key).Err()
}

func (g goredisCommands) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return g.rdb.Expire(ctx, key, ttl).Err()
}

func (g goredisCommands) Ping(ctx context.Context) error {
	return g.rdb.Ping(ctx).Err()
}
