// Package mongo implements the runtime state store on MongoDB. Events land
// in one collection indexed by (trace_id, seq), planner snapshots and remote
// bindings in their own collections with upsert semantics. The store
// provides all three runtime capabilities: the base store, planner
// snapshots, and bulk event writes.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"github.com/penguiflow/penguiflow/runtime/statestore"
)

type (
	// Options configures the store.
	Options struct {
		// Client is the connected Mongo client. Required.
		Client *mongodriver.Client
		// Database is the database name. Required.
		Database string
		// EventsCollection defaults to "trace_events".
		EventsCollection string
		// StateCollection defaults to "planner_state".
		StateCollection string
		// BindingsCollection defaults to "remote_bindings".
		BindingsCollection string
		// Timeout bounds each operation. Defaults to 5s.
		Timeout time.Duration
	}

	// Store is a Mongo-backed statestore.Store with the planner-state and
	// bulk capabilities.
	Store struct {
		mongo    *mongodriver.Client
		events   collection
		state    collection
		bindings collection
		timeout  time.Duration
	}

	eventDocument struct {
		EventID string    `bson:"event_id"`
		Seq     uint64    `bson:"seq"`
		TS      time.Time `bson:"ts"`
		TraceID string    `bson:"trace_id"`
		Kind    string    `bson:"kind"`
		Node    string    `bson:"node,omitempty"`
		Payload bson.M    `bson:"payload,omitempty"`
	}

	stateDocument struct {
		Token     string    `bson:"token"`
		Payload   []byte    `bson:"payload"`
		UpdatedAt time.Time `bson:"updated_at"`
	}

	bindingDocument struct {
		TraceID  string    `bson:"trace_id"`
		Remote   string    `bson:"remote"`
		RemoteID string    `bson:"remote_id"`
		Meta     bson.M    `bson:"meta,omitempty"`
		SavedAt  time.Time `bson:"saved_at"`
	}
)

const (
	defaultEventsCollection   = "trace_events"
	defaultStateCollection    = "planner_state"
	defaultBindingsCollection = "remote_bindings"
	defaultOpTimeout          = 5 * time.Second
)

var (
	_ statestore.Store             = (*Store)(nil)
	_ statestore.PlannerStateStore = (*Store)(nil)
	_ statestore.BulkEventStore    = (*Store)(nil)
)

// New returns a Store backed by MongoDB. Indexes are created up front so the
// first trace does not pay for them.
func New(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	eventsColl := opts.EventsCollection
	if eventsColl == "" {
		eventsColl = defaultEventsCollection
	}
	stateColl := opts.StateCollection
	if stateColl == "" {
		stateColl = defaultStateCollection
	}
	bindingsColl := opts.BindingsCollection
	if bindingsColl == "" {
		bindingsColl = defaultBindingsCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}

	db := opts.Client.Database(opts.Database)
	s := &Store{
		mongo:    opts.Client,
		events:   mongoCollection{coll: db.Collection(eventsColl)},
		state:    mongoCollection{coll: db.Collection(stateColl)},
		bindings: mongoCollection{coll: db.Collection(bindingsColl)},
		timeout:  timeout,
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := s.ensureIndexes(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Name identifies the store for health reporting.
func (s *Store) Name() string { return "statestore-mongo" }

// Ping reports connectivity to the primary.
func (s *Store) Ping(ctx context.Context) error {
	return s.mongo.Ping(ctx, readpref.Primary())
}

// SaveEvent persists one event record.
func (s *Store) SaveEvent(ctx context.Context, rec statestore.EventRecord) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.events.InsertOne(ctx, eventDoc(rec))
}

// SaveEvents persists a batch in one write.
func (s *Store) SaveEvents(ctx context.Context, recs []statestore.EventRecord) error {
	if len(recs) == 0 {
		return nil
	}
	docs := make([]any, len(recs))
	for i, rec := range recs {
		docs[i] = eventDoc(rec)
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.events.InsertMany(ctx, docs)
}

// LoadHistory returns the trace's events ordered by seq.
func (s *Store) LoadHistory(ctx context.Context, traceID string) ([]statestore.EventRecord, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	cur, err := s.events.Find(ctx, bson.M{"trace_id": traceID}, bson.D{{Key: "seq", Value: 1}})
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var recs []statestore.EventRecord
	for cur.Next(ctx) {
		var doc eventDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		recs = append(recs, statestore.EventRecord{
			EventID: doc.EventID,
			Seq:     doc.Seq,
			TS:      doc.TS,
			TraceID: doc.TraceID,
			Kind:    doc.Kind,
			Node:    doc.Node,
			Payload: map[string]any(doc.Payload),
		})
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	return recs, nil
}

// SaveRemoteBinding upserts the association keyed by (trace_id, remote).
// Last write wins.
func (s *Store) SaveRemoteBinding(ctx context.Context, b statestore.RemoteBinding) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.bindings.UpsertOne(ctx,
		bson.M{"trace_id": b.TraceID, "remote": b.Remote},
		bson.M{"$set": bindingDocument{
			TraceID:  b.TraceID,
			Remote:   b.Remote,
			RemoteID: b.RemoteID,
			Meta:     bson.M(b.Meta),
			SavedAt:  time.Now().UTC(),
		}},
	)
}

// LoadRemoteBinding returns the binding for a trace and remote system.
func (s *Store) LoadRemoteBinding(ctx context.Context, traceID, remote string) (statestore.RemoteBinding, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var doc bindingDocument
	err := s.bindings.FindOne(ctx, bson.M{"trace_id": traceID, "remote": remote}, &doc)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return statestore.RemoteBinding{}, statestore.ErrStateMissing
	}
	if err != nil {
		return statestore.RemoteBinding{}, err
	}
	return statestore.RemoteBinding{
		TraceID:  doc.TraceID,
		Remote:   doc.Remote,
		RemoteID: doc.RemoteID,
		Meta:     map[string]any(doc.Meta),
	}, nil
}

// SavePlannerState upserts a pause snapshot under its resume token. Per-token
// writes are last-write-wins.
func (s *Store) SavePlannerState(ctx context.Context, token string, payload []byte) error {
	if token == "" {
		return errors.New("resume token is required")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.state.UpsertOne(ctx,
		bson.M{"token": token},
		bson.M{"$set": stateDocument{
			Token:     token,
			Payload:   append([]byte(nil), payload...),
			UpdatedAt: time.Now().UTC(),
		}},
	)
}

// LoadPlannerState returns a snapshot. Missing and expired tokens read the
// same.
func (s *Store) LoadPlannerState(ctx context.Context, token string) ([]byte, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var doc stateDocument
	err := s.state.FindOne(ctx, bson.M{"token": token}, &doc)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return nil, statestore.ErrStateMissing
	}
	if err != nil {
		return nil, err
	}
	if len(doc.Payload) == 0 {
		return nil, statestore.ErrStateMissing
	}
	return doc.Payload, nil
}

// DeletePlannerState removes a consumed snapshot. Unknown tokens are not an
// error.
func (s *Store) DeletePlannerState(ctx context.Context, token string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.state.DeleteOne(ctx, bson.M{"token": token})
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	if err := s.events.EnsureIndex(ctx, bson.D{
		{Key: "trace_id", Value: 1},
		{Key: "seq", Value: 1},
	}, false); err != nil {
		return fmt.Errorf("events index: %w", err)
	}
	if err := s.state.EnsureIndex(ctx, bson.D{{Key: "token", Value: 1}}, true); err != nil {
		return fmt.Errorf("state index: %w", err)
	}
	if err := s.bindings.EnsureIndex(ctx, bson.D{
		{Key: "trace_id", Value: 1},
		{Key: "remote", Value: 1},
	}, true); err != nil {
		return fmt.Errorf("bindings index: %w", err)
	}
	return nil
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

func eventDoc(rec statestore.EventRecord) eventDocument {
	return eventDocument{
		EventID: rec.EventID,
		Seq:     rec.Seq,
		TS:      rec.TS.UTC(),
		TraceID: rec.TraceID,
		Kind:    rec.Kind,
		Node:    rec.Node,
		Payload: bson.M(rec.Payload),
	}
}

// collection is the slice of the driver API the store uses. Tests substitute
// a fake; production wraps *mongodriver.Collection.
type collection interface {
	InsertOne(ctx context.Context, doc any) error
	InsertMany(ctx context.Context, docs []any) error
	Find(ctx context.Context, filter any, sort bson.D) (cursor, error)
	FindOne(ctx context.Context, filter any, out any) error
	UpsertOne(ctx context.Context, filter, update any) error
	DeleteOne(ctx context.Context, filter any) error
	EnsureIndex(ctx context.Context, keys bson.D, unique bool) error
}

type cursor interface {
	Next(ctx context.Context) bool
	Decode(val any) error
	Err() error
	Close(ctx context.Context) error
}

type mongoCollection struct {
	coll *mongodriver.Collection
}

func (c mongoCollection) InsertOne(ctx context.Context, doc any) error {
	_, err := c.coll.InsertOne(ctx, doc)
	return err
}

func (c mongoCollection) InsertMany(ctx context.Context, docs []any) error {
	_, err := c.coll.InsertMany(ctx, docs)
	return err
}

func (c mongoCollection) Find(ctx context.Context, filter any, sort bson.D) (cursor, error) {
	return c.coll.Find(ctx, filter, options.Find().SetSort(sort))
}

func (c mongoCollection) FindOne(ctx context.Context, filter any, out any) error {
	return c.coll.FindOne(ctx, filter).Decode(out)
}

func (c mongoCollection) UpsertOne(ctx context.Context, filter, update any) error {
	_, err := c.coll.UpdateOne(ctx, filter, update, options.UpdateOne().SetUpsert(true))
	return err
}

func (c mongoCollection) DeleteOne(ctx context.Context, filter any) error {
	_, err := c.coll.DeleteOne(ctx, filter)
	return err
}

func (c mongoCollection) EnsureIndex(ctx context.Context, keys bson.D, unique bool) error {
	model := mongodriver.IndexModel{Keys: keys}
	if unique {
		model.Options = options.Index().SetUnique(true)
	}
	_, err := c.coll.Indexes().CreateOne(ctx, model)
	return err
}
