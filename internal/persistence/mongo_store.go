package persistence

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/petrijr/signalflow/pkg/api"
)

// MongoStore is an InstanceStore and EventStore backed by MongoDB.
// Executions live in one collection, history events in "<coll>_events"
// and event ID sequences in "<coll>_counters".
type MongoStore struct {
	coll     *mongo.Collection
	events   *mongo.Collection
	counters *mongo.Collection
}

var (
	_ InstanceStore = (*MongoStore)(nil)
	_ EventStore    = (*MongoStore)(nil)
)

// NewMongoStore creates a Mongo-backed store.
// dbName defaults to "signalflow" if empty, collName defaults to "executions".
func NewMongoStore(client *mongo.Client, dbName, collName string) *MongoStore {
	if dbName == "" {
		dbName = "signalflow"
	}
	if collName == "" {
		collName = "executions"
	}

	db := client.Database(dbName)
	return &MongoStore{
		coll:     db.Collection(collName),
		events:   db.Collection(collName + "_events"),
		counters: db.Collection(collName + "_counters"),
	}
}

type mongoExecutionDoc struct {
	ID              string `bson:"_id"`
	RunID           string `bson:"run_id"`
	WorkflowType    string `bson:"workflow_type"`
	TaskQueue       string `bson:"task_queue"`
	Status          string `bson:"status"`
	Phase           string `bson:"phase"`
	Input           []byte `bson:"input,omitempty"`
	Output          []byte `bson:"output,omitempty"`
	Failure         []byte `bson:"failure,omitempty"`
	PendingSignal   string `bson:"pending_signal"`
	CancelRequested bool   `bson:"cancel_requested"`
	StartedAt       int64  `bson:"started_at"`
	ClosedAt        int64  `bson:"closed_at"`
	LeaseOwner      string `bson:"lease_owner"`
	LeaseExpiresAt  int64  `bson:"lease_expires_at"`
}

type mongoEventDoc struct {
	ID          int64  `bson:"_id"`
	WorkflowID  string `bson:"workflow_id"`
	RunID       string `bson:"run_id"`
	At          int64  `bson:"at"`
	Type        string `bson:"type"`
	ScheduledID int64  `bson:"scheduled_id"`
	Name        string `bson:"name"`
	Payload     []byte `bson:"payload,omitempty"`
	Failure     []byte `bson:"failure,omitempty"`
	Attempt     int    `bson:"attempt"`
	Timeout     int64  `bson:"timeout_ns"`
	Detail      string `bson:"detail,omitempty"`
}

func (s *MongoStore) SaveInstance(ctx context.Context, exec *api.WorkflowExecution) error {
	enc, err := encodeExecution(exec)
	if err != nil {
		return err
	}

	doc := mongoExecutionDoc{
		ID:              exec.ID,
		RunID:           exec.RunID,
		WorkflowType:    exec.WorkflowType,
		TaskQueue:       exec.TaskQueue,
		Status:          string(exec.Status),
		Phase:           exec.Phase,
		Input:           enc.Input,
		Output:          enc.Output,
		Failure:         enc.Failure,
		PendingSignal:   exec.PendingSignal,
		CancelRequested: exec.CancelRequested,
		StartedAt:       unixNano(exec.StartedAt),
		ClosedAt:        unixNano(exec.ClosedAt),
	}

	_, err = s.coll.InsertOne(ctx, doc)
	if mongo.IsDuplicateKeyError(err) {
		return ErrInstanceExists
	}
	return err
}

func (s *MongoStore) UpdateInstance(ctx context.Context, exec *api.WorkflowExecution) error {
	enc, err := encodeExecution(exec)
	if err != nil {
		return err
	}

	// Lease fields are left alone.
	update := bson.M{
		"$set": bson.M{
			"run_id":           exec.RunID,
			"workflow_type":    exec.WorkflowType,
			"task_queue":       exec.TaskQueue,
			"status":           string(exec.Status),
			"phase":            exec.Phase,
			"input":            enc.Input,
			"output":           enc.Output,
			"failure":          enc.Failure,
			"pending_signal":   exec.PendingSignal,
			"cancel_requested": exec.CancelRequested,
			"started_at":       unixNano(exec.StartedAt),
			"closed_at":        unixNano(exec.ClosedAt),
		},
	}

	res, err := s.coll.UpdateByID(ctx, exec.ID, update)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrInstanceNotFound
	}
	return nil
}

func (s *MongoStore) GetInstance(ctx context.Context, id string) (*api.WorkflowExecution, error) {
	var doc mongoExecutionDoc
	err := s.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrInstanceNotFound
		}
		return nil, err
	}
	return doc.toExecution()
}

func (s *MongoStore) ListInstances(ctx context.Context, filter InstanceFilter) ([]*api.WorkflowExecution, error) {
	bfilter := bson.M{}
	if filter.WorkflowType != "" {
		bfilter["workflow_type"] = filter.WorkflowType
	}
	if filter.Status != "" {
		bfilter["status"] = string(filter.Status)
	}
	if filter.TaskQueue != "" {
		bfilter["task_queue"] = filter.TaskQueue
	}

	opts := options.Find().SetSort(bson.D{{Key: "started_at", Value: 1}, {Key: "_id", Value: 1}})
	cur, err := s.coll.Find(ctx, bfilter, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var results []*api.WorkflowExecution
	for cur.Next(ctx) {
		var doc mongoExecutionDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		exec, err := doc.toExecution()
		if err != nil {
			return nil, err
		}
		results = append(results, exec)
	}

	if err := cur.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

func (s *MongoStore) TryAcquireLease(ctx context.Context, id, owner string, ttl time.Duration) (bool, error) {
	if err := validateTTL(ttl); err != nil {
		return false, err
	}
	now := time.Now()

	filter := bson.M{
		"_id": id,
		"$or": bson.A{
			bson.M{"lease_owner": ""},
			bson.M{"lease_owner": bson.M{"$exists": false}},
			bson.M{"lease_expires_at": bson.M{"$lte": now.UnixNano()}},
			bson.M{"lease_owner": owner},
		},
	}
	update := bson.M{"$set": bson.M{
		"lease_owner":      owner,
		"lease_expires_at": now.Add(ttl).UnixNano(),
	}}

	res, err := s.coll.UpdateOne(ctx, filter, update)
	if err != nil {
		return false, err
	}
	if res.MatchedCount == 0 {
		if _, err := s.GetInstance(ctx, id); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

func (s *MongoStore) RenewLease(ctx context.Context, id, owner string, ttl time.Duration) error {
	if err := validateTTL(ttl); err != nil {
		return err
	}
	res, err := s.coll.UpdateOne(ctx,
		bson.M{"_id": id, "lease_owner": owner},
		bson.M{"$set": bson.M{"lease_expires_at": time.Now().Add(ttl).UnixNano()}},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return api.ErrLeaseNotHeld
	}
	return nil
}

func (s *MongoStore) ReleaseLease(ctx context.Context, id, owner string) error {
	_, err := s.coll.UpdateOne(ctx,
		bson.M{"_id": id, "lease_owner": owner},
		bson.M{"$set": bson.M{"lease_owner": "", "lease_expires_at": int64(0)}},
	)
	return err
}

func (s *MongoStore) AppendEvent(ctx context.Context, ev api.HistoryEvent) (int64, error) {
	id, err := s.nextEventID(ctx)
	if err != nil {
		return 0, err
	}
	enc, err := encodeEvent(ev)
	if err != nil {
		return 0, err
	}
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}

	doc := mongoEventDoc{
		ID:          id,
		WorkflowID:  ev.WorkflowID,
		RunID:       ev.RunID,
		At:          at.UnixNano(),
		Type:        string(ev.Type),
		ScheduledID: ev.ScheduledID,
		Name:        ev.Name,
		Payload:     enc.Payload,
		Failure:     enc.Failure,
		Attempt:     ev.Attempt,
		Timeout:     int64(ev.Timeout),
		Detail:      ev.Detail,
	}
	if _, err := s.events.InsertOne(ctx, doc); err != nil {
		return 0, err
	}
	return id, nil
}

func (s *MongoStore) nextEventID(ctx context.Context) (int64, error) {
	var counter struct {
		Seq int64 `bson:"seq"`
	}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)
	err := s.counters.FindOneAndUpdate(ctx,
		bson.M{"_id": "events"},
		bson.M{"$inc": bson.M{"seq": int64(1)}},
		opts,
	).Decode(&counter)
	if err != nil {
		return 0, err
	}
	return counter.Seq, nil
}

func (s *MongoStore) ListEvents(ctx context.Context, runID string) ([]api.HistoryEvent, error) {
	opts := options.Find().SetSort(bson.D{{Key: "_id", Value: 1}})
	cur, err := s.events.Find(ctx, bson.M{"run_id": runID}, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []api.HistoryEvent
	for cur.Next(ctx) {
		var doc mongoEventDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		ev := api.HistoryEvent{
			ID:          doc.ID,
			WorkflowID:  doc.WorkflowID,
			RunID:       doc.RunID,
			At:          time.Unix(0, doc.At),
			Type:        api.EventType(doc.Type),
			ScheduledID: doc.ScheduledID,
			Name:        doc.Name,
			Attempt:     doc.Attempt,
			Timeout:     time.Duration(doc.Timeout),
			Detail:      doc.Detail,
		}
		enc := encodedEvent{Payload: doc.Payload, Failure: doc.Failure}
		if err := enc.decodeInto(&ev); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, cur.Err()
}

func (doc mongoExecutionDoc) toExecution() (*api.WorkflowExecution, error) {
	exec := &api.WorkflowExecution{
		ID:              doc.ID,
		RunID:           doc.RunID,
		WorkflowType:    doc.WorkflowType,
		TaskQueue:       doc.TaskQueue,
		Status:          api.Status(doc.Status),
		Phase:           doc.Phase,
		PendingSignal:   doc.PendingSignal,
		CancelRequested: doc.CancelRequested,
		StartedAt:       fromUnixNano(doc.StartedAt),
		ClosedAt:        fromUnixNano(doc.ClosedAt),
	}
	enc := encodedExecution{Input: doc.Input, Output: doc.Output, Failure: doc.Failure}
	if err := enc.decodeInto(exec); err != nil {
		return nil, err
	}
	return exec, nil
}
