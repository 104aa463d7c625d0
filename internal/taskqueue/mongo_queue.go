package taskqueue

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoQueue implements Queue on top of MongoDB.
//
// Collection schema:
//
//	{
//	  _id:              string, // task ID
//	  queue:            string,
//	  payload:          []byte, // gob-encoded Task
//	  enqueued_at:      int64,  // unix nanos
//	  not_before:       int64,
//	  attempts:         int,
//	  lease_owner:      string,
//	  lease_expires_at: int64,
//	}
type MongoQueue struct {
	coll         *mongo.Collection
	pollInterval time.Duration
}

// NewMongoQueue creates a Mongo-backed queue.
// dbName defaults to "signalflow", collName to "queue_tasks".
func NewMongoQueue(client *mongo.Client, dbName, collName string) *MongoQueue {
	if dbName == "" {
		dbName = "signalflow"
	}
	if collName == "" {
		collName = "queue_tasks"
	}
	return &MongoQueue{
		coll:         client.Database(dbName).Collection(collName),
		pollInterval: 100 * time.Millisecond,
	}
}

// Ensure MongoQueue implements Queue.
var _ Queue = (*MongoQueue)(nil)

type mongoQueueDoc struct {
	ID             string `bson:"_id"`
	Queue          string `bson:"queue"`
	Payload        []byte `bson:"payload"`
	EnqueuedAt     int64  `bson:"enqueued_at"`
	NotBefore      int64  `bson:"not_before"`
	Attempts       int    `bson:"attempts"`
	LeaseOwner     string `bson:"lease_owner"`
	LeaseExpiresAt int64  `bson:"lease_expires_at"`
}

// Enqueue inserts a document for the given Task.
func (q *MongoQueue) Enqueue(ctx context.Context, t Task) error {
	if err := prepare(&t, time.Now()); err != nil {
		return err
	}
	data, err := EncodeTask(t)
	if err != nil {
		return err
	}

	doc := mongoQueueDoc{
		ID:         t.ID,
		Queue:      t.Queue,
		Payload:    data,
		EnqueuedAt: t.EnqueuedAt.UnixNano(),
		NotBefore:  t.NotBefore.UnixNano(),
		Attempts:   t.Attempts,
	}

	_, err = q.coll.InsertOne(ctx, doc)
	if mongo.IsDuplicateKeyError(err) {
		return nil
	}
	return err
}

// Dequeue blocks (via polling) until a task is available or ctx is cancelled.
func (q *MongoQueue) Dequeue(ctx context.Context, queue, owner string, leaseTTL time.Duration) (*Task, error) {
	if err := validateTTL(leaseTTL); err != nil {
		return nil, err
	}
	// Use a reusable timer to avoid allocating a new timer on every idle poll.
	tmr := pollTimer()
	defer tmr.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		now := time.Now()
		filter := bson.M{
			"queue":      queue,
			"not_before": bson.M{"$lte": now.UnixNano()},
			"$or": bson.A{
				bson.M{"lease_owner": ""},
				bson.M{"lease_expires_at": bson.M{"$lte": now.UnixNano()}},
			},
		}
		update := bson.M{"$set": bson.M{
			"lease_owner":      owner,
			"lease_expires_at": now.Add(leaseTTL).UnixNano(),
		}}
		opts := options.FindOneAndUpdate().
			SetSort(bson.D{{Key: "not_before", Value: 1}, {Key: "enqueued_at", Value: 1}}).
			SetReturnDocument(options.After)

		var doc mongoQueueDoc
		err := q.coll.FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc)
		if err != nil {
			if errors.Is(err, mongo.ErrNoDocuments) {
				// No tasks yet, wait a bit using a reusable timer.
				tmr.Reset(q.pollInterval)
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-tmr.C:
				}
				continue
			}
			return nil, err
		}

		task, err := DecodeTask(doc.Payload)
		if err != nil {
			return nil, err
		}
		task.NotBefore = time.Unix(0, doc.NotBefore)
		task.Attempts = doc.Attempts
		return task, nil
	}
}

func (q *MongoQueue) Ack(ctx context.Context, taskID, owner string) error {
	res, err := q.coll.DeleteOne(ctx, bson.M{"_id": taskID, "lease_owner": owner})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return ErrNotLeased
	}
	return nil
}

func (q *MongoQueue) Nack(ctx context.Context, taskID, owner string, notBefore time.Time, attempts int) error {
	if notBefore.IsZero() {
		notBefore = time.Now()
	}
	res, err := q.coll.UpdateOne(ctx,
		bson.M{"_id": taskID, "lease_owner": owner},
		bson.M{"$set": bson.M{
			"lease_owner":      "",
			"lease_expires_at": int64(0),
			"not_before":       notBefore.UnixNano(),
			"attempts":         attempts,
		}},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotLeased
	}
	return nil
}

func (q *MongoQueue) RenewLease(ctx context.Context, taskID, owner string, leaseTTL time.Duration) error {
	if err := validateTTL(leaseTTL); err != nil {
		return err
	}
	res, err := q.coll.UpdateOne(ctx,
		bson.M{"_id": taskID, "lease_owner": owner},
		bson.M{"$set": bson.M{"lease_expires_at": time.Now().Add(leaseTTL).UnixNano()}},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotLeased
	}
	return nil
}

// Len returns an approximate number of queued tasks.
func (q *MongoQueue) Len() int {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	n, err := q.coll.CountDocuments(ctx, bson.M{})
	if err != nil {
		slog.Warn("MongoQueue: Len failed", "error", err)
		return 0
	}
	return int(n)
}
