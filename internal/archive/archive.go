// Package archive keeps the delivery and run audit trail in mongo.
package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/kestrel-ci/kestrel/internal/event"
	"github.com/kestrel-ci/kestrel/internal/logging"
)

var archiveLogger = logging.C("archive.mongo")

const (
	connectTimeout   = 10 * time.Second
	eventsCollection = "events"
)

// Event is one archived happening: a webhook delivery, a dispatch
// request or a run lifecycle step.
type Event struct {
	ID        primitive.ObjectID `bson:"_id,omitempty" json:"-"`
	RunID     string             `bson:"run_id,omitempty" json:"run_id,omitempty"`
	TriggerID string             `bson:"trigger_id,omitempty" json:"trigger_id,omitempty"`
	Kind      string             `bson:"kind" json:"kind"`
	Payload   json.RawMessage    `bson:"payload,omitempty" json:"payload,omitempty"`
	CreatedAt time.Time          `bson:"created_at" json:"created_at"`
}

// Mongo is the archive backed by a mongo events collection.
type Mongo struct {
	client *mongo.Client
	events *mongo.Collection
}

// Connect dials mongo and pings it so a bad URI fails at startup.
func Connect(ctx context.Context, uri, database string) (*Mongo, error) {
	clientOptions := options.Client().ApplyURI(uri)

	cctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	client, err := mongo.Connect(cctx, clientOptions)
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %w", err)
	}
	if err := client.Ping(cctx, nil); err != nil {
		return nil, fmt.Errorf("mongo ping: %w", err)
	}
	archiveLogger.WithField("database", database).Info("event archive connected")

	return &Mongo{
		client: client,
		events: client.Database(database).Collection(eventsCollection),
	}, nil
}

func (m *Mongo) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}

// RecordTrigger archives an accepted trigger before it enters the
// ingest queue.
func (m *Mongo) RecordTrigger(ctx context.Context, trig event.Trigger) error {
	payload, err := json.Marshal(trig)
	if err != nil {
		return err
	}
	_, err = m.events.InsertOne(ctx, Event{
		TriggerID: trig.ID,
		Kind:      "trigger." + string(trig.Kind),
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	})
	return err
}

// RecordRunEvent archives one run lifecycle step.
func (m *Mongo) RecordRunEvent(ctx context.Context, runID, kind string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = m.events.InsertOne(ctx, Event{
		RunID:     runID,
		Kind:      kind,
		Payload:   raw,
		CreatedAt: time.Now().UTC(),
	})
	return err
}

// RunEvents returns a run's trail oldest first.
func (m *Mongo) RunEvents(ctx context.Context, runID string) ([]Event, error) {
	opts := options.Find().SetSort(bson.M{"created_at": 1})
	cur, err := m.events.Find(ctx, bson.M{"run_id": runID}, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []Event
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}
