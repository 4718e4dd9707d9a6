package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/nvandessel/reverie/internal/logging"
	"github.com/nvandessel/reverie/internal/persona"
)

// DefaultMongoDatabase is used when no database name is configured.
const DefaultMongoDatabase = "reverie"

// simulationDoc is one document of the simulations collection. The
// snapshot parts are stored as JSON strings so documents stay readable in
// the shell.
type simulationDoc struct {
	SimCode         string    `bson:"_id"`
	TemplateSimCode string    `bson:"template_sim_code"`
	SimMode         string    `bson:"sim_mode"`
	Step            int       `bson:"step"`
	Protected       bool      `bson:"protected"`
	Meta            string    `bson:"meta"`
	Events          string    `bson:"events"`
	Environment     string    `bson:"environment"`
	UpdatedAt       time.Time `bson:"updated_at"`
}

// personaDoc holds one persona. Memory can be large, so each persona gets
// its own document.
type personaDoc struct {
	SimCode  string `bson:"sim_code"`
	Name     string `bson:"name"`
	Snapshot []byte `bson:"snapshot"`
}

// MongoStore keeps snapshots in a MongoDB database.
type MongoStore struct {
	client   *mongo.Client
	sims     *mongo.Collection
	personas *mongo.Collection
	logger   *slog.Logger
}

// NewMongoStore connects to uri and makes sure the indexes exist.
func NewMongoStore(ctx context.Context, uri, database string, logger *slog.Logger) (*MongoStore, error) {
	if uri == "" {
		return nil, errors.New("mongo store needs a connection uri")
	}
	if database == "" {
		database = DefaultMongoDatabase
	}
	if logger == nil {
		logger = logging.Discard()
	}

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connecting to mongo: %w", err)
	}
	if err := client.Ping(connectCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("pinging mongo: %w", err)
	}

	db := client.Database(database)
	s := &MongoStore{
		client:   client,
		sims:     db.Collection("simulations"),
		personas: db.Collection("personas"),
		logger:   logger,
	}
	_, err = s.personas.Indexes().CreateOne(connectCtx, mongo.IndexModel{
		Keys:    bson.D{{Key: "sim_code", Value: 1}, {Key: "name", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("creating persona index: %w", err)
	}
	return s, nil
}

// Load reads the simulation document and its persona documents.
func (s *MongoStore) Load(ctx context.Context, sim string) (*Snapshot, error) {
	var doc simulationDoc
	err := s.sims.FindOne(ctx, bson.M{"_id": sim}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("%s: %w", sim, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", sim, err)
	}

	snap := &Snapshot{}
	if err := json.Unmarshal([]byte(doc.Meta), &snap.Meta); err != nil {
		return nil, fmt.Errorf("decoding %s meta: %w", sim, err)
	}
	snap.normalize(sim)
	if doc.Events != "" {
		if err := json.Unmarshal([]byte(doc.Events), &snap.Events); err != nil {
			s.logger.Warn("ignoring unreadable events", "sim", sim, "error", err)
		}
	}
	if doc.Environment != "" {
		if err := json.Unmarshal([]byte(doc.Environment), &snap.Environment); err != nil {
			s.logger.Warn("ignoring unreadable environment", "sim", sim, "error", err)
		}
	}

	cursor, err := s.personas.Find(ctx, bson.M{"sim_code": sim})
	if err != nil {
		return nil, fmt.Errorf("loading %s personas: %w", sim, err)
	}
	defer cursor.Close(ctx)
	var docs []personaDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("loading %s personas: %w", sim, err)
	}
	for _, pd := range docs {
		var ps persona.Snapshot
		if err := json.Unmarshal(pd.Snapshot, &ps); err != nil {
			s.logger.Warn("ignoring unreadable persona", "sim", sim, "persona", pd.Name, "error", err)
		}
		snap.Personas[pd.Name] = ps
	}
	return snap, nil
}

// Save replaces the simulation document and all of its persona documents.
func (s *MongoStore) Save(ctx context.Context, sim string, snap *Snapshot) error {
	meta := snap.Meta
	meta.SimCode = sim
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encoding %s meta: %w", sim, err)
	}
	events, err := json.Marshal(eventsOrEmpty(snap.Events))
	if err != nil {
		return fmt.Errorf("encoding %s events: %w", sim, err)
	}
	env, err := json.Marshal(snap.Environment)
	if err != nil {
		return fmt.Errorf("encoding %s environment: %w", sim, err)
	}

	docs := make([]any, 0, len(snap.Personas))
	for name, ps := range snap.Personas {
		data, err := json.Marshal(ps)
		if err != nil {
			return fmt.Errorf("encoding persona %s: %w", name, err)
		}
		docs = append(docs, personaDoc{SimCode: sim, Name: name, Snapshot: data})
	}

	doc := simulationDoc{
		SimCode:         sim,
		TemplateSimCode: meta.TemplateSimCode,
		SimMode:         meta.SimMode,
		Step:            meta.Step,
		Protected:       meta.Protected,
		Meta:            string(metaJSON),
		Events:          string(events),
		Environment:     string(env),
		UpdatedAt:       time.Now().UTC(),
	}
	if _, err := s.personas.DeleteMany(ctx, bson.M{"sim_code": sim}); err != nil {
		return fmt.Errorf("clearing %s personas: %w", sim, err)
	}
	if len(docs) > 0 {
		if _, err := s.personas.InsertMany(ctx, docs); err != nil {
			return fmt.Errorf("saving %s personas: %w", sim, err)
		}
	}
	_, err = s.sims.ReplaceOne(ctx, bson.M{"_id": sim}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("saving %s: %w", sim, err)
	}
	return nil
}

// Delete removes the simulation and persona documents of sim.
func (s *MongoStore) Delete(ctx context.Context, sim string) error {
	if _, err := s.personas.DeleteMany(ctx, bson.M{"sim_code": sim}); err != nil {
		return fmt.Errorf("deleting %s personas: %w", sim, err)
	}
	if _, err := s.sims.DeleteOne(ctx, bson.M{"_id": sim}); err != nil {
		return fmt.Errorf("deleting %s: %w", sim, err)
	}
	return nil
}

// Exists reports whether sim has a document.
func (s *MongoStore) Exists(ctx context.Context, sim string) (bool, error) {
	n, err := s.sims.CountDocuments(ctx, bson.M{"_id": sim})
	if err != nil {
		return false, fmt.Errorf("checking %s: %w", sim, err)
	}
	return n > 0, nil
}

// List decodes the meta of every simulation document.
func (s *MongoStore) List(ctx context.Context) ([]Meta, error) {
	opts := options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}).SetProjection(bson.M{"meta": 1})
	cursor, err := s.sims.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, fmt.Errorf("listing simulations: %w", err)
	}
	defer cursor.Close(ctx)

	var metas []Meta
	for cursor.Next(ctx) {
		var doc simulationDoc
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decoding simulation: %w", err)
		}
		var m Meta
		if err := json.Unmarshal([]byte(doc.Meta), &m); err != nil {
			s.logger.Warn("skipping simulation with unreadable meta", "sim", doc.SimCode, "error", err)
			continue
		}
		m.SimCode = doc.SimCode
		metas = append(metas, m)
	}
	return metas, cursor.Err()
}

// Close disconnects the client.
func (s *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

var _ Store = (*MongoStore)(nil)
