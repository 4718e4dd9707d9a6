package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fxamacker/cbor/v2"
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/nvandessel/reverie/internal/logging"
	"github.com/nvandessel/reverie/internal/memory"
	"github.com/nvandessel/reverie/internal/persona"
)

// encMode encodes blobs deterministically with nanosecond RFC 3339 times.
var encMode cbor.EncMode

var decMode cbor.DecMode

func init() {
	opts := cbor.CoreDetEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	var err error
	encMode, err = opts.EncMode()
	if err != nil {
		panic("store: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("store: CBOR decoder initialization failed: " + err.Error())
	}
}

// SQLiteStore keeps snapshots in one SQLite database. Nodes and
// embeddings are rows so a single persona's memory can be read without
// decoding the rest of the simulation.
type SQLiteStore struct {
	db     *sql.DB
	path   string
	logger *slog.Logger
}

// NewSQLiteStore opens or creates the database at path.
func NewSQLiteStore(ctx context.Context, path string, logger *slog.Logger) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.New("sqlite store needs a database path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}
	db, err := sql.Open("sqlite", path+"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite works best with single writer

	if err := InitSchema(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &SQLiteStore{db: db, path: path, logger: logger}, nil
}

const timeFormat = time.RFC3339Nano

// Load reads every table row of sim.
func (s *SQLiteStore) Load(ctx context.Context, sim string) (*Snapshot, error) {
	var metaJSON string
	var events, env sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT meta, events, environment FROM simulations WHERE sim_code = ?`, sim,
	).Scan(&metaJSON, &events, &env)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", sim, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", sim, err)
	}

	snap := &Snapshot{}
	if err := json.Unmarshal([]byte(metaJSON), &snap.Meta); err != nil {
		return nil, fmt.Errorf("decoding %s meta: %w", sim, err)
	}
	snap.normalize(sim)
	if events.Valid {
		if err := json.Unmarshal([]byte(events.String), &snap.Events); err != nil {
			s.logger.Warn("ignoring unreadable events", "sim", sim, "error", err)
		}
	}
	if env.Valid {
		if err := json.Unmarshal([]byte(env.String), &snap.Environment); err != nil {
			s.logger.Warn("ignoring unreadable environment", "sim", sim, "error", err)
		}
	}

	if err := s.loadPersonas(ctx, sim, snap); err != nil {
		return nil, err
	}
	if err := s.loadNodes(ctx, sim, snap); err != nil {
		return nil, err
	}
	if err := s.loadEmbeddings(ctx, sim, snap); err != nil {
		return nil, err
	}
	return snap, nil
}

func (s *SQLiteStore) loadPersonas(ctx context.Context, sim string, snap *Snapshot) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, scratch, spatial, kw_strength FROM personas WHERE sim_code = ?`, sim)
	if err != nil {
		return fmt.Errorf("loading %s personas: %w", sim, err)
	}
	defer rows.Close()

	for rows.Next() {
		var name string
		var scratch, spatial sql.NullString
		var strength []byte
		if err := rows.Scan(&name, &scratch, &spatial, &strength); err != nil {
			return fmt.Errorf("scanning persona: %w", err)
		}
		var ps persona.Snapshot
		if scratch.Valid {
			var sc persona.Scratch
			if err := json.Unmarshal([]byte(scratch.String), &sc); err != nil {
				s.logger.Warn("ignoring unreadable scratch", "sim", sim, "persona", name, "error", err)
			} else {
				ps.Scratch = &sc
			}
		}
		if spatial.Valid {
			tree := memory.NewTree()
			if err := json.Unmarshal([]byte(spatial.String), tree); err != nil {
				s.logger.Warn("ignoring unreadable spatial memory", "sim", sim, "persona", name, "error", err)
			} else {
				ps.Spatial = tree
			}
		}
		if len(strength) > 0 {
			if err := decMode.Unmarshal(strength, &ps.Memory.Strength); err != nil {
				s.logger.Warn("ignoring unreadable keyword strength", "sim", sim, "persona", name, "error", err)
			}
		}
		ps.Memory.Embeddings = make(map[string][]float32)
		ps.Memory.LastAccessed = make(map[string]time.Time)
		snap.Personas[name] = ps
	}
	return rows.Err()
}

func (s *SQLiteStore) loadNodes(ctx context.Context, sim string, snap *Snapshot) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT persona, node_id, body, last_accessed FROM nodes WHERE sim_code = ? ORDER BY persona, node_count`, sim)
	if err != nil {
		return fmt.Errorf("loading %s nodes: %w", sim, err)
	}
	defer rows.Close()

	for rows.Next() {
		var name, id string
		var body []byte
		var accessed sql.NullString
		if err := rows.Scan(&name, &id, &body, &accessed); err != nil {
			return fmt.Errorf("scanning node: %w", err)
		}
		ps, ok := snap.Personas[name]
		if !ok {
			continue
		}
		var n memory.Node
		if err := decMode.Unmarshal(body, &n); err != nil {
			s.logger.Warn("skipping unreadable node", "sim", sim, "persona", name, "node", id, "error", err)
			continue
		}
		ps.Memory.Nodes = append(ps.Memory.Nodes, &n)
		if accessed.Valid {
			if t, err := time.Parse(timeFormat, accessed.String); err == nil {
				ps.Memory.LastAccessed[id] = t
			}
		}
		snap.Personas[name] = ps
	}
	return rows.Err()
}

func (s *SQLiteStore) loadEmbeddings(ctx context.Context, sim string, snap *Snapshot) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT persona, embedding_key, vector FROM embeddings WHERE sim_code = ?`, sim)
	if err != nil {
		return fmt.Errorf("loading %s embeddings: %w", sim, err)
	}
	defer rows.Close()

	for rows.Next() {
		var name, key string
		var blob []byte
		if err := rows.Scan(&name, &key, &blob); err != nil {
			return fmt.Errorf("scanning embedding: %w", err)
		}
		ps, ok := snap.Personas[name]
		if !ok {
			continue
		}
		var vec []float32
		if err := decMode.Unmarshal(blob, &vec); err != nil {
			s.logger.Warn("skipping unreadable embedding", "sim", sim, "persona", name, "error", err)
			continue
		}
		ps.Memory.Embeddings[key] = vec
	}
	return rows.Err()
}

// Save replaces every row of sim in one transaction.
func (s *SQLiteStore) Save(ctx context.Context, sim string, snap *Snapshot) error {
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

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := deleteRows(ctx, tx, sim); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO simulations (sim_code, template_sim_code, sim_mode, step, meta, events, environment, updated_at, protected)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sim, meta.TemplateSimCode, meta.SimMode, meta.Step, string(metaJSON), string(events), string(env),
		time.Now().UTC().Format(timeFormat), meta.Protected)
	if err != nil {
		return fmt.Errorf("saving %s: %w", sim, err)
	}
	for name, ps := range snap.Personas {
		if err := savePersonaRows(ctx, tx, sim, name, ps); err != nil {
			return fmt.Errorf("saving persona %s: %w", name, err)
		}
	}
	return tx.Commit()
}

func deleteRows(ctx context.Context, tx *sql.Tx, sim string) error {
	for _, table := range []string{"embeddings", "nodes", "personas", "simulations"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table+" WHERE sim_code = ?", sim); err != nil {
			return fmt.Errorf("clearing %s of %s: %w", table, sim, err)
		}
	}
	return nil
}

func savePersonaRows(ctx context.Context, tx *sql.Tx, sim, name string, ps persona.Snapshot) error {
	var scratch, spatial sql.NullString
	if ps.Scratch != nil {
		data, err := json.Marshal(ps.Scratch)
		if err != nil {
			return fmt.Errorf("encoding scratch: %w", err)
		}
		scratch = sql.NullString{String: string(data), Valid: true}
	}
	if ps.Spatial != nil {
		data, err := json.Marshal(ps.Spatial)
		if err != nil {
			return fmt.Errorf("encoding spatial memory: %w", err)
		}
		spatial = sql.NullString{String: string(data), Valid: true}
	}
	strength, err := encMode.Marshal(ps.Memory.Strength)
	if err != nil {
		return fmt.Errorf("encoding keyword strength: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO personas (sim_code, name, scratch, spatial, kw_strength) VALUES (?, ?, ?, ?, ?)`,
		sim, name, scratch, spatial, strength); err != nil {
		return err
	}

	nodeStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO nodes (sim_code, persona, node_id, node_count, kind, created, body, last_accessed)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer nodeStmt.Close()
	for _, n := range ps.Memory.Nodes {
		body, err := encMode.Marshal(n)
		if err != nil {
			return fmt.Errorf("encoding node %s: %w", n.ID, err)
		}
		var accessed sql.NullString
		if t, ok := ps.Memory.LastAccessed[n.ID]; ok {
			accessed = sql.NullString{String: t.Format(timeFormat), Valid: true}
		}
		if _, err := nodeStmt.ExecContext(ctx, sim, name, n.ID, n.Count, string(n.Kind),
			n.Created.Format(timeFormat), body, accessed); err != nil {
			return fmt.Errorf("inserting node %s: %w", n.ID, err)
		}
	}

	embStmt, err := tx.PrepareContext(ctx,
		`INSERT INTO embeddings (sim_code, persona, embedding_key, vector) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer embStmt.Close()
	for key, vec := range ps.Memory.Embeddings {
		blob, err := encMode.Marshal(vec)
		if err != nil {
			return fmt.Errorf("encoding embedding: %w", err)
		}
		if _, err := embStmt.ExecContext(ctx, sim, name, key, blob); err != nil {
			return fmt.Errorf("inserting embedding: %w", err)
		}
	}
	return nil
}

// Delete removes every row of sim.
func (s *SQLiteStore) Delete(ctx context.Context, sim string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()
	if err := deleteRows(ctx, tx, sim); err != nil {
		return err
	}
	return tx.Commit()
}

// Exists reports whether sim has a row.
func (s *SQLiteStore) Exists(ctx context.Context, sim string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM simulations WHERE sim_code = ?`, sim).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("checking %s: %w", sim, err)
	}
	return n > 0, nil
}

// List decodes the meta of every simulation.
func (s *SQLiteStore) List(ctx context.Context) ([]Meta, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT sim_code, meta FROM simulations ORDER BY sim_code`)
	if err != nil {
		return nil, fmt.Errorf("listing simulations: %w", err)
	}
	defer rows.Close()

	var metas []Meta
	for rows.Next() {
		var sim, data string
		if err := rows.Scan(&sim, &data); err != nil {
			return nil, fmt.Errorf("scanning simulation: %w", err)
		}
		var m Meta
		if err := json.Unmarshal([]byte(data), &m); err != nil {
			s.logger.Warn("skipping simulation with unreadable meta", "sim", sim, "error", err)
			continue
		}
		m.SimCode = sim
		metas = append(metas, m)
	}
	return metas, rows.Err()
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

var _ Store = (*SQLiteStore)(nil)
