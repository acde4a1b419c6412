// Package store is the typed adapter over the shared Postgres document
// store. All queue mutations are single atomic statements, so any number
// of worker processes may operate on the same queues concurrently.
package store

import (
	"context"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	log "github.com/sirupsen/logrus"

	"github.com/HaggiTlahuisca/jurisprudencia/go/queue"
)

// Collection names of the artifact and metadata tables.
const (
	AcervoHistorico = "acervo_historico" // Primary (SCJN/SJF) artifacts.
	AcervoTFJA      = "acervo_tfja"      // Secondary (TFJA) artifacts.
	metaTable       = "meta"

	seedMarker = "cola_inicializada"
)

// Config of a Store.
type Config struct {
	// URI is the Postgres connection string.
	URI string
	// Schema holding every collection.
	Schema string
	// DeferInterval is added to now() when a transient failure defers
	// an entry.
	DeferInterval time.Duration
	// UnavailableBudget is the entry age beyond which a transient
	// failure marks it unavailable instead of deferring it.
	UnavailableBudget time.Duration
}

// Store wraps the shared database handle.
type Store struct {
	db  *sqlx.DB
	cfg Config
}

// Connect opens and pings the store.
func Connect(ctx context.Context, cfg Config) (*Store, error) {
	db, err := sqlx.ConnectContext(ctx, "pgx", cfg.URI)
	if err != nil {
		return nil, fmt.Errorf("connecting to store: %w", err)
	}
	return &Store{db: db, cfg: cfg}, nil
}

// Open returns a Store whose handle has not been verified. Connections are
// established lazily, so callers which tolerate an unreachable store (the
// dashboard) can start serving before the store does.
func Open(cfg Config) (*Store, error) {
	db, err := sqlx.Open("pgx", cfg.URI)
	if err != nil {
		return nil, fmt.Errorf("opening store handle: %w", err)
	}
	return &Store{db: db, cfg: cfg}, nil
}

// ConnectForever retries Connect every five seconds until it succeeds or
// |ctx| is cancelled. Startup blocks on the store being reachable.
func ConnectForever(ctx context.Context, cfg Config) (*Store, error) {
	for {
		s, err := Connect(ctx, cfg)
		if err == nil {
			log.Info("connected to store")
			return s, nil
		}
		log.WithField("err", err).Warn("store unavailable, retrying")

		select {
		case <-time.After(5 * time.Second):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// NewWithDB wraps an existing handle. Used by tests with sqlmock.
func NewWithDB(db *sqlx.DB, cfg Config) *Store { return &Store{db: db, cfg: cfg} }

// Ping verifies store connectivity.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

// table returns the schema-qualified name of a collection.
func (s *Store) table(name string) string {
	return fmt.Sprintf("%s.%s", s.cfg.Schema, name)
}

// truncateError bounds diagnostic messages persisted on queue entries.
func truncateError(msg string) string {
	if r := []rune(msg); len(r) > 800 {
		return string(r[:800])
	}
	return msg
}

// EnsureSchema creates the schema and collections if absent.
func (s *Store) EnsureSchema(ctx context.Context) error {
	var stmts = []string{
		fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s`, s.cfg.Schema),
	}
	for _, q := range []queue.Name{queue.Primary, queue.Secondary} {
		stmts = append(stmts, fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				registro       TEXT PRIMARY KEY,
				state          TEXT NOT NULL DEFAULT 'pending',
				attempts       INTEGER NOT NULL DEFAULT 0,
				created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
				claimed_at     TIMESTAMPTZ,
				next_run_at    TIMESTAMPTZ,
				last_error     TEXT,
				completed_at   TIMESTAMPTZ,
				errored_at     TIMESTAMPTZ,
				deferred_at    TIMESTAMPTZ,
				unavailable_at TIMESTAMPTZ,
				payload        JSONB
			)`, s.table(string(q))),
			fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_claim_idx ON %s (state, next_run_at, created_at)`,
				q, s.table(string(q))),
		)
	}
	for _, c := range []string{AcervoHistorico, AcervoTFJA} {
		stmts = append(stmts, fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				registro   TEXT PRIMARY KEY,
				rubro      TEXT NOT NULL,
				texto      TEXT NOT NULL,
				epoca      TEXT,
				materia    TEXT,
				anio       INTEGER,
				mes        INTEGER,
				tipo_tesis TEXT,
				instancia  TEXT,
				fuente     TEXT,
				vector     JSONB,
				vectorized BOOLEAN NOT NULL DEFAULT FALSE,
				processed  BOOLEAN NOT NULL DEFAULT FALSE,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
			)`, s.table(c)),
			fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_recent_idx ON %s (processed, updated_at DESC)`,
				c, s.table(c)),
		)
	}
	stmts = append(stmts, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			tipo  TEXT PRIMARY KEY,
			fecha TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, s.table(metaTable)))

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensuring schema: %w", err)
		}
	}
	return nil
}

// SeedMarkerExists reports whether primary-queue seeding already ran.
func (s *Store) SeedMarkerExists(ctx context.Context) (bool, error) {
	var exists bool
	var err = s.db.QueryRowxContext(ctx,
		fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE tipo = $1)`, s.table(metaTable)),
		seedMarker,
	).Scan(&exists)
	return exists, err
}

// WriteSeedMarker records that primary-queue seeding completed.
func (s *Store) WriteSeedMarker(ctx context.Context) error {
	var _, err = s.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (tipo, fecha) VALUES ($1, now())
		ON CONFLICT (tipo) DO UPDATE SET fecha = now()`, s.table(metaTable)),
		seedMarker,
	)
	return err
}
