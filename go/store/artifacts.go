package store

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Vector is an embedding stored as a JSONB array.
type Vector []float32

// Scan implements sql.Scanner.
func (v *Vector) Scan(src interface{}) error {
	switch t := src.(type) {
	case nil:
		*v = nil
		return nil
	case []byte:
		return json.Unmarshal(t, v)
	case string:
		return json.Unmarshal([]byte(t), v)
	default:
		return fmt.Errorf("cannot scan %T into store.Vector", src)
	}
}

// Value implements driver.Valuer. A nil vector persists as SQL NULL.
func (v Vector) Value() (driver.Value, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

// Artifact is one enriched record of an artifact collection, keyed by its
// natural registro identifier. Upserts are last-writer-wins by key.
type Artifact struct {
	Registro   string    `db:"registro"`
	Rubro      string    `db:"rubro"`
	Texto      string    `db:"texto"`
	Epoca      string    `db:"epoca"`
	Materia    string    `db:"materia"`
	Anio       int       `db:"anio"`
	Mes        int       `db:"mes"`
	TipoTesis  string    `db:"tipo_tesis"`
	Instancia  string    `db:"instancia"`
	Fuente     string    `db:"fuente"`
	Vector     Vector    `db:"vector"`
	Vectorized bool      `db:"vectorized"`
	Processed  bool      `db:"processed"`
	UpdatedAt  time.Time `db:"updated_at"`
}

// UpsertArtifact writes |a| into |collection|, overwriting any prior
// content under the same registro.
func (s *Store) UpsertArtifact(ctx context.Context, collection string, a *Artifact) error {
	var stmt = fmt.Sprintf(`
		INSERT INTO %s (registro, rubro, texto, epoca, materia, anio, mes,
			tipo_tesis, instancia, fuente, vector, vectorized, processed, updated_at)
		VALUES (:registro, :rubro, :texto, :epoca, :materia, :anio, :mes,
			:tipo_tesis, :instancia, :fuente, :vector, :vectorized, :processed, now())
		ON CONFLICT (registro) DO UPDATE SET
			rubro = EXCLUDED.rubro,
			texto = EXCLUDED.texto,
			epoca = EXCLUDED.epoca,
			materia = EXCLUDED.materia,
			anio = EXCLUDED.anio,
			mes = EXCLUDED.mes,
			tipo_tesis = EXCLUDED.tipo_tesis,
			instancia = EXCLUDED.instancia,
			fuente = EXCLUDED.fuente,
			vector = EXCLUDED.vector,
			vectorized = EXCLUDED.vectorized,
			processed = EXCLUDED.processed,
			updated_at = now()`, s.table(collection))

	if _, err := s.db.NamedExecContext(ctx, stmt, a); err != nil {
		return fmt.Errorf("upserting artifact %s/%s: %w", collection, a.Registro, err)
	}
	return nil
}

// IsProcessed reports whether |collection| already holds a processed
// artifact under |registro|. This is the dedup check which makes
// reprocessing idempotent.
func (s *Store) IsProcessed(ctx context.Context, collection, registro string) (bool, error) {
	var exists bool
	var err = s.db.QueryRowxContext(ctx, fmt.Sprintf(
		`SELECT EXISTS (SELECT 1 FROM %s WHERE registro = $1 AND processed)`,
		s.table(collection)),
		registro,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("checking processed %s/%s: %w", collection, registro, err)
	}
	return exists, nil
}

// FindRecent returns the most recently updated processed artifacts of
// |collection|, optionally filtered by epoca and materia, newest first.
func (s *Store) FindRecent(ctx context.Context, collection, epoca, materia string, limit int) ([]Artifact, error) {
	var (
		where = []string{"processed"}
		args  []interface{}
	)
	if epoca != "" {
		args = append(args, epoca)
		where = append(where, fmt.Sprintf("epoca = $%d", len(args)))
	}
	if materia != "" {
		args = append(args, materia)
		where = append(where, fmt.Sprintf("materia = $%d", len(args)))
	}
	args = append(args, limit)

	var stmt = fmt.Sprintf(`
		SELECT registro, rubro, texto, epoca, materia, anio, mes,
			tipo_tesis, instancia, fuente, vector, vectorized, processed, updated_at
		FROM %s
		WHERE %s
		ORDER BY updated_at DESC
		LIMIT $%d`, s.table(collection), strings.Join(where, " AND "), len(args))

	var out []Artifact
	if err := s.db.SelectContext(ctx, &out, stmt, args...); err != nil {
		return nil, fmt.Errorf("listing recent artifacts of %s: %w", collection, err)
	}
	return out, nil
}
