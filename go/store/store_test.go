package store

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/HaggiTlahuisca/jurisprudencia/go/queue"
)

func mockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	var s = NewWithDB(sqlx.NewDb(db, "sqlmock"), Config{
		Schema:            "tepantlatia_db",
		DeferInterval:     time.Hour,
		UnavailableBudget: 3 * 24 * time.Hour,
	})
	return s, mock
}

var claimColumns = []string{
	"registro", "state", "attempts", "created_at",
	"claimed_at", "next_run_at", "last_error", "payload",
}

func TestClaimNextReturnsPostImage(t *testing.T) {
	var s, mock = mockStore(t)
	var now = time.Now()

	mock.ExpectQuery(`(?s)UPDATE tepantlatia_db\.cola_tesis SET.*state = 'processing'.*` +
		`attempts = attempts \+ 1.*state = 'pending'.*state = 'deferred' AND next_run_at <= now\(\).*` +
		`ORDER BY next_run_at ASC NULLS FIRST, created_at ASC.*LIMIT 1.*FOR UPDATE SKIP LOCKED.*RETURNING`).
		WillReturnRows(sqlmock.NewRows(claimColumns).
			AddRow("292564", "processing", 1, now.Add(-time.Hour), now, nil, nil, nil))

	entry, err := s.ClaimNext(context.Background(), queue.Primary)
	require.NoError(t, err)
	require.NotNil(t, entry)
	require.Equal(t, "292564", entry.Registro)
	require.Equal(t, queue.Processing, entry.State)
	require.Equal(t, 1, entry.Attempts)
	require.NotNil(t, entry.ClaimedAt)
	require.Nil(t, entry.NextRunAt)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimNextEmptyQueue(t *testing.T) {
	var s, mock = mockStore(t)

	mock.ExpectQuery(`(?s)UPDATE tepantlatia_db\.cola_tfja SET`).
		WillReturnRows(sqlmock.NewRows(claimColumns))

	entry, err := s.ClaimNext(context.Background(), queue.Secondary)
	require.NoError(t, err)
	require.Nil(t, entry)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimNextScansSecondaryPayload(t *testing.T) {
	var s, mock = mockStore(t)
	var now = time.Now()

	mock.ExpectQuery(`(?s)UPDATE tepantlatia_db\.cola_tfja SET`).
		WillReturnRows(sqlmock.NewRows(claimColumns).
			AddRow("tfja-001", "processing", 2, now.Add(-time.Hour), now, nil, nil,
				[]byte(`{"rubro":"IVA.","texto":"El impuesto...","anio":2019}`)))

	entry, err := s.ClaimNext(context.Background(), queue.Secondary)
	require.NoError(t, err)
	require.NotNil(t, entry.Payload)
	require.Equal(t, "IVA.", entry.Payload.Rubro)
	require.Equal(t, 2019, entry.Payload.Anio)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkCompleted(t *testing.T) {
	var s, mock = mockStore(t)

	mock.ExpectExec(`(?s)UPDATE tepantlatia_db\.cola_tesis SET state = 'completed', completed_at = now\(\), claimed_at = NULL`).
		WithArgs("100").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.MarkCompleted(context.Background(), queue.Primary, "100"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkErrorTruncatesDiagnostic(t *testing.T) {
	var s, mock = mockStore(t)
	var long = strings.Repeat("x", 900)

	mock.ExpectExec(`(?s)UPDATE tepantlatia_db\.cola_tesis SET state = 'error'`).
		WithArgs("100", strings.Repeat("x", 800)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.MarkError(context.Background(), queue.Primary, "100", long))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkDeferredOrUnavailableArgs(t *testing.T) {
	var s, mock = mockStore(t)

	mock.ExpectExec(`(?s)UPDATE tepantlatia_db\.cola_tesis SET.*'unavailable' ELSE 'deferred'`).
		WithArgs("100", (3 * 24 * time.Hour).Seconds(), time.Hour.Seconds(), "HTTP 503").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.MarkDeferredOrUnavailable(context.Background(), queue.Primary, "100", "HTTP 503"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReapStaleLocks(t *testing.T) {
	var s, mock = mockStore(t)

	mock.ExpectExec(`(?s)UPDATE tepantlatia_db\.cola_tesis SET state = 'pending', claimed_at = NULL.*state = 'processing' AND claimed_at <`).
		WithArgs((30 * time.Minute).Seconds()).
		WillReturnResult(sqlmock.NewResult(0, 7))

	n, err := s.ReapStaleLocks(context.Background(), queue.Primary, 30*time.Minute)
	require.NoError(t, err)
	require.Equal(t, int64(7), n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRetryErrors(t *testing.T) {
	var s, mock = mockStore(t)

	mock.ExpectExec(`(?s)UPDATE tepantlatia_db\.cola_tesis SET state = 'pending'.*state = 'error'.*LIMIT NULLIF\(\$1, 0\).*FOR UPDATE SKIP LOCKED`).
		WithArgs(25).
		WillReturnResult(sqlmock.NewResult(0, 25))

	n, err := s.RetryErrors(context.Background(), queue.Primary, 25)
	require.NoError(t, err)
	require.Equal(t, int64(25), n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSeedPrimaryBatches(t *testing.T) {
	var s, mock = mockStore(t)

	// 1500 keys flush as one full batch of 1000 and a remainder of 500.
	mock.ExpectExec(`(?s)INSERT INTO tepantlatia_db\.cola_tesis.*ON CONFLICT \(registro\) DO NOTHING`).
		WillReturnResult(sqlmock.NewResult(0, 1000))
	mock.ExpectExec(`(?s)INSERT INTO tepantlatia_db\.cola_tesis.*ON CONFLICT \(registro\) DO NOTHING`).
		WillReturnResult(sqlmock.NewResult(0, 500))

	require.NoError(t, s.SeedPrimary(context.Background(), [][2]int{{1000, 2000}, {5000, 5500}}))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnqueueSecondary(t *testing.T) {
	var s, mock = mockStore(t)

	mock.ExpectExec(`(?s)INSERT INTO tepantlatia_db\.cola_tfja \(registro, state, attempts, created_at, payload\).*ON CONFLICT \(registro\) DO NOTHING`).
		WithArgs("tfja-001", []byte(`{"rubro":"IVA.","texto":"El impuesto...","anio":2019}`)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.EnqueueSecondary(context.Background(), "tfja-001",
		queue.Payload{Rubro: "IVA.", Texto: "El impuesto...", Anio: 2019}))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestQueueCounts(t *testing.T) {
	var s, mock = mockStore(t)

	mock.ExpectQuery(`SELECT state, count\(\*\) FROM tepantlatia_db\.cola_tesis GROUP BY state`).
		WillReturnRows(sqlmock.NewRows([]string{"state", "count"}).
			AddRow("pending", 10).
			AddRow("processing", 2).
			AddRow("completed", 30).
			AddRow("error", 3).
			AddRow("deferred", 4).
			AddRow("unavailable", 1))

	counts, err := s.QueueCounts(context.Background(), queue.Primary)
	require.NoError(t, err)
	require.Equal(t, Counts{
		Total:       50,
		Pending:     10,
		Processing:  2,
		Completed:   30,
		Error:       3,
		Deferred:    4,
		Unavailable: 1,
	}, counts)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestIsProcessed(t *testing.T) {
	var s, mock = mockStore(t)

	mock.ExpectQuery(`SELECT EXISTS \(SELECT 1 FROM tepantlatia_db\.acervo_historico WHERE registro = \$1 AND processed\)`).
		WithArgs("100").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	done, err := s.IsProcessed(context.Background(), AcervoHistorico, "100")
	require.NoError(t, err)
	require.True(t, done)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFindRecentFilters(t *testing.T) {
	var s, mock = mockStore(t)
	var now = time.Now()

	var columns = []string{
		"registro", "rubro", "texto", "epoca", "materia", "anio", "mes",
		"tipo_tesis", "instancia", "fuente", "vector", "vectorized", "processed", "updated_at",
	}
	mock.ExpectQuery(`(?s)SELECT.*FROM tepantlatia_db\.acervo_historico.*WHERE processed AND epoca = \$1 AND materia = \$2.*ORDER BY updated_at DESC.*LIMIT \$3`).
		WithArgs("Quinta Época", "FISCAL", 10).
		WillReturnRows(sqlmock.NewRows(columns).
			AddRow("100", "RUBRO", "TEXTO", "Quinta Época", "FISCAL", 1940, 3,
				"Aislada", "Pleno", "Repositorio Bicentenario", []byte(`[0.1,0.2]`), true, true, now))

	out, err := s.FindRecent(context.Background(), AcervoHistorico, "Quinta Época", "FISCAL", 10)
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, Vector{0.1, 0.2}, out[0].Vector)
	require.True(t, out[0].Vectorized)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSeedMarker(t *testing.T) {
	var s, mock = mockStore(t)

	mock.ExpectQuery(`SELECT EXISTS \(SELECT 1 FROM tepantlatia_db\.meta WHERE tipo = \$1\)`).
		WithArgs("cola_inicializada").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectExec(`(?s)INSERT INTO tepantlatia_db\.meta \(tipo, fecha\)`).
		WithArgs("cola_inicializada").
		WillReturnResult(sqlmock.NewResult(0, 1))

	done, err := s.SeedMarkerExists(context.Background())
	require.NoError(t, err)
	require.False(t, done)
	require.NoError(t, s.WriteSeedMarker(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}
