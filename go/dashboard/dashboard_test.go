package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/HaggiTlahuisca/jurisprudencia/go/queue"
	"github.com/HaggiTlahuisca/jurisprudencia/go/store"
)

type fakeStore struct {
	pingErr error
	counts  store.Counts
	recent  []store.Artifact

	findEpoca, findMateria string
	findLimit              int

	retried    int64
	retryLimit int
	retryCalls int
}

func (f *fakeStore) Ping(context.Context) error { return f.pingErr }

func (f *fakeStore) QueueCounts(context.Context, queue.Name) (store.Counts, error) {
	return f.counts, nil
}

func (f *fakeStore) FindRecent(_ context.Context, _, epoca, materia string, limit int) ([]store.Artifact, error) {
	f.findEpoca, f.findMateria, f.findLimit = epoca, materia, limit
	return f.recent, nil
}

func (f *fakeStore) RetryErrors(_ context.Context, _ queue.Name, limit int) (int64, error) {
	f.retryCalls++
	f.retryLimit = limit
	return f.retried, nil
}

func serve(f *fakeStore, method, target string) *httptest.ResponseRecorder {
	var rec = httptest.NewRecorder()
	NewServer(f).Routes().ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	return rec
}

func TestHealth(t *testing.T) {
	var rec = serve(new(fakeStore), "GET", "/health")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestIndexRendersCountsAndRecent(t *testing.T) {
	var f = &fakeStore{
		counts: store.Counts{Total: 50, Pending: 10, Processing: 2, Completed: 35, Error: 3},
		recent: []store.Artifact{
			{Registro: "292564", Rubro: "AMPARO.", Epoca: "Quinta Época", Materia: "CONSTITUCIONAL"},
			{Registro: "2028000", Rubro: strings.Repeat("R", 200), Epoca: "Undécima Época", Materia: "PENAL"},
		},
	}
	var rec = serve(f, "GET", "/")

	require.Equal(t, http.StatusOK, rec.Code)
	var body = rec.Body.String()
	require.Contains(t, body, "<strong>Pendientes:</strong> 10")
	require.Contains(t, body, "<strong>Errores:</strong> 3")
	require.Contains(t, body, "292564")
	require.Contains(t, body, "Quinta Época")

	// Long rubros are clipped for display.
	require.Contains(t, body, strings.Repeat("R", 80)+"...")
	require.NotContains(t, body, strings.Repeat("R", 81))

	require.Equal(t, recentLimit, f.findLimit)
	require.Empty(t, f.findEpoca)
}

func TestIndexForwardsFilters(t *testing.T) {
	var f = new(fakeStore)
	var rec = serve(f, "GET", "/?epoca=Quinta+%C3%89poca&materia=FISCAL")

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "Quinta Época", f.findEpoca)
	require.Equal(t, "FISCAL", f.findMateria)

	// Submitted filter values round-trip into the form.
	require.Contains(t, rec.Body.String(), `value="Quinta Época"`)
	require.Contains(t, rec.Body.String(), `value="FISCAL"`)
}

func TestIndexBeforeStoreReady(t *testing.T) {
	var rec = serve(&fakeStore{pingErr: errors.New("dial tcp: connection refused")}, "GET", "/")

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Contains(t, rec.Body.String(), `http-equiv="refresh"`)
	require.Contains(t, rec.Body.String(), "Conectando a la base de datos")
}

func TestRetryErrors(t *testing.T) {
	var f = &fakeStore{retried: 25}
	var rec = serve(f, "POST", "/retry-errors?limit=25")

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 25, f.retryLimit)

	var out struct {
		Retried int64 `json:"retried"`
		Limit   int   `json:"limit"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Equal(t, int64(25), out.Retried)
	require.Equal(t, 25, out.Limit)
}

func TestRetryErrorsUnbounded(t *testing.T) {
	var f = new(fakeStore)
	var rec = serve(f, "POST", "/retry-errors")

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 1, f.retryCalls)
	require.Zero(t, f.retryLimit, "no limit means retry everything")
}

func TestRetryErrorsRejectsBadLimit(t *testing.T) {
	for _, limit := range []string{"0", "-3", "abc"} {
		var f = new(fakeStore)
		var rec = serve(f, "POST", "/retry-errors?limit="+limit)
		require.Equal(t, http.StatusBadRequest, rec.Code, "limit %q", limit)
		require.Zero(t, f.retryCalls)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	var rec = serve(new(fakeStore), "GET", "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "go_goroutines")
}
