// Package dashboard serves the read-only worker dashboard: queue counters,
// the most recent artifacts, Prometheus metrics, and the operator
// retry-errors endpoint. It shares the store handle with the worker but
// never mutates queue entries except through RetryErrors.
package dashboard

import (
	"context"
	"encoding/json"
	"html/template"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/HaggiTlahuisca/jurisprudencia/go/queue"
	"github.com/HaggiTlahuisca/jurisprudencia/go/store"
)

// recentLimit is the number of artifacts listed on the dashboard page.
const recentLimit = 10

// Store is the read-mostly store surface the dashboard consumes.
type Store interface {
	Ping(ctx context.Context) error
	QueueCounts(ctx context.Context, q queue.Name) (store.Counts, error)
	FindRecent(ctx context.Context, collection, epoca, materia string, limit int) ([]store.Artifact, error)
	RetryErrors(ctx context.Context, q queue.Name, limit int) (int64, error)
}

var _ Store = (*store.Store)(nil)

// Server renders the dashboard.
type Server struct {
	store Store
}

// NewServer returns a Server over |s|.
func NewServer(s Store) *Server { return &Server{store: s} }

// Routes builds the dashboard's HTTP handler.
func (s *Server) Routes() http.Handler {
	var r = chi.NewRouter()
	r.Get("/health", s.handleHealth)
	r.Get("/", s.handleIndex)
	r.Post("/retry-errors", s.handleRetryErrors)
	r.Handle("/metrics", promhttp.Handler())
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type pageData struct {
	Counts  store.Counts
	Epoca   string
	Materia string
	Recent  []store.Artifact
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	var ctx = r.Context()

	if err := s.store.Ping(ctx); err != nil {
		log.WithField("err", err).Warn("dashboard: store not ready")
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(notReadyHTML))
		return
	}

	var data = pageData{
		Epoca:   r.URL.Query().Get("epoca"),
		Materia: r.URL.Query().Get("materia"),
	}

	counts, err := s.store.QueueCounts(ctx, queue.Primary)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	data.Counts = counts

	recent, err := s.store.FindRecent(ctx, store.AcervoHistorico, data.Epoca, data.Materia, recentLimit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	data.Recent = recent

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err = indexTemplate.Execute(w, data); err != nil {
		log.WithField("err", err).Warn("dashboard: template render failed")
	}
}

func (s *Server) handleRetryErrors(w http.ResponseWriter, r *http.Request) {
	var limit int
	if raw := r.URL.Query().Get("limit"); raw != "" {
		var err error
		if limit, err = strconv.Atoi(raw); err != nil || limit < 1 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
	}

	count, err := s.store.RetryErrors(r.Context(), queue.Primary, limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	log.WithFields(log.Fields{"retried": count, "limit": limit}).Info("retry-errors requested")
	writeJSON(w, http.StatusOK, map[string]interface{}{"retried": count, "limit": limit})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

const notReadyHTML = `<html><head><meta http-equiv="refresh" content="5"></head>
<body><h1>Conectando a la base de datos...</h1>
<p>La API está iniciando. Recarga en unos segundos.</p></body></html>`

var indexTemplate = template.Must(template.New("index").Funcs(template.FuncMap{
	"clip": func(s string) string {
		if r := []rune(s); len(r) > 80 {
			return string(r[:80]) + "..."
		}
		return s
	},
}).Parse(`<html>
<head>
	<title>Acervo Worker Dashboard</title>
	<style>
		body { font-family: system-ui, sans-serif; margin: 2rem; }
		.cards { display: flex; gap: 1rem; margin-bottom: 2rem; flex-wrap: wrap; }
		.card { padding: 1rem 1.5rem; border-radius: 8px; background: #f5f5f5; }
		table { border-collapse: collapse; width: 100%; }
		th, td { border: 1px solid #ddd; padding: 8px; font-size: 0.9rem; }
		th { background: #eee; }
		form { margin-bottom: 1.5rem; }
		label { margin-right: 0.5rem; }
		input { margin-right: 1rem; }
	</style>
</head>
<body>
	<h1>Acervo Worker Dashboard</h1>
	<div class="cards">
		<div class="card"><strong>Total en cola:</strong> {{.Counts.Total}}</div>
		<div class="card"><strong>Pendientes:</strong> {{.Counts.Pending}}</div>
		<div class="card"><strong>Procesando:</strong> {{.Counts.Processing}}</div>
		<div class="card"><strong>Completados:</strong> {{.Counts.Completed}}</div>
		<div class="card"><strong>Errores:</strong> {{.Counts.Error}}</div>
	</div>

	<h2>Filtros</h2>
	<form method="get" action="/">
		<label>Época:</label>
		<input type="text" name="epoca" value="{{.Epoca}}" />
		<label>Materia:</label>
		<input type="text" name="materia" value="{{.Materia}}" />
		<button type="submit">Filtrar</button>
	</form>

	<h2>Últimos {{len .Recent}} registros procesados</h2>
	<table>
		<tr>
			<th>Registro</th>
			<th>Rubro</th>
			<th>Época</th>
			<th>Materia</th>
		</tr>
		{{range .Recent}}<tr>
			<td>{{.Registro}}</td>
			<td>{{clip .Rubro}}</td>
			<td>{{.Epoca}}</td>
			<td>{{.Materia}}</td>
		</tr>
		{{end}}
	</table>
</body>
</html>`))
