package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/HaggiTlahuisca/jurisprudencia/go/fetch"
	"github.com/HaggiTlahuisca/jurisprudencia/go/queue"
	"github.com/HaggiTlahuisca/jurisprudencia/go/store"
	"github.com/HaggiTlahuisca/jurisprudencia/go/vectorize"
)

// tesisRecord is the upstream JSON shape of one SCJN/SJF thesis.
// The materia facet arrives in several shapes; see decodeMateria.
type tesisRecord struct {
	Rubro     string          `json:"rubro"`
	Texto     string          `json:"texto"`
	Epoca     string          `json:"epoca"`
	Anio      int             `json:"anio"`
	Mes       int             `json:"mes"`
	TipoTesis string          `json:"tipoTesis"`
	Instancia string          `json:"instancia"`
	Materias  json.RawMessage `json:"materias"`
	Materia   json.RawMessage `json:"materia"`
}

// processPrimary ingests one claimed primary-queue entry: fetch the thesis
// by registro, vectorize per the year gate, upsert the artifact, and mark
// the entry. |transient| reports an upstream-transient signal which feeds
// the worker's adaptive pause.
func (w *Worker) processPrimary(ctx context.Context, entry *queue.Entry) (ok, transient bool) {
	var registro = entry.Registro
	var logE = log.WithFields(log.Fields{"queue": queue.Primary, "registro": registro})

	// Already ingested? Marks completed and stops. This makes reprocessing
	// idempotent across restarts and concurrent workers.
	if w.processed.Contains(registro) {
		if err := w.store.MarkCompleted(ctx, queue.Primary, registro); err != nil {
			logE.WithField("err", err).Warn("mark completed failed")
			return false, false
		}
		return true, false
	}
	if done, err := w.store.IsProcessed(ctx, store.AcervoHistorico, registro); err != nil {
		// Store hiccup: leave the entry in processing; the stale-lock
		// reaper returns it to pending if we never come back.
		logE.WithField("err", err).Warn("processed check failed")
		return false, false
	} else if done {
		w.processed.Add(registro, struct{}{})
		if err = w.store.MarkCompleted(ctx, queue.Primary, registro); err != nil {
			logE.WithField("err", err).Warn("mark completed failed")
			return false, false
		}
		return true, false
	}

	status, body, err := w.fetcher.FetchWithRetry(ctx, w.cfg.PrimaryURLBase+registro, w.cfg.Retry)
	if err != nil {
		w.deferEntry(ctx, queue.Primary, registro, "transport: "+err.Error())
		return false, true
	}

	switch fetch.Classify(status) {
	case fetch.Success:
		// Fall through to parsing.
	case fetch.Retryable:
		w.deferEntry(ctx, queue.Primary, registro, fmt.Sprintf("HTTP %d", status))
		return false, true
	case fetch.TerminalAbsent, fetch.TerminalOther:
		logE.WithField("status", status).Info("upstream rejected registro, draining")
		w.drain(ctx, queue.Primary, registro, fmt.Sprintf("HTTP %d", status))
		return true, false
	}

	var rec tesisRecord
	if err = json.Unmarshal(body, &rec); err != nil {
		w.drain(ctx, queue.Primary, registro, "invalid JSON: "+err.Error())
		return false, false
	}
	rec.Rubro = strings.TrimSpace(rec.Rubro)
	rec.Texto = strings.TrimSpace(rec.Texto)
	if rec.Rubro == "" || rec.Texto == "" {
		w.drain(ctx, queue.Primary, registro, "sin rubro o texto")
		return false, false
	}
	if rec.Epoca == "" {
		rec.Epoca = "N/A"
	}

	var materia = decodeMateria(rec.Materias, rec.Materia)
	var artifact = &store.Artifact{
		Registro:  registro,
		Rubro:     rec.Rubro,
		Texto:     rec.Texto,
		Epoca:     rec.Epoca,
		Materia:   materia,
		Anio:      rec.Anio,
		Mes:       rec.Mes,
		TipoTesis: rec.TipoTesis,
		Instancia: rec.Instancia,
		Fuente:    "Repositorio Bicentenario",
		Processed: true,
	}

	if w.shouldVectorize(rec.Anio) {
		vector, embedded := w.embedder.Embed(ctx, vectorize.PrimaryPrompt(vectorize.PrimaryFields{
			Registro:  registro,
			Anio:      rec.Anio,
			Mes:       rec.Mes,
			TipoTesis: rec.TipoTesis,
			Epoca:     rec.Epoca,
			Instancia: rec.Instancia,
			Materias:  materia,
			Rubro:     rec.Rubro,
			Texto:     rec.Texto,
		}))
		if !embedded {
			// Left in error for operator replay via retry-errors.
			if err = w.store.MarkError(ctx, queue.Primary, registro, "error al vectorizar"); err != nil {
				logE.WithField("err", err).Warn("mark error failed")
			}
			return false, false
		}
		artifact.Vector, artifact.Vectorized = vector, true
	}

	if err = w.store.UpsertArtifact(ctx, store.AcervoHistorico, artifact); err != nil {
		logE.WithField("err", err).Warn("artifact upsert failed")
		return false, false
	}
	w.processed.Add(registro, struct{}{})

	if err = w.store.MarkCompleted(ctx, queue.Primary, registro); err != nil {
		logE.WithField("err", err).Warn("mark completed failed")
		return false, false
	}
	logE.WithField("vectorized", artifact.Vectorized).Info("registro ingested")
	return true, false
}

func (w *Worker) deferEntry(ctx context.Context, q queue.Name, registro, msg string) {
	if err := w.store.MarkDeferredOrUnavailable(ctx, q, registro, msg); err != nil {
		log.WithFields(log.Fields{"queue": q, "registro": registro, "err": err}).
			Warn("defer failed")
	}
}

// shouldVectorize applies the year-range gate to primary items.
func (w *Worker) shouldVectorize(anio int) bool {
	if !w.cfg.VectorRangeOnly {
		return true
	}
	if anio == 0 {
		return w.cfg.VectorIfYearUnknown
	}
	return anio >= w.cfg.YearMin && anio <= w.cfg.YearMax
}

// subjectObject is the object form of the materia facet.
type subjectObject struct {
	Descripcion string `json:"descripcion"`
	Clave       string `json:"clave"`
}

func (o subjectObject) value() string {
	if o.Descripcion != "" {
		return o.Descripcion
	}
	return o.Clave
}

// decodeMateria normalizes the subject facet, which the upstream delivers
// as a string, a list of strings, an object with descripcion/clave, or a
// list of such objects. The first raw value which decodes to something
// non-empty wins; the fallback is "N/A".
func decodeMateria(raws ...json.RawMessage) string {
	for _, raw := range raws {
		if v := decodeSubject(raw); v != "" {
			return v
		}
	}
	return "N/A"
}

func decodeSubject(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}

	var s string
	if json.Unmarshal(raw, &s) == nil {
		return strings.TrimSpace(s)
	}

	var list []string
	if json.Unmarshal(raw, &list) == nil {
		return strings.Join(list, ", ")
	}

	var obj subjectObject
	if json.Unmarshal(raw, &obj) == nil && obj.value() != "" {
		return obj.value()
	}

	var objs []subjectObject
	if json.Unmarshal(raw, &objs) == nil && len(objs) > 0 {
		var parts = make([]string, len(objs))
		for i, o := range objs {
			if parts[i] = o.value(); parts[i] == "" {
				parts[i] = "N/A"
			}
		}
		return strings.Join(parts, ", ")
	}
	return ""
}
