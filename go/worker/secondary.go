package worker

import (
	"context"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/HaggiTlahuisca/jurisprudencia/go/queue"
	"github.com/HaggiTlahuisca/jurisprudencia/go/store"
	"github.com/HaggiTlahuisca/jurisprudencia/go/vectorize"
)

// processSecondary ingests one claimed TFJA entry. The document travels
// inline in the queue entry, so there is no upstream fetch and no transient
// outcome; items are always vectorized, with no year gate.
func (w *Worker) processSecondary(ctx context.Context, entry *queue.Entry) (ok, transient bool) {
	var registro = entry.Registro
	var logE = log.WithFields(log.Fields{"queue": queue.Secondary, "registro": registro})

	if done, err := w.store.IsProcessed(ctx, store.AcervoTFJA, registro); err != nil {
		logE.WithField("err", err).Warn("processed check failed")
		return false, false
	} else if done {
		if err = w.store.MarkCompleted(ctx, queue.Secondary, registro); err != nil {
			logE.WithField("err", err).Warn("mark completed failed")
			return false, false
		}
		return true, false
	}

	if entry.Payload == nil {
		if err := w.store.MarkError(ctx, queue.Secondary, registro, "entrada sin payload"); err != nil {
			logE.WithField("err", err).Warn("mark error failed")
		}
		return false, false
	}
	var p = *entry.Payload
	p.Rubro = strings.TrimSpace(p.Rubro)
	p.Texto = strings.TrimSpace(p.Texto)
	if p.Rubro == "" || p.Texto == "" {
		w.drain(ctx, queue.Secondary, registro, "sin rubro o texto")
		return false, false
	}
	if p.Epoca == "" {
		p.Epoca = "N/A"
	}
	if p.Materia == "" {
		p.Materia = "N/A"
	}

	vector, embedded := w.embedder.Embed(ctx, vectorize.SecondaryPrompt(vectorize.SecondaryFields{
		Epoca: p.Epoca,
		Anio:  p.Anio,
		Mes:   p.Mes,
		Rubro: p.Rubro,
		Texto: p.Texto,
	}))
	if !embedded {
		if err := w.store.MarkError(ctx, queue.Secondary, registro, "error al vectorizar"); err != nil {
			logE.WithField("err", err).Warn("mark error failed")
		}
		return false, false
	}

	var artifact = &store.Artifact{
		Registro:   registro,
		Rubro:      p.Rubro,
		Texto:      p.Texto,
		Epoca:      p.Epoca,
		Materia:    p.Materia,
		Anio:       p.Anio,
		Mes:        p.Mes,
		Fuente:     "TFJA",
		Vector:     vector,
		Vectorized: true,
		Processed:  true,
	}
	if err := w.store.UpsertArtifact(ctx, store.AcervoTFJA, artifact); err != nil {
		logE.WithField("err", err).Warn("artifact upsert failed")
		return false, false
	}
	if err := w.store.MarkCompleted(ctx, queue.Secondary, registro); err != nil {
		logE.WithField("err", err).Warn("mark completed failed")
		return false, false
	}
	logE.Info("registro ingested")
	return true, false
}
