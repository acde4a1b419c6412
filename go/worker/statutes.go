package worker

import (
	"context"

	log "github.com/sirupsen/logrus"

	"github.com/HaggiTlahuisca/jurisprudencia/go/store"
)

// fundamentalStatutes are the fixed statutory articles loaded at startup,
// alongside the crawled corpus.
var fundamentalStatutes = []store.Artifact{
	{
		Registro: "L-CFF-38",
		Rubro:    "CFF ARTÍCULO 38 - REQUISITOS DE LOS ACTOS ADMINISTRATIVOS",
		Texto:    "Los actos administrativos que se deban notificar deberán contener...",
		Epoca:    "LEY VIGENTE",
		Materia:  "FISCAL",
	},
	{
		Registro: "L-CFF-42",
		Rubro:    "CFF ARTÍCULO 42 - FACULTADES DE COMPROBACIÓN",
		Texto:    "Las autoridades fiscales a fin de comprobar...",
		Epoca:    "LEY VIGENTE",
		Materia:  "FISCAL",
	},
}

// LoadFundamentalStatutes upserts the fixed statutory articles into the
// primary artifact collection with embeddings. Idempotent: articles already
// processed are skipped. A failed embedding skips the article and is
// retried on the next startup.
func (w *Worker) LoadFundamentalStatutes(ctx context.Context) error {
	for _, statute := range fundamentalStatutes {
		var logE = log.WithField("registro", statute.Registro)

		done, err := w.store.IsProcessed(ctx, store.AcervoHistorico, statute.Registro)
		if err != nil {
			return err
		} else if done {
			logE.Debug("statute already loaded")
			continue
		}

		vector, embedded := w.embedder.Embed(ctx, statute.Rubro+" "+statute.Texto)
		if !embedded {
			logE.Warn("statute embedding failed, skipping")
			continue
		}

		var artifact = statute
		artifact.Fuente = "Ley"
		artifact.Vector = vector
		artifact.Vectorized = true
		artifact.Processed = true

		if err = w.store.UpsertArtifact(ctx, store.AcervoHistorico, &artifact); err != nil {
			return err
		}
		logE.Info("statute loaded")
	}
	return nil
}
