package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"
	log "github.com/sirupsen/logrus"
	mbp "go.gazette.dev/core/mainboilerplate"
	"go.gazette.dev/core/task"

	"github.com/HaggiTlahuisca/jurisprudencia/go/fetch"
	"github.com/HaggiTlahuisca/jurisprudencia/go/seed"
	"github.com/HaggiTlahuisca/jurisprudencia/go/store"
	"github.com/HaggiTlahuisca/jurisprudencia/go/vectorize"
	"github.com/HaggiTlahuisca/jurisprudencia/go/worker"
)

const iniFilename = "acervo.ini"

// Config is the top-level configuration object of the acervo worker.
var Config = new(struct {
	Store struct {
		URI string `long:"uri" env:"STORE_URI" required:"true" description:"Postgres connection string of the shared store"`
		DB  string `long:"db" env:"DB_NAME" default:"tepantlatia_db" description:"Schema holding the queues and artifact collections"`
	} `group:"Store" namespace:"store"`

	Embed struct {
		APIKey string `long:"api-key" env:"EMBED_API_KEY" required:"true" description:"Embedding service API key"`
		Model  string `long:"model" env:"EMBED_MODEL" default:"text-embedding-3-small" description:"Embedding model"`
	} `group:"Embedding" namespace:"embed"`

	Primary struct {
		URLBase    string `long:"url-base" env:"PRIMARY_URL_BASE" default:"https://bicentenario.scjn.gob.mx/repositorio-scjn/api/v1/tesis/" description:"Thesis endpoint base URL, with trailing slash"`
		TimeoutSec int    `long:"timeout" env:"PRIMARY_TIMEOUT_SEC" default:"10" description:"Per-request fetch deadline in seconds (clamped to 20)"`
	} `group:"Primary source" namespace:"primary"`

	Retry struct {
		Attempts    int     `long:"attempts" env:"RETRY_ATTEMPTS" default:"3" description:"Fetch attempts per dispatch"`
		BackoffBase float64 `long:"backoff-base" env:"RETRY_BACKOFF_BASE" default:"1.0" description:"Exponential backoff base, seconds"`
		JitterMax   float64 `long:"jitter-max" env:"RETRY_JITTER_MAX" default:"0.6" description:"Additive full-jitter bound, seconds"`
	} `group:"Retry" namespace:"retry"`

	Scheduler struct {
		WeightPrimary   int     `long:"w-primary" env:"W_PRIMARY" default:"6" description:"Round-robin share of the primary queue"`
		WeightSecondary int     `long:"w-secondary" env:"W_SECONDARY" default:"1" description:"Round-robin share of the secondary queue"`
		NormalPaceSec   float64 `long:"pace" env:"NORMAL_PACE_SEC" default:"0.35" description:"Sleep after each dispatch, seconds"`
		LockStaleMin    int     `long:"lock-stale" env:"LOCK_STALE_MIN" default:"30" description:"Minutes before a processing claim is considered abandoned"`
		MaxConsecErrors int     `long:"max-consec-errors" env:"MAX_CONSEC_ERRORS" default:"5" description:"Consecutive upstream transients which trip the global pause"`
		GlobalPauseSec  int     `long:"global-pause" env:"GLOBAL_PAUSE_SEC" default:"1200" description:"Global pause duration, seconds"`
	} `group:"Scheduler" namespace:"scheduler"`

	Defer struct {
		IntervalMin     int `long:"interval" env:"DEFER_INTERVAL_MIN" default:"60" description:"Minutes before a deferred entry becomes runnable again"`
		UnavailableDays int `long:"unavailable-budget" env:"UNAVAILABLE_BUDGET_DAYS" default:"3" description:"Entry age in days beyond which transient failures give up"`
	} `group:"Defer" namespace:"defer"`

	Vector struct {
		RangeOnly     bool `long:"range-only" env:"VECTOR_RANGE_ONLY" description:"Vectorize primary items only within the year range"`
		YearMin       int  `long:"year-min" env:"YEAR_MIN" default:"1980"`
		YearMax       int  `long:"year-max" env:"YEAR_MAX" default:"2026"`
		IfYearUnknown bool `long:"if-year-unknown" env:"VECTOR_IF_YEAR_UNKNOWN" description:"Vectorize items whose year is unknown"`
	} `group:"Vector gating" namespace:"vector"`

	Seed struct {
		Primary bool `long:"primary" env:"SEED_PRIMARY_QUEUE" description:"Seed the primary queue on startup"`
	} `group:"Seeding" namespace:"seed"`

	Log         mbp.LogConfig         `group:"Logging" namespace:"log" env-namespace:"LOG"`
	Diagnostics mbp.DiagnosticsConfig `group:"Debug" namespace:"debug" env-namespace:"DEBUG"`
})

type cmdServe struct{}

func (cmdServe) Execute(_ []string) error {
	defer mbp.InitDiagnosticsAndRecover(Config.Diagnostics)()
	mbp.InitLog(Config.Log)

	log.WithFields(log.Fields{
		"config":    Config,
		"version":   mbp.Version,
		"buildDate": mbp.BuildDate,
	}).Info("acervo-worker configuration")

	var fetchTimeout = time.Duration(Config.Primary.TimeoutSec) * time.Second
	if fetchTimeout > 20*time.Second {
		log.Warn("--primary.timeout exceeds 20s; clamping")
		fetchTimeout = 20 * time.Second
	}

	var tasks = task.NewGroup(context.Background())

	st, err := store.ConnectForever(tasks.Context(), store.Config{
		URI:               Config.Store.URI,
		Schema:            Config.Store.DB,
		DeferInterval:     time.Duration(Config.Defer.IntervalMin) * time.Minute,
		UnavailableBudget: time.Duration(Config.Defer.UnavailableDays) * 24 * time.Hour,
	})
	mbp.Must(err, "connecting to store")
	mbp.Must(st.EnsureSchema(tasks.Context()), "ensuring store schema")

	embedder, err := vectorize.New(Config.Embed.APIKey, Config.Embed.Model)
	mbp.Must(err, "building embedding client")

	mbp.Must(seed.Run(tasks.Context(), st, Config.Seed.Primary), "seeding primary queue")

	var w = worker.New(st, fetch.NewFetcher(fetchTimeout), embedder, worker.Config{
		PrimaryURLBase: Config.Primary.URLBase,
		Retry: fetch.RetryPolicy{
			Attempts:    Config.Retry.Attempts,
			BackoffBase: time.Duration(Config.Retry.BackoffBase * float64(time.Second)),
			JitterMax:   time.Duration(Config.Retry.JitterMax * float64(time.Second)),
		},
		WeightPrimary:       Config.Scheduler.WeightPrimary,
		WeightSecondary:     Config.Scheduler.WeightSecondary,
		NormalPace:          time.Duration(Config.Scheduler.NormalPaceSec * float64(time.Second)),
		LockStale:           time.Duration(Config.Scheduler.LockStaleMin) * time.Minute,
		MaxConsecErrors:     Config.Scheduler.MaxConsecErrors,
		GlobalPause:         time.Duration(Config.Scheduler.GlobalPauseSec) * time.Second,
		VectorRangeOnly:     Config.Vector.RangeOnly,
		YearMin:             Config.Vector.YearMin,
		YearMax:             Config.Vector.YearMax,
		VectorIfYearUnknown: Config.Vector.IfYearUnknown,
	})
	mbp.Must(w.LoadFundamentalStatutes(tasks.Context()), "loading fundamental statutes")

	tasks.Queue("worker.Run", func() error {
		return w.Run(tasks.Context())
	})

	// Install signal handler & start worker tasks.
	var signalCh = make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGTERM, syscall.SIGINT)

	tasks.Queue("watch signalCh", func() error {
		select {
		case sig := <-signalCh:
			log.WithField("signal", sig).Info("caught signal")
			tasks.Cancel()
			return nil
		case <-tasks.Context().Done():
			return nil
		}
	})
	tasks.GoRun()

	mbp.Must(tasks.Wait(), "worker task failed")
	mbp.Must(st.Close(), "closing store")

	log.Info("goodbye")
	return nil
}

func main() {
	var parser = flags.NewParser(Config, flags.Default)

	_, _ = parser.AddCommand("serve", "Serve as acervo ingestion worker", `
Run the acervo ingestion worker with the provided configuration, until
signaled to exit (via SIGTERM).
`, &cmdServe{})

	mbp.AddPrintConfigCmd(parser, iniFilename)
	mbp.MustParseConfig(parser, iniFilename)
}
