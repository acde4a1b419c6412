package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"
	log "github.com/sirupsen/logrus"
	mbp "go.gazette.dev/core/mainboilerplate"
	"go.gazette.dev/core/task"

	"github.com/HaggiTlahuisca/jurisprudencia/go/dashboard"
	"github.com/HaggiTlahuisca/jurisprudencia/go/store"
)

const iniFilename = "acervo.ini"

// Config is the top-level configuration object of the acervo dashboard.
var Config = new(struct {
	Store struct {
		URI string `long:"uri" env:"STORE_URI" required:"true" description:"Postgres connection string of the shared store"`
		DB  string `long:"db" env:"DB_NAME" default:"tepantlatia_db" description:"Schema holding the queues and artifact collections"`
	} `group:"Store" namespace:"store"`

	Dashboard struct {
		Port int `long:"port" env:"DASHBOARD_PORT" default:"8080" description:"Port to serve the dashboard on"`
	} `group:"Dashboard" namespace:"dashboard"`

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
	}).Info("acervo-dashboard configuration")

	var tasks = task.NewGroup(context.Background())

	// The dashboard tolerates an unreachable store: requests 503 until the
	// worker's schema exists and the store answers pings.
	st, err := store.Open(store.Config{
		URI:    Config.Store.URI,
		Schema: Config.Store.DB,
	})
	mbp.Must(err, "opening store handle")

	var srv = &http.Server{
		Addr:    fmt.Sprintf(":%d", Config.Dashboard.Port),
		Handler: dashboard.NewServer(st).Routes(),
	}

	tasks.Queue("dashboard.Serve", func() error {
		log.WithField("addr", srv.Addr).Info("starting acervo-dashboard")
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	// Install signal handler & start tasks.
	var signalCh = make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGTERM, syscall.SIGINT)

	tasks.Queue("watch signalCh", func() error {
		select {
		case sig := <-signalCh:
			log.WithField("signal", sig).Info("caught signal")
		case <-tasks.Context().Done():
		}
		var ctx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		tasks.Cancel()
		return srv.Shutdown(ctx)
	})
	tasks.GoRun()

	mbp.Must(tasks.Wait(), "dashboard task failed")
	mbp.Must(st.Close(), "closing store")

	log.Info("goodbye")
	return nil
}

func main() {
	var parser = flags.NewParser(Config, flags.Default)

	_, _ = parser.AddCommand("serve", "Serve the acervo dashboard", `
Serve the read-only acervo dashboard with the provided configuration,
until signaled to exit (via SIGTERM).
`, &cmdServe{})

	mbp.AddPrintConfigCmd(parser, iniFilename)
	mbp.MustParseConfig(parser, iniFilename)
}
