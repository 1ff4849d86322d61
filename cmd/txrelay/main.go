package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/copperline/txrelay/runtime"
	"github.com/jessevdk/go-flags"
	log "github.com/sirupsen/logrus"
	mbp "go.gazette.dev/core/mainboilerplate"
	"go.gazette.dev/core/task"
)

const iniFilename = "txrelay.ini"

// Config is the top-level configuration object of the relay.
var Config = new(runtime.Config)

type cmdServe struct{}

func (cmdServe) Execute(_ []string) error {
	defer mbp.InitDiagnosticsAndRecover(Config.Diagnostics)()
	mbp.InitLog(Config.Log)

	log.WithFields(log.Fields{
		"config":    Config,
		"version":   mbp.Version,
		"buildDate": mbp.BuildDate,
	}).Info("relay configuration")

	mbp.Must(Config.Validate(), "invalid configuration")

	app, err := runtime.NewApp(context.Background(), Config.Relay, mbp.Version)
	mbp.Must(err, "building relay")

	var (
		tasks    = task.NewGroup(context.Background())
		signalCh = make(chan os.Signal, 1)
	)
	app.QueueTasks(tasks)

	// Install signal handler & start relay tasks.
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

	// Block until all tasks complete. Assert none returned an error.
	mbp.Must(tasks.Wait(), "relay task failed")
	log.Info("goodbye")

	return nil
}

func main() {
	var parser = flags.NewParser(Config, flags.Default)

	_, _ = parser.AddCommand("serve", "Serve as transaction relay", `
Serve a transaction relay with the provided configuration, until signaled to
exit (via SIGTERM). Accepted transactions are durably queued and forwarded to
the posting service with at-least-once delivery.
`, &cmdServe{})

	mbp.AddPrintConfigCmd(parser, iniFilename)
	mbp.MustParseConfig(parser, iniFilename)
}
