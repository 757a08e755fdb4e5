package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/inletworks/bridge/analytics"
	"github.com/inletworks/bridge/buffer"
	"github.com/inletworks/bridge/config"
	"github.com/inletworks/bridge/egress"
	"github.com/inletworks/bridge/enterprise"
	"github.com/inletworks/bridge/ingress"
	"github.com/inletworks/bridge/mapping"
	"github.com/inletworks/bridge/pubsub"
	"github.com/inletworks/bridge/transform"
	"github.com/inletworks/bridge/variable"
	"github.com/jessevdk/go-flags"
	log "github.com/sirupsen/logrus"
	mbp "go.gazette.dev/core/mainboilerplate"
	"go.gazette.dev/core/task"
)

const iniFilename = "bridge.ini"

// Config is the top-level configuration object of a bridge server.
var Config = new(struct {
	Bridge struct {
		Config string `long:"config" env:"CONFIG" default:"bridge.yaml" description:"Path of the bridge configuration file"`
	} `group:"Bridge" namespace:"bridge" env-namespace:"BRIDGE"`

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
	}).Info("bridge configuration")

	var cfg, err = config.Load(Config.Bridge.Config)
	mbp.Must(err, "loading bridge configuration")

	if !cfg.Buffer.Enabled {
		log.Fatal("buffer.enabled is false; the bridge requires its durable buffer")
	}

	opts, err := cfg.Buffer.Options()
	mbp.Must(err, "building buffer options")
	buf, err := buffer.Open(cfg.Buffer.DBPath, opts)
	mbp.Must(err, "opening buffer database")
	defer buf.Close()

	// Re-pend leases orphaned by an unclean shutdown before any worker starts.
	reset, err := buf.ResetProcessing(context.Background())
	mbp.Must(err, "recovering in-flight messages")
	if reset != 0 {
		log.WithField("count", reset).Info("re-queued in-flight messages of a prior run")
	}

	registry, err := mapping.NewRegistry(cfg.Mappings)
	mbp.Must(err, "building mapping registry")
	transformer, err := transform.New(nil)
	mbp.Must(err, "building transformer")

	var (
		analyzer = analytics.New(buf.DB(), cfg.Buffer.DBPath,
			analytics.ThresholdsFromConfig(cfg.Optimization, cfg.Monitoring))
		tasks    = task.NewGroup(context.Background())
		signalCh = make(chan os.Signal, 1)
	)

	// The enterprise connector is both an ingress router, fanning bridge
	// observations out to resource pushes, and an egress applier.
	var connector *enterprise.Connector
	var routers []ingress.Router
	if cfg.Enterprise.Enabled {
		client, err := enterprise.NewClient(cfg.Enterprise)
		mbp.Must(err, "building enterprise client")
		connector = enterprise.NewConnector(cfg.Enterprise, client, buf, nil)
		routers = append(routers, connector)
	}
	var ing = ingress.New(buf, registry, routers...)

	var manager = egress.NewManager(buf, registry, transformer, egress.Options{
		Workers:      cfg.Buffer.WorkerThreads,
		BatchSize:    cfg.Buffer.BatchSize,
		PollInterval: time.Duration(cfg.Buffer.PollIntervalMS) * time.Millisecond,
	})

	if cfg.PubSub.Enabled {
		var adapter = pubsub.NewAdapter(cfg.PubSub, registry, ing)
		mbp.Must(adapter.Connect(tasks.Context()), "connecting to broker")
		defer adapter.Close()

		manager.Register(string(mapping.SidePubSub), adapter)
	}
	if cfg.Variable.Enabled {
		var adapter = variable.NewAdapter(cfg.Variable, registry, ing)
		mbp.Must(adapter.Connect(tasks.Context()), "connecting to address space")
		defer adapter.Close(context.Background())

		manager.Register(string(mapping.SideVariable), adapter)
		tasks.Queue("variable.monitor", func() error {
			return adapter.Run(tasks.Context())
		})
	}
	if connector != nil {
		manager.Register(string(mapping.SideEnterprise), connector)
		connector.QueueTasks(tasks)
	}

	manager.QueueTasks(tasks)
	queueMaintenance(tasks, buf, analyzer, cfg)

	log.WithFields(log.Fields{
		"db":       cfg.Buffer.DBPath,
		"mappings": len(registry.All()),
		"workers":  cfg.Buffer.WorkerThreads,
	}).Info("starting bridge")

	// Install signal handler & start bridge tasks.
	signal.Notify(signalCh, syscall.SIGTERM, syscall.SIGINT)

	tasks.Queue("watch signalCh", func() error {
		select {
		case sig := <-signalCh:
			log.WithField("signal", sig).Info("caught signal")
			tasks.Cancel()
		case <-tasks.Context().Done():
		}
		return nil
	})
	tasks.GoRun()

	// Block until all tasks complete. Assert none returned an error.
	mbp.Must(tasks.Wait(), "bridge task failed")
	log.Info("goodbye")

	return nil
}

func main() {
	var parser = flags.NewParser(Config, flags.Default)

	_, _ = parser.AddCommand("serve", "Serve as bridge", `
Serve a bridge with the provided configuration, until signaled to
exit (via SIGTERM).
`, &cmdServe{})

	mbp.AddPrintConfigCmd(parser, iniFilename)
	mbp.MustParseConfig(parser, iniFilename)
}
