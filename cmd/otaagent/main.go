package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/ZerkerEOD/otaagent/internal/agent"
	"github.com/ZerkerEOD/otaagent/internal/buffer"
	"github.com/ZerkerEOD/otaagent/internal/config"
	"github.com/ZerkerEOD/otaagent/internal/controlplane"
	"github.com/ZerkerEOD/otaagent/internal/controlplane/mqttjobs"
	"github.com/ZerkerEOD/otaagent/internal/controlplane/wsjobs"
	"github.com/ZerkerEOD/otaagent/internal/dataplane"
	"github.com/ZerkerEOD/otaagent/internal/dataplane/httprange"
	"github.com/ZerkerEOD/otaagent/internal/dataplane/mqttstream"
	"github.com/ZerkerEOD/otaagent/internal/dataplane/objectstore"
	"github.com/ZerkerEOD/otaagent/internal/heartbeat"
	"github.com/ZerkerEOD/otaagent/internal/metrics"
	"github.com/ZerkerEOD/otaagent/internal/mqttclient"
	"github.com/ZerkerEOD/otaagent/internal/osal"
	"github.com/ZerkerEOD/otaagent/internal/sigverify"
	"github.com/ZerkerEOD/otaagent/internal/storage"
	agenttls "github.com/ZerkerEOD/otaagent/internal/tls"
	"github.com/ZerkerEOD/otaagent/internal/version"
	"github.com/ZerkerEOD/otaagent/pkg/console"
	"github.com/ZerkerEOD/otaagent/pkg/debug"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/joho/godotenv"
	"github.com/spf13/afero"
	"github.com/urfave/cli/v2"
)

const httpTimeout = 30 * time.Second

func main() {
	app := &cli.App{
		Name:    "otaagent",
		Usage:   "receive, verify and activate firmware images pushed as jobs",
		Version: version.GetVersion(),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to a YAML configuration file",
				EnvVars: []string{"OTA_CONFIG"},
			},
			&cli.StringFlag{
				Name:  "env-file",
				Value: ".env",
				Usage: "dotenv file loaded before the configuration",
			},
			&cli.StringFlag{
				Name:    "thing",
				Usage:   "thing name of this device",
				EnvVars: []string{"OTA_THING_NAME"},
			},
			&cli.StringFlag{
				Name:    "data-dir",
				Usage:   "directory for images, image state and buffered reports",
				EnvVars: []string{"OTA_DATA_DIR"},
			},
			&cli.BoolFlag{
				Name:    "debug",
				Usage:   "enable debug logging",
				EnvVars: []string{"DEBUG"},
			},
		},
		Before: func(c *cli.Context) error {
			if path := c.String("env-file"); path != "" {
				if err := godotenv.Load(path); err != nil && !os.IsNotExist(err) {
					return fmt.Errorf("failed to load %s: %w", path, err)
				}
			}
			if c.Bool("debug") {
				os.Setenv("DEBUG", "true")
				os.Setenv("LOG_LEVEL", "DEBUG")
			}
			debug.Reinitialize()
			return nil
		},
		Action: run,
		Commands: []*cli.Command{
			{
				Name:   "state",
				Usage:  "print the persisted image state",
				Action: printState,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		console.Error("%v", err)
		debug.Sync()
		os.Exit(1)
	}
	debug.Sync()
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, err
	}
	if thing := c.String("thing"); thing != "" {
		cfg.ThingName = thing
	}
	if dir := c.String("data-dir"); dir != "" {
		cfg.DataDir = dir
	}
	return cfg, nil
}

func printState(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	store, err := storage.New(afero.NewOsFs(), cfg.ImageDir())
	if err != nil {
		return err
	}
	rec, err := store.LoadImageState()
	if err != nil {
		return err
	}
	if rec.State == storage.ImageUnknown {
		console.Info("No image state recorded")
		return nil
	}
	console.Info("Image %s for job %s: %s (updated %s)",
		rec.FileName, rec.JobID, rec.State, rec.UpdatedAt.Format(time.RFC3339))
	return nil
}

func run(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	ctx, cancel := context.WithCancel(c.Context)
	defer cancel()

	console.Status("otaagent %s starting as %s", version.GetVersion(), cfg.ThingName)

	provider, err := osal.New(cfg.OSProvider)
	if err != nil {
		return err
	}

	tlsConfig, err := agenttls.NewConfig(cfg.CertDir).LoadClientTLS()
	if err != nil {
		return fmt.Errorf("failed to load TLS configuration: %w", err)
	}

	fs := afero.NewOsFs()
	store, err := storage.New(fs, cfg.ImageDir())
	if err != nil {
		return err
	}

	var mqttClient mqtt.Client
	if needsMQTT(cfg) {
		mqttClient, err = mqttclient.Connect(ctx, cfg.MQTT, cfg.ThingName, tlsConfig)
		if err != nil {
			return err
		}
		defer mqttClient.Disconnect(250)
	}

	control, err := newControlChannel(cfg, fs, mqttClient, tlsConfig)
	if err != nil {
		return err
	}
	defer control.Close()

	// The stream channel reads the client token from the agent built below.
	var ag *agent.Agent
	channels, err := newDataChannels(cfg, mqttClient, tlsConfig, func() string { return ag.ClientToken() })
	if err != nil {
		return err
	}

	opts, err := agent.OptionsFromConfig(cfg)
	if err != nil {
		return err
	}
	ag, err = agent.New(agent.Deps{
		OS:       provider,
		Control:  control,
		Data:     channels,
		Store:    store,
		Verifier: sigverify.New(fs, cfg.CertDir),
	}, opts)
	if err != nil {
		return err
	}

	watchSignals(ctx, ag)

	collector := metrics.New(metrics.Config{ImagePath: cfg.ImageDir()})
	go heartbeat.Start(ctx, cfg.TelemetryInterval, func() {
		logTelemetry(ag, collector)
	})

	err = ag.Run(ctx)
	logTelemetry(ag, collector)
	if err != nil {
		return fmt.Errorf("agent stopped: %w", err)
	}
	console.Success("otaagent stopped")
	return nil
}

func needsMQTT(cfg *config.Config) bool {
	if cfg.ControlTransport == config.TransportMQTT {
		return true
	}
	for _, p := range cfg.DataProtocols {
		if p == config.TransportMQTT {
			return true
		}
	}
	return false
}

func newControlChannel(cfg *config.Config, fs afero.Fs, client mqtt.Client, tlsConfig *tls.Config) (controlplane.Channel, error) {
	switch cfg.ControlTransport {
	case config.TransportMQTT:
		return mqttjobs.New(client, cfg.ThingName), nil
	case config.TransportWebsocket:
		sb, err := buffer.NewStatusBuffer(fs, cfg.DataDir)
		if err != nil {
			return nil, err
		}
		return wsjobs.NewConnection(cfg.WebsocketURL, cfg.ThingName, tlsConfig, sb, wsjobs.TimingFromEnv()), nil
	default:
		return nil, fmt.Errorf("unknown control transport %q", cfg.ControlTransport)
	}
}

func newDataChannels(cfg *config.Config, client mqtt.Client, tlsConfig *tls.Config, clientToken func() string) ([]dataplane.Channel, error) {
	var channels []dataplane.Channel
	for _, p := range cfg.DataProtocols {
		switch p {
		case config.TransportMQTT:
			channels = append(channels, mqttstream.New(client, cfg.ThingName, clientToken))
		case config.TransportHTTP:
			httpClient := &http.Client{
				Timeout:   httpTimeout,
				Transport: &http.Transport{TLSClientConfig: tlsConfig},
			}
			channels = append(channels, httprange.NewChannel(httpClient, httpTimeout))
		case config.TransportS3:
			mc, err := objectstore.NewClient(cfg.ObjectStore)
			if err != nil {
				return nil, err
			}
			channels = append(channels, objectstore.NewChannel(mc, cfg.ObjectStore.Bucket))
		default:
			return nil, fmt.Errorf("unknown data protocol %q", p)
		}
	}
	return channels, nil
}

func logTelemetry(ag *agent.Agent, collector *metrics.Collector) {
	stats := ag.Statistics()
	sys := collector.Collect()
	debug.Info("state=%s job=%q momentum=%d packets received=%d queued=%d processed=%d dropped=%d cpu=%.1f%% mem=%.1f%% disk_free=%s",
		ag.State(), ag.CurrentJob(), ag.Momentum(),
		stats.PacketsReceived, stats.PacketsQueued, stats.PacketsProcessed, stats.PacketsDropped,
		sys.CPUUsage, sys.MemoryUsage, console.FormatBytes(int64(sys.DiskFree)))

	if p, ok := ag.Progress(); ok {
		console.Progress("%s", console.Transfer{
			File:        p.FilePath,
			Blocks:      p.Received,
			TotalBlocks: p.Total,
			BlockSize:   p.BlockSize,
		})
	}
}
