package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"codeberg.org/mutker/zemo/internal/alert"
	"codeberg.org/mutker/zemo/internal/api"
	"codeberg.org/mutker/zemo/internal/config"
	"codeberg.org/mutker/zemo/internal/console"
	"codeberg.org/mutker/zemo/internal/coordinator"
	"codeberg.org/mutker/zemo/internal/errors"
	"codeberg.org/mutker/zemo/internal/history"
	"codeberg.org/mutker/zemo/internal/logger"
	"codeberg.org/mutker/zemo/internal/pid"
	"codeberg.org/mutker/zemo/internal/sensor"
	"codeberg.org/mutker/zemo/internal/settings"
	"codeberg.org/mutker/zemo/internal/telemetry"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
)

const (
	logFile         = "zemo.log"
	shutdownTimeout = 5 * time.Second
)

type app struct {
	cfg      *config.Config
	settings *settings.Store
	history  *history.Store
	probes   []*sensor.Probe
	mqtt     *alert.MQTTSink
	metrics  *telemetry.Collector
	coord    *coordinator.Coordinator
	server   *api.Server
	logOut   *os.File
}

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Printf("failed to load config: %v\n", err)
		os.Exit(1)
	}

	a := &app{cfg: cfg}
	if err := a.initLogger(); err != nil {
		fmt.Printf("failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	logger.Debug().Msg("Config loaded")

	if err := pid.Write(cfg.PIDDir); err != nil {
		logger.LogError(err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go handleSignals(cancel)

	if err := a.init(); err != nil {
		logger.LogError(errors.New().Wrap(errors.ErrInitApp, err))
		a.cleanup()
		os.Exit(1)
	}

	if err := a.run(ctx, cancel); err != nil {
		logger.LogError(errors.New().Wrap(errors.ErrMainLoop, err))
	}
	a.cleanup()
}

// initLogger keeps log lines off the terminal when the console owns it.
func (a *app) initLogger() error {
	if !a.cfg.Console {
		return logger.Init(a.cfg.LogLevel, logger.IsService())
	}

	path := filepath.Join(filepath.Dir(a.cfg.Database), logFile)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return err
	}
	a.logOut = f

	return logger.InitWithWriter(f, a.cfg.LogLevel)
}

func (a *app) init() error {
	var err error

	a.settings = settings.NewStore(a.cfg.SettingsFile)

	a.history, err = history.Open(history.Config{
		DBPath:    a.cfg.Database,
		BackupDir: a.cfg.BackupDir,
	})
	if err != nil {
		return err
	}

	handles := make([]sensor.Handle, 0, len(sensor.Order))
	for _, kind := range sensor.Order {
		port, ok := a.cfg.SensorPort(kind)
		if !ok {
			logger.Warn().Str("sensor", string(kind)).Msg("No serial port configured, sensor disabled")
			continue
		}

		probe, err := sensor.OpenProbe(kind, port, a.cfg.Serial.Baud,
			sensor.WithRecorder(a.history),
			sensor.WithTimeout(a.cfg.Serial.Timeout),
		)
		if err != nil {
			return err
		}
		a.probes = append(a.probes, probe)
		handles = append(handles, probe)
	}

	sinks := alert.Multi{alert.NewLogSink()}
	if a.cfg.MQTT.Broker != "" {
		a.mqtt, err = alert.NewMQTTSink(alert.MQTTConfig{
			Broker:   a.cfg.MQTT.Broker,
			Topic:    a.cfg.MQTT.Topic,
			ClientID: a.cfg.MQTT.ClientID,
		}, a.settings.DeviceIdentity)
		if err != nil {
			// Alerts still reach the log.
			logger.LogError(err)
		} else {
			sinks = append(sinks, a.mqtt)
		}
	}

	a.metrics, err = telemetry.New()
	if err != nil {
		return err
	}

	a.coord = coordinator.New(a.settings, handles, sinks,
		coordinator.WithObserver(a.metrics),
		coordinator.WithPruner(a.history),
		coordinator.WithInterval(a.cfg.TickInterval()),
	)

	if a.cfg.HTTPAddr != "" {
		a.server = api.New(a.cfg.HTTPAddr, a.coord, a.history, a.metrics.Handler())
	}

	return nil
}

func (a *app) run(ctx context.Context, cancel context.CancelFunc) error {
	if _, err := a.coord.InitialRead(ctx); err != nil {
		logger.LogError(errors.New().Wrap(errors.ErrInitialRead, err))
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.coord.Run(gctx)
	})

	if a.server != nil {
		g.Go(func() error {
			if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return errors.New().Wrap(errors.ErrStartServer, err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, done := context.WithTimeout(context.Background(), shutdownTimeout)
			defer done()
			return a.server.Shutdown(shutdownCtx)
		})
	}

	if a.cfg.Console {
		g.Go(func() error {
			// Leaving the console stops the daemon.
			defer cancel()
			return console.Run(gctx, a.coord)
		})
	}

	return g.Wait()
}

func handleSignals(cancel context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs
	logger.Info().Msg("Received termination signal.")
	cancel()
}

func (a *app) cleanup() {
	for _, p := range a.probes {
		if err := p.Close(); err != nil {
			logger.LogError(errors.New().Wrap(errors.ErrCloseSensor, err))
		}
	}
	if a.mqtt != nil {
		a.mqtt.Close()
	}
	if a.history != nil {
		if err := a.history.Close(); err != nil {
			logger.LogError(err)
		}
	}
	if err := pid.Remove(a.cfg.PIDDir); err != nil {
		logger.LogError(err)
	}
	logger.Info().Msg("Exiting...")
	if a.logOut != nil {
		a.logOut.Close()
	}
}
