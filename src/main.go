package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/ryansname/regctl/src/config"
	"github.com/ryansname/regctl/src/phasor"
	"github.com/ryansname/regctl/src/regulator"
	"github.com/ryansname/regctl/src/simtime"
)

var logger = logrus.New()

// SimData is one settled timestep as seen by downstream workers
type SimData struct {
	RunID      string
	Time       simtime.Time
	Iterations int
	Voltages   map[string]phasor.Vec
	Regulators []regulator.Status
	Stats      map[string]*PhaseStats // Keyed by statsKey, filled in by statsWorker
}

// GetStats extracts the statistics of one regulator phase.
// Returns a zero-valued PhaseStats if the phase has no readings.
func (d *SimData) GetStats(name string, phase int) *PhaseStats {
	if s, ok := d.Stats[statsKey(name, phase)]; ok {
		return s
	}
	return &PhaseStats{}
}

// Regulator finds a regulator's status by name, ignoring case
func (d *SimData) Regulator(name string) (regulator.Status, bool) {
	for _, s := range d.Regulators {
		if strings.EqualFold(s.Name, name) {
			return s, true
		}
	}
	return regulator.Status{}, false
}

// TapCommand asks the simulation to move one phase of a manually controlled regulator
type TapCommand struct {
	Regulator string
	Phase     int
	Tap       int
}

// SafeGo launches a goroutine with panic recovery and retry logic.
// On panic, retries with exponential backoff (max 10 retries).
// Retry count resets if worker ran for 2+ minutes before failing.
// After exhausting retries, cancels context to trigger shutdown.
func SafeGo(
	ctx context.Context,
	cancel context.CancelFunc,
	name string,
	fn func(ctx context.Context),
) {
	const maxRetries = 10
	const maxDelay = 10 * time.Minute
	const resetAfter = 2 * time.Minute

	log := logger.WithField("worker", name)

	go func() {
		retries := 0
		delay := time.Second

		for {
			startTime := time.Now()
			var panicValue any

			func() {
				defer func() {
					panicValue = recover()
				}()
				fn(ctx)
			}()

			// Returned normally, either cancelled or finished its work
			if panicValue == nil {
				return
			}

			if time.Since(startTime) >= resetAfter {
				retries = 0
				delay = time.Second
			}

			retries++
			log.Errorf("Panic (attempt %d/%d): %v", retries, maxRetries, panicValue)

			if retries >= maxRetries {
				log.Errorf("Failed after %d retries, shutting down", maxRetries)
				cancel()
				return
			}

			log.Warnf("Will retry in %v", delay)
			select {
			case <-time.After(delay):
				delay = min(delay*2, maxDelay)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// metricsWorker serves the Prometheus registry until the context is done
func metricsWorker(ctx context.Context, listen string, log logrus.FieldLogger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:              listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("Metrics server shutdown error")
		}
	}()

	log.Infof("Metrics server listening on %s", listen)
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		log.WithError(err).Error("Metrics server failed")
	}
}

func main() {
	logger.Info("Starting regctl...")

	// Load .env file for MQTT credentials
	if err := godotenv.Load(); err != nil {
		logger.Warnf("Error loading .env file: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}
	if level, err := logrus.ParseLevel(cfg.LogLevel); err != nil {
		logger.Warnf("Unknown log level %q, using info", cfg.LogLevel)
	} else {
		logger.SetLevel(level)
	}

	runID := uuid.NewString()
	log := logger.WithField("run", runID)

	network, err := buildNetwork(cfg, log)
	if err != nil {
		log.WithError(err).Fatal("Failed to build feeder")
	}
	log.Infof("Feeder built: %d nodes, %d regulators", len(network.Feeder.Nodes()), len(network.Regulators))

	// Create context for lifecycle management
	ctx, cancel := context.WithCancel(context.Background())

	if cfg.Metrics.Listen != "" {
		SafeGo(ctx, cancel, "metrics-worker", func(ctx context.Context) {
			metricsWorker(ctx, cfg.Metrics.Listen, log)
		})
	}

	// Create channels for communication between workers
	simChan := make(chan SimData, 10)
	statsChan := make(chan SimData, 10)
	tapChan := make(chan TapCommand, 10)

	sim := NewSimulation(network, cfg.Simulation, runID, log)
	if cfg.Chart.Path != "" {
		sim.Chart = NewChart(cfg.Chart)
	}
	sim.Interactive = cfg.MQTT.Enabled || cfg.Debug.Console

	var downstreamChans []chan<- SimData //nolint:prealloc // small slice

	var sender *MQTTSender
	if cfg.MQTT.Enabled {
		mqttOutgoingChan := make(chan MQTTMessage, 100) // Larger buffer for queuing
		mqttClientChan := make(chan mqtt.Client, 1)     // Buffered to prevent blocking onConnect

		SafeGo(ctx, cancel, "mqtt-sender-worker", func(ctx context.Context) {
			mqttSenderWorker(ctx, mqttOutgoingChan, mqttClientChan, log)
		})

		sender = NewMQTTSender(mqttOutgoingChan, cfg.MQTT.TopicPrefix, cfg.MQTT.DiscoveryPrefix)

		log.Info("Creating Home Assistant entities...")
		for _, r := range network.Regulators {
			if err := sender.CreateRegulatorEntities(r.Name(), r.Config); err != nil {
				cancel()
				log.WithError(err).Fatalf("Failed to create %s entities", r.Name())
			}
		}

		stateChan := make(chan SimData, 10)
		downstreamChans = append(downstreamChans, stateChan)
		SafeGo(ctx, cancel, "mqtt-state-worker", func(ctx context.Context) {
			mqttStateWorker(ctx, stateChan, sender, log)
		})

		commandTopics := sender.CommandTopics(network.Regulators)
		SafeGo(ctx, cancel, "mqtt-worker", func(ctx context.Context) {
			mqttWorker(ctx, cfg.MQTT, "regctl-"+runID, commandTopics, sender, tapChan, mqttClientChan, log)
		})
	}

	for _, alarmConfig := range network.AlarmConfigs(cfg.Alarm) {
		alarmChan := make(chan SimData, 10)
		downstreamChans = append(downstreamChans, alarmChan)
		SafeGo(ctx, cancel, alarmConfig.Regulator+"-voltage-alarm", func(ctx context.Context) {
			voltageAlarmWorker(ctx, alarmChan, alarmConfig, sender, log)
		})
	}

	if cfg.Debug.Console {
		debugChan := make(chan SimData, 10)
		downstreamChans = append(downstreamChans, debugChan)
		SafeGo(ctx, cancel, "debug-worker", func(ctx context.Context) {
			debugWorker(ctx, cancel, debugChan, tapChan)
		})
	}

	SafeGo(ctx, cancel, "broadcast-worker", func(ctx context.Context) {
		broadcastWorker(ctx, statsChan, downstreamChans, log)
	})
	SafeGo(ctx, cancel, "stats-worker", func(ctx context.Context) {
		statsWorker(ctx, simChan, statsChan, log)
	})
	SafeGo(ctx, cancel, "simulation-worker", func(ctx context.Context) {
		simulationWorker(ctx, sim, tapChan, simChan)
	})

	// A batch run exits when the simulation ends, interactive runs wait for a signal
	var finished <-chan struct{}
	if !sim.Interactive {
		finished = sim.Finished()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigChan:
		log.Info("Shutting down...")
	case <-finished:
		log.Info("Simulation complete, shutting down")
	case <-ctx.Done():
		log.Info("Shutting down due to error...")
	}
	cancel()
}
