// Copyright 2026 Precision Mold Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/united-manufacturing-hub/umh-utils/env"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/precisionmold/imc-core/pkg/api"
	"github.com/precisionmold/imc-core/pkg/config"
	"github.com/precisionmold/imc-core/pkg/constants"
	"github.com/precisionmold/imc-core/pkg/control"
	"github.com/precisionmold/imc-core/pkg/cycle"
	"github.com/precisionmold/imc-core/pkg/cyclelog"
	"github.com/precisionmold/imc-core/pkg/logger"
	"github.com/precisionmold/imc-core/pkg/machine"
	"github.com/precisionmold/imc-core/pkg/optimizer"
	"github.com/precisionmold/imc-core/pkg/quality"
	"github.com/precisionmold/imc-core/pkg/safety"
	"github.com/precisionmold/imc-core/pkg/sensors"
	"github.com/precisionmold/imc-core/pkg/spc"
	"github.com/precisionmold/imc-core/pkg/temperature"
)

func main() {
	logger.Initialize()
	defer func() {
		_ = logger.Sync()
	}()
	log := logger.For(logger.ComponentCore)

	configPath, err := env.GetAsString("CONFIG_PATH", false, "/data/config.yaml")
	if err != nil {
		zap.S().Fatal(err)
	}
	apiAddr, err := env.GetAsString("API_ADDRESS", false, ":8080")
	if err != nil {
		zap.S().Fatal(err)
	}
	metricsAddr, err := env.GetAsString("METRICS_ADDRESS", false, ":2112")
	if err != nil {
		zap.S().Fatal(err)
	}
	healthAddr, err := env.GetAsString("HEALTH_ADDRESS", false, ":8086")
	if err != nil {
		zap.S().Fatal(err)
	}

	cfg, err := config.LoadFromFile(configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	log.Infof("Configuration loaded from %s", configPath)

	health := healthcheck.NewHandler()
	health.AddLivenessCheck("goroutine-threshold", healthcheck.GoroutineCountCheck(10000))
	go func() {
		/* #nosec G114 */
		if err := http.ListenAndServe(healthAddr, health); err != nil {
			zap.S().Errorf("Error starting healthcheck: %s", err)
		}
	}()

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		/* #nosec G114 */
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			zap.S().Errorf("Error starting metrics endpoint: %s", err)
		}
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	store, err := config.NewParameterStore(cfg.Process, cfg.Limits, log)
	if err != nil {
		log.Fatalf("Invalid process parameters: %v", err)
	}

	monitor := safety.NewMonitor(cfg.Limits)
	regulator := temperature.NewRegulator(cfg.Gains.Temperature, cfg.Limits,
		constants.DefaultZoneReadyTolerance, constants.DefaultZoneReadyHold)
	mach := machine.New(store, cfg.Gains, regulator.AllZonesReady, constants.DefaultGateSealDropThreshold)

	// No hardware drivers are linked in; the built-in plant closes the loop.
	plant := sensors.NewSimProvider()
	provider := sensors.NewHoldingProvider(plant, constants.MaxStaleSensorTicks)
	log.Infof("Running against the built-in plant simulation")

	var opt *optimizer.Client
	if cfg.Optimizer.Enabled {
		transport, err := optimizer.NewMQTTTransport(cfg.Optimizer.Broker, "imc-core")
		if err != nil {
			log.Fatalf("Failed to connect optimizer transport: %v", err)
		}
		opt = optimizer.NewClient(ctx, transport, cfg.Optimizer)
		defer opt.Close()
	}

	var sinks cyclelog.MultiSink
	if cfg.CycleLog.FilePath != "" {
		fileSink, err := cyclelog.NewFileSink(cfg.CycleLog.FilePath)
		if err != nil {
			log.Fatalf("Failed to open cycle log file: %v", err)
		}
		sinks = append(sinks, fileSink)
	}
	if cfg.CycleLog.KafkaBroker != "" {
		kafkaSink, err := cyclelog.NewKafkaSink(cfg.CycleLog.KafkaBroker, cfg.CycleLog.KafkaTopic)
		if err != nil {
			log.Fatalf("Failed to start Kafka cycle log sink: %v", err)
		}
		sinks = append(sinks, kafkaSink)
	}
	var sink cyclelog.Sink
	if len(sinks) > 0 {
		sink = sinks
		defer func() {
			if err := sinks.Close(); err != nil {
				log.Errorf("Closing cycle log sinks: %v", err)
			}
		}()
	}

	loop := control.NewLoop(control.Deps{
		Provider:  provider,
		Output:    plant,
		Monitor:   monitor,
		Machine:   mach,
		Regulator: regulator,
		Params:    store,
		Predictor: quality.NewPredictor(cfg.Material),
		SPC:       spc.NewEngine(cfg.SPC),
		Optimizer: opt,
		Sink:      sink,
		History:   cycle.NewHistory(constants.DefaultCycleHistorySize),
	})
	server := api.NewServer(loop, apiAddr)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return loop.Execute(gctx)
	})
	g.Go(func() error {
		log.Infof("Operator API listening on %s", apiAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		return server.Shutdown(context.Background())
	})

	if err := g.Wait(); err != nil {
		log.Fatalf("Controller exited with error: %v", err)
	}
	log.Infof("Controller shut down cleanly")
}
