package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/genfin/furrow/internal/auditor"
	"github.com/genfin/furrow/internal/dashboard"
	"github.com/genfin/furrow/internal/logging"
	"github.com/genfin/furrow/internal/metrics"
	"github.com/genfin/furrow/internal/sensor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newServeCmd() *cobra.Command {
	var (
		configPath string
		port       int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, sensor ingest and audit sweep",
		Long: `Starts the JSON API (with /metrics), subscribes to the MQTT sensor topic
when sensor.broker is set, and runs the scheduled chain verification sweep
unless audit.disabled is set. Stops on SIGINT or SIGTERM.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath, port)
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().IntVarP(&port, "port", "p", 0, "port to listen on (default dashboard.port)")
	return cmd
}

func runServe(cmd *cobra.Command, configPath string, port int) error {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m, err := metrics.New(registry)
	if err != nil {
		return err
	}

	a, err := openApp(cmd, configPath, m)
	if err != nil {
		return err
	}
	defer a.close()
	if port <= 0 {
		port = a.cfg.Dashboard.Port
	}

	var sub *sensor.Subscriber
	if a.cfg.Sensor.Broker != "" {
		if sub, err = sensor.New(a.cfg.Sensor, a.svc, sensor.Opts{Logger: a.log, Metrics: m}); err != nil {
			return err
		}
	}
	var aud *auditor.Auditor
	if !a.cfg.Audit.Disabled {
		aud, err = auditor.New(a.cfg.Audit.Schedule, a.svc, auditor.Opts{
			Logger:   a.log,
			Metrics:  m,
			Notifier: a.notifier,
		})
		if err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)
	log := logging.Module(a.log, "serve")

	g.Go(func() error {
		return dashboard.Start(ctx, dashboard.StartOpts{
			Service: a.svc,
			Metrics: m,
			Logger:  a.log,
			Port:    port,
			Out:     cmd.OutOrStdout(),
		})
	})
	if sub != nil {
		g.Go(func() error { return sub.Run(ctx) })
		log.Info("sensor ingest enabled", "broker", a.cfg.Sensor.Broker, "topic", a.cfg.Sensor.Topic)
	}
	if aud != nil {
		g.Go(func() error {
			aud.Run(ctx)
			return nil
		})
		log.Info("chain audit scheduled", "schedule", a.cfg.Audit.Schedule)
	}

	err = g.Wait()
	fmt.Fprintln(cmd.OutOrStdout(), "Shut down.")
	return err
}
