package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/LeonardoBeccarini/flowmon/internal/config"
	"github.com/LeonardoBeccarini/flowmon/internal/device"
	"github.com/LeonardoBeccarini/flowmon/internal/hw"
	"github.com/LeonardoBeccarini/flowmon/internal/metrics"
	"github.com/LeonardoBeccarini/flowmon/internal/platform/sim"
	"github.com/LeonardoBeccarini/flowmon/pkg/broker"
	"github.com/LeonardoBeccarini/flowmon/pkg/codec"
)

var seed int64

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Boot the simulated node (default)",
	RunE:  runNode,
}

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.PersistentFlags().Int64Var(&seed, "seed", time.Now().UnixNano(), "Seed for the water line simulation")
}

func runNode(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger()

	id, err := deviceIdentity(cfg)
	if err != nil {
		return fmt.Errorf("device identity: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg, id)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	c, err := codec.New(cfg.Codec)
	if err != nil {
		return err
	}

	var rec metrics.Recorder = metrics.Nop{}
	if cfg.Metrics.Addr != "" {
		reg := prometheus.NewRegistry()
		rec = metrics.NewProm(reg)
		srv := &http.Server{Addr: cfg.Metrics.Addr, Handler: metricsMux(reg), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			logger.Printf("metrics: listening on %s", cfg.Metrics.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Printf("metrics server: %v", err)
			}
		}()
		defer srv.Close()
	}

	gen := sim.NewGenerator(cfg.Sim, seed)
	defer gen.Stop()
	network := sim.NewNetwork(cfg.Sim.SSID, cfg.Sim.JoinFailures, logger)

	wake := sim.NewWake(gen, st, cfg.Power.WakePeriod, logger)
	wake.StopOn(ctx.Done())

	node := device.NewNode(cfg, id, device.Deps{
		Store:       st,
		Provisioner: sim.NewProvisioner(cfg.Provisioning.Addr, id, network.Verify, st, logger),
		Network:     network,
		Link:        broker.NewLink(brokerConfig(cfg, logger)),
		Sensor:      sim.NewSensor(gen, hw.ClaimFlowPin(hw.Pin(cfg.Device.FlowPin)), cfg.Sampling.Period),
		Wake:        wake,
		Rebooter:    sim.NewRebooter(st, logger),
		Codec:       c,
		Metrics:     rec,
		Logger:      logger,
	})

	err = node.Run(ctx)
	if ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, device.ErrSuspendReturned)) {
		err = nil
	}
	if err != nil {
		return fmt.Errorf("node %s: %w", id, err)
	}
	logger.Printf("node %s stopped", id)
	return nil
}

func brokerConfig(cfg *config.Config, logger *log.Logger) broker.Config {
	return broker.Config{
		URL:             cfg.Broker.URL,
		Username:        cfg.Broker.Username,
		Password:        cfg.Broker.Password,
		CAFile:          cfg.Broker.CAFile,
		CertFile:        cfg.Broker.CertFile,
		KeyFile:         cfg.Broker.KeyFile,
		KeepAlive:       cfg.Broker.KeepAlive,
		BreakerFailures: uint32(cfg.Broker.BreakerFailures),
		BreakerTimeout:  cfg.Broker.BreakerTimeout,
		Logger:          logger,
	}
}

func metricsMux(reg *prometheus.Registry) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(reg))
	return mux
}
