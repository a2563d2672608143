package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/LeonardoBeccarini/flowmon/internal/config"
	"github.com/LeonardoBeccarini/flowmon/internal/model"
	"github.com/LeonardoBeccarini/flowmon/internal/platform/sim"
	"github.com/LeonardoBeccarini/flowmon/pkg/store"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "flowmon-node",
	Short: "Simulated flow and pressure monitoring node",
	Long: `flowmon-node runs the node lifecycle on a workstation: pairing over HTTP,
joining the simulated network, publishing sample batches over MQTT and
suspending on the low-power pulse counter when the line is idle.

Configuration is read from --config (YAML) and FLOWMON_* environment variables.`,
	SilenceUsage: true,
	RunE:         runNode,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("FLOWMON_CONFIG"), "YAML config file")
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func deviceIdentity(cfg *config.Config) (model.DeviceIdentity, error) {
	mac, err := sim.HardwareAddr(cfg.Device.MAC)
	if err != nil {
		return "", err
	}
	return model.NewDeviceIdentity(mac)
}

func openStore(ctx context.Context, cfg *config.Config, id model.DeviceIdentity) (store.Store, error) {
	switch cfg.Store.Kind {
	case "memory":
		return store.NewMemory(), nil
	case "redis":
		r := store.NewRedis(store.RedisOpts{
			Addr:      cfg.Store.RedisAddr,
			Password:  cfg.Store.RedisPassword,
			DB:        cfg.Store.RedisDB,
			Namespace: "flowmon:" + id.String(),
		})
		if err := r.Ping(ctx); err != nil {
			_ = r.Close()
			return nil, fmt.Errorf("redis %s: %w", cfg.Store.RedisAddr, err)
		}
		return r, nil
	default:
		return store.OpenFile(cfg.Store.Path)
	}
}

func newLogger() *log.Logger {
	return log.New(os.Stderr, "", log.LstdFlags|log.Lmicroseconds)
}
