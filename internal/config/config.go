// Package config loads the node configuration: a YAML file, then FLOWMON_* environment overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Device       DeviceConfig       `yaml:"device"`
	Sampling     SamplingConfig     `yaml:"sampling"`
	Network      NetworkConfig      `yaml:"network"`
	Session      SessionConfig      `yaml:"session"`
	Power        PowerConfig        `yaml:"power"`
	Broker       BrokerConfig       `yaml:"broker"`
	Store        StoreConfig        `yaml:"store"`
	Codec        string             `yaml:"codec"`
	Metrics      MetricsConfig      `yaml:"metrics"`
	Provisioning ProvisioningConfig `yaml:"provisioning"`
	Sim          SimConfig          `yaml:"sim"`
}

type DeviceConfig struct {
	// MAC overrides the host interface address used to derive the device id.
	MAC          string `yaml:"mac"`
	FlowPin      int    `yaml:"flow_pin"`
	IsolatedPins []int  `yaml:"isolated_pins"`
}

type SamplingConfig struct {
	Period    time.Duration `yaml:"period"`
	BatchSize int           `yaml:"batch_size"`
}

type NetworkConfig struct {
	JoinMaxRetries int           `yaml:"join_max_retries"`
	JoinBackoff    time.Duration `yaml:"join_backoff"`
	RejectGrace    time.Duration `yaml:"reject_grace"`
}

type SessionConfig struct {
	MaxRetries    int   `yaml:"max_retries"`
	AutoReconnect *bool `yaml:"auto_reconnect"`
}

type PowerConfig struct {
	Epsilon       *float64      `yaml:"epsilon"`
	WakeThreshold int           `yaml:"wake_threshold"`
	WakePeriod    time.Duration `yaml:"wake_period"`
}

type BrokerConfig struct {
	URL           string        `yaml:"url"`
	Username      string        `yaml:"username"`
	Password      string        `yaml:"password"`
	CAFile        string        `yaml:"ca_file"`
	CertFile      string        `yaml:"cert_file"`
	KeyFile       string        `yaml:"key_file"`
	DataTopic     string        `yaml:"data_topic"`
	CommandTopic  string        `yaml:"command_topic"`
	IdentityTopic string        `yaml:"identity_topic"`
	QoS           *int          `yaml:"qos"`
	KeepAlive     time.Duration `yaml:"keepalive"`

	BreakerFailures int           `yaml:"breaker_failures"`
	BreakerTimeout  time.Duration `yaml:"breaker_timeout"`
}

type StoreConfig struct {
	Kind          string `yaml:"kind"` // file | memory | redis
	Path          string `yaml:"path"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

type ProvisioningConfig struct {
	Addr string `yaml:"addr"`
}

type SimConfig struct {
	StateDir string `yaml:"state_dir"`
	// PressureMPa is the resting line pressure; the sensor range is 0..0.5 MPa.
	PressureMPa float64 `yaml:"pressure_mpa"`
	// FlowLPM is the flow while a draw is active, in liters per minute.
	FlowLPM float64 `yaml:"flow_lpm"`
	// DrawChance is the per-second probability that a water draw starts.
	DrawChance   float64       `yaml:"draw_chance"`
	DrawDuration time.Duration `yaml:"draw_duration"`
	Noise        float64       `yaml:"noise"`
	// SSID is the only network the simulated radio can join.
	SSID string `yaml:"ssid"`
	// JoinFailures makes the first N join attempts fail authentication.
	JoinFailures int `yaml:"join_failures"`
}

// Defaults returns a configuration with every default applied and no file.
func Defaults() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

// Load reads path (may be empty), applies defaults and env overrides, then validates.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Device.FlowPin == 0 {
		c.Device.FlowPin = 25
	}
	if c.Device.IsolatedPins == nil {
		c.Device.IsolatedPins = []int{12, 15}
	}
	if c.Sampling.Period == 0 {
		c.Sampling.Period = time.Second
	}
	if c.Sampling.BatchSize == 0 {
		c.Sampling.BatchSize = 30
	}
	if c.Network.JoinMaxRetries == 0 {
		c.Network.JoinMaxRetries = 3
	}
	if c.Network.JoinBackoff == 0 {
		c.Network.JoinBackoff = 10 * time.Second
	}
	if c.Network.RejectGrace == 0 {
		c.Network.RejectGrace = 3 * time.Second
	}
	if c.Session.MaxRetries == 0 {
		c.Session.MaxRetries = 3
	}
	if c.Session.AutoReconnect == nil {
		on := true
		c.Session.AutoReconnect = &on
	}
	if c.Power.Epsilon == nil {
		eps := 0.5
		c.Power.Epsilon = &eps
	}
	if c.Power.WakeThreshold == 0 {
		c.Power.WakeThreshold = 10
	}
	if c.Power.WakePeriod == 0 {
		c.Power.WakePeriod = 20 * time.Millisecond
	}
	if c.Broker.URL == "" {
		c.Broker.URL = "tcp://localhost:1883"
	}
	if c.Broker.DataTopic == "" {
		c.Broker.DataTopic = "sensor/data/{device_id}"
	}
	if c.Broker.CommandTopic == "" {
		c.Broker.CommandTopic = "device/{device_id}/cmd"
	}
	if c.Broker.IdentityTopic == "" {
		c.Broker.IdentityTopic = "device/{device_id}/identity"
	}
	if c.Broker.QoS == nil {
		qos := 2
		c.Broker.QoS = &qos
	}
	if c.Broker.KeepAlive == 0 {
		c.Broker.KeepAlive = 30 * time.Second
	}
	if c.Broker.BreakerFailures == 0 {
		c.Broker.BreakerFailures = 5
	}
	if c.Broker.BreakerTimeout == 0 {
		c.Broker.BreakerTimeout = 30 * time.Second
	}
	if c.Store.Kind == "" {
		c.Store.Kind = "file"
	}
	if c.Sim.StateDir == "" {
		c.Sim.StateDir = "./data/node"
	}
	if c.Store.Path == "" {
		c.Store.Path = c.Sim.StateDir + "/nvs.json"
	}
	if c.Store.RedisAddr == "" {
		c.Store.RedisAddr = "localhost:6379"
	}
	if c.Codec == "" {
		c.Codec = "protobuf"
	}
	if c.Provisioning.Addr == "" {
		c.Provisioning.Addr = ":8089"
	}
	if c.Sim.PressureMPa == 0 {
		c.Sim.PressureMPa = 0.3
	}
	if c.Sim.FlowLPM == 0 {
		c.Sim.FlowLPM = 12
	}
	if c.Sim.DrawChance == 0 {
		c.Sim.DrawChance = 0.05
	}
	if c.Sim.DrawDuration == 0 {
		c.Sim.DrawDuration = 20 * time.Second
	}
	if c.Sim.SSID == "" {
		c.Sim.SSID = "flowmon-lab"
	}
}

func (c *Config) validate() error {
	if c.Sampling.Period < 0 || c.Sampling.BatchSize < 1 {
		return fmt.Errorf("sampling: period must be positive and batch_size >= 1")
	}
	if c.Network.JoinMaxRetries < 1 || c.Session.MaxRetries < 1 {
		return fmt.Errorf("join_max_retries and session.max_retries must be >= 1")
	}
	if *c.Power.Epsilon < 0 {
		return fmt.Errorf("power.epsilon must be >= 0")
	}
	if c.Power.WakeThreshold < 1 {
		return fmt.Errorf("power.wake_threshold must be >= 1")
	}
	if q := *c.Broker.QoS; q < 0 || q > 2 {
		return fmt.Errorf("broker.qos %d out of range", q)
	}
	switch c.Store.Kind {
	case "file", "memory", "redis":
	default:
		return fmt.Errorf("store.kind %q: want file, memory or redis", c.Store.Kind)
	}
	if c.Sim.DrawChance < 0 || c.Sim.DrawChance > 1 {
		return fmt.Errorf("sim.draw_chance must be in [0,1]")
	}
	return nil
}

// applyEnv lets deployments override the file without editing it.
func (c *Config) applyEnv() {
	c.Device.MAC = getenv("FLOWMON_MAC", c.Device.MAC)
	c.Broker.URL = getenv("FLOWMON_BROKER_URL", c.Broker.URL)
	c.Broker.Username = getenv("FLOWMON_BROKER_USER", c.Broker.Username)
	c.Broker.Password = getenv("FLOWMON_BROKER_PASSWORD", c.Broker.Password)
	c.Broker.CAFile = getenv("FLOWMON_BROKER_CA", c.Broker.CAFile)
	c.Broker.CertFile = getenv("FLOWMON_BROKER_CERT", c.Broker.CertFile)
	c.Broker.KeyFile = getenv("FLOWMON_BROKER_KEY", c.Broker.KeyFile)
	c.Store.Kind = getenv("FLOWMON_STORE", c.Store.Kind)
	c.Store.Path = getenv("FLOWMON_STORE_PATH", c.Store.Path)
	c.Store.RedisAddr = getenv("FLOWMON_REDIS_ADDR", c.Store.RedisAddr)
	c.Store.RedisDB = envInt("FLOWMON_REDIS_DB", c.Store.RedisDB)
	c.Codec = getenv("FLOWMON_CODEC", c.Codec)
	c.Metrics.Addr = getenv("FLOWMON_METRICS_ADDR", c.Metrics.Addr)
	c.Provisioning.Addr = getenv("FLOWMON_PROV_ADDR", c.Provisioning.Addr)
	c.Sim.StateDir = getenv("FLOWMON_STATE_DIR", c.Sim.StateDir)
	c.Sampling.BatchSize = envInt("FLOWMON_BATCH_SIZE", c.Sampling.BatchSize)
	if v := strings.TrimSpace(os.Getenv("FLOWMON_SAMPLE_PERIOD")); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Sampling.Period = d
		}
	}
}

func getenv(k, def string) string {
	if v := strings.TrimSpace(os.Getenv(k)); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := strings.TrimSpace(os.Getenv(k)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

// Topic expands the {device_id} placeholder of a topic template.
func Topic(template, deviceID string) string {
	return strings.ReplaceAll(template, "{device_id}", deviceID)
}

func (c *Config) PublishQoS() byte { return byte(*c.Broker.QoS) }
