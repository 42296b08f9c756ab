package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ZerkerEOD/otaagent/pkg/debug"
	"github.com/ZerkerEOD/otaagent/pkg/env"
	"gopkg.in/yaml.v3"
)

const (
	// MaxThingNameLen bounds the device name used in control topics
	MaxThingNameLen = 64
	// MaxFiles is the number of files a job may carry. Multi-file jobs are rejected.
	MaxFiles = 1
	// MaxJSONTokens bounds the tokens considered per job document parse
	MaxJSONTokens = 64

	// Transport and provider names
	TransportMQTT      = "mqtt"
	TransportWebsocket = "websocket"
	TransportHTTP      = "http"
	TransportS3        = "s3"

	ProviderRealtime = "realtime"
	ProviderPosix    = "posix"

	GranularityBit  = "bit"
	GranularityByte = "byte"
)

// MQTTConfig holds broker settings shared by the control and stream channels
type MQTTConfig struct {
	BrokerURL string `yaml:"broker_url"`
	ClientID  string `yaml:"client_id"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
}

// ObjectStoreConfig holds settings for ranged fetches from an S3 compatible store
type ObjectStoreConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// Config is the complete agent configuration
type Config struct {
	ThingName string `yaml:"thing_name"`

	// BlockSizeExp is log2 of the transfer block size.
	BlockSizeExp      int    `yaml:"block_size_exp"`
	BitmapGranularity string `yaml:"bitmap_granularity"`
	QueueDepth        int    `yaml:"queue_depth"`
	PoolSize          int    `yaml:"pool_size"`
	MaxFiles          int    `yaml:"max_files"`

	RequestWait              time.Duration `yaml:"request_wait"`
	SelfTestWait             time.Duration `yaml:"self_test_wait"`
	MaxMomentum              int           `yaml:"max_momentum"`
	BlocksPerRequest         int           `yaml:"blocks_per_request"`
	ResetMomentumOnDuplicate bool          `yaml:"reset_momentum_on_duplicate"`
	StatusEveryBlocks        int           `yaml:"status_every_blocks"`
	TelemetryInterval        time.Duration `yaml:"telemetry_interval"`

	DataDir string `yaml:"data_dir"`
	CertDir string `yaml:"cert_dir"`

	ControlTransport string   `yaml:"control_transport"`
	DataProtocols    []string `yaml:"data_protocols"`
	OSProvider       string   `yaml:"os_provider"`

	MQTT         MQTTConfig        `yaml:"mqtt"`
	WebsocketURL string            `yaml:"websocket_url"`
	ObjectStore  ObjectStoreConfig `yaml:"object_store"`
}

// Default returns the configuration used when nothing else is supplied
func Default() *Config {
	return &Config{
		BlockSizeExp:             12,
		BitmapGranularity:        GranularityBit,
		QueueDepth:               20,
		PoolSize:                 4,
		MaxFiles:                 MaxFiles,
		RequestWait:              10 * time.Second,
		SelfTestWait:             16 * time.Second,
		MaxMomentum:              32,
		BlocksPerRequest:         1,
		ResetMomentumOnDuplicate: true,
		StatusEveryBlocks:        64,
		TelemetryInterval:        time.Minute,
		DataDir:                  "data",
		CertDir:                  "certs",
		ControlTransport:         TransportMQTT,
		DataProtocols:            []string{TransportMQTT, TransportHTTP},
		OSProvider:               ProviderRealtime,
	}
}

// Load builds the configuration from defaults, an optional YAML file and
// OTA_* environment variables, in that order.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("config file not found: %s", path)
		}
		return fmt.Errorf("cannot read config file %q: %w", path, err)
	}

	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), c); err != nil {
		return fmt.Errorf("invalid YAML in %s: %w", path, err)
	}

	debug.Info("Loaded configuration file %s", path)
	return nil
}

func (c *Config) applyEnv() {
	c.ThingName = env.GetOrDefault("OTA_THING_NAME", c.ThingName)
	c.BlockSizeExp = env.GetIntOrDefault("OTA_BLOCK_SIZE_EXP", c.BlockSizeExp)
	c.BitmapGranularity = env.GetOrDefault("OTA_BITMAP_GRANULARITY", c.BitmapGranularity)
	c.QueueDepth = env.GetIntOrDefault("OTA_QUEUE_DEPTH", c.QueueDepth)
	c.PoolSize = env.GetIntOrDefault("OTA_POOL_SIZE", c.PoolSize)
	c.RequestWait = env.GetDurationOrDefault("OTA_REQUEST_WAIT", c.RequestWait)
	c.SelfTestWait = env.GetDurationOrDefault("OTA_SELF_TEST_WAIT", c.SelfTestWait)
	c.MaxMomentum = env.GetIntOrDefault("OTA_MAX_MOMENTUM", c.MaxMomentum)
	c.BlocksPerRequest = env.GetIntOrDefault("OTA_BLOCKS_PER_REQUEST", c.BlocksPerRequest)
	c.ResetMomentumOnDuplicate = env.GetBoolOrDefault("OTA_RESET_MOMENTUM_ON_DUPLICATE", c.ResetMomentumOnDuplicate)
	c.StatusEveryBlocks = env.GetIntOrDefault("OTA_STATUS_EVERY_BLOCKS", c.StatusEveryBlocks)
	c.TelemetryInterval = env.GetDurationOrDefault("OTA_TELEMETRY_INTERVAL", c.TelemetryInterval)
	c.DataDir = env.GetOrDefault("OTA_DATA_DIR", c.DataDir)
	c.CertDir = env.GetOrDefault("OTA_CERT_DIR", c.CertDir)
	c.ControlTransport = env.GetOrDefault("OTA_CONTROL_TRANSPORT", c.ControlTransport)
	c.OSProvider = env.GetOrDefault("OTA_OS_PROVIDER", c.OSProvider)
	if protocols := os.Getenv("OTA_DATA_PROTOCOLS"); protocols != "" {
		c.DataProtocols = SplitList(protocols)
	}

	c.MQTT.BrokerURL = env.GetOrDefault("OTA_MQTT_BROKER", c.MQTT.BrokerURL)
	c.MQTT.ClientID = env.GetOrDefault("OTA_MQTT_CLIENT_ID", c.MQTT.ClientID)
	c.MQTT.Username = env.GetOrDefault("OTA_MQTT_USERNAME", c.MQTT.Username)
	c.MQTT.Password = env.GetOrDefault("OTA_MQTT_PASSWORD", c.MQTT.Password)
	c.WebsocketURL = env.GetOrDefault("OTA_WEBSOCKET_URL", c.WebsocketURL)

	c.ObjectStore.Endpoint = env.GetOrDefault("OTA_S3_ENDPOINT", c.ObjectStore.Endpoint)
	c.ObjectStore.AccessKey = env.GetOrDefault("OTA_S3_ACCESS_KEY", c.ObjectStore.AccessKey)
	c.ObjectStore.SecretKey = env.GetOrDefault("OTA_S3_SECRET_KEY", c.ObjectStore.SecretKey)
	c.ObjectStore.Bucket = env.GetOrDefault("OTA_S3_BUCKET", c.ObjectStore.Bucket)
	c.ObjectStore.UseSSL = env.GetBoolOrDefault("OTA_S3_USE_SSL", c.ObjectStore.UseSSL)
}

// SplitList splits a comma separated list, dropping blanks and lowercasing entries
func SplitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate checks the configuration for values the agent cannot run with
func (c *Config) Validate() error {
	if c.ThingName == "" {
		return fmt.Errorf("thing name is required")
	}
	if len(c.ThingName) > MaxThingNameLen {
		return fmt.Errorf("thing name exceeds %d bytes", MaxThingNameLen)
	}
	if c.BlockSizeExp < 6 || c.BlockSizeExp > 16 {
		return fmt.Errorf("block size exponent %d out of range [6,16]", c.BlockSizeExp)
	}
	if c.BitmapGranularity != GranularityBit && c.BitmapGranularity != GranularityByte {
		return fmt.Errorf("unknown bitmap granularity %q", c.BitmapGranularity)
	}
	if c.QueueDepth < 1 {
		return fmt.Errorf("queue depth must be at least 1")
	}
	if c.PoolSize < 1 {
		return fmt.Errorf("buffer pool size must be at least 1")
	}
	if c.MaxFiles != MaxFiles {
		return fmt.Errorf("max files must be %d, got %d", MaxFiles, c.MaxFiles)
	}
	if c.RequestWait <= 0 || c.SelfTestWait <= 0 {
		return fmt.Errorf("request and self-test waits must be positive")
	}
	if c.MaxMomentum < 1 {
		return fmt.Errorf("max momentum must be at least 1")
	}
	if c.BlocksPerRequest < 1 {
		return fmt.Errorf("blocks per request must be at least 1")
	}
	if c.BlocksPerRequest > c.PoolSize {
		return fmt.Errorf("blocks per request (%d) cannot exceed buffer pool size (%d)", c.BlocksPerRequest, c.PoolSize)
	}

	switch c.ControlTransport {
	case TransportMQTT:
		if c.MQTT.BrokerURL == "" {
			return fmt.Errorf("mqtt control transport requires a broker url")
		}
	case TransportWebsocket:
		if c.WebsocketURL == "" {
			return fmt.Errorf("websocket control transport requires a url")
		}
	default:
		return fmt.Errorf("unknown control transport %q", c.ControlTransport)
	}

	if len(c.DataProtocols) == 0 {
		return fmt.Errorf("at least one data protocol is required")
	}
	for _, p := range c.DataProtocols {
		switch p {
		case TransportMQTT:
			if c.MQTT.BrokerURL == "" {
				return fmt.Errorf("mqtt data protocol requires a broker url")
			}
		case TransportHTTP:
		case TransportS3:
			if c.ObjectStore.Endpoint == "" || c.ObjectStore.Bucket == "" {
				return fmt.Errorf("s3 data protocol requires an endpoint and bucket")
			}
		default:
			return fmt.Errorf("unknown data protocol %q", p)
		}
	}

	switch c.OSProvider {
	case ProviderRealtime, ProviderPosix:
	default:
		return fmt.Errorf("unknown os provider %q", c.OSProvider)
	}
	return nil
}

// BlockSize returns the transfer block size in bytes
func (c *Config) BlockSize() int {
	return 1 << c.BlockSizeExp
}

// ImageDir is where staged and active images are written
func (c *Config) ImageDir() string {
	return filepath.Join(c.DataDir, "images")
}
