package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

// =============================================================================
// Tunnel Mesh Engine - Configuration with Environment Overrides
// =============================================================================

type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Tunnel       TunnelConfig       `yaml:"tunnel"`
	Obfuscator   ObfuscatorConfig   `yaml:"obfuscator"`
	Auth         AuthConfig         `yaml:"auth"`
	Store        StoreConfig        `yaml:"store"`
	Consensus    ConsensusConfig    `yaml:"consensus"`
	ExitDispatch ExitDispatchConfig `yaml:"exit_dispatch"`
	Replay       ReplayConfig       `yaml:"replay"`
	Export       ExportConfig       `yaml:"export"`
	Operator     OperatorConfig     `yaml:"operator"`
	Database     DatabaseConfig     `yaml:"database"`
	Identity     IdentityConfig     `yaml:"identity"`
}

// ServerConfig covers the handler's client-facing HTTP/WebSocket listener.
type ServerConfig struct {
	Port             string   `yaml:"port"`
	Env              string   `yaml:"env"`
	Interface        string   `yaml:"interface"`
	ReadTimeoutSec   int      `yaml:"read_timeout_sec"`
	WriteTimeoutSec  int      `yaml:"write_timeout_sec"`
	IdleTimeoutSec   int      `yaml:"idle_timeout_sec"`
	ShutdownTimeout  int      `yaml:"shutdown_timeout_sec"`
	CORSAllowOrigins []string `yaml:"cors_allow_origins"`
}

// TunnelConfig governs C4 (spec §4.4): timeouts and back-pressure
// watermarks for the WebSocket-carried duplex tunnel.
type TunnelConfig struct {
	HandshakeTimeoutSec      int `yaml:"handshake_timeout_sec"`
	UnauthenticatedTimeoutSec int `yaml:"unauthenticated_timeout_sec"`
	IdleTimeoutSec           int `yaml:"idle_timeout_sec"`
	PingIntervalSec          int `yaml:"ping_interval_sec"`
	PongTimeoutSec           int `yaml:"pong_timeout_sec"`
	HighWaterMarkBytes       int `yaml:"high_water_mark_bytes"`
	LowWaterMarkBytes        int `yaml:"low_water_mark_bytes"`
	MaxConnsPerSession       int `yaml:"max_conns_per_session"`
	MimicHost                string `yaml:"mimic_host"`
}

// ObfuscatorConfig governs C3 (spec §4.3).
type ObfuscatorConfig struct {
	CompressMinBytes int     `yaml:"compress_min_bytes"`
	JitterFraction   float64 `yaml:"jitter_fraction"`
	IdleInjectMinSec int     `yaml:"idle_inject_min_sec"`
	IdleInjectMaxSec int     `yaml:"idle_inject_max_sec"`
}

// AuthConfig governs C6 (spec §4.6).
type AuthConfig struct {
	ResponseBudgetMs    int    `yaml:"response_budget_ms"`
	ClockSkewSec        int    `yaml:"clock_skew_sec"`
	TokenTTLSec         int    `yaml:"token_ttl_sec"`
	RotationGraceSec    int    `yaml:"rotation_grace_sec"`
	RotationIntervalSec int    `yaml:"rotation_interval_sec"`
	LongTermKeyPath     string `yaml:"long_term_key_path"`
	RateLimitPerMinute  int    `yaml:"rate_limit_per_minute"`
}

// StoreConfig governs C8 (spec §4.8).
type StoreConfig struct {
	DataDir            string `yaml:"data_dir"`
	SegmentCapBytes    int    `yaml:"segment_cap_bytes"`
	CompactionInterval int    `yaml:"compaction_interval_sec"`
	RecordTTLSec       int    `yaml:"record_ttl_sec"`
}

// ConsensusConfig governs C9 (spec §4.9).
type ConsensusConfig struct {
	NodeID             string   `yaml:"node_id"`
	BindAddr           string   `yaml:"bind_addr"`
	Peers              []string `yaml:"peers"`
	ElectionTimeoutMinMs int    `yaml:"election_timeout_min_ms"`
	ElectionTimeoutMaxMs int    `yaml:"election_timeout_max_ms"`
	ProposalTimeoutSec int      `yaml:"proposal_timeout_sec"`
}

// ExitDispatchConfig governs C10 (spec §4.10).
type ExitDispatchConfig struct {
	ListenAddr       string `yaml:"listen_addr"`
	ProbeIntervalSec int    `yaml:"probe_interval_sec"`
	ProbeTimeoutSec  int    `yaml:"probe_timeout_sec"`
	SpiffeSocketPath string `yaml:"spiffe_socket_path"`
	TrustDomain      string `yaml:"trust_domain"`
	RingbufMapPath   string `yaml:"ringbuf_map_path"`
}

// ReplayConfig governs C5 (spec §4.5), including the optional Redis
// cluster-mode backend for horizontally scaled handlers.
type ReplayConfig struct {
	WindowSec     int    `yaml:"window_sec"`
	SweepInterval int    `yaml:"sweep_interval_sec"`
	Backend       string `yaml:"backend"` // "memory" or "redis"
	RedisAddr     string `yaml:"redis_addr"`
}

// ExportConfig governs C12's batch export sweep.
type ExportConfig struct {
	IntervalSec  int    `yaml:"interval_sec"`
	PubSubTopic  string `yaml:"pubsub_topic"`
	CloudTasksQueue string `yaml:"cloud_tasks_queue"`
	ProjectID    string `yaml:"gcp_project_id"`
	LocationID   string `yaml:"gcp_location_id"`
}

// OperatorConfig governs C11's management surface.
type OperatorConfig struct {
	GRPCPort        int    `yaml:"grpc_port"`
	HTTPPort        int    `yaml:"http_port"`
	SpannerProject  string `yaml:"spanner_project"`
	SpannerInstance string `yaml:"spanner_instance"`
	SpannerDatabase string `yaml:"spanner_database"`
	ExitImage       string `yaml:"exit_image"`
}

// DatabaseConfig addresses the out-of-scope user-management store only at
// its boundary interface (spec §1, §4.6).
type DatabaseConfig struct {
	Supabase SupabaseConfig `yaml:"supabase"`
	Postgres PostgresConfig `yaml:"postgres"`
}

type SupabaseConfig struct {
	URL        string `yaml:"url"`
	ServiceKey string `yaml:"service_key"`
}

type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

// IdentityConfig carries the cluster's federation identity used both by
// exit-node mTLS (C10) and cluster membership.
type IdentityConfig struct {
	InstanceID  string `yaml:"instance_id"`
	TrustDomain string `yaml:"trust_domain"`
	Region      string `yaml:"region"`
}

// =============================================================================
// Singleton Pattern with Environment Overrides
// =============================================================================

var (
	instance *Config
	once     sync.Once
)

// Get returns the singleton config instance, loading config.yaml (or
// $CONFIG_PATH) and a local .env file if present.
func Get() *Config {
	once.Do(func() {
		_ = godotenv.Load()

		cfg, err := LoadConfig(getEnv("CONFIG_PATH", "config.yaml"))
		if err != nil {
			slog.Warn("config: failed to load config file, using defaults", "error", err)
		}
		if cfg == nil {
			cfg = &Config{}
		}
		cfg.applyEnvOverrides()
		instance = cfg
	})
	return instance
}

// LoadConfig loads config from a YAML file.
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnvOverrides applies OCX_*-prefixed environment variable overrides,
// matching the teacher codebase's env-override convention.
func (c *Config) applyEnvOverrides() {
	c.Server.Port = getEnv("PORT", c.Server.Port)
	c.Server.Env = getEnv("OCX_ENV", c.Server.Env)
	c.Server.Interface = getEnv("OCX_INTERFACE", c.Server.Interface)
	if v := getEnvInt("OCX_SERVER_READ_TIMEOUT_SEC", 0); v > 0 {
		c.Server.ReadTimeoutSec = v
	}
	if v := getEnvInt("OCX_SERVER_WRITE_TIMEOUT_SEC", 0); v > 0 {
		c.Server.WriteTimeoutSec = v
	}
	if origins := getEnv("OCX_CORS_ALLOW_ORIGINS", ""); origins != "" {
		c.Server.CORSAllowOrigins = splitCSV(origins)
	}

	if v := getEnvInt("OCX_TUNNEL_HIGH_WATER_MARK", 0); v > 0 {
		c.Tunnel.HighWaterMarkBytes = v
	}
	if v := getEnvInt("OCX_TUNNEL_LOW_WATER_MARK", 0); v > 0 {
		c.Tunnel.LowWaterMarkBytes = v
	}
	if v := getEnvInt("OCX_TUNNEL_MAX_CONNS_PER_SESSION", 0); v > 0 {
		c.Tunnel.MaxConnsPerSession = v
	}
	c.Tunnel.MimicHost = getEnv("OCX_TUNNEL_MIMIC_HOST", c.Tunnel.MimicHost)

	c.Auth.LongTermKeyPath = getEnv("OCX_AUTH_KEY_PATH", c.Auth.LongTermKeyPath)
	if v := getEnvInt("OCX_AUTH_RATE_LIMIT_PER_MINUTE", 0); v > 0 {
		c.Auth.RateLimitPerMinute = v
	}

	c.Store.DataDir = getEnv("OCX_STORE_DATA_DIR", c.Store.DataDir)
	if v := getEnvInt("OCX_STORE_SEGMENT_CAP_BYTES", 0); v > 0 {
		c.Store.SegmentCapBytes = v
	}

	c.Consensus.NodeID = getEnv("OCX_NODE_ID", c.Consensus.NodeID)
	c.Consensus.BindAddr = getEnv("OCX_CONSENSUS_BIND_ADDR", c.Consensus.BindAddr)
	if peers := getEnv("OCX_CONSENSUS_PEERS", ""); peers != "" {
		c.Consensus.Peers = splitCSV(peers)
	}

	c.ExitDispatch.ListenAddr = getEnv("OCX_EXIT_LISTEN_ADDR", c.ExitDispatch.ListenAddr)
	c.ExitDispatch.SpiffeSocketPath = getEnv("SPIFFE_ENDPOINT_SOCKET", c.ExitDispatch.SpiffeSocketPath)
	c.ExitDispatch.TrustDomain = getEnv("OCX_TRUST_DOMAIN", c.ExitDispatch.TrustDomain)

	c.Replay.Backend = getEnv("OCX_REPLAY_BACKEND", c.Replay.Backend)
	c.Replay.RedisAddr = getEnv("OCX_REPLAY_REDIS_ADDR", c.Replay.RedisAddr)

	c.Database.Supabase.URL = getEnv("SUPABASE_URL", c.Database.Supabase.URL)
	c.Database.Supabase.ServiceKey = getEnv("SUPABASE_SERVICE_KEY", c.Database.Supabase.ServiceKey)
	c.Database.Postgres.DSN = getEnv("OCX_POSTGRES_DSN", c.Database.Postgres.DSN)

	if projectID := getEnv("GCP_PROJECT_ID", ""); projectID != "" {
		c.Export.ProjectID = projectID
		c.Operator.SpannerProject = projectID
	}
	c.Export.PubSubTopic = getEnv("OCX_EXPORT_PUBSUB_TOPIC", c.Export.PubSubTopic)
	c.Export.CloudTasksQueue = getEnv("OCX_EXPORT_CLOUDTASKS_QUEUE", c.Export.CloudTasksQueue)

	c.Operator.SpannerInstance = getEnv("SPANNER_INSTANCE_ID", c.Operator.SpannerInstance)
	c.Operator.SpannerDatabase = getEnv("SPANNER_DATABASE_ID", c.Operator.SpannerDatabase)
	c.Operator.ExitImage = getEnv("OCX_EXIT_IMAGE", c.Operator.ExitImage)

	c.Identity.InstanceID = getEnv("OCX_INSTANCE_ID", c.Identity.InstanceID)
	c.Identity.TrustDomain = getEnv("OCX_TRUST_DOMAIN", c.Identity.TrustDomain)
	c.Identity.Region = getEnv("OCX_REGION", c.Identity.Region)

	c.applyDefaults()
}

// applyDefaults fills zero-valued fields with the literal constants spec.md
// §4-§5 name (timeouts, watermarks, probe cadence).
func (c *Config) applyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = "8443"
	}
	if c.Server.ReadTimeoutSec == 0 {
		c.Server.ReadTimeoutSec = 15
	}
	if c.Server.WriteTimeoutSec == 0 {
		c.Server.WriteTimeoutSec = 15
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 30
	}
	if len(c.Server.CORSAllowOrigins) == 0 {
		c.Server.CORSAllowOrigins = []string{"*"}
	}

	if c.Tunnel.HandshakeTimeoutSec == 0 {
		c.Tunnel.HandshakeTimeoutSec = 10
	}
	if c.Tunnel.UnauthenticatedTimeoutSec == 0 {
		c.Tunnel.UnauthenticatedTimeoutSec = 10
	}
	if c.Tunnel.IdleTimeoutSec == 0 {
		c.Tunnel.IdleTimeoutSec = 300
	}
	if c.Tunnel.PingIntervalSec == 0 {
		c.Tunnel.PingIntervalSec = 30
	}
	if c.Tunnel.PongTimeoutSec == 0 {
		c.Tunnel.PongTimeoutSec = 90
	}
	if c.Tunnel.HighWaterMarkBytes == 0 {
		c.Tunnel.HighWaterMarkBytes = 4 << 20
	}
	if c.Tunnel.LowWaterMarkBytes == 0 {
		c.Tunnel.LowWaterMarkBytes = 1 << 20
	}
	if c.Tunnel.MaxConnsPerSession == 0 {
		c.Tunnel.MaxConnsPerSession = 256
	}
	if c.Tunnel.MimicHost == "" {
		c.Tunnel.MimicHost = "www.cloudflare.com"
	}

	if c.Obfuscator.CompressMinBytes == 0 {
		c.Obfuscator.CompressMinBytes = 1024
	}
	if c.Obfuscator.JitterFraction == 0 {
		c.Obfuscator.JitterFraction = 0.10
	}
	if c.Obfuscator.IdleInjectMinSec == 0 {
		c.Obfuscator.IdleInjectMinSec = 10
	}
	if c.Obfuscator.IdleInjectMaxSec == 0 {
		c.Obfuscator.IdleInjectMaxSec = 30
	}

	if c.Auth.ResponseBudgetMs == 0 {
		c.Auth.ResponseBudgetMs = 200
	}
	if c.Auth.ClockSkewSec == 0 {
		c.Auth.ClockSkewSec = 30
	}
	if c.Auth.TokenTTLSec == 0 {
		c.Auth.TokenTTLSec = 60
	}
	if c.Auth.RotationGraceSec == 0 {
		c.Auth.RotationGraceSec = 600
	}
	if c.Auth.RotationIntervalSec == 0 {
		c.Auth.RotationIntervalSec = 86400
	}
	if c.Auth.RateLimitPerMinute == 0 {
		c.Auth.RateLimitPerMinute = 60
	}

	if c.Store.DataDir == "" {
		c.Store.DataDir = "./data/store"
	}
	if c.Store.SegmentCapBytes == 0 {
		c.Store.SegmentCapBytes = 64 << 20
	}
	if c.Store.CompactionInterval == 0 {
		c.Store.CompactionInterval = 300
	}
	if c.Store.RecordTTLSec == 0 {
		c.Store.RecordTTLSec = 86400
	}

	if c.Consensus.ElectionTimeoutMinMs == 0 {
		c.Consensus.ElectionTimeoutMinMs = 150
	}
	if c.Consensus.ElectionTimeoutMaxMs == 0 {
		c.Consensus.ElectionTimeoutMaxMs = 300
	}
	if c.Consensus.ProposalTimeoutSec == 0 {
		c.Consensus.ProposalTimeoutSec = 5
	}

	if c.ExitDispatch.ListenAddr == "" {
		c.ExitDispatch.ListenAddr = ":9443"
	}
	if c.ExitDispatch.ProbeIntervalSec == 0 {
		c.ExitDispatch.ProbeIntervalSec = 10
	}
	if c.ExitDispatch.ProbeTimeoutSec == 0 {
		c.ExitDispatch.ProbeTimeoutSec = 2
	}
	if c.ExitDispatch.SpiffeSocketPath == "" {
		c.ExitDispatch.SpiffeSocketPath = "unix:///run/spire/sockets/agent.sock"
	}

	if c.Replay.WindowSec == 0 {
		c.Replay.WindowSec = 120
	}
	if c.Replay.SweepInterval == 0 {
		c.Replay.SweepInterval = 10
	}
	if c.Replay.Backend == "" {
		c.Replay.Backend = "memory"
	}

	if c.Export.IntervalSec == 0 {
		c.Export.IntervalSec = 300
	}
	if c.Export.PubSubTopic == "" {
		c.Export.PubSubTopic = "tunnelmesh-export"
	}
	if c.Export.CloudTasksQueue == "" {
		c.Export.CloudTasksQueue = "tunnelmesh-export-sweep"
	}

	if c.Operator.GRPCPort == 0 {
		c.Operator.GRPCPort = 7443
	}
	if c.Operator.HTTPPort == 0 {
		c.Operator.HTTPPort = 7080
	}
	if c.Operator.ExitImage == "" {
		c.Operator.ExitImage = "tunnelmesh-exit:latest"
	}

	if c.Identity.InstanceID == "" {
		c.Identity.InstanceID = "handler-local"
	}
	if c.Identity.TrustDomain == "" {
		c.Identity.TrustDomain = "spiffe://tunnelmesh.local"
	}
}

// =============================================================================
// Helper Functions
// =============================================================================

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		return val == "true" || val == "1"
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func splitCSV(s string) []string {
	parts := make([]string, 0)
	for _, p := range strings.Split(s, ",") {
		trimmed := strings.TrimSpace(p)
		if trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}

// =============================================================================
// Convenience Methods
// =============================================================================

func (c *Config) IsProduction() bool {
	return c.Server.Env == "production"
}

func (c *Config) GetPort() string {
	if c.Server.Port == "" {
		return "8443"
	}
	return c.Server.Port
}
