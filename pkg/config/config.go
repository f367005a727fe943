// Package config provides configuration management for conductor
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "CONDUCTOR_"

// Config holds the complete configuration for conductor
type Config struct {
	Server       ServerConfig       `yaml:"server" json:"server"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator" json:"orchestrator"`

	// Agents declares container-backed agent types registered at startup
	Agents []AgentSpec `yaml:"agents" json:"agents"`

	Runtime    RuntimeConfig    `yaml:"runtime" json:"runtime"`
	State      StateConfig      `yaml:"state" json:"state"`
	Events     EventsConfig     `yaml:"events" json:"events"`
	Monitoring MonitoringConfig `yaml:"monitoring" json:"monitoring"`
	Logging    LoggingConfig    `yaml:"logging" json:"logging"`
	Security   SecurityConfig   `yaml:"security" json:"security"`
}

// ServerConfig holds server-related configuration
type ServerConfig struct {
	GRPC GRPCConfig `yaml:"grpc" json:"grpc"`
	HTTP HTTPConfig `yaml:"http" json:"http"`
	TLS  TLSConfig  `yaml:"tls" json:"tls"`

	// Graceful shutdown timeout
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
}

// GRPCConfig holds gRPC server configuration
type GRPCConfig struct {
	Enabled           bool          `yaml:"enabled" json:"enabled"`
	Host              string        `yaml:"host" json:"host"`
	Port              int           `yaml:"port" json:"port"`
	MaxRecvMsgSize    int           `yaml:"max_recv_msg_size" json:"max_recv_msg_size"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout" json:"connection_timeout"`
	ReflectionEnabled bool          `yaml:"reflection_enabled" json:"reflection_enabled"`
}

// HTTPConfig holds HTTP server configuration
type HTTPConfig struct {
	Host               string        `yaml:"host" json:"host"`
	Port               int           `yaml:"port" json:"port"`
	ReadTimeout        time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout       time.Duration `yaml:"write_timeout" json:"write_timeout"`
	IdleTimeout        time.Duration `yaml:"idle_timeout" json:"idle_timeout"`
	MaxHeaderBytes     int           `yaml:"max_header_bytes" json:"max_header_bytes"`
	CORSEnabled        bool          `yaml:"cors_enabled" json:"cors_enabled"`
	CORSAllowedOrigins []string      `yaml:"cors_allowed_origins" json:"cors_allowed_origins"`
}

// TLSConfig holds TLS configuration
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	CertFile string `yaml:"cert_file" json:"cert_file"`
	KeyFile  string `yaml:"key_file" json:"key_file"`
}

// OrchestratorConfig holds scheduling defaults
type OrchestratorConfig struct {
	// DefaultTimeout applies to agents that do not set their own timeout
	DefaultTimeout       time.Duration `yaml:"default_timeout" json:"default_timeout"`
	DefaultRetryAttempts int           `yaml:"default_retry_attempts" json:"default_retry_attempts"`
	AutoRetry            bool          `yaml:"auto_retry" json:"auto_retry"`
	// DefaultStepTimeout bounds a workflow step whose definition sets none
	DefaultStepTimeout time.Duration `yaml:"default_step_timeout" json:"default_step_timeout"`
	// WorkflowDir is scanned for *.yaml/*.json workflow definitions at startup
	WorkflowDir    string `yaml:"workflow_dir" json:"workflow_dir"`
	RecoverOnStart bool   `yaml:"recover_on_start" json:"recover_on_start"`
}

// AgentSpec declares an agent type whose tasks run as containers
type AgentSpec struct {
	Type               string                 `yaml:"type" json:"type"`
	Enabled            *bool                  `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	AutoApprove        bool                   `yaml:"auto_approve" json:"auto_approve"`
	MaxConcurrentTasks int                    `yaml:"max_concurrent_tasks" json:"max_concurrent_tasks"`
	RetryAttempts      *int                   `yaml:"retry_attempts,omitempty" json:"retry_attempts,omitempty"`
	Timeout            time.Duration          `yaml:"timeout" json:"timeout"`
	EstimatedDuration  time.Duration          `yaml:"estimated_duration" json:"estimated_duration"`
	Runtime            string                 `yaml:"runtime" json:"runtime"`
	Image              string                 `yaml:"image" json:"image"`
	Command            []string               `yaml:"command" json:"command"`
	Args               []string               `yaml:"args" json:"args"`
	Environment        map[string]string      `yaml:"environment" json:"environment"`
	CPU                string                 `yaml:"cpu" json:"cpu"`
	Memory             string                 `yaml:"memory" json:"memory"`
	RequiredInputs     []string               `yaml:"required_inputs" json:"required_inputs"`
	ModelConfig        map[string]interface{} `yaml:"model_config" json:"model_config"`
}

// IsEnabled reports whether the agent is enabled; unset means enabled
func (a AgentSpec) IsEnabled() bool {
	return a.Enabled == nil || *a.Enabled
}

// RuntimeConfig holds container runtime configuration
type RuntimeConfig struct {
	Type       string            `yaml:"type" json:"type"`
	Endpoint   string            `yaml:"endpoint" json:"endpoint"`
	Namespace  string            `yaml:"namespace" json:"namespace"`
	KubeConfig string            `yaml:"kubeconfig" json:"kubeconfig"`
	Labels     map[string]string `yaml:"labels" json:"labels"`
	// OCIRuntime selects the docker OCI runtime, e.g. "runsc" for gVisor sandboxing
	OCIRuntime string `yaml:"oci_runtime" json:"oci_runtime"`
	// PollInterval is how often the kubernetes runtime checks pod phase
	PollInterval time.Duration `yaml:"poll_interval" json:"poll_interval"`

	ImagePolicy ImagePolicyConfig `yaml:"image_policy" json:"image_policy"`
}

// ImagePolicyConfig restricts which images declared agents may run
type ImagePolicyConfig struct {
	// AllowedRegistries may end in "*" for a prefix match; empty allows all
	AllowedRegistries  []string `yaml:"allowed_registries" json:"allowed_registries"`
	BlockedRegistries  []string `yaml:"blocked_registries" json:"blocked_registries"`
	AllowLatestTag     bool     `yaml:"allow_latest_tag" json:"allow_latest_tag"`
	RequireDigest      bool     `yaml:"require_digest" json:"require_digest"`
	BlockedTagPatterns []string `yaml:"blocked_tag_patterns" json:"blocked_tag_patterns"`
}

// StateConfig holds persistence configuration
type StateConfig struct {
	Type          string        `yaml:"type" json:"type"`
	Path          string        `yaml:"path" json:"path"`
	ConnectionURL string        `yaml:"connection_url" json:"connection_url"`
	EventTTL      time.Duration `yaml:"event_ttl" json:"event_ttl"`
}

// EventsConfig controls where lifecycle events are forwarded
type EventsConfig struct {
	Sink       string `yaml:"sink" json:"sink"`
	Topic      string `yaml:"topic" json:"topic"`
	BufferSize int    `yaml:"buffer_size" json:"buffer_size"`

	AMQ   AMQConfig   `yaml:"amq" json:"amq"`
	Redis RedisConfig `yaml:"redis" json:"redis"`
}

// AMQConfig holds embedded AMQ configuration
type AMQConfig struct {
	StorePath      string        `yaml:"store_path" json:"store_path"`
	WorkerPoolSize int           `yaml:"worker_pool_size" json:"worker_pool_size"`
	MessageTimeout time.Duration `yaml:"message_timeout" json:"message_timeout"`
}

// RedisConfig holds Redis Streams configuration
type RedisConfig struct {
	URL    string `yaml:"url" json:"url"`
	MaxLen int64  `yaml:"max_len" json:"max_len"`
}

// MonitoringConfig holds monitoring and observability configuration
type MonitoringConfig struct {
	Metrics      MetricsConfig      `yaml:"metrics" json:"metrics"`
	Tracing      TracingConfig      `yaml:"tracing" json:"tracing"`
	HealthChecks HealthChecksConfig `yaml:"health_checks" json:"health_checks"`
}

// MetricsConfig holds Prometheus metrics configuration
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled" json:"enabled"`
	Path      string `yaml:"path" json:"path"`
	Namespace string `yaml:"namespace" json:"namespace"`
}

// TracingConfig holds OpenTelemetry tracing configuration
type TracingConfig struct {
	Enabled      bool          `yaml:"enabled" json:"enabled"`
	Endpoint     string        `yaml:"endpoint" json:"endpoint"`
	ServiceName  string        `yaml:"service_name" json:"service_name"`
	SampleRate   float64       `yaml:"sample_rate" json:"sample_rate"`
	BatchTimeout time.Duration `yaml:"batch_timeout" json:"batch_timeout"`
}

// HealthChecksConfig holds health check configuration
type HealthChecksConfig struct {
	Enabled  bool          `yaml:"enabled" json:"enabled"`
	Interval time.Duration `yaml:"interval" json:"interval"`
	Timeout  time.Duration `yaml:"timeout" json:"timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level    string `yaml:"level" json:"level"`
	Format   string `yaml:"format" json:"format"`
	Output   string `yaml:"output" json:"output"`
	FilePath string `yaml:"file_path" json:"file_path"`
}

// SecurityConfig holds security-related configuration
type SecurityConfig struct {
	Authentication AuthenticationConfig `yaml:"authentication" json:"authentication"`
	Authorization  AuthorizationConfig  `yaml:"authorization" json:"authorization"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit" json:"rate_limit"`
}

// AuthenticationConfig holds authentication configuration
type AuthenticationConfig struct {
	Enabled   bool      `yaml:"enabled" json:"enabled"`
	JWTConfig JWTConfig `yaml:"jwt" json:"jwt"`
}

// JWTConfig holds JWT configuration
type JWTConfig struct {
	SecretKey      string        `yaml:"secret_key" json:"secret_key"`
	Issuer         string        `yaml:"issuer" json:"issuer"`
	ExpiryDuration time.Duration `yaml:"expiry_duration" json:"expiry_duration"`
}

// AuthorizationConfig maps roles to permitted endpoints
type AuthorizationConfig struct {
	Enabled     bool                `yaml:"enabled" json:"enabled"`
	AdminRoles  []string            `yaml:"admin_roles" json:"admin_roles"`
	Permissions map[string][]string `yaml:"permissions" json:"permissions"`
}

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	Enabled      bool          `yaml:"enabled" json:"enabled"`
	GlobalLimit  int           `yaml:"global_limit" json:"global_limit"`
	GlobalWindow time.Duration `yaml:"global_window" json:"global_window"`
	UserLimit    int           `yaml:"user_limit" json:"user_limit"`
	UserWindow   time.Duration `yaml:"user_window" json:"user_window"`
	// EndpointLimits keys are "METHOD /path" patterns or gRPC full method names
	EndpointLimits map[string]EndpointLimit `yaml:"endpoint_limits" json:"endpoint_limits"`
}

// EndpointLimit is a rate limit applied to every caller of one endpoint
type EndpointLimit struct {
	Limit  int           `yaml:"limit" json:"limit"`
	Window time.Duration `yaml:"window" json:"window"`
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			GRPC: GRPCConfig{
				Enabled:           true,
				Host:              "0.0.0.0",
				Port:              9090,
				MaxRecvMsgSize:    4 * 1024 * 1024,
				ConnectionTimeout: 30 * time.Second,
				ReflectionEnabled: true,
			},
			HTTP: HTTPConfig{
				Host:               "0.0.0.0",
				Port:               8080,
				ReadTimeout:        10 * time.Second,
				WriteTimeout:       30 * time.Second,
				IdleTimeout:        60 * time.Second,
				MaxHeaderBytes:     1 << 20,
				CORSEnabled:        true,
				CORSAllowedOrigins: []string{"*"},
			},
			ShutdownTimeout: 30 * time.Second,
		},
		Orchestrator: OrchestratorConfig{
			DefaultTimeout:       5 * time.Minute,
			DefaultRetryAttempts: 3,
			AutoRetry:            true,
			DefaultStepTimeout:   30 * time.Minute,
			RecoverOnStart:       true,
		},
		Runtime: RuntimeConfig{
			Type:         "docker",
			Namespace:    "default",
			Labels:       make(map[string]string),
			PollInterval: 2 * time.Second,
			ImagePolicy: ImagePolicyConfig{
				AllowLatestTag: true,
			},
		},
		State: StateConfig{
			Type:     "memory",
			Path:     "./conductor-data",
			EventTTL: 7 * 24 * time.Hour,
		},
		Events: EventsConfig{
			Sink:       "none",
			Topic:      "conductor.events",
			BufferSize: 1024,
			AMQ: AMQConfig{
				StorePath:      "./conductor-amq-data",
				WorkerPoolSize: 10,
				MessageTimeout: 30 * time.Second,
			},
			Redis: RedisConfig{
				URL:    "redis://localhost:6379/0",
				MaxLen: 10000,
			},
		},
		Monitoring: MonitoringConfig{
			Metrics: MetricsConfig{
				Enabled:   true,
				Path:      "/metrics",
				Namespace: "conductor",
			},
			Tracing: TracingConfig{
				Enabled:      false,
				ServiceName:  "conductor",
				SampleRate:   0.1,
				BatchTimeout: 5 * time.Second,
			},
			HealthChecks: HealthChecksConfig{
				Enabled:  true,
				Interval: 30 * time.Second,
				Timeout:  5 * time.Second,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Security: SecurityConfig{
			Authentication: AuthenticationConfig{
				Enabled: false,
				JWTConfig: JWTConfig{
					Issuer:         "conductor",
					ExpiryDuration: 24 * time.Hour,
				},
			},
			Authorization: AuthorizationConfig{
				Enabled:    false,
				AdminRoles: []string{"admin"},
				Permissions: map[string][]string{
					"operator": {"GET /api/v1/*", "POST /api/v1/tasks*", "POST /api/v1/workflows/executions", "POST /api/v1/workflows/executions/*/cancel"},
					"reviewer": {"GET /api/v1/*", "POST /api/v1/workflows/executions/*/resume"},
				},
			},
			RateLimit: RateLimitConfig{
				Enabled:      false,
				GlobalLimit:  1000,
				GlobalWindow: time.Minute,
				UserLimit:    100,
				UserWindow:   time.Minute,
			},
		},
	}
}

// LoadConfig loads configuration from dotenv files, a config file and environment variables
func LoadConfig(configPath string) (*Config, error) {
	if err := loadDotEnv(); err != nil {
		return nil, fmt.Errorf("failed to load env file: %w", err)
	}

	config := DefaultConfig()

	if configPath != "" {
		if err := loadConfigFromFile(config, configPath); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	loadConfigFromEnv(config)

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// loadDotEnv loads CONDUCTOR_ENV_FILE or ./.env when present. Existing
// environment variables win over file values.
func loadDotEnv() error {
	path := os.Getenv(EnvPrefix + "ENV_FILE")
	if path == "" {
		path = ".env"
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return nil
		}
	}
	return godotenv.Load(path)
}

// loadConfigFromFile loads configuration from YAML or JSON file
func loadConfigFromFile(config *Config, configPath string) error {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return err
	}

	ext := strings.ToLower(filepath.Ext(configPath))
	switch ext {
	case ".yaml", ".yml":
		return yaml.Unmarshal(data, config)
	case ".json":
		return json.Unmarshal(data, config)
	default:
		return fmt.Errorf("unsupported config file format: %s", ext)
	}
}

func envString(name string, target *string) {
	if val := os.Getenv(EnvPrefix + name); val != "" {
		*target = val
	}
}

func envInt(name string, target *int) {
	if val := os.Getenv(EnvPrefix + name); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			*target = n
		}
	}
}

func envBool(name string, target *bool) {
	if val := os.Getenv(EnvPrefix + name); val != "" {
		*target = strings.ToLower(val) == "true"
	}
}

func envDuration(name string, target *time.Duration) {
	if val := os.Getenv(EnvPrefix + name); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			*target = d
		}
	}
}

// loadConfigFromEnv loads configuration from environment variables
func loadConfigFromEnv(config *Config) {
	envString("HTTP_HOST", &config.Server.HTTP.Host)
	envInt("HTTP_PORT", &config.Server.HTTP.Port)
	envBool("GRPC_ENABLED", &config.Server.GRPC.Enabled)
	envString("GRPC_HOST", &config.Server.GRPC.Host)
	envInt("GRPC_PORT", &config.Server.GRPC.Port)
	envBool("TLS_ENABLED", &config.Server.TLS.Enabled)
	envString("TLS_CERT_FILE", &config.Server.TLS.CertFile)
	envString("TLS_KEY_FILE", &config.Server.TLS.KeyFile)

	envDuration("DEFAULT_TIMEOUT", &config.Orchestrator.DefaultTimeout)
	envInt("DEFAULT_RETRY_ATTEMPTS", &config.Orchestrator.DefaultRetryAttempts)
	envBool("AUTO_RETRY", &config.Orchestrator.AutoRetry)
	envDuration("DEFAULT_STEP_TIMEOUT", &config.Orchestrator.DefaultStepTimeout)
	envString("WORKFLOW_DIR", &config.Orchestrator.WorkflowDir)

	envString("RUNTIME_TYPE", &config.Runtime.Type)
	envString("RUNTIME_ENDPOINT", &config.Runtime.Endpoint)
	envString("RUNTIME_NAMESPACE", &config.Runtime.Namespace)
	envString("KUBECONFIG", &config.Runtime.KubeConfig)
	envString("OCI_RUNTIME", &config.Runtime.OCIRuntime)
	if val := os.Getenv(EnvPrefix + "ALLOWED_REGISTRIES"); val != "" {
		config.Runtime.ImagePolicy.AllowedRegistries = splitList(val)
	}
	envBool("REQUIRE_IMAGE_DIGEST", &config.Runtime.ImagePolicy.RequireDigest)

	envString("STATE_TYPE", &config.State.Type)
	envString("STATE_PATH", &config.State.Path)
	envString("STATE_CONNECTION_URL", &config.State.ConnectionURL)

	envString("EVENTS_SINK", &config.Events.Sink)
	envString("EVENTS_TOPIC", &config.Events.Topic)
	envString("AMQ_STORE_PATH", &config.Events.AMQ.StorePath)
	envString("REDIS_URL", &config.Events.Redis.URL)

	envBool("METRICS_ENABLED", &config.Monitoring.Metrics.Enabled)
	envBool("TRACING_ENABLED", &config.Monitoring.Tracing.Enabled)
	envString("TRACING_ENDPOINT", &config.Monitoring.Tracing.Endpoint)

	envString("LOG_LEVEL", &config.Logging.Level)
	envString("LOG_FORMAT", &config.Logging.Format)

	envBool("AUTH_ENABLED", &config.Security.Authentication.Enabled)
	envString("JWT_SECRET_KEY", &config.Security.Authentication.JWTConfig.SecretKey)
	envBool("RATE_LIMIT_ENABLED", &config.Security.RateLimit.Enabled)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.GRPC.Enabled && (c.Server.GRPC.Port <= 0 || c.Server.GRPC.Port > 65535) {
		return fmt.Errorf("invalid gRPC port: %d", c.Server.GRPC.Port)
	}
	if c.Server.HTTP.Port <= 0 || c.Server.HTTP.Port > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.Server.HTTP.Port)
	}

	if c.Server.TLS.Enabled {
		if c.Server.TLS.CertFile == "" {
			return fmt.Errorf("TLS cert file must be specified when TLS is enabled")
		}
		if c.Server.TLS.KeyFile == "" {
			return fmt.Errorf("TLS key file must be specified when TLS is enabled")
		}
		if _, err := os.Stat(c.Server.TLS.CertFile); os.IsNotExist(err) {
			return fmt.Errorf("TLS cert file does not exist: %s", c.Server.TLS.CertFile)
		}
		if _, err := os.Stat(c.Server.TLS.KeyFile); os.IsNotExist(err) {
			return fmt.Errorf("TLS key file does not exist: %s", c.Server.TLS.KeyFile)
		}
	}

	if c.Orchestrator.DefaultRetryAttempts < 0 {
		return fmt.Errorf("default retry attempts must not be negative")
	}
	if c.Orchestrator.DefaultTimeout <= 0 {
		return fmt.Errorf("default timeout must be positive")
	}

	validRuntimes := []string{"docker", "kubernetes"}
	if !contains(validRuntimes, c.Runtime.Type) {
		return fmt.Errorf("invalid runtime type: %s, must be one of %v", c.Runtime.Type, validRuntimes)
	}

	seen := make(map[string]bool)
	for i, agent := range c.Agents {
		if agent.Type == "" {
			return fmt.Errorf("agent %d: type is required", i)
		}
		if seen[agent.Type] {
			return fmt.Errorf("agent %s: declared twice", agent.Type)
		}
		seen[agent.Type] = true
		if agent.Image == "" {
			return fmt.Errorf("agent %s: image is required", agent.Type)
		}
		if agent.Runtime != "" && !contains(validRuntimes, agent.Runtime) {
			return fmt.Errorf("agent %s: invalid runtime %s", agent.Type, agent.Runtime)
		}
	}

	validStates := []string{"memory", "badger", "postgres"}
	if !contains(validStates, c.State.Type) {
		return fmt.Errorf("invalid state type: %s, must be one of %v", c.State.Type, validStates)
	}
	if c.State.Type == "postgres" && c.State.ConnectionURL == "" {
		return fmt.Errorf("connection url is required for postgres state")
	}

	validSinks := []string{"none", "amq", "redis"}
	if !contains(validSinks, c.Events.Sink) {
		return fmt.Errorf("invalid events sink: %s, must be one of %v", c.Events.Sink, validSinks)
	}

	validLogLevels := []string{"debug", "info", "warn", "error"}
	if !contains(validLogLevels, strings.ToLower(c.Logging.Level)) {
		return fmt.Errorf("invalid log level: %s, must be one of %v", c.Logging.Level, validLogLevels)
	}

	validLogFormats := []string{"json", "text"}
	if !contains(validLogFormats, strings.ToLower(c.Logging.Format)) {
		return fmt.Errorf("invalid log format: %s, must be one of %v", c.Logging.Format, validLogFormats)
	}

	if c.Security.Authentication.Enabled && c.Security.Authentication.JWTConfig.SecretKey == "" {
		return fmt.Errorf("jwt secret key must be set when authentication is enabled")
	}

	return nil
}

// String returns a string representation of the configuration
func (c *Config) String() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}

// SaveToFile saves the configuration to a file
func (c *Config) SaveToFile(path string) error {
	ext := strings.ToLower(filepath.Ext(path))
	var data []byte
	var err error

	switch ext {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(c)
	case ".json":
		data, err = json.MarshalIndent(c, "", "  ")
	default:
		return fmt.Errorf("unsupported config file format: %s", ext)
	}

	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

func splitList(val string) []string {
	var out []string
	for _, item := range strings.Split(val, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// contains checks if a slice contains a string
func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
