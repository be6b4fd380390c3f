package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Auth         AuthConfig         `mapstructure:"auth"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Edge         EdgeConfig         `mapstructure:"edge"`
	Metrics      MetricsConfig      `mapstructure:"metrics"`
}

type ServerConfig struct {
	GRPCPort        int           `mapstructure:"grpc_port"`
	HTTPPort        int           `mapstructure:"http_port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	// WriteTimeout bounds synchronous connection requests, which wait for a deployment.
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

type DatabaseConfig struct {
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	Database       string `mapstructure:"database"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	MaxConnections int    `mapstructure:"max_connections"`
}

// Auth Configuration
type AuthConfig struct {
	JWTSecretEnv   string        `mapstructure:"jwt_secret_env"`
	AccessTokenTTL time.Duration `mapstructure:"access_token_ttl"`
	Issuer         string        `mapstructure:"issuer"`
}

// OrchestratorConfig holds the settle times of the deployment workflows.
// PollInterval is the constant delay between deployment status reads;
// SettleTime is the pause after a completed deployment before the device is
// told to start or stop, so freshly deployed components finish initializing.
type OrchestratorConfig struct {
	PollInterval     time.Duration `mapstructure:"poll_interval"`
	SettleTime       time.Duration `mapstructure:"settle_time"`
	StreamName       string        `mapstructure:"stream_name"`
	ComponentVersion string        `mapstructure:"component_version"`
	ArtifactBucket   string        `mapstructure:"artifact_bucket"`
}

type EdgeConfig struct {
	BaseURL  string        `mapstructure:"base_url"`
	TokenEnv string        `mapstructure:"token_env"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

type MetricsConfig struct {
	SendAnonymousUsage bool          `mapstructure:"send_anonymous_usage"`
	Endpoint           string        `mapstructure:"endpoint"`
	SolutionID         string        `mapstructure:"solution_id"`
	SolutionVersion    string        `mapstructure:"solution_version"`
	UUID               string        `mapstructure:"uuid"`
	Timeout            time.Duration `mapstructure:"timeout"`
}

var envKeyReplacer = strings.NewReplacer(".", "_")

func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	setDefaults(v)

	// MC_ORCHESTRATOR_SETTLE_TIME overrides orchestrator.settle_time, etc.
	v.SetEnvPrefix("MC")
	v.SetEnvKeyReplacer(envKeyReplacer)
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.grpc_port", 50051)
	v.SetDefault("server.http_port", 8080)
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("server.write_timeout", "10m")
	v.SetDefault("database.max_connections", 10)

	v.SetDefault("auth.jwt_secret_env", "JWT_SECRET")
	v.SetDefault("auth.access_token_ttl", "60m")
	v.SetDefault("auth.issuer", "machineconnect")

	v.SetDefault("orchestrator.poll_interval", "5s")
	v.SetDefault("orchestrator.settle_time", "30s")
	v.SetDefault("orchestrator.stream_name", "m2c2_stream")
	v.SetDefault("orchestrator.component_version", "1.0.0")

	v.SetDefault("edge.token_env", "EDGE_API_TOKEN")
	v.SetDefault("edge.timeout", "15s")

	v.SetDefault("metrics.send_anonymous_usage", false)
	v.SetDefault("metrics.endpoint", "https://metrics.awssolutionsbuilder.com/generic")
	v.SetDefault("metrics.solution_id", "SO0070")
	v.SetDefault("metrics.timeout", "5s")
}

func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.User, c.Password, c.Host, c.Port, c.Database)
}

const devJWTSecret = "dev-secret-change-in-production-min-32-chars"

// GetJWTSecret reads the signing secret from the configured environment variable.
func (a *AuthConfig) GetJWTSecret() string {
	envVar := a.JWTSecretEnv
	if envVar == "" {
		envVar = "JWT_SECRET"
	}

	secret := os.Getenv(envVar)
	if secret == "" {
		return devJWTSecret
	}
	return secret
}

func (a *AuthConfig) IsProductionReady() bool {
	secret := a.GetJWTSecret()
	return secret != devJWTSecret && len(secret) >= 32
}

// GetToken reads the edge management API token from the environment.
func (e *EdgeConfig) GetToken() string {
	if e.TokenEnv == "" {
		return ""
	}
	return os.Getenv(e.TokenEnv)
}
