package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/argon2"
	"gopkg.in/yaml.v3"
)

// Env vars read by Load and ApplyEnvOverrides.
const (
	envPrefix    = "MSA_"
	EnvConfigKey = "MSA_CONFIG_KEY"
	encPrefix    = "enc:"
)

// Config is the top-level application configuration.
type Config struct {
	Agent      AgentConfig      `yaml:"agent"`
	Logger     LoggerConfig     `yaml:"logger"`
	Tracer     TracerConfig     `yaml:"tracer"`
	Supervisor SupervisorConfig `yaml:"supervisor"`
	Timers     TimersConfig     `yaml:"timers"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Gateway    GatewayConfig    `yaml:"gateway"`
	Journal    JournalConfig    `yaml:"journal"`
	// Handlers holds per-handler settings keyed by handler name.
	Handlers map[string]map[string]any `yaml:"handlers,omitempty"`
	Includes []string                  `yaml:"includes,omitempty"`
}

// AgentConfig identifies this agent.
type AgentConfig struct {
	Name    string `yaml:"name"`
	DataDir string `yaml:"data_dir"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	Endpoint    string  `yaml:"endpoint"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

// SupervisorConfig tunes handler supervision and shutdown.
type SupervisorConfig struct {
	GracePeriod  time.Duration `yaml:"grace_period"`
	ForceTimeout time.Duration `yaml:"force_timeout"`
	HandlerYield time.Duration `yaml:"handler_yield"`
	Workers      int           `yaml:"workers"`
	Breaker      BreakerConfig `yaml:"breaker"`
}

// BreakerConfig throttles pull handlers that keep failing. A zero
// max_failures disables it.
type BreakerConfig struct {
	MaxFailures uint32        `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
}

// TimersConfig holds timer engine settings.
type TimersConfig struct {
	PoolSize int `yaml:"pool_size"`
	// Resolution is how often ready timers are checked.
	Resolution time.Duration `yaml:"resolution"`
}

// SchedulerConfig holds wall-clock schedules.
type SchedulerConfig struct {
	Enabled bool `yaml:"enabled"`
	// Clock is the cron expression of the TimeEvent clock; empty disables it.
	Clock string                `yaml:"clock"`
	Tasks []ScheduledTaskConfig `yaml:"tasks"`
}

// ScheduledTaskConfig fires one event kind on a schedule.
type ScheduledTaskConfig struct {
	Name     string         `yaml:"name"`
	Schedule string         `yaml:"schedule"` // cron expression or duration string
	Event    string         `yaml:"event"`
	Data     map[string]any `yaml:"data,omitempty"`
}

// GatewayConfig holds WebSocket gateway settings.
type GatewayConfig struct {
	Enabled        bool            `yaml:"enabled"`
	Addr           string          `yaml:"addr"`
	Auth           AuthConfig      `yaml:"auth"`
	RateLimit      RateLimitConfig `yaml:"rate_limit"`
	SendBuffer     int             `yaml:"send_buffer"`
	MaxAwait       time.Duration   `yaml:"max_await"`
	AllowedOrigins []string        `yaml:"allowed_origins,omitempty"`
	TrustedProxies []string        `yaml:"trusted_proxies,omitempty"`
	// Advertise announces the gateway on the local network over mDNS.
	Advertise bool `yaml:"advertise"`
}

// AuthConfig holds gateway authentication settings.
type AuthConfig struct {
	Tokens []TokenConfig `yaml:"tokens,omitempty"`
}

// TokenConfig holds a single gateway auth token.
type TokenConfig struct {
	Token string `yaml:"token"`
	Name  string `yaml:"name"`
}

// RateLimitConfig bounds gateway traffic.
type RateLimitConfig struct {
	RequestsPerMin int `yaml:"requests_per_min"`
	Burst          int `yaml:"burst"`
	ConnectsPerMin int `yaml:"connects_per_min"`
}

// JournalConfig holds the event journal settings.
type JournalConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Path       string `yaml:"path"`
	MaxEntries int    `yaml:"max_entries"`
}

// defaultDataDir returns $HOME/.moe-serifu/data, or ./data without a home.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return filepath.Join(home, ".moe-serifu", "data")
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	dataDir := defaultDataDir()
	return &Config{
		Agent: AgentConfig{
			Name:    "moe-serifu-agent",
			DataDir: dataDir,
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Exporter:    "noop",
			SampleRatio: 1,
		},
		Supervisor: SupervisorConfig{
			GracePeriod:  time.Second,
			ForceTimeout: 5 * time.Second,
			HandlerYield: 10 * time.Millisecond,
			Workers:      8,
			Breaker: BreakerConfig{
				Timeout: 30 * time.Second,
			},
		},
		Timers: TimersConfig{
			PoolSize:   1024,
			Resolution: 100 * time.Millisecond,
		},
		Scheduler: SchedulerConfig{
			Enabled: true,
			Clock:   "* * * * *",
		},
		Gateway: GatewayConfig{
			Addr: "127.0.0.1:8090",
			RateLimit: RateLimitConfig{
				RequestsPerMin: 600,
				Burst:          60,
				ConnectsPerMin: 30,
			},
			SendBuffer: 64,
			MaxAwait:   30 * time.Second,
		},
		Journal: JournalConfig{
			Path:       filepath.Join(dataDir, "journal.db"),
			MaxEntries: 10000,
		},
		Handlers: map[string]map[string]any{},
	}
}

// Load reads the YAML file at path over the defaults, resolves includes,
// applies MSA_* env overrides, decrypts "enc:" secrets when MSA_CONFIG_KEY
// is set, and validates the result. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			ApplyEnvOverrides(cfg)
			if err := Validate(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	if err := validatePermissions(absPath); err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if len(cfg.Includes) > 0 {
		visited := map[string]bool{absPath: true}
		if err := processIncludes(cfg, filepath.Dir(absPath), visited, 0); err != nil {
			return nil, err
		}
		// The main file wins over everything it includes.
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config (second pass): %w", err)
		}
		cfg.Includes = nil
	}

	ApplyEnvOverrides(cfg)

	if passphrase := os.Getenv(EnvConfigKey); passphrase != "" {
		if err := decryptSecrets(cfg, passphrase); err != nil {
			return nil, fmt.Errorf("decrypt secrets: %w", err)
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides maps MSA_* env vars to config fields. Malformed numbers
// and durations are ignored.
func ApplyEnvOverrides(cfg *Config) {
	str := func(name string, dst *string) {
		if v := os.Getenv(envPrefix + name); v != "" {
			*dst = v
		}
	}
	boolean := func(name string, dst *bool) {
		if v := os.Getenv(envPrefix + name); v != "" {
			if b, err := strconv.ParseBool(v); err == nil {
				*dst = b
			}
		}
	}
	duration := func(name string, dst *time.Duration) {
		if v := os.Getenv(envPrefix + name); v != "" {
			if d, err := time.ParseDuration(v); err == nil && d > 0 {
				*dst = d
			}
		}
	}
	integer := func(name string, dst *int) {
		if v := os.Getenv(envPrefix + name); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}

	str("AGENT_NAME", &cfg.Agent.Name)
	str("AGENT_DATA_DIR", &cfg.Agent.DataDir)
	str("LOGGER_LEVEL", &cfg.Logger.Level)
	str("LOGGER_FORMAT", &cfg.Logger.Format)
	str("LOGGER_OUTPUT", &cfg.Logger.Output)
	boolean("TRACER_ENABLED", &cfg.Tracer.Enabled)
	str("TRACER_EXPORTER", &cfg.Tracer.Exporter)
	duration("SUPERVISOR_GRACE_PERIOD", &cfg.Supervisor.GracePeriod)
	duration("SUPERVISOR_FORCE_TIMEOUT", &cfg.Supervisor.ForceTimeout)
	integer("SUPERVISOR_WORKERS", &cfg.Supervisor.Workers)
	integer("TIMERS_POOL_SIZE", &cfg.Timers.PoolSize)
	duration("TIMERS_RESOLUTION", &cfg.Timers.Resolution)
	boolean("SCHEDULER_ENABLED", &cfg.Scheduler.Enabled)
	boolean("GATEWAY_ENABLED", &cfg.Gateway.Enabled)
	str("GATEWAY_ADDR", &cfg.Gateway.Addr)
	boolean("GATEWAY_ADVERTISE", &cfg.Gateway.Advertise)
	boolean("JOURNAL_ENABLED", &cfg.Journal.Enabled)
	str("JOURNAL_PATH", &cfg.Journal.Path)

	// MSA_GATEWAY_TOKEN adds a token without touching the file.
	if v := os.Getenv(envPrefix + "GATEWAY_TOKEN"); v != "" {
		cfg.Gateway.Auth.Tokens = append(cfg.Gateway.Auth.Tokens, TokenConfig{Token: v, Name: "env"})
	}
}

// decryptSecrets replaces "enc:..." gateway tokens with their plaintext.
func decryptSecrets(cfg *Config, passphrase string) error {
	for i := range cfg.Gateway.Auth.Tokens {
		tok := &cfg.Gateway.Auth.Tokens[i]
		if !strings.HasPrefix(tok.Token, encPrefix) {
			continue
		}
		decrypted, err := DecryptValue(strings.TrimPrefix(tok.Token, encPrefix), passphrase)
		if err != nil {
			return fmt.Errorf("gateway auth token %s: %w", tok.Name, err)
		}
		tok.Token = decrypted
	}
	return nil
}

// EncryptValue encrypts plaintext with AES-256-GCM under a key derived from
// passphrase. The result is hex(salt) + ":" + hex(nonce+ciphertext).
func EncryptValue(plaintext, passphrase string) (string, error) {
	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return hex.EncodeToString(salt) + ":" + hex.EncodeToString(ciphertext), nil
}

// DecryptValue reverses EncryptValue.
func DecryptValue(encrypted, passphrase string) (string, error) {
	saltHex, dataHex, ok := strings.Cut(encrypted, ":")
	if !ok {
		return "", fmt.Errorf("invalid encrypted format")
	}
	salt, err := hex.DecodeString(saltHex)
	if err != nil {
		return "", fmt.Errorf("decode salt: %w", err)
	}
	data, err := hex.DecodeString(dataHex)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}
	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return "", err
	}
	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}
	plaintext, err := gcm.Open(nil, data[:nonceSize], data[nonceSize:], nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	return string(plaintext), nil
}

func newGCM(passphrase string, salt []byte) (cipher.AEAD, error) {
	// Argon2id, 64 MiB, one pass.
	key := argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, 32)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return gcm, nil
}

// validatePermissions rejects config files writable by group or others.
func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	mode := info.Mode().Perm()
	if mode&0o022 != 0 {
		return fmt.Errorf("config file %s has insecure permissions %o (want 0600 or 0644)", path, mode)
	}
	return nil
}
