// Package config loads the daemon configuration from YAML with
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/absfs/sharecrypt"
	"github.com/absfs/sharecrypt/ratelimit"
)

// Environment overrides
const (
	EnvSecret     = "SHARECRYPT_SECRET"
	EnvListenAddr = "SHARECRYPT_LISTEN_ADDR"
	EnvLogLevel   = "SHARECRYPT_LOG_LEVEL"
	EnvDataDir    = "SHARECRYPT_DATA_DIR"
	EnvUserHeader = "SHARECRYPT_TRUSTED_USER_HEADER"
)

// DefaultUserHeader is the identity header most authenticating proxies set
const DefaultUserHeader = "X-Forwarded-User"

// Config is the complete daemon configuration. The zero value is not
// usable; start from Default or Load.
type Config struct {
	ListenAddr string `yaml:"listen_addr"`
	DataDir    string `yaml:"data_dir"`
	SaltFile   string `yaml:"salt_file"`

	// Secret is the long-term master secret. Prefer SHARECRYPT_SECRET over
	// writing it into the file.
	Secret string `yaml:"secret"`

	Crypto    CryptoConfig    `yaml:"crypto"`
	Files     FilesConfig     `yaml:"files"`
	MFA       MFAConfig       `yaml:"mfa"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Auth      AuthConfig      `yaml:"auth"`
	Log       LogConfig       `yaml:"log"`
}

// CryptoConfig tunes key derivation and content encryption
type CryptoConfig struct {
	PBKDF2Iterations int    `yaml:"pbkdf2_iterations"`
	WrapCipher       string `yaml:"wrap_cipher"`
	ChunkSize        int    `yaml:"chunk_size"`
}

// FilesConfig bounds uploads and the disk space they may consume
type FilesConfig struct {
	MaxUploadBytes int64  `yaml:"max_upload_bytes"`
	MinFreeBytes   uint64 `yaml:"min_free_bytes"`
}

// MFAConfig sets the TOTP issuer shown by authenticator apps and the
// lifetime of the tickets issued after a successful verification.
type MFAConfig struct {
	Issuer    string        `yaml:"issuer"`
	TicketTTL time.Duration `yaml:"ticket_ttl"`
}

// RateLimitConfig sets the per-class quotas. Classes missing from Limits
// keep their ratelimit.DefaultLimits value.
type RateLimitConfig struct {
	Enabled bool           `yaml:"enabled"`
	Window  time.Duration  `yaml:"window"`
	Limits  map[string]int `yaml:"limits"`
	// Store is "memory" or "badger"
	Store string `yaml:"store"`
}

// AuthConfig describes how callers are identified. The authenticating proxy
// in front of the daemon is the first factor; MFA tickets are the second.
type AuthConfig struct {
	// TrustedUserHeader names the header the proxy sets to the signed-in
	// user. It is required: without it no caller can enrol in MFA.
	TrustedUserHeader string `yaml:"trusted_user_header"`
}

// LogConfig selects the logrus level and formatter
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the built-in configuration
func Default() Config {
	return Config{
		ListenAddr: ":8080",
		DataDir:    "./data",
		Crypto: CryptoConfig{
			PBKDF2Iterations: sharecrypt.DefaultPBKDF2Params().Iterations,
			WrapCipher:       sharecrypt.CipherAES256GCM.String(),
			ChunkSize:        sharecrypt.DefaultChunkSize,
		},
		Files: FilesConfig{
			MaxUploadBytes: 100 << 20,
			MinFreeBytes:   64 << 20,
		},
		MFA: MFAConfig{
			Issuer:    "Secure File Share",
			TicketTTL: 15 * time.Minute,
		},
		RateLimit: RateLimitConfig{
			Enabled: true,
			Window:  ratelimit.DefaultWindow,
			Store:   "memory",
		},
		Auth: AuthConfig{TrustedUserHeader: DefaultUserHeader},
		Log:  LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads the YAML file at path over the defaults, applies environment
// overrides and validates the result. An empty path skips the file.
//
// Limits stays nil until after unmarshalling: strict mode rejects a map key
// that is already set, so defaults are merged under the file's values.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.UnmarshalStrict(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	cfg.RateLimit.Limits = withDefaultLimits(cfg.RateLimit.Limits)
	cfg.applyEnv()
	if cfg.SaltFile == "" {
		cfg.SaltFile = filepath.Join(cfg.DataDir, "salt")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v, ok := os.LookupEnv(EnvSecret); ok {
		c.Secret = v
	}
	if v, ok := os.LookupEnv(EnvListenAddr); ok {
		c.ListenAddr = strings.TrimSpace(v)
	}
	if v, ok := os.LookupEnv(EnvLogLevel); ok {
		c.Log.Level = strings.TrimSpace(v)
	}
	if v, ok := os.LookupEnv(EnvDataDir); ok {
		c.DataDir = strings.TrimSpace(v)
	}
	if v, ok := os.LookupEnv(EnvUserHeader); ok {
		c.Auth.TrustedUserHeader = strings.TrimSpace(v)
	}
}

// withDefaultLimits fills classes missing from limits
func withDefaultLimits(limits map[string]int) map[string]int {
	out := make(map[string]int, len(limits))
	for c, n := range ratelimit.DefaultLimits() {
		out[string(c)] = n
	}
	for c, n := range limits {
		out[c] = n
	}
	return out
}

// Validate checks every field. The secret itself is only checked for
// presence.
func (c Config) Validate() error {
	var errs []error
	if c.ListenAddr == "" {
		errs = append(errs, errors.New("listen_addr is required"))
	}
	if c.DataDir == "" {
		errs = append(errs, errors.New("data_dir is required"))
	}
	if c.Secret == "" {
		errs = append(errs, fmt.Errorf("secret is required (set %s)", EnvSecret))
	}
	if c.Crypto.PBKDF2Iterations < 10000 {
		errs = append(errs, fmt.Errorf("crypto.pbkdf2_iterations must be at least 10000, got %d", c.Crypto.PBKDF2Iterations))
	}
	if _, err := sharecrypt.ParseCipherSuite(c.Crypto.WrapCipher); err != nil {
		errs = append(errs, fmt.Errorf("crypto.wrap_cipher: %w", err))
	}
	if err := sharecrypt.ValidateChunkSize(c.Crypto.ChunkSize); err != nil {
		errs = append(errs, fmt.Errorf("crypto.chunk_size: %w", err))
	}
	if c.Files.MaxUploadBytes < 0 {
		errs = append(errs, errors.New("files.max_upload_bytes cannot be negative"))
	}
	if c.MFA.TicketTTL <= 0 {
		errs = append(errs, errors.New("mfa.ticket_ttl must be positive"))
	}
	if c.RateLimit.Window <= 0 {
		errs = append(errs, errors.New("rate_limit.window must be positive"))
	}
	defaults := ratelimit.DefaultLimits()
	for class, n := range c.RateLimit.Limits {
		if _, ok := defaults[ratelimit.Class(class)]; !ok {
			errs = append(errs, fmt.Errorf("rate_limit.limits: unknown class %q", class))
			continue
		}
		if n <= 0 {
			errs = append(errs, fmt.Errorf("rate_limit.limits.%s must be positive", class))
		}
	}
	switch c.RateLimit.Store {
	case "memory", "badger":
	default:
		errs = append(errs, fmt.Errorf("rate_limit.store must be memory or badger, got %q", c.RateLimit.Store))
	}
	switch h := c.Auth.TrustedUserHeader; {
	case h == "":
		errs = append(errs, errors.New("auth.trusted_user_header is required"))
	case strings.ContainsAny(h, " :\r\n"):
		errs = append(errs, fmt.Errorf("auth.trusted_user_header is not a valid header name: %q", h))
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}
	return errors.Join(errs...)
}

// RateLimits converts the configured limits to ratelimit classes, with the
// defaults for any class not configured
func (c Config) RateLimits() map[ratelimit.Class]int {
	limits := withDefaultLimits(c.RateLimit.Limits)
	out := make(map[ratelimit.Class]int, len(limits))
	for class, n := range limits {
		out[ratelimit.Class(class)] = n
	}
	return out
}

// String renders the configuration with the secret redacted
func (c Config) String() string {
	if c.Secret != "" {
		c.Secret = "[redacted]"
	}
	out, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Sprintf("config: %v", err)
	}
	return string(out)
}
