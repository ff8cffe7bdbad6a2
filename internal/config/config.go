// config.go - Configuration loading and hot reload.
//
// Package config loads file-drop settings from flags, environment variables
// and an optional config.yaml.
//
// Precedence, highest first: command line flags, FILEDROP_* environment
// variables, the config file, built-in defaults. Nested keys map onto
// environment variables by upper-casing and replacing dots with underscores,
// so storage.dir becomes FILEDROP_STORAGE_DIR.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const envPrefix = "FILEDROP"

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Upload    UploadConfig    `mapstructure:"upload"`
	Log       LogConfig       `mapstructure:"log"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Mirror    MirrorConfig    `mapstructure:"mirror"`
	Cleanup   CleanupConfig   `mapstructure:"cleanup"`
	CORS      CORSConfig      `mapstructure:"cors"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	BasePath        string        `mapstructure:"basePath"`
	CertFile        string        `mapstructure:"certFile"`
	KeyFile         string        `mapstructure:"keyFile"`
	ShutdownTimeout time.Duration `mapstructure:"shutdownTimeout"`
	TrustedProxies  []string      `mapstructure:"trustedProxies"`
}

type StorageConfig struct {
	Dir string `mapstructure:"dir"`
}

type UploadConfig struct {
	MaxRequestBytes   int64    `mapstructure:"maxRequestBytes"`
	ExtensionPolicy   string   `mapstructure:"extensionPolicy"`
	AllowedExtensions []string `mapstructure:"allowedExtensions"`
	Naming            string   `mapstructure:"naming"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type RateLimitConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	Requests  int           `mapstructure:"requests"`
	Window    time.Duration `mapstructure:"window"`
	RedisAddr string        `mapstructure:"redisAddr"`
}

type DatabaseConfig struct {
	URL string `mapstructure:"url"`
}

// MirrorConfig enables copying committed uploads to S3 compatible storage.
// The mirror is off unless Endpoint is set.
type MirrorConfig struct {
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"accessKey"`
	SecretKey string `mapstructure:"secretKey"`
	Bucket    string `mapstructure:"bucket"`
	Prefix    string `mapstructure:"prefix"`
	QueueSize int    `mapstructure:"queueSize"`
}

type CleanupConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
	MaxAge   time.Duration `mapstructure:"maxAge"`
}

type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowedOrigins"`
}

// MirrorEnabled reports whether an object storage mirror is configured.
func (c *Config) MirrorEnabled() bool { return c.Mirror.Endpoint != "" }

// TLSEnabled reports whether both a certificate and a key are configured.
func (c *Config) TLSEnabled() bool {
	return c.Server.CertFile != "" && c.Server.KeyFile != ""
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":5000")
	v.SetDefault("server.basePath", "")
	v.SetDefault("server.certFile", "")
	v.SetDefault("server.keyFile", "")
	v.SetDefault("server.shutdownTimeout", 15*time.Second)
	v.SetDefault("server.trustedProxies", []string{})

	v.SetDefault("storage.dir", "uploads")

	v.SetDefault("upload.maxRequestBytes", int64(16)<<30)
	v.SetDefault("upload.extensionPolicy", "allowlist")
	v.SetDefault("upload.allowedExtensions", []string{})
	v.SetDefault("upload.naming", "timestamp")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("ratelimit.enabled", true)
	v.SetDefault("ratelimit.requests", 100)
	v.SetDefault("ratelimit.window", time.Minute)
	v.SetDefault("ratelimit.redisAddr", "")

	v.SetDefault("database.url", "")

	v.SetDefault("mirror.endpoint", "")
	v.SetDefault("mirror.accessKey", "")
	v.SetDefault("mirror.secretKey", "")
	v.SetDefault("mirror.bucket", "")
	v.SetDefault("mirror.prefix", "")
	v.SetDefault("mirror.queueSize", 64)

	v.SetDefault("cleanup.enabled", true)
	v.SetDefault("cleanup.interval", time.Hour)
	v.SetDefault("cleanup.maxAge", 24*time.Hour)

	v.SetDefault("cors.allowedOrigins", []string{})
}

func newFlagSet() *pflag.FlagSet {
	fs := pflag.NewFlagSet("file-drop", pflag.ContinueOnError)
	fs.String("config", "", "Path to a config file (default: ./config.yaml or /etc/file-drop/config.yaml)")
	fs.String("server.addr", ":5000", "HTTP listen address")
	fs.String("server.basePath", "", "Path prefix the service is mounted under (e.g. '/drop')")
	fs.String("server.certFile", "", "Path to the TLS certificate file")
	fs.String("server.keyFile", "", "Path to the TLS private key file")
	fs.String("storage.dir", "uploads", "Directory uploaded files are stored in")
	fs.String("upload.naming", "timestamp", "Stored name policy: timestamp or verbatim")
	fs.String("upload.extensionPolicy", "allowlist", "Extension policy: allowlist or any")
	fs.String("log.level", "info", "Log level: debug, info, warn, error")
	fs.String("log.format", "json", "Log format: json or console")
	fs.String("database.url", "", "PostgreSQL URL for the audit log (optional)")
	return fs
}

// Load reads configuration for one process. args excludes the program name.
// The returned viper instance is needed by Watch.
func Load(args []string) (*Config, *viper.Viper, error) {
	v := viper.New()
	setDefaults(v)

	fs := newFlagSet()
	if err := fs.Parse(args); err != nil {
		return nil, nil, fmt.Errorf("failed to parse flags: %w", err)
	}
	if err := v.BindPFlags(fs); err != nil {
		return nil, nil, fmt.Errorf("failed to bind pflags: %w", err)
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	explicit, _ := fs.GetString("config")
	if explicit != "" {
		v.SetConfigFile(explicit)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/file-drop/")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if explicit != "" || !errors.As(err, &notFound) {
			return nil, nil, fmt.Errorf("fatal error config file: %w", err)
		}
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, nil, err
	}
	return cfg, v, nil
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("the configuration cannot be decoded into the struct: %w", err)
	}
	cfg.Server.BasePath = NormaliseBasePath(cfg.Server.BasePath)
	return &cfg, nil
}

// NormaliseBasePath returns "" or a path with one leading slash and no
// trailing slash.
func NormaliseBasePath(p string) string {
	p = strings.Trim(strings.TrimSpace(p), "/")
	if p == "" {
		return ""
	}
	return "/" + p
}

// Watch re-decodes the config file whenever it changes and hands the result
// to onChange. It is a no-op when no config file was loaded. Only settings
// that can change at runtime should be applied by the callback.
func Watch(v *viper.Viper, onChange func(*Config, error)) {
	if v.ConfigFileUsed() == "" {
		return
	}
	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := decode(v)
		onChange(cfg, err)
	})
	v.WatchConfig()
}
