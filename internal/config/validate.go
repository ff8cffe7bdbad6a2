// validate.go - Startup validation of every configuration setting.
package config

import (
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ValidationError is one rejected setting.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation failed for %s: %s", e.Field, e.Message)
}

// Validator accumulates every problem so startup reports them all at once.
type Validator struct {
	errors []ValidationError
}

func NewValidator() *Validator {
	return &Validator{errors: make([]ValidationError, 0)}
}

func (v *Validator) AddError(field, message string) {
	v.errors = append(v.errors, ValidationError{Field: field, Message: message})
}

func (v *Validator) HasErrors() bool { return len(v.errors) > 0 }

func (v *Validator) Errors() []ValidationError { return v.errors }

// ErrorString returns a numbered list of all errors.
func (v *Validator) ErrorString() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "configuration validation failed with %d error(s):\n", len(v.errors))
	for i, err := range v.errors {
		fmt.Fprintf(&sb, "  %d. %s\n", i+1, err.Error())
	}
	return sb.String()
}

// ValidateAddr accepts "host:port" and ":port".
func (v *Validator) ValidateAddr(key, value string) {
	if value == "" {
		v.AddError(key, "must not be empty")
		return
	}
	_, portStr, err := net.SplitHostPort(value)
	if err != nil {
		v.AddError(key, fmt.Sprintf("must be host:port (%v)", err))
		return
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		v.AddError(key, "port must be a number")
		return
	}
	if port < 0 || port > 65535 {
		v.AddError(key, "port must be between 0 and 65535")
	}
}

func (v *Validator) ValidateEnum(key, value string, allowed []string) {
	for _, opt := range allowed {
		if value == opt {
			return
		}
	}
	v.AddError(key, fmt.Sprintf("must be one of: %s (got: %s)", strings.Join(allowed, ", "), value))
}

func (v *Validator) ValidatePositive(key string, value int64) {
	if value <= 0 {
		v.AddError(key, "must be a positive integer")
	}
}

func (v *Validator) ValidatePositiveDuration(key string, value time.Duration) {
	if value <= 0 {
		v.AddError(key, "must be a positive duration (e.g. 30s, 1h)")
	}
}

// ValidateEndpoint accepts "host:port" or an http(s) URL without a path.
func (v *Validator) ValidateEndpoint(key, value string) {
	if value == "" {
		return
	}
	if !strings.Contains(value, "://") {
		if _, _, err := net.SplitHostPort(value); err != nil && !strings.Contains(err.Error(), "missing port") {
			v.AddError(key, fmt.Sprintf("invalid endpoint: %v", err))
		}
		return
	}
	u, err := url.Parse(value)
	if err != nil {
		v.AddError(key, fmt.Sprintf("invalid URL format: %v", err))
		return
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		v.AddError(key, "URL must use http or https scheme")
	}
}

// ValidateProxies accepts IP addresses and CIDR ranges.
func (v *Validator) ValidateProxies(key string, values []string) {
	for _, value := range values {
		value = strings.TrimSpace(value)
		var err error
		if strings.Contains(value, "/") {
			_, err = netip.ParsePrefix(value)
		} else {
			_, err = netip.ParseAddr(value)
		}
		if err != nil {
			v.AddError(key, fmt.Sprintf("invalid address or CIDR %q", value))
		}
	}
}

// Validate checks cfg and returns every problem in one error.
func Validate(cfg *Config) error {
	v := NewValidator()

	v.ValidateAddr("server.addr", cfg.Server.Addr)
	if (cfg.Server.CertFile == "") != (cfg.Server.KeyFile == "") {
		v.AddError("server.certFile", "certFile and keyFile must be set together")
	}
	v.ValidatePositiveDuration("server.shutdownTimeout", cfg.Server.ShutdownTimeout)
	v.ValidateProxies("server.trustedProxies", cfg.Server.TrustedProxies)

	if strings.TrimSpace(cfg.Storage.Dir) == "" {
		v.AddError("storage.dir", "must not be empty")
	}

	v.ValidatePositive("upload.maxRequestBytes", cfg.Upload.MaxRequestBytes)
	v.ValidateEnum("upload.extensionPolicy", cfg.Upload.ExtensionPolicy, []string{"allowlist", "any"})
	v.ValidateEnum("upload.naming", cfg.Upload.Naming, []string{"timestamp", "verbatim"})

	v.ValidateEnum("log.level", strings.ToLower(cfg.Log.Level), []string{"debug", "info", "warn", "error"})
	v.ValidateEnum("log.format", cfg.Log.Format, []string{"json", "console"})

	if cfg.RateLimit.Enabled {
		v.ValidatePositive("ratelimit.requests", int64(cfg.RateLimit.Requests))
		v.ValidatePositiveDuration("ratelimit.window", cfg.RateLimit.Window)
	}

	if u := cfg.Database.URL; u != "" {
		if !strings.HasPrefix(u, "postgres://") && !strings.HasPrefix(u, "postgresql://") {
			v.AddError("database.url", "must be a valid PostgreSQL connection string")
		}
	}

	if cfg.MirrorEnabled() {
		v.ValidateEndpoint("mirror.endpoint", cfg.Mirror.Endpoint)
		if cfg.Mirror.AccessKey == "" || cfg.Mirror.SecretKey == "" {
			v.AddError("mirror.accessKey", "accessKey and secretKey are required when mirror.endpoint is set")
		}
		if cfg.Mirror.Bucket == "" {
			v.AddError("mirror.bucket", "required when mirror.endpoint is set")
		}
		v.ValidatePositive("mirror.queueSize", int64(cfg.Mirror.QueueSize))
	}

	if cfg.Cleanup.Enabled {
		v.ValidatePositiveDuration("cleanup.interval", cfg.Cleanup.Interval)
		v.ValidatePositiveDuration("cleanup.maxAge", cfg.Cleanup.MaxAge)
	}

	if v.HasErrors() {
		return fmt.Errorf("%s", v.ErrorString())
	}
	return nil
}
