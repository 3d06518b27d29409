// validation.go - startup validation of the loaded configuration.
//
// Every problem is collected so a broken deployment reports all of them at
// once instead of one per restart.
package config

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// ValidationError describes one invalid setting.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation failed for %s: %s", e.Field, e.Message)
}

// Validator collects validation errors.
type Validator struct {
	errors []ValidationError
}

// AddError adds a validation error.
func (v *Validator) AddError(field, message string) {
	v.errors = append(v.errors, ValidationError{Field: field, Message: message})
}

// HasErrors returns true if there are validation errors.
func (v *Validator) HasErrors() bool {
	return len(v.errors) > 0
}

// Errors returns all validation errors.
func (v *Validator) Errors() []ValidationError {
	return v.errors
}

// ErrorString returns a formatted string of all errors.
func (v *Validator) ErrorString() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Configuration validation failed with %d error(s):\n", len(v.errors))
	for i, err := range v.errors {
		fmt.Fprintf(&sb, "  %d. %s\n", i+1, err.Error())
	}
	return sb.String()
}

// ValidateRequired records an error if value is empty.
func (v *Validator) ValidateRequired(field, value string) {
	if value == "" {
		v.AddError(field, "required setting not set")
	}
}

// ValidateURL validates that a value is an http or https URL with a host.
func (v *Validator) ValidateURL(field, value string) {
	if value == "" {
		return
	}

	parsed, err := url.Parse(value)
	if err != nil {
		v.AddError(field, fmt.Sprintf("invalid URL format: %v", err))
		return
	}

	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		v.AddError(field, "URL must use http or https scheme")
		return
	}
	if parsed.Host == "" {
		v.AddError(field, "URL must include a host")
	}
}

// ValidateListenAddr validates a host:port or :port listen address.
func (v *Validator) ValidateListenAddr(field, value string) {
	if _, _, err := net.SplitHostPort(value); err != nil {
		v.AddError(field, fmt.Sprintf("must be host:port or :port (%v)", err))
	}
}

// ValidateEnum validates that a value is one of allowed options.
func (v *Validator) ValidateEnum(field, value string, allowed []string) {
	for _, opt := range allowed {
		if value == opt {
			return
		}
	}
	v.AddError(field, fmt.Sprintf("must be one of: %s (got: %s)", strings.Join(allowed, ", "), value))
}

// ValidatePositive validates that n is greater than zero.
func (v *Validator) ValidatePositive(field string, n int64) {
	if n <= 0 {
		v.AddError(field, "must be a positive number")
	}
}

// Validate checks the whole configuration and returns every problem found.
func (c *Config) Validate() error {
	v := &Validator{}

	v.ValidateListenAddr("listen_addr", c.ListenAddr)
	v.ValidateRequired("base_url", c.BaseURL)
	v.ValidateURL("base_url", c.BaseURL)

	v.ValidateEnum("database.driver", c.Database.Driver, []string{"badger", "postgres"})
	switch c.Database.Driver {
	case "postgres":
		v.ValidateRequired("database.url", c.Database.URL)
		if c.Database.URL != "" &&
			!strings.HasPrefix(c.Database.URL, "postgres://") &&
			!strings.HasPrefix(c.Database.URL, "postgresql://") {
			v.AddError("database.url", "must be a valid PostgreSQL connection string")
		}
	case "badger":
		v.ValidateRequired("database.badger_dir", c.Database.BadgerDir)
	}

	v.ValidateEnum("storage.default", c.Storage.Default, []string{"local", "s3"})
	v.ValidateRequired("storage.local.dir", c.Storage.Local.Dir)
	if c.Storage.ReservedBytes < 0 {
		v.AddError("storage.reserved_bytes", "must not be negative")
	}
	if c.Storage.Default == "s3" && !c.Storage.S3.Enabled() {
		v.AddError("storage.s3", "endpoint and bucket are required when s3 is the default backend")
	}
	if c.Storage.S3.Enabled() {
		v.ValidateRequired("storage.s3.access_key", c.Storage.S3.AccessKey)
		v.ValidateRequired("storage.s3.secret_key", c.Storage.S3.SecretKey)
		if strings.Contains(c.Storage.S3.Endpoint, "://") {
			v.ValidateURL("storage.s3.endpoint", c.Storage.S3.Endpoint)
		}
	}

	v.ValidatePositive("upload.max_bytes", c.Upload.MaxBytes)
	v.ValidatePositive("shorten.max_length", int64(c.Shorten.MaxLength))

	v.ValidatePositive("retention", int64(c.Retention))
	v.ValidatePositive("sweep.interval", int64(c.Sweep.Interval))
	v.ValidatePositive("sweep.batch", int64(c.Sweep.Batch))
	if c.Sweep.Budget < 0 {
		v.AddError("sweep.budget", "must not be negative")
	}
	if c.Retention > 0 && c.Sweep.Interval > 0 && c.Retention < c.Sweep.Interval {
		v.AddError("retention", fmt.Sprintf("must be at least sweep.interval (%s)", c.Sweep.Interval))
	}

	v.ValidatePositive("pump.workers", int64(c.Pump.Workers))
	v.ValidatePositive("pump.upload_chunk", int64(c.Pump.UploadChunk))
	v.ValidatePositive("pump.download_chunk", int64(c.Pump.DownloadChunk))
	if c.Pump.MinThroughput < 0 {
		v.AddError("pump.min_throughput", "must not be negative (0 disables stall detection)")
	}

	v.ValidatePositive("cache.size", int64(c.Cache.Size))
	if c.ID.Length < 4 || c.ID.Length > 16 {
		v.AddError("id.length", "must be between 4 and 16")
	}
	v.ValidatePositive("id.max_attempts", int64(c.ID.MaxAttempts))

	if c.RateLimit.Requests < 0 {
		v.AddError("ratelimit.requests", "must not be negative (0 disables rate limiting)")
	}
	if c.RateLimit.Requests > 0 {
		v.ValidatePositive("ratelimit.window", int64(c.RateLimit.Window))
	}

	v.ValidateEnum("log.format", c.Log.Format, []string{"json", "text"})
	v.ValidateEnum("log.level", c.Log.Level, []string{"trace", "debug", "info", "warn", "warning", "error"})

	if v.HasErrors() {
		return fmt.Errorf("%s", v.ErrorString())
	}
	return nil
}
