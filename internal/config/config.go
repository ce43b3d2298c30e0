package config

import "time"

// Config holds all application configuration.
// It organizes settings into logical groups for better maintainability.
type Config struct {
	Server   ServerConfig   `mapstructure:"server" validate:"required"`
	Database DatabaseConfig `mapstructure:"database" validate:"required"`
	ImageAPI ImageAPIConfig `mapstructure:"image_api" validate:"required"`
	Pipeline PipelineConfig `mapstructure:"pipeline" validate:"required"`
	Storage  StorageConfig  `mapstructure:"storage" validate:"required"`
}

// ServerConfig contains all HTTP server related configuration settings.
type ServerConfig struct {
	Port     int    `mapstructure:"port" validate:"required,gt=0,lt=65536"`
	LogLevel string `mapstructure:"log_level" validate:"required,oneof=debug info warn error"`
}

// DatabaseConfig contains all database-related configuration settings.
type DatabaseConfig struct {
	URL string `mapstructure:"url" validate:"required"`
}

// ImageAPIConfig contains the settings for the external image-generation
// service. A missing endpoint or API key fails configuration loading: the
// pipeline must not start without valid credentials.
type ImageAPIConfig struct {
	Endpoint string `mapstructure:"endpoint" validate:"required,url"`
	APIKey   string `mapstructure:"api_key" validate:"required"`

	// AspectRatio is passed through to the generation request parameters.
	AspectRatio string `mapstructure:"aspect_ratio" validate:"required"`

	// RequestTimeoutSeconds bounds each generation round-trip; exceeding it
	// counts as a retryable failure.
	RequestTimeoutSeconds int `mapstructure:"request_timeout_seconds" validate:"required,gt=0"`
}

// PipelineConfig tunes the illustration task manager.
type PipelineConfig struct {
	// WorkerCount is the global in-flight generation limit across stories.
	WorkerCount int `mapstructure:"worker_count" validate:"required,gt=0,lte=16"`

	// QueueSize is the buffer size of the in-memory admission queue.
	QueueSize int `mapstructure:"queue_size" validate:"required,gt=0"`

	// MaxAttempts is the per-task generation attempt budget. Once reached,
	// the task is permanently failed and only a manual retry creates a
	// replacement.
	MaxAttempts int `mapstructure:"max_attempts" validate:"required,gt=0,lte=10"`

	// RetryBaseDelaySeconds is the base of the exponential backoff applied
	// between retryable failures.
	RetryBaseDelaySeconds int `mapstructure:"retry_base_delay_seconds" validate:"required,gt=0"`

	// RetryMaxDelaySeconds caps the backoff regardless of attempt count.
	RetryMaxDelaySeconds int `mapstructure:"retry_max_delay_seconds" validate:"required,gt=0"`
}

// StorageConfig locates the private storage root that generated images are
// written under. Task records hold paths relative to this root, never
// absolute paths, since the root may move between deployments.
type StorageConfig struct {
	Root string `mapstructure:"root" validate:"required"`
}

// RequestTimeout returns the image API timeout as a time.Duration.
func (c ImageAPIConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

// RetryBaseDelay returns the backoff base as a time.Duration.
func (c PipelineConfig) RetryBaseDelay() time.Duration {
	return time.Duration(c.RetryBaseDelaySeconds) * time.Second
}

// RetryMaxDelay returns the backoff cap as a time.Duration.
func (c PipelineConfig) RetryMaxDelay() time.Duration {
	return time.Duration(c.RetryMaxDelaySeconds) * time.Second
}
