package config

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// envPrefix is the prefix for all environment variables consumed by the
// service, e.g. STORYART_DATABASE_URL.
const envPrefix = "STORYART"

// Load reads configuration from environment variables and validates it.
// Environment variables use the STORYART_ prefix with underscores separating
// nesting levels (STORYART_IMAGE_API_API_KEY binds image_api.api_key).
// Returns a populated Config struct or an error if loading/validation fails.
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv alone does not surface env-only keys through Unmarshal,
	// so every known key is bound explicitly.
	for _, key := range []string{
		"server.port",
		"server.log_level",
		"database.url",
		"image_api.endpoint",
		"image_api.api_key",
		"image_api.aspect_ratio",
		"image_api.request_timeout_seconds",
		"pipeline.worker_count",
		"pipeline.queue_size",
		"pipeline.max_attempts",
		"pipeline.retry_base_delay_seconds",
		"pipeline.retry_max_delay_seconds",
		"storage.root",
	} {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("failed to bind environment variable for %s: %w", key, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	validate := validator.New()
	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// setDefaults registers defaults for everything that is safe to default.
// Credentials, endpoints and the database URL have no defaults on purpose.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.log_level", "info")
	v.SetDefault("image_api.aspect_ratio", "1:1")
	v.SetDefault("image_api.request_timeout_seconds", 60)
	v.SetDefault("pipeline.worker_count", 2)
	v.SetDefault("pipeline.queue_size", 100)
	v.SetDefault("pipeline.max_attempts", 3)
	v.SetDefault("pipeline.retry_base_delay_seconds", 2)
	v.SetDefault("pipeline.retry_max_delay_seconds", 60)
	v.SetDefault("storage.root", "/var/lib/storyart/illustrations")
}
