package initialization

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// Config holds all worker configuration.
type Config struct {
	HTTPAddress string
	DatabaseURL string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	MaxConcurrency    int
	MaxTasksPerSecond int
	TaskTimeout       time.Duration

	// SlackAlertWebhookURL receives operator alerts; empty disables alerting.
	SlackAlertWebhookURL string

	Debug bool
}

// LoadConfig loads configuration from a config file and environment
// variables. Environment variables win.
func LoadConfig() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	envMappings := map[string]string{
		"HTTPAddress":          "HTTP_ADDRESS",
		"DatabaseURL":          "DATABASE_URL",
		"RedisAddr":            "REDIS_ADDR",
		"RedisPassword":        "REDIS_PASSWORD",
		"RedisDB":              "REDIS_DB",
		"MaxConcurrency":       "MAX_CONCURRENCY",
		"MaxTasksPerSecond":    "MAX_TASKS_PER_SECOND",
		"TaskTimeout":          "TASK_TIMEOUT",
		"SlackAlertWebhookURL": "SLACK_ALERT_WEBHOOK_URL",
		"Debug":                "DEBUG",
	}

	for configKey, envVar := range envMappings {
		if err := v.BindEnv(configKey, envVar); err != nil {
			log.Warn().Err(err).Msgf("Failed to bind environment variable %s for %s", envVar, configKey)
		}
	}

	v.SetConfigName("tributary_config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("$HOME/.tributary")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}

		log.Debug().Msg("Config file not found, using environment variables and defaults")
	} else {
		log.Info().Msgf("Using config file: %s", v.ConfigFileUsed())
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %w", err)
	}

	if err := validateConfig(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("HTTPAddress", ":8080")
	v.SetDefault("RedisAddr", "localhost:6379")
	v.SetDefault("MaxConcurrency", 10)
	v.SetDefault("MaxTasksPerSecond", 50)
	v.SetDefault("TaskTimeout", 5*time.Minute)
}

func validateConfig(config *Config) error {
	var missingVars []string

	if config.DatabaseURL == "" {
		missingVars = append(missingVars, "DATABASE_URL")
	}

	if len(missingVars) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missingVars, ", "))
	}

	return nil
}
