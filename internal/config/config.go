/**
 * @description
 * This package handles the configuration management for the service. It uses the
 * Viper library to read configuration from environment variables, providing a
 * centralized and straightforward way to manage application settings.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 */

package config

import (
	"log"
	"strings"

	"github.com/oakline/ledger-service/internal/domain"
	"github.com/spf13/viper"
)

// Config holds all the configuration variables for the ledger-service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort                 string `mapstructure:"SERVER_PORT"`
	DatabaseURL                string `mapstructure:"DATABASE_URL"`
	RedisURL                   string `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix       string `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	RabbitMQURL                string `mapstructure:"RABBITMQ_URL"`
	JWKSURL                    string `mapstructure:"JWKS_URL"`
	MaxTransferAmountCents     int64  `mapstructure:"MAX_TRANSFER_AMOUNT_CENTS"`
	TransferRateLimitPerMinute int    `mapstructure:"TRANSFER_RATE_LIMIT_PER_MINUTE"`
	TransferConflictRetries    int    `mapstructure:"TRANSFER_CONFLICT_RETRIES"`
}

// LoadConfig reads configuration from environment variables from the given path.
// It uses Viper to automatically bind environment variables to the Config struct.
func LoadConfig(path string) (config Config, err error) {
	// Tell viper the path to look for the optional .env file.
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	// Enable automatic binding of environment variables.
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set default values
	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", "oakline:rate_limit")
	viper.SetDefault("MAX_TRANSFER_AMOUNT_CENTS", int64(999_999_999))
	viper.SetDefault("TRANSFER_RATE_LIMIT_PER_MINUTE", 60)
	viper.SetDefault("TRANSFER_CONFLICT_RETRIES", 3)

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL")
	_ = viper.BindEnv("REDIS_RATE_LIMIT_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("JWKS_URL")
	_ = viper.BindEnv("MAX_TRANSFER_AMOUNT_CENTS")
	_ = viper.BindEnv("MAX_TRANSFER_AMOUNT")
	_ = viper.BindEnv("TRANSFER_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("TRANSFER_CONFLICT_RETRIES")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
	}

	// Unmarshal the configuration into the Config struct.
	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	if port := strings.TrimSpace(viper.GetString("PORT")); port != "" {
		config.ServerPort = port
	}
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisRateLimitPrefix = strings.TrimSpace(config.RedisRateLimitPrefix)
	if config.RedisRateLimitPrefix == "" {
		config.RedisRateLimitPrefix = "oakline:rate_limit"
	}

	// Allow specifying the cap in whole currency units via MAX_TRANSFER_AMOUNT.
	// Conversion is exact fixed-point; a malformed value keeps the default.
	if viper.IsSet("MAX_TRANSFER_AMOUNT") {
		capStr := strings.TrimSpace(viper.GetString("MAX_TRANSFER_AMOUNT"))
		if capStr != "" {
			capCents, parseErr := domain.CentsFromMajorString(capStr)
			if parseErr != nil {
				log.Printf("level=warn component=config msg=\"invalid MAX_TRANSFER_AMOUNT\" value=%q err=%v", capStr, parseErr)
			} else {
				config.MaxTransferAmountCents = capCents
			}
		}
	}

	if config.MaxTransferAmountCents <= 0 {
		log.Printf("level=warn component=config msg=\"non-positive transfer cap configured; using default\" cap_cents=%d", config.MaxTransferAmountCents)
		config.MaxTransferAmountCents = 999_999_999
	}
	if config.TransferRateLimitPerMinute < 0 {
		config.TransferRateLimitPerMinute = 0
	}
	if config.TransferConflictRetries <= 0 {
		config.TransferConflictRetries = 3
	}

	return
}
