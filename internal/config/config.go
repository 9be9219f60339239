package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

const (
	envPrefix            = "FORMVAULT"
	defaultHTTPAddress   = "0.0.0.0:8080"
	defaultDatabasePath  = "formvault.db"
	defaultLogLevel      = "info"
	defaultOwnerID       = "owner"
	defaultRetentionDays = 365
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress     string
	DatabasePath    string
	LogLevel        string
	SigningSecret   string
	OwnerID         string
	OwnerCredential string
	// EncryptionKeys maps key ids to base64-encoded 256-bit secrets. Key
	// material is validated lazily by the keyring, not here, so a bad key
	// fails the operation that needs it rather than process start.
	EncryptionKeys       map[string]string
	RetentionCronSecret  string
	DefaultRetentionDays int
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("auth.owner_id", defaultOwnerID)
	configViper.SetDefault("retention.default_days", defaultRetentionDays)

	// Bound explicitly so AutomaticEnv resolves FORMVAULT_ENCRYPTION_KEY_V1
	// and the secrets without a config file.
	for _, key := range []string{
		"auth.signing_secret",
		"auth.owner_credential",
		"encryption.key_v1",
		"retention.cron_secret",
	} {
		configViper.SetDefault(key, "")
	}
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:     configViper.GetString("http.address"),
		DatabasePath:    configViper.GetString("database.path"),
		LogLevel:        configViper.GetString("log.level"),
		SigningSecret:   configViper.GetString("auth.signing_secret"),
		OwnerID:         configViper.GetString("auth.owner_id"),
		OwnerCredential: configViper.GetString("auth.owner_credential"),
		EncryptionKeys: map[string]string{
			"v1": configViper.GetString("encryption.key_v1"),
		},
		RetentionCronSecret:  configViper.GetString("retention.cron_secret"),
		DefaultRetentionDays: configViper.GetInt("retention.default_days"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.EncryptionKeys["v1"]) == "" {
		return fmt.Errorf("encryption.key_v1 is required")
	}
	if strings.TrimSpace(c.RetentionCronSecret) == "" {
		return fmt.Errorf("retention.cron_secret is required")
	}
	if c.DefaultRetentionDays < 1 || c.DefaultRetentionDays > 3650 {
		return fmt.Errorf("retention.default_days must be between 1 and 3650")
	}
	return nil
}
