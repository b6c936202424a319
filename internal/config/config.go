// Package config loads and validates controller configuration.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config is the full configuration surface of the controller. Key length
// bounds are enforced at load time, before any listener is started.
type Config struct {
	ServerPort     int `mapstructure:"server_port" validate:"min=1,max=65535"`
	MaxConnections int `mapstructure:"max_connections" validate:"min=1"`

	// SocketTimeout is the per-connection idle timeout. Zero disables it.
	SocketTimeout time.Duration `mapstructure:"socket_timeout" validate:"min=0"`

	// KeepClientsConnected controls whether client connections stay open
	// after a successful credential rotation.
	KeepClientsConnected bool `mapstructure:"keep_clients_connected"`

	// LegacyAccessDetail selects the access query shape that carries
	// per-service protocol/port and NAT detail for older gateways.
	LegacyAccessDetail bool `mapstructure:"legacy_access_detail"`

	ServerCert string `mapstructure:"server_cert" validate:"required"`
	ServerKey  string `mapstructure:"server_key" validate:"required"`
	CACert     string `mapstructure:"ca_cert" validate:"required"`
	CAKey      string `mapstructure:"ca_key" validate:"required"`

	DaysToExpiration int `mapstructure:"days_to_expiration" validate:"min=1"`
	EncryptionKeyLen int `mapstructure:"encryption_key_len" validate:"min=4,max=32"`
	HMACKeyLen       int `mapstructure:"hmac_key_len" validate:"min=4,max=128"`

	MaxDataTransmitTries    int `mapstructure:"max_data_transmit_tries" validate:"min=1"`
	MaxCredentialMakerTries int `mapstructure:"max_credential_maker_tries" validate:"min=1"`
	MaxBadMessages          int `mapstructure:"max_bad_messages" validate:"min=1"`

	DBPath                string        `mapstructure:"db_path" validate:"required"`
	DatabaseRetryInterval time.Duration `mapstructure:"database_retry_interval" validate:"min=0"`
	DatabaseMaxRetries    int           `mapstructure:"database_max_retries" validate:"min=1"`
	CheckDBInterval       time.Duration `mapstructure:"check_db_interval" validate:"min=0"`

	// AdminPort exposes the status and metrics HTTP listener. Zero disables it.
	AdminPort int `mapstructure:"admin_port" validate:"min=0,max=65535"`

	Debug bool `mapstructure:"debug"`

	// TestManyMessages asks the keep-alive handler to send this many extra
	// replies before the canonical one, to exercise a peer's message
	// boundary handling. Test deployments only.
	TestManyMessages int `mapstructure:"test_many_messages" validate:"min=0"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server_port", 5000)
	v.SetDefault("max_connections", 100)
	v.SetDefault("socket_timeout", time.Duration(0))
	v.SetDefault("keep_clients_connected", true)
	v.SetDefault("legacy_access_detail", false)
	v.SetDefault("days_to_expiration", 31)
	v.SetDefault("encryption_key_len", 32)
	v.SetDefault("hmac_key_len", 128)
	v.SetDefault("max_data_transmit_tries", 3)
	v.SetDefault("max_credential_maker_tries", 3)
	v.SetDefault("max_bad_messages", 3)
	v.SetDefault("db_path", "sdpc.db")
	v.SetDefault("database_retry_interval", 5*time.Second)
	v.SetDefault("database_max_retries", 3)
	v.SetDefault("check_db_interval", 10*time.Second)
	v.SetDefault("admin_port", 0)
	v.SetDefault("debug", false)
	v.SetDefault("test_many_messages", 0)
}

// Load reads configuration from the given file (optional when empty),
// applies SDPC_* environment overrides, and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("SDPC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks all configured values against their allowed ranges.
func (c *Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("config field %s: failed %s=%s check (value %v)",
				fe.StructField(), fe.Tag(), fe.Param(), fe.Value())
		}
		return fmt.Errorf("validate config: %w", err)
	}
	return nil
}
