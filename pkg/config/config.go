// Package config loads and validates the Netboot Studio configuration.
//
// Static configuration lives in config.ini under the config dir (default
// /opt/NetbootStudio) and covers the server identity, broker credentials,
// database connection, and listener ports. Runtime-adjustable behavior
// (boot defaults, mirrors) lives in settings.json and is handled by
// pkg/settings.
//
// Configuration sources (in order of precedence):
//  1. Environment variables (NBS_*)
//  2. config.ini
//  3. Default values
package config

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config represents the contents of config.ini. Unknown sections are
// ignored; other services own them.
type Config struct {
	Main        MainConfig        `mapstructure:"main"`
	Broker      BrokerConfig      `mapstructure:"broker"`
	Database    DatabaseConfig    `mapstructure:"database"`
	APIServer   APIServerConfig   `mapstructure:"apiserver"`
	StageServer StageServerConfig `mapstructure:"stage_server"`
	TFTP        TFTPConfig        `mapstructure:"tftp"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Telemetry   TelemetryConfig   `mapstructure:"telemetry"`
}

// MainConfig identifies this Netboot Studio server on the network. Both
// values are baked into generated boot scripts, so they must match what
// clients can actually reach.
type MainConfig struct {
	// NetbootServerIP is the address handed to firmware-stage clients
	// (u-boot scripts, iPXE embedded stage1).
	NetbootServerIP string `mapstructure:"netboot_server_ip" validate:"required,ip"`

	// NetbootServerHostname is the name used in HTTPS boot URLs; it must
	// match the server certificate.
	NetbootServerHostname string `mapstructure:"netboot_server_hostname" validate:"required"`
}

// BrokerConfig configures the message broker connection.
type BrokerConfig struct {
	// Host defaults to the netboot server hostname.
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"     validate:"required,min=1,max=65535"`
	User     string `mapstructure:"user"     validate:"required"`
	Password string `mapstructure:"password" validate:"required"`
}

// Addr returns the broker host:port.
func (b BrokerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", b.Host, b.Port)
}

// DatabaseConfig configures the client store backend.
type DatabaseConfig struct {
	// Type selects the engine: sqlite (file under the config dir) or mysql.
	Type     string `mapstructure:"type" validate:"required,oneof=sqlite mysql"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"     validate:"omitempty,min=1,max=65535"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
}

// DSN returns the MySQL connection string. Only meaningful when Type is
// mysql.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=Local",
		d.User, d.Password, d.Host, d.Port, d.Database)
}

// APIServerConfig configures the HTTPS API listener. The admin
// credentials gate the /auth endpoint; tokens issued there are the only
// other way in.
type APIServerConfig struct {
	Port          int    `mapstructure:"port"           validate:"required,min=1,max=65535"`
	AdminUser     string `mapstructure:"admin_user"     validate:"required"`
	AdminPassword string `mapstructure:"admin_password" validate:"required"`
}

// StageServerConfig locates the HTTP file server that deployments put in
// front of boot_images/. Generated boot configs (ESXi netboot.cfg) embed
// this port in their fetch URLs.
type StageServerConfig struct {
	Port int `mapstructure:"port" validate:"required,min=1,max=65535"`
}

// TFTPConfig configures the TFTP listener and transfer tuning.
type TFTPConfig struct {
	Port int `mapstructure:"port" validate:"required,min=1,max=65535"`

	// TimeoutSeconds is how long to wait for a block acknowledgment
	// before retransmitting.
	TimeoutSeconds int `mapstructure:"timeout_seconds" validate:"omitempty,min=1"`

	// Retries is how many retransmissions are attempted before a
	// transfer is abandoned.
	Retries int `mapstructure:"retries" validate:"omitempty,min=1"`

	// BlockSize is the largest block size negotiated with clients
	// (RFC 2348).
	BlockSize int `mapstructure:"block_size" validate:"omitempty,min=512,max=65464"`
}

// LoggingConfig controls log output. The --mode dev flag overrides Level
// to debug.
type LoggingConfig struct {
	Level  string `mapstructure:"level"  validate:"omitempty,oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"omitempty,oneof=text json"`
}

// TelemetryConfig controls OpenTelemetry tracing export.
type TelemetryConfig struct {
	Enabled    bool    `mapstructure:"enabled"`
	Endpoint   string  `mapstructure:"endpoint"`
	Insecure   bool    `mapstructure:"insecure"`
	SampleRate float64 `mapstructure:"sample_rate" validate:"omitempty,gte=0,lte=1"`
}

// Load reads config.ini from the layout at paths, applies environment
// overrides and defaults, and validates the result.
func Load(paths Paths) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(paths.ConfigFile)
	v.SetConfigType("ini")

	// Environment variables use the NBS_ prefix with section and key
	// joined by underscores, e.g. NBS_BROKER_PASSWORD.
	v.SetEnvPrefix("NBS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", paths.ConfigFile, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// Validate checks cfg against the struct validation tags.
func Validate(cfg *Config) error {
	validate := validator.New()
	if err := validate.Struct(cfg); err != nil {
		var errs validator.ValidationErrors
		if ok := asValidationErrors(err, &errs); ok && len(errs) > 0 {
			first := errs[0]
			return fmt.Errorf("field %s failed rule %q", first.Namespace(), first.Tag())
		}
		return err
	}
	return nil
}

func asValidationErrors(err error, target *validator.ValidationErrors) bool {
	if errs, ok := err.(validator.ValidationErrors); ok {
		*target = errs
		return true
	}
	return false
}
