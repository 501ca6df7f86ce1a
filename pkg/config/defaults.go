package config

import "strings"

// ApplyDefaults sets default values for any unspecified configuration
// fields. Explicit values are preserved; only zero values are replaced.
func ApplyDefaults(cfg *Config) {
	applyBrokerDefaults(cfg)
	applyDatabaseDefaults(&cfg.Database)
	applyListenerDefaults(cfg)
	applyLoggingDefaults(&cfg.Logging)
	applyTelemetryDefaults(&cfg.Telemetry)
}

// applyBrokerDefaults fills broker connection defaults. The broker runs
// alongside the API service, so the server hostname is the natural default.
func applyBrokerDefaults(cfg *Config) {
	if cfg.Broker.Host == "" {
		cfg.Broker.Host = cfg.Main.NetbootServerHostname
	}
	if cfg.Broker.Port == 0 {
		cfg.Broker.Port = 4222
	}
}

func applyDatabaseDefaults(cfg *DatabaseConfig) {
	if cfg.Type == "" {
		cfg.Type = "sqlite"
	}
	cfg.Type = strings.ToLower(cfg.Type)
	if cfg.Type == "mysql" {
		if cfg.Host == "" {
			cfg.Host = "localhost"
		}
		if cfg.Port == 0 {
			cfg.Port = 3306
		}
		if cfg.Database == "" {
			cfg.Database = "netbootstudio"
		}
	}
}

func applyListenerDefaults(cfg *Config) {
	if cfg.APIServer.Port == 0 {
		cfg.APIServer.Port = 443
	}
	if cfg.StageServer.Port == 0 {
		cfg.StageServer.Port = 8082
	}
	if cfg.TFTP.Port == 0 {
		cfg.TFTP.Port = 69
	}
	if cfg.TFTP.TimeoutSeconds == 0 {
		cfg.TFTP.TimeoutSeconds = 5
	}
	if cfg.TFTP.Retries == 0 {
		cfg.TFTP.Retries = 5
	}
	if cfg.TFTP.BlockSize == 0 {
		cfg.TFTP.BlockSize = 65464
	}
}

func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "info"
	}
	cfg.Level = strings.ToLower(cfg.Level)
	if cfg.Format == "" {
		cfg.Format = "text"
	}
}

func applyTelemetryDefaults(cfg *TelemetryConfig) {
	if cfg.Endpoint == "" {
		cfg.Endpoint = "localhost:4317"
	}
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 1.0
	}
}
