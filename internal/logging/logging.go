// Package logging provides structured logging configuration.
package logging

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds logging configuration options.
type Config struct {
	Level  string // debug|info|warn|error
	Format string // json|console
}

// New creates a new configured zap logger.
func New(cfg Config) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if cfg.Level != "" {
		if err := level.Set(strings.ToLower(cfg.Level)); err != nil {
			return nil, err
		}
	}

	format := strings.ToLower(cfg.Format)
	if format == "" {
		format = "json"
	}

	var zcfg zap.Config
	if format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
	}

	zcfg.Level = zap.NewAtomicLevelAt(level)
	zcfg.EncoderConfig.TimeKey = "ts"
	zcfg.EncoderConfig.LevelKey = "level"
	zcfg.EncoderConfig.MessageKey = "msg"
	zcfg.EncoderConfig.CallerKey = "caller"
	zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := zcfg.Build(zap.AddCaller())
	if err != nil {
		return nil, err
	}

	logger = logger.With(zap.String("service", "sdpc"))

	return logger, nil
}

// Sync flushes any buffered log entries.
func Sync(logger *zap.Logger) {
	_ = logger.Sync()
}

// FromEnv creates a Config from environment variables.
func FromEnv() Config {
	return Config{
		Level:  getenv("SDPC_LOG_LEVEL", "info"),
		Format: getenv("SDPC_LOG_FORMAT", "json"),
	}
}

func getenv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// Component returns a zap field for the component name.
func Component(name string) zap.Field { return zap.String("component", name) }

// SDPID returns a zap field for a member's SDP identifier.
func SDPID(id uint32) zap.Field { return zap.Uint32("sdp_id", id) }

// GatewayID returns a zap field for a gateway's SDP identifier.
func GatewayID(id uint32) zap.Field { return zap.Uint32("gateway_sdp_id", id) }

// ConnID returns a zap field for a connection identifier.
func ConnID(id uint64) zap.Field { return zap.Uint64("conn_id", id) }

// Role returns a zap field for a member role.
func Role(role string) zap.Field { return zap.String("role", role) }

// Action returns a zap field for a protocol action tag.
func Action(action string) zap.Field { return zap.String("action", action) }

// Port returns a zap field for the port number.
func Port(port int) zap.Field { return zap.Int("port", port) }

// Addr returns a zap field for an address.
func Addr(addr string) zap.Field { return zap.String("addr", addr) }

// RemoteAddr returns a zap field for a peer address.
func RemoteAddr(addr string) zap.Field { return zap.String("remote_addr", addr) }

// Attempt returns a zap field for a retry attempt count.
func Attempt(n int) zap.Field { return zap.Int("attempt", n) }

// Table returns a zap field for a directory table name.
func Table(name string) zap.Field { return zap.String("table", name) }
