package main

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/rs/zerolog"

	"github.com/htcpnet/htcp"
)

// fileConfig is the on-disk shape of a server configuration.
type fileConfig struct {
	Host              string `toml:"host"`
	Port              int    `toml:"port"`
	Name              string `toml:"name"`
	MaxConnections    int    `toml:"max_connections"`
	HandleConnections int    `toml:"handle_connections"`
	DHEncryption      bool   `toml:"dh_encryption"`
	ConnectPasskey    string `toml:"connect_passkey"`
	LogLevel          string `toml:"log_level"`
}

// loadConfig resolves the serve configuration: the TOML file named by
// --config, if any, with the remaining flags as defaults.
func loadConfig() (htcp.Config, string, error) {
	fc := fileConfig{
		Host:         serveFlags.Host,
		Port:         serveFlags.Port,
		Name:         "htcp_server",
		DHEncryption: serveFlags.Encrypt,
		LogLevel:     serveFlags.Level,
	}
	if serveFlags.Passkey != "" {
		fc.ConnectPasskey = serveFlags.Passkey
	}
	if path := serveFlags.Config; path != "" {
		if _, err := toml.DecodeFile(path, &fc); err != nil {
			return htcp.Config{}, "", fmt.Errorf("loading config: %w", err)
		}
	}
	return htcp.Config{
		Host:              fc.Host,
		Port:              fc.Port,
		Name:              fc.Name,
		MaxConnections:    fc.MaxConnections,
		HandleConnections: fc.HandleConnections,
		DHEncryption:      fc.DHEncryption,
		Passkey:           fc.ConnectPasskey,
	}, fc.LogLevel, nil
}

// newLogger builds the process logger at the named level.
func newLogger(level string) zerolog.Logger {
	lv, err := zerolog.ParseLevel(level)
	if err != nil {
		lv = zerolog.InfoLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(lv).With().Timestamp().Logger()
}

// logEvent adapts the core's event stream to the process logger.
func logEvent(logger zerolog.Logger) htcp.EventLogger {
	return func(e htcp.Event) {
		var ev *zerolog.Event
		switch e.Kind {
		case htcp.EventAccepted:
			ev = logger.Info()
		case htcp.EventRefused:
			ev = logger.Warn()
		case htcp.EventHandlerError:
			ev = logger.Error()
		case htcp.EventClosed:
			if e.Err != nil {
				ev = logger.Warn()
			} else {
				ev = logger.Info()
			}
		default:
			ev = logger.Debug()
		}
		if e.Err != nil {
			ev = ev.Err(e.Err)
		}
		if e.Transaction != "" {
			ev = ev.Str("transaction", e.Transaction)
		}
		ev.Str("addr", e.Addr).Msg(e.Kind.String())
	}
}
