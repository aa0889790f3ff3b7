// Program htcp hosts a demo htcp server and issues transactions to
// one from the command line.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/creachadair/command"
	"github.com/creachadair/flax"

	"github.com/htcpnet/htcp"
)

func main() {
	root := &command.C{
		Name: filepath.Base(os.Args[0]),
		Help: "A command-line host for the htcp transaction protocol.",
		Commands: []*command.C{
			{
				Name: "serve",
				Help: `Run a demo server.

The server registers the built-in transactions "echo", "ping" and
"server_info". Settings are read from the TOML file named by --config;
flags override the file.`,
				SetFlags: command.Flags(flax.MustBind, &serveFlags),
				Run:      runServe,
			},
			{
				Name:     "call",
				Usage:    "<transaction> [<payload>]",
				Help:     "Send one transaction to a server and print the reply payload.",
				SetFlags: command.Flags(flax.MustBind, &callFlags),
				Run:      runCall,
			},
			command.VersionCommand(),
			command.HelpCommand(nil),
		},
	}
	command.RunOrFail(root.NewEnv(nil).MergeFlags(true), os.Args[1:])
}

var serveFlags struct {
	Config  string `flag:"config,Path to a TOML configuration file"`
	Host    string `flag:"host,default=localhost,Bind address"`
	Port    int    `flag:"port,default=9576,Bind port"`
	Encrypt bool   `flag:"encrypt,Enable Diffie-Hellman encryption"`
	Passkey string `flag:"passkey,Require this connection passkey"`
	Level   string `flag:"log-level,default=info,Log level (debug, info, warn, error)"`
}

var callFlags struct {
	Address string        `flag:"address,default=localhost:9576,Server address (host:port)"`
	Encrypt bool          `flag:"encrypt,Enable Diffie-Hellman encryption"`
	Passkey string        `flag:"passkey,Connection passkey"`
	Timeout time.Duration `flag:"timeout,default=10s,Reply wait bound"`
}

func runServe(env *command.Env) error {
	cfg, level, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(level)

	srv, err := htcp.NewServer(cfg)
	if err != nil {
		return err
	}
	srv.LogEvents(logEvent(logger))

	srv.Handle("echo", func(ctx context.Context, req *htcp.Request) ([]byte, error) {
		return req.Content, nil
	})
	srv.Handle("ping", func(ctx context.Context, req *htcp.Request) ([]byte, error) {
		return json.Marshal(map[string]string{"status": "pong"})
	})
	srv.Handle("server_info", func(ctx context.Context, req *htcp.Request) ([]byte, error) {
		return json.Marshal(map[string]any{
			"server_name":        srv.Name(),
			"active_connections": srv.Active(),
			"encryption_enabled": cfg.DHEncryption,
			"max_connections":    cfg.MaxConnections,
			"handle_connections": cfg.HandleConnections,
			"client_ip":          req.ClientIP,
		})
	})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger.Info().
		Str("host", cfg.Host).Int("port", cfg.Port).
		Bool("encrypted", cfg.DHEncryption).
		Msg("endpoint started")
	return srv.ListenAndServe(ctx)
}

func runCall(env *command.Env) error {
	if len(env.Args) == 0 {
		return env.Usagef("missing transaction name")
	}
	var payload []byte
	if len(env.Args) > 1 {
		payload = []byte(env.Args[1])
	}

	cli, err := htcp.Dial(callFlags.Address, &htcp.ClientOptions{
		DHEncryption: callFlags.Encrypt,
		Passkey:      callFlags.Passkey,
		AskTimeout:   callFlags.Timeout,
	})
	if err != nil {
		return fmt.Errorf("dial %s: %w", callFlags.Address, err)
	}
	defer cli.Close()

	rsp, err := cli.Ask(env.Context(), htcp.NewPackage(env.Args[0], payload))
	if err != nil {
		return err
	}
	fmt.Println(string(rsp.Content))
	return nil
}
