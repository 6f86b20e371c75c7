// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Program sshagentd implements an SSH authentication agent serving the
// legacy SSH-1 and current SSH-2 agent wire protocols over a unix
// socket, optionally pre-loaded with keys from a setec secrets server.
package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/creachadair/command"
	"github.com/creachadair/flax"
	"github.com/sshagentd/sshagentd"
	"github.com/sshagentd/sshagentd/externalkeys"
	"github.com/tailscale/setec/client/setec"
)

var flags struct {
	Socket        string        `flag:"socket,Agent socket path (required)"`
	SetecServer   string        `flag:"setec-server,Secret server address (optional)"`
	SetecPrefix   string        `flag:"setec-prefix,Secret name prefix (required with -setec-server)"`
	RefreshPeriod time.Duration `flag:"refresh,How often to refresh keys from the secret server"`
}

const defaultRefreshPeriod = 5 * time.Minute

func main() {
	root := &command.C{
		Name:     command.ProgramName(),
		Help:     "Serve an SSH agent on the specified socket.",
		SetFlags: command.Flags(flax.MustBind, &flags),
		Run:      command.Adapt(run),
		Commands: []*command.C{
			command.HelpCommand(nil),
			command.VersionCommand(),
		},
	}
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	command.RunOrFail(root.NewEnv(nil).SetContext(ctx), os.Args[1:])
}

func run(env *command.Env) error {
	if flags.Socket == "" {
		return env.Usagef("an agent --socket path is required")
	}
	if flags.SetecServer != "" && flags.SetecPrefix == "" {
		return env.Usagef("--setec-prefix is required with --setec-server")
	}

	lst, err := net.Listen("unix", flags.Socket)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	defer os.Remove(flags.Socket) // best-effort

	srv := sshagentd.NewServer(sshagentd.Config{Logf: log.Printf})

	if flags.SetecServer != "" {
		src := externalkeys.New(externalkeys.Config{
			Client: setec.Client{Server: flags.SetecServer},
			Prefix: flags.SetecPrefix,
			Logf:   log.Printf,
		}, srv.Store())
		if err := src.Update(env.Context()); err != nil {
			return fmt.Errorf("initialize external keys: %w", err)
		}
		period := flags.RefreshPeriod
		if period <= 0 {
			period = defaultRefreshPeriod
		}
		go refreshLoop(env.Context(), src, period)
	}

	srv.Serve(env.Context(), lst)
	return nil
}

// refreshLoop periodically re-polls the external key source until ctx
// is done. Errors are logged, not fatal: a transient outage of the
// secrets server should not tear down keys already loaded.
func refreshLoop(ctx context.Context, src *externalkeys.Source, period time.Duration) {
	if period <= 0 {
		return
	}
	t := time.NewTicker(period)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := src.Update(ctx); err != nil {
				log.Printf("external key refresh failed: %v", err)
			}
		}
	}
}
