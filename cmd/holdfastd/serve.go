package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/holdfast-sh/holdfast/internal/mux"
	"github.com/holdfast-sh/holdfast/internal/registry"
	"github.com/holdfast-sh/holdfast/internal/relay"
	"github.com/holdfast-sh/holdfast/internal/sshd"
)

func applyEnvFallback(target *string, key string) {
	if *target == "" {
		*target = os.Getenv(key)
	}
}

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the session daemon",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			applyEnvFallback(&cfg.Relay.URL, "HOLDFAST_NATS_URL")
			applyEnvFallback(&cfg.PasswordSecret, "HOLDFAST_SECRET")
			logger := opts.logger(cfg)

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			for _, dir := range []string{cfg.SocketDir, cfg.StateDir} {
				if err := os.MkdirAll(dir, 0o700); err != nil {
					return err
				}
			}

			tmux := mux.NewTmux(cfg.SocketDir, cfg.StateDir, logger)
			reg := registry.New(tmux, cfg.SessionGroup, logger)

			events := relay.New(relay.Options{
				URL:            cfg.Relay.URL,
				SubjectPrefix:  cfg.Relay.SubjectPrefix,
				ConnectRetries: cfg.Relay.ConnectRetries,
				RetryDelay:     cfg.Relay.RetryDelay(),
			}, logger)
			go events.Run(ctx)

			srv, err := sshd.New(sshd.Config{
				ListenAddr:         cfg.ListenAddr,
				HostKeyPath:        cfg.HostKey,
				AuthorizedKeysPath: cfg.AuthorizedKeys,
				PasswordSecret:     cfg.PasswordSecret,
			}, reg, tmux, events, logger)
			if err != nil {
				return err
			}

			err = srv.ListenAndServe(ctx)
			<-events.Done()
			return err
		},
	}
}
