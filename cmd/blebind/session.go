package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/srg/blebind/internal/backend"
	"github.com/srg/blebind/pkg/client"
	"github.com/srg/blebind/pkg/config"
)

// newBackend creates the configured backend (can be overridden in tests)
var newBackend = backend.New

// session is everything a device command needs once connected
type session struct {
	cfg    *config.Config
	logger *logrus.Logger
	client *client.Client
	out    io.Writer
	lost   <-chan error // receives the cause when the device drops the connection
}

// withSession loads configuration, connects to address and runs fn. The peripheral is
// disconnected and the backend closed when fn returns.
func withSession(cmd *cobra.Command, v *viper.Viper, address string, fn func(ctx context.Context, s *session) error) error {
	cfg, err := loadConfig(v)
	if err != nil {
		return err
	}
	logger := configureLogger(cmd, cfg)

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	b, err := newBackend(cfg.Backend, cfg, logger)
	if err != nil {
		return err
	}
	if closer, ok := b.(io.Closer); ok {
		defer func() {
			if cerr := closer.Close(); cerr != nil {
				logger.WithField("error", cerr).Warn("Failed to close backend")
			}
		}()
	}

	lost := make(chan error, 1)
	opts := client.OptionsFromConfig(cfg)
	opts.OnDisconnect = func(cause error) {
		select {
		case lost <- cause:
		default:
		}
	}

	c, err := client.Connect(ctx, b, address, opts, logger)
	if err != nil {
		return err
	}
	defer func() {
		if derr := c.Disconnect(); derr != nil {
			logger.WithField("error", derr).Warn("Failed to disconnect")
		}
	}()

	return fn(ctx, &session{cfg: cfg, logger: logger, client: c, out: cmd.OutOrStdout(), lost: lost})
}
