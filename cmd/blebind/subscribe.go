package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/srg/blebind/internal/peripheral"
)

func newSubscribeCmd(v *viper.Viper) *cobra.Command {
	var (
		asHex    bool
		count    int
		duration time.Duration
	)

	cmd := &cobra.Command{
		Use:   "subscribe <device-address> <characteristic>",
		Short: "Print characteristic notifications",
		Long: `Subscribes to a characteristic and prints every notification until Ctrl+C, --count
notifications were received or --duration elapsed.

Examples:
  # Stream heart rate measurements as hex
  blebind subscribe sim-hrm-01 2a37 --hex

  # Stop after 10 notifications
  blebind subscribe sim-hrm-01 2a37 --hex --count 10`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if count < 0 {
				return fmt.Errorf("--count must not be negative")
			}
			ref := args[1]
			return withSession(cmd, v, args[0], func(ctx context.Context, s *session) error {
				if duration > 0 {
					var cancel context.CancelFunc
					ctx, cancel = context.WithTimeout(ctx, duration)
					defer cancel()
				}

				done := make(chan struct{})
				var (
					mu       sync.Mutex
					received int
					writeErr error
				)
				err := s.client.StartNotify(ctx, ref, func(chr peripheral.Characteristic, data []byte) {
					mu.Lock()
					defer mu.Unlock()
					if count > 0 && received >= count {
						return
					}
					received++
					if err := writeValue(s.out, data, asHex); err != nil && writeErr == nil {
						writeErr = err
					}
					if count > 0 && received == count {
						close(done)
					}
				})
				if err != nil {
					return err
				}
				s.logger.WithField("characteristic", ref).Info("Subscribed, waiting for notifications")

				select {
				case <-done:
				case <-ctx.Done():
				case cause := <-s.lost:
					return fmt.Errorf("notifications from %s stopped: %w", ref, cause)
				}

				// Stop with a fresh context: ctx may already be done
				stopCtx, cancel := context.WithTimeout(context.Background(), s.cfg.RequestTimeout)
				defer cancel()
				if err := s.client.StopNotify(stopCtx, ref); err != nil {
					s.logger.WithField("error", err).Warn("Failed to stop notifications")
				}

				mu.Lock()
				defer mu.Unlock()
				return writeErr
			})
		},
	}

	cmd.Flags().BoolVar(&asHex, "hex", false, "Output as hex string; raw bytes by default")
	cmd.Flags().IntVar(&count, "count", 0, "Stop after this many notifications (0 = unlimited)")
	cmd.Flags().DurationVar(&duration, "duration", 0, "Stop after this long (0 = until Ctrl+C)")
	return cmd
}
