package main

import (
	"context"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newReadCmd(v *viper.Viper) *cobra.Command {
	var (
		descUUID string
		asHex    bool
	)

	cmd := &cobra.Command{
		Use:   "read <device-address> <characteristic>",
		Short: "Read a characteristic or descriptor value",
		Long: `Reads a characteristic, or one of its descriptors with --desc. The characteristic is
a UUID or, when several share a UUID, a handle written as @<handle>.

Examples:
  # Read Battery Level as hex
  blebind read sim-hrm-01 2a19 --hex

  # Read the Client Characteristic Configuration of Heart Rate Measurement
  blebind read sim-hrm-01 2a37 --desc 2902 --hex

  # Read by handle
  blebind read sim-hrm-01 @0x0006 --hex`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref := args[1]
			return withSession(cmd, v, args[0], func(ctx context.Context, s *session) error {
				var (
					data []byte
					err  error
				)
				if descUUID != "" {
					data, err = s.client.ReadGATTDescriptor(ctx, ref, descUUID)
				} else {
					data, err = s.client.ReadGATTChar(ctx, ref)
				}
				if err != nil {
					return err
				}
				return writeValue(s.out, data, asHex)
			})
		},
	}

	cmd.Flags().StringVar(&descUUID, "desc", "", "Descriptor UUID (reads the descriptor instead of the characteristic)")
	cmd.Flags().BoolVar(&asHex, "hex", false, "Output as hex string; raw bytes by default")
	return cmd
}
