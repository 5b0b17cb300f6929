package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newWriteCmd(v *viper.Viper) *cobra.Command {
	var (
		descUUID   string
		asHex      bool
		noResponse bool
	)

	cmd := &cobra.Command{
		Use:   "write <device-address> <characteristic> <data>",
		Short: "Write a characteristic or descriptor value",
		Long: `Writes data to a characteristic, or to one of its descriptors with --desc.

Examples:
  # Send text to the simulated UART RX characteristic
  blebind write sim-uart-01 6e400002b5a3f393e0a9e50e24dcca9e "hello"

  # Write hex bytes without response
  blebind write sim-uart-01 6e400002b5a3f393e0a9e50e24dcca9e "01 02 03" --hex --no-response`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := parseData(args[2], asHex)
			if err != nil {
				return err
			}
			if descUUID != "" && noResponse {
				return fmt.Errorf("--no-response applies to characteristics only")
			}

			ref := args[1]
			return withSession(cmd, v, args[0], func(ctx context.Context, s *session) error {
				if descUUID != "" {
					err = s.client.WriteGATTDescriptor(ctx, ref, descUUID, data)
				} else {
					err = s.client.WriteGATTChar(ctx, ref, data, !noResponse)
				}
				if err != nil {
					return err
				}
				fmt.Fprintf(s.out, "Wrote %d bytes\n", len(data))
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&descUUID, "desc", "", "Descriptor UUID (writes the descriptor instead of the characteristic)")
	cmd.Flags().BoolVar(&asHex, "hex", false, "Treat data as hex (e.g., '01 02 ff')")
	cmd.Flags().BoolVar(&noResponse, "no-response", false, "Write without response")
	return cmd
}
