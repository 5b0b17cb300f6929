package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/srg/blebind/internal/backend"
)

func newBackendsCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "backends",
		Short: "List the backends available on this platform",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, name := range backend.Names() {
				if name == cfg.Backend {
					selectedColor.Fprintf(out, "* %s\n", name)
					continue
				}
				fmt.Fprintf(out, "  %s\n", name)
			}
			return nil
		},
	}
}
