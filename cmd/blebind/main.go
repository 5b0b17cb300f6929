package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"unicode"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/srg/blebind/pkg/config"
	"golang.org/x/term"

	_ "github.com/srg/blebind/internal/backend/bluez"
	_ "github.com/srg/blebind/internal/backend/corebluetooth"
	_ "github.com/srg/blebind/internal/backend/goble"
	_ "github.com/srg/blebind/internal/backend/sim"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// formatVersion adds 'v' prefix if version starts with a digit
func formatVersion(ver string) string {
	if len(ver) > 0 && unicode.IsDigit(rune(ver[0])) {
		return "v" + ver
	}
	return ver
}

// newRootCmd builds the command tree around its own viper instance
func newRootCmd() *cobra.Command {
	v := viper.New()
	defaults := config.DefaultConfig()

	root := &cobra.Command{
		Use:   "blebind",
		Short: "Connect to BLE peripherals through pluggable platform backends",
		Long: `blebind connects to a Bluetooth Low Energy peripheral, binds a request dispatcher
as the peripheral's delegate and exposes GATT operations:

- Inspect services, characteristics and descriptors
- Read and write characteristics and descriptors
- Subscribe to characteristic notifications

Backends: sim (in-memory device profiles), goble, bluez (Linux D-Bus) and
corebluetooth (macOS).`,
		Version:       fmt.Sprintf("%s (commit %s, built %s)", formatVersion(version), commit, date),
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			noColor, _ := cmd.Flags().GetBool("no-color")
			if noColor || !term.IsTerminal(int(os.Stdout.Fd())) {
				color.NoColor = true
			}
			return initConfig(v)
		},
	}

	flags := root.PersistentFlags()
	flags.StringP("config", "c", "", "Config file (default is $HOME/.config/blebind/config.yaml)")
	flags.String("backend", defaults.Backend, "BLE backend (see 'blebind backends')")
	flags.String("log-level", "warn", "Log level (debug, info, warn, error)")
	flags.String("profile", "", "Device profile file for the sim backend")
	flags.String("output", defaults.OutputFormat, "Output format (table, json)")
	flags.Duration("timeout", defaults.RequestTimeout, "GATT request timeout")
	flags.BoolP("verbose", "v", false, "Enable debug logging (overridden by --log-level)")
	flags.Bool("no-color", false, "Disable colored output")

	for key, flag := range map[string]string{
		"config":          "config",
		"backend":         "backend",
		"log_level":       "log-level",
		"profile":         "profile",
		"output_format":   "output",
		"request_timeout": "timeout",
	} {
		_ = v.BindPFlag(key, flags.Lookup(flag))
	}

	root.AddCommand(newBackendsCmd(v))
	root.AddCommand(newInspectCmd(v))
	root.AddCommand(newReadCmd(v))
	root.AddCommand(newWriteCmd(v))
	root.AddCommand(newSubscribeCmd(v))
	return root
}

// initConfig wires defaults, the optional config file and BLEBIND_* environment overrides
func initConfig(v *viper.Viper) error {
	defaults := config.DefaultConfig()
	// The CLI stays quiet unless asked; the library default is info
	v.SetDefault("log_level", "warn")
	v.SetDefault("backend", defaults.Backend)
	v.SetDefault("connect_timeout", defaults.ConnectTimeout)
	v.SetDefault("request_timeout", defaults.RequestTimeout)
	v.SetDefault("use_cached_reads", defaults.UseCachedReads)
	v.SetDefault("output_format", defaults.OutputFormat)
	v.SetDefault("profile", defaults.Profile)

	v.SetEnvPrefix("BLEBIND")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if cfgFile := v.GetString("config"); cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read config file %s: %w", cfgFile, err)
		}
		return nil
	}

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("$HOME/.config/blebind")
	v.AddConfigPath(".")
	// A missing default config file is not an error
	_ = v.ReadInConfig()
	return nil
}

// loadConfig decodes the merged settings into a validated Config
func loadConfig(v *viper.Viper) (*config.Config, error) {
	cfg := config.DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		// Ctrl+C is a normal exit, not an error - exit silently
		if errors.Is(err, context.Canceled) {
			return
		}
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", FormatUserError(err))
		os.Exit(1)
	}
}
