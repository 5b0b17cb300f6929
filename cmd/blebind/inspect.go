package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/srg/blebind/internal/gattdesc"
	"github.com/srg/blebind/internal/peripheral"
)

type inspectDescriptor struct {
	UUID    string `json:"uuid"`
	Name    string `json:"name,omitempty"`
	Handle  uint16 `json:"handle"`
	Value   string `json:"value,omitempty"`
	Decoded string `json:"decoded,omitempty"`
}

type inspectCharacteristic struct {
	UUID        string              `json:"uuid"`
	Handle      uint16              `json:"handle"`
	Properties  string              `json:"properties"`
	Value       string              `json:"value,omitempty"`
	Error       string              `json:"error,omitempty"`
	Descriptors []inspectDescriptor `json:"descriptors,omitempty"`
}

type inspectService struct {
	UUID            string                  `json:"uuid"`
	Handle          uint16                  `json:"handle"`
	Primary         bool                    `json:"primary"`
	Characteristics []inspectCharacteristic `json:"characteristics"`
}

type inspectReport struct {
	ID       string           `json:"id"`
	Name     string           `json:"name,omitempty"`
	RSSI     int              `json:"rssi,omitempty"`
	MTU      int              `json:"mtu"`
	Services []inspectService `json:"services"`
}

func newInspectCmd(v *viper.Viper) *cobra.Command {
	var (
		readValues bool
		forceHex   bool
	)

	cmd := &cobra.Command{
		Use:   "inspect <device-address>",
		Short: "Connect and print the GATT profile",
		Long: `Connects to the device, discovers every service, characteristic and descriptor and
prints them in handle order.

Examples:
  # Inspect the built-in simulated heart rate monitor
  blebind inspect sim-hrm-01

  # Include the values of readable characteristics, as JSON
  blebind inspect sim-hrm-01 --read --output json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, v, args[0], func(ctx context.Context, s *session) error {
				report := buildReport(ctx, s, readValues, forceHex)
				if s.cfg.OutputFormat == "json" {
					enc := json.NewEncoder(s.out)
					enc.SetIndent("", "  ")
					return enc.Encode(report)
				}
				printReport(s, report)
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&readValues, "read", false, "Read readable characteristics and descriptors")
	cmd.Flags().BoolVar(&forceHex, "hex", false, "Always print values as hex")
	return cmd
}

func buildReport(ctx context.Context, s *session, readValues, forceHex bool) inspectReport {
	prph := s.client.Peripheral()
	report := inspectReport{
		ID:   prph.Identifier(),
		Name: prph.Name(),
		MTU:  s.client.MTU(),
	}
	if rssi, err := s.client.ReadRSSI(ctx); err == nil {
		report.RSSI = rssi
	} else {
		s.logger.WithField("error", err).Debug("Failed to read RSSI")
	}

	gatt := s.client.GATT()
	for _, svc := range gatt.Services() {
		is := inspectService{UUID: svc.UUID(), Handle: svc.Handle(), Primary: svc.Primary()}
		for _, chr := range gatt.CharacteristicsOf(svc.Handle()) {
			ic := inspectCharacteristic{
				UUID:       chr.UUID(),
				Handle:     chr.Handle(),
				Properties: chr.Properties().String(),
			}
			ref := fmt.Sprintf("@%d", chr.Handle())
			if readValues && chr.Properties().Has(peripheral.PropRead) {
				if value, err := s.client.ReadGATTChar(ctx, ref); err != nil {
					ic.Error = err.Error()
				} else {
					ic.Value = formatValue(value, forceHex)
				}
			}
			for _, dsc := range gatt.Descriptors(chr) {
				id := inspectDescriptor{UUID: dsc.UUID(), Name: gattdesc.Name(dsc.UUID()), Handle: dsc.Handle()}
				if readValues {
					if value, err := s.client.ReadGATTDescriptor(ctx, ref, dsc.UUID()); err == nil {
						id.Value = formatValue(value, forceHex)
						if decoded, err := gattdesc.Parse(dsc.UUID(), value, gatt.Descriptors(chr)); err != nil {
							s.logger.WithFields(logrus.Fields{
								"descriptor": dsc.UUID(),
								"error":      err,
							}).Debug("Failed to decode descriptor value")
						} else if decoded != nil {
							id.Decoded = decoded.String()
						}
					}
				}
				ic.Descriptors = append(ic.Descriptors, id)
			}
			is.Characteristics = append(is.Characteristics, ic)
		}
		report.Services = append(report.Services, is)
	}
	return report
}

func printReport(s *session, r inspectReport) {
	out := s.out
	fmt.Fprintf(out, "Device %s", r.ID)
	if r.Name != "" {
		fmt.Fprintf(out, " (%s)", r.Name)
	}
	fmt.Fprintf(out, "  RSSI %d dBm  MTU %d\n", r.RSSI, r.MTU)

	for _, svc := range r.Services {
		serviceColor.Fprintf(out, "Service %s", svc.UUID)
		handleColor.Fprintf(out, " [0x%04x]\n", svc.Handle)
		for _, chr := range svc.Characteristics {
			charColor.Fprintf(out, "  Characteristic %s", chr.UUID)
			handleColor.Fprintf(out, " [0x%04x]", chr.Handle)
			fmt.Fprintf(out, " %s", chr.Properties)
			switch {
			case chr.Error != "":
				fmt.Fprintf(out, " error: %s", chr.Error)
			case chr.Value != "":
				fmt.Fprintf(out, " = %s", chr.Value)
			}
			fmt.Fprintln(out)
			for _, dsc := range chr.Descriptors {
				descColor.Fprintf(out, "    Descriptor %s", dsc.UUID)
				handleColor.Fprintf(out, " [0x%04x]", dsc.Handle)
				if dsc.Value != "" {
					fmt.Fprintf(out, " = %s", dsc.Value)
				}
				if dsc.Decoded != "" {
					fmt.Fprintf(out, " (%s)", dsc.Decoded)
				}
				fmt.Fprintln(out)
			}
		}
	}
}
