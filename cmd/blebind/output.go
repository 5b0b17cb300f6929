package main

import (
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"unicode"

	"github.com/fatih/color"
)

var (
	serviceColor  = color.New(color.FgCyan, color.Bold)
	charColor     = color.New(color.FgGreen)
	descColor     = color.New(color.FgYellow)
	handleColor   = color.New(color.Faint)
	selectedColor = color.New(color.FgGreen, color.Bold)
)

// parseData converts command input to bytes. Hex input tolerates spaces, colons, dashes
// and 0x prefixes.
func parseData(s string, isHex bool) ([]byte, error) {
	if !isHex {
		return []byte(s), nil
	}
	cleaned := strings.NewReplacer(" ", "", ":", "", "-", "", "0x", "", "0X", "").Replace(s)
	data, err := hex.DecodeString(cleaned)
	if err != nil {
		return nil, fmt.Errorf("invalid hex data: %w", err)
	}
	return data, nil
}

// formatValue renders a value as hex, or as text when every byte is printable
func formatValue(data []byte, forceHex bool) string {
	if forceHex || !printable(data) {
		return hex.EncodeToString(data)
	}
	return fmt.Sprintf("%q", string(data))
}

func printable(data []byte) bool {
	if len(data) == 0 {
		return false
	}
	for _, r := range string(data) {
		if r == unicode.ReplacementChar || !unicode.IsPrint(r) {
			return false
		}
	}
	return true
}

// writeValue prints a value for read and subscribe: hex on request, raw bytes otherwise
func writeValue(w io.Writer, data []byte, isHex bool) error {
	if isHex {
		_, err := fmt.Fprintln(w, hex.EncodeToString(data))
		return err
	}
	_, err := w.Write(data)
	return err
}
