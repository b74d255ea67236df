package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/srg/blecon/inspector"
	"github.com/srg/blecon/internal/session"
)

// writeCmd represents the write command
var writeCmd = &cobra.Command{
	Use:   "write <device-address> <uuid> <data>",
	Short: "Write text to a characteristic",
	Long: fmt.Sprintf(`Writes data to a BLE characteristic. Text is sent as UTF-8.

Examples:
  # Write text
  blecon write %s fff2 "hello"

  # Write hex data
  blecon write %s 2a06 01 --hex

  # Write with service disambiguation
  blecon write %s 2a06 "high" --service 1802

%s`, exampleDeviceAddress, exampleDeviceAddress, exampleDeviceAddress, deviceAddressNote),
	Args: cobra.ExactArgs(3),
	RunE: runWrite,
}

var (
	writeServiceUUID string
	writeHex         bool
	writeTimeout     time.Duration
)

func init() {
	writeCmd.Flags().StringVar(&writeServiceUUID, "service", "", "Service UUID (required if characteristic UUID is ambiguous)")
	writeCmd.Flags().BoolVar(&writeHex, "hex", false, "Parse input as hex string (e.g., 'FF01')")
	writeCmd.Flags().DurationVar(&writeTimeout, "timeout", 5*time.Second, "Write timeout")
}

func runWrite(cmd *cobra.Command, args []string) error {
	address, charUUID := args[0], args[1]

	data, err := parseWriteData(args[2])
	if err != nil {
		return err
	}

	sess, err := openSession(cmd, "")
	if err != nil {
		return err
	}
	defer sess.Close()

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	ctx, cancel := interruptContext()
	defer cancel()

	progress := NewProgressPrinter(fmt.Sprintf("Writing %s to %s", charUUID, address), "Connecting", "Processing results", "Failed")
	progress.Start()
	defer progress.Stop()

	opts := &inspector.InspectOptions{EnumerateTimeout: sess.cfg.Connection.EnumerateTimeout}
	_, err = inspector.InspectDevice(ctx, sess.controller, address, opts, sess.logger, progress.Callback(),
		func(ctx context.Context, c *session.Controller, snap session.Snapshot) (struct{}, error) {
			ref, err := resolveCharacteristic(snap, writeServiceUUID, charUUID)
			if err != nil {
				return struct{}{}, err
			}

			ctx, cancel := context.WithTimeout(ctx, writeTimeout)
			defer cancel()
			if err := c.Write(ctx, ref, string(data)); err != nil {
				return struct{}{}, err
			}
			progress.Stop()
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %d bytes to %s\n", len(data), ref)
			return struct{}{}, nil
		})
	return err
}

// parseWriteData decodes input according to --hex. Hex input may use spaces,
// colons, dashes and 0x prefixes as separators.
func parseWriteData(input string) ([]byte, error) {
	if !writeHex {
		return []byte(input), nil
	}

	cleaned := strings.NewReplacer("0x", "", "0X", "", " ", "", ":", "", "-", "").Replace(input)
	data, err := hex.DecodeString(cleaned)
	if err != nil {
		return nil, fmt.Errorf("invalid hex data: %w", err)
	}
	return data, nil
}
