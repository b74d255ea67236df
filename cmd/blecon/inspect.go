package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/srg/blecon/inspector"
	"github.com/srg/blecon/internal/session"
)

// inspectCmd represents the inspect command
var inspectCmd = &cobra.Command{
	Use:   "inspect <device-address>",
	Short: "List the characteristics of a BLE device",
	Long: fmt.Sprintf(`Connects to a BLE device, waits for service discovery to finish and lists
every readable or writable characteristic.

Examples:
  # Show the characteristic table
  blecon inspect %s

  # Read every readable characteristic first and print JSON
  blecon inspect %s --read -f json

%s`, exampleDeviceAddress, exampleDeviceAddress, deviceAddressNote),
	Args: cobra.ExactArgs(1),
	RunE: runInspect,
}

var (
	inspectEnumerateTimeout time.Duration
	inspectFormat           string
	inspectRead             bool
	inspectVerbose          bool
)

func init() {
	inspectCmd.Flags().DurationVar(&inspectEnumerateTimeout, "enumerate-timeout", 0, "How long to wait for service discovery (default from config)")
	inspectCmd.Flags().StringVarP(&inspectFormat, "format", "f", "", "Output format (table, json); default from config")
	inspectCmd.Flags().BoolVar(&inspectRead, "read", false, "Read every readable characteristic before printing")
	inspectCmd.Flags().BoolVar(&inspectVerbose, "verbose", false, "Verbose output")
}

func runInspect(cmd *cobra.Command, args []string) error {
	address := args[0]

	if inspectFormat != "" {
		if err := validateFormat(inspectFormat); err != nil {
			return err
		}
	}

	sess, err := openSession(cmd, "verbose")
	if err != nil {
		return err
	}
	defer sess.Close()

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	format := inspectFormat
	if format == "" {
		format = sess.cfg.Output
	}
	opts := &inspector.InspectOptions{EnumerateTimeout: sess.cfg.Connection.EnumerateTimeout}
	if inspectEnumerateTimeout > 0 {
		opts.EnumerateTimeout = inspectEnumerateTimeout
	}

	ctx, cancel := interruptContext()
	defer cancel()

	progress := NewProgressPrinter(fmt.Sprintf("Inspecting device %s", address), "Connecting", "Processing results", "Failed")
	progress.Start()
	defer progress.Stop()

	_, err = inspector.InspectDevice(ctx, sess.controller, address, opts, sess.logger, progress.Callback(),
		func(ctx context.Context, c *session.Controller, snap session.Snapshot) (struct{}, error) {
			return struct{}{}, printInspection(ctx, c, snap, format, inspectRead, cmd.OutOrStdout())
		})
	return err
}

// printInspection renders the characteristic table, optionally after reading
// every readable characteristic. Read failures leave the value empty.
func printInspection(ctx context.Context, c *session.Controller, snap session.Snapshot, format string, read bool, out io.Writer) error {
	if read {
		for _, ch := range snap.Characteristics {
			if !ch.Readable {
				continue
			}
			if err := c.Read(ctx, ch.Ref()); session.KindOf(err) == session.NotConnected {
				return ErrConnectionLost
			}
		}
		snap = c.Snapshot()
	}
	return renderCharacteristics(out, snap, format)
}
