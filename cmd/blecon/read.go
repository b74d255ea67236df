package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/srg/blecon/inspector"
	"github.com/srg/blecon/internal/session"
)

// readCmd represents the read command
var readCmd = &cobra.Command{
	Use:   "read <device-address> <uuid>",
	Short: "Read characteristic values as text",
	Long: fmt.Sprintf(`Reads BLE characteristic(s) and prints their values decoded as UTF-8.
Reading a characteristic also turns its notifications on.

Examples:
  # Read Battery Level characteristic
  blecon read %s 2a19

  # Read multiple characteristics (comma-separated)
  blecon read %s 2a37,2a38 --hex

  # Read with service disambiguation
  blecon read %s 2a19 --service 180f

  # Keep printing the value as notifications arrive
  blecon read %s 2a37 --watch

%s`, exampleDeviceAddress, exampleDeviceAddress, exampleDeviceAddress, exampleDeviceAddress, deviceAddressNote),
	Args: cobra.ExactArgs(2),
	RunE: runRead,
}

var (
	readServiceUUID string
	readHex         bool
	readTimeout     time.Duration
	readWatch       bool
)

func init() {
	readCmd.Flags().StringVar(&readServiceUUID, "service", "", "Service UUID (required if characteristic UUID is ambiguous)")
	readCmd.Flags().BoolVar(&readHex, "hex", false, "Output as hex string (e.g., 'ff01')")
	readCmd.Flags().DurationVar(&readTimeout, "timeout", 5*time.Second, "Read timeout")
	readCmd.Flags().BoolVar(&readWatch, "watch", false, "Keep printing the value as notifications arrive")
}

func runRead(cmd *cobra.Command, args []string) error {
	address := args[0]

	charUUIDs := parseCSVUUIDs(args[1])
	if len(charUUIDs) == 0 {
		return fmt.Errorf("no valid UUIDs provided")
	}
	if readWatch && len(charUUIDs) > 1 {
		return fmt.Errorf("watch mode requires a single characteristic, got %d", len(charUUIDs))
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

	operation := "Reading"
	if readWatch {
		operation = "Watching"
	}
	progress := NewProgressPrinter(fmt.Sprintf("%s %s from %s", operation, args[1], address), "Connecting", "Processing results", "Failed")
	progress.Start()
	defer progress.Stop()

	opts := &inspector.InspectOptions{EnumerateTimeout: sess.cfg.Connection.EnumerateTimeout}
	_, err = inspector.InspectDevice(ctx, sess.controller, address, opts, sess.logger, progress.Callback(),
		func(ctx context.Context, c *session.Controller, snap session.Snapshot) (struct{}, error) {
			progress.Stop()

			refs := make([]session.CharacteristicRef, 0, len(charUUIDs))
			for _, u := range charUUIDs {
				ref, err := resolveCharacteristic(snap, readServiceUUID, u)
				if err != nil {
					return struct{}{}, err
				}
				refs = append(refs, ref)
			}

			out := cmd.OutOrStdout()
			if readWatch {
				return struct{}{}, watchCharacteristic(ctx, c, refs[0], out)
			}
			return struct{}{}, readCharacteristics(ctx, c, refs, out)
		})
	return err
}

// readCharacteristics reads each ref and prints its value. Several values are
// prefixed with their characteristic ID. A failed read is reported on stderr
// and the rest are still read.
func readCharacteristics(ctx context.Context, c *session.Controller, refs []session.CharacteristicRef, out io.Writer) error {
	for _, ref := range refs {
		value, err := readOne(ctx, c, ref)
		if err != nil {
			if len(refs) == 1 {
				return err
			}
			fmt.Fprintf(os.Stderr, "%s: error: %v\n", ref.CharacteristicID, err)
			continue
		}

		prefix := ""
		if len(refs) > 1 {
			prefix = ref.CharacteristicID + ": "
		}
		fmt.Fprintf(out, "%s%s\n", prefix, formatValue(value))
	}
	return nil
}

func readOne(ctx context.Context, c *session.Controller, ref session.CharacteristicRef) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, readTimeout)
	defer cancel()

	if err := c.Read(ctx, ref); err != nil {
		return "", err
	}
	ch, ok := c.Snapshot().Characteristic(ref)
	if !ok {
		return "", ErrConnectionLost
	}
	return ch.LastReadText, nil
}

// watchCharacteristic reads ref once, then prints every value change until ctx
// ends or the device disconnects.
func watchCharacteristic(ctx context.Context, c *session.Controller, ref session.CharacteristicRef, out io.Writer) error {
	last, err := readOne(ctx, c, ref)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "Watching %s. Press Ctrl+C to stop...\n", ref)
	fmt.Fprintln(out, formatValue(last))

	version := c.Snapshot().Version
	for {
		select {
		case <-ctx.Done():
			return nil
		case snap, ok := <-c.Snapshots():
			if !ok {
				return nil
			}
			if snap.Version <= version {
				continue
			}
			version = snap.Version

			ch, ok := snap.Characteristic(ref)
			if !ok {
				return ErrConnectionLost
			}
			if ch.LastReadText != last {
				last = ch.LastReadText
				fmt.Fprintln(out, formatValue(last))
			}
		}
	}
}

func formatValue(text string) string {
	if readHex {
		return hex.EncodeToString([]byte(text))
	}
	return text
}
