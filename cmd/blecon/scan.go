package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/srg/blecon/internal/groutine"
	"github.com/srg/blecon/internal/session"
	"github.com/srg/blecon/scanner"
)

// scanCmd represents the scan command
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan for BLE devices",
	Long: `Scan for and display Bluetooth Low Energy devices in the vicinity.

Only devices that advertise a name are listed, each once, in the order they
were first seen.`,
	Args: cobra.NoArgs,
	RunE: runScan,
}

var (
	scanDuration  time.Duration
	scanFormat    string
	scanServices  []string
	scanAllowList []string
	scanBlockList []string
	scanWatch     bool
)

func init() {
	scanCmd.Flags().DurationVarP(&scanDuration, "duration", "d", 0, "Scan duration (default from config, 0 with --watch for indefinite)")
	scanCmd.Flags().StringVarP(&scanFormat, "format", "f", "", "Output format (table, json); default from config")
	scanCmd.Flags().StringSliceVarP(&scanServices, "services", "s", nil, "Filter by advertised service UUIDs")
	scanCmd.Flags().StringSliceVar(&scanAllowList, "allow", nil, "Only show devices with these addresses")
	scanCmd.Flags().StringSliceVar(&scanBlockList, "block", nil, "Hide devices with these addresses")
	scanCmd.Flags().BoolVarP(&scanWatch, "watch", "w", false, "Keep scanning and print devices as they appear")
}

// interruptContext returns a context cancelled on Ctrl+C or SIGTERM.
func interruptContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runScan(cmd *cobra.Command, _ []string) error {
	if scanFormat != "" {
		if err := validateFormat(scanFormat); err != nil {
			return err
		}
	}

	sess, err := openSession(cmd, "")
	if err != nil {
		return err
	}
	defer sess.Close()

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	format := scanFormat
	if format == "" {
		format = sess.cfg.Output
	}

	opts := &scanner.ScanOptions{
		Duration:     sess.cfg.Scan.Duration,
		ServiceUUIDs: scanServices,
		AllowList:    scanAllowList,
		BlockList:    scanBlockList,
	}
	if cmd.Flags().Changed("duration") {
		opts.Duration = scanDuration
	} else if scanWatch {
		opts.Duration = 0
	}

	s, err := scanner.NewScanner(sess.controller, sess.logger)
	if err != nil {
		return fmt.Errorf("failed to create BLE scanner: %w", err)
	}

	ctx, cancel := interruptContext()
	defer cancel()

	if scanWatch {
		return runWatchMode(ctx, s, opts, cmd.OutOrStdout())
	}
	return runSingleScan(ctx, s, opts, format, cmd.OutOrStdout())
}

func runSingleScan(ctx context.Context, s *scanner.Scanner, opts *scanner.ScanOptions, format string, out io.Writer) error {
	progress := NewCountdownProgressPrinter("Scanning for BLE devices", "Powering on", opts.Duration, "Processing results")
	progress.Start()
	defer progress.Stop()

	devices, err := s.Scan(ctx, opts, progress.Callback())
	if err != nil {
		return err
	}
	progress.Stop()
	return renderDevices(out, devices, format)
}

// runWatchMode prints each new device as it is discovered until ctx ends or
// the configured duration elapses.
func runWatchMode(ctx context.Context, s *scanner.Scanner, opts *scanner.ScanOptions, out io.Writer) error {
	fmt.Fprintln(os.Stderr, "Scanning, press Ctrl+C to stop...")

	scanErr := make(chan error, 1)
	groutine.Go(ctx, "scan-watch", func(ctx context.Context) {
		_, err := s.Scan(ctx, opts, nil)
		scanErr <- err
	})

	count := 0
	for {
		select {
		case ev := <-s.Events():
			count++
			printWatchedDevice(out, count, ev.Device)
		case err := <-scanErr:
			// Drain devices reported just before the scan ended.
		drain:
			for {
				select {
				case ev := <-s.Events():
					count++
					printWatchedDevice(out, count, ev.Device)
				default:
					break drain
				}
			}
			if err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			fmt.Fprintf(os.Stderr, "%d devices discovered\n", count)
			return nil
		}
	}
}

func printWatchedDevice(out io.Writer, n int, d session.Device) {
	fmt.Fprintf(out, "%3d  %-20s  %s  %d dBm\n", n, truncate(d.DisplayName, 20), d.ID, d.Metadata.RSSI)
}
