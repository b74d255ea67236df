package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/fatih/color"
	jsoniter "github.com/json-iterator/go"

	"github.com/srg/blecon/internal/session"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// validateFormat rejects output formats other than table and json.
func validateFormat(format string) error {
	switch format {
	case "table", "json":
		return nil
	default:
		return fmt.Errorf("invalid format '%s': must be one of [table json]", format)
	}
}

// writeJSON prints v as indented JSON.
func writeJSON(w io.Writer, v any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

func truncate(s string, max int) string {
	if len(s) > max {
		return s[:max-3] + "..."
	}
	return s
}

// renderDevices prints discovered devices, numbered from 1 in the table format.
func renderDevices(w io.Writer, devices []session.Device, format string) error {
	if format == "json" {
		if devices == nil {
			devices = []session.Device{}
		}
		return writeJSON(w, devices)
	}

	if len(devices) == 0 {
		fmt.Fprintln(w, "No devices discovered")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tNAME\tADDRESS\tRSSI\tSERVICES")
	for i, d := range devices {
		services := truncate(strings.Join(d.Metadata.Services, ","), 30)
		fmt.Fprintf(tw, "%d\t%s\t%s\t%d dBm\t%s\n",
			i+1, truncate(d.DisplayName, 20), d.ID, d.Metadata.RSSI, services)
	}
	return tw.Flush()
}

// capabilities renders the flags of c as "RWN", with "-" for missing ones.
func capabilities(c session.Characteristic) string {
	flag := func(on bool, r byte) byte {
		if on {
			return r
		}
		return '-'
	}
	return string([]byte{flag(c.Readable, 'R'), flag(c.Writable, 'W'), flag(c.Notifiable, 'N')})
}

// renderCharacteristics prints the characteristics of the connected device,
// numbered from 1 in the table format.
func renderCharacteristics(w io.Writer, snap session.Snapshot, format string) error {
	if format == "json" {
		return writeJSON(w, struct {
			DeviceID        string                   `json:"device_id"`
			State           session.ConnState        `json:"state"`
			Characteristics []session.Characteristic `json:"characteristics"`
		}{snap.ConnectedDeviceID, snap.ConnectionState, snap.Characteristics})
	}

	if len(snap.Characteristics) == 0 {
		fmt.Fprintln(w, "No characteristics")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tSERVICE\tCHARACTERISTIC\tPROPS\tNOTIFY\tPENDING\tLAST READ")
	for i, c := range snap.Characteristics {
		notify := ""
		if snap.Subscribed(c.Ref()) {
			notify = "on"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%q\t%q\n",
			i+1, c.ServiceID, c.CharacteristicID, capabilities(c), notify,
			truncate(c.PendingWriteText, 20), truncate(c.LastReadText, 30))
	}
	return tw.Flush()
}

// renderStatus prints a short summary of the session.
func renderStatus(w io.Writer, snap session.Snapshot) {
	onOff := func(b bool) string {
		if b {
			return "on"
		}
		return "off"
	}

	fmt.Fprintf(w, "adapter: %s, scanning: %s, devices: %d\n",
		onOff(snap.AdapterPowered), onOff(snap.Scanning), len(snap.Discovered))

	switch {
	case snap.ConnectingDeviceID != "":
		fmt.Fprintf(w, "connection: %s to %s\n", snap.ConnectionState, snap.ConnectingDeviceID)
	case snap.ConnectedDeviceID != "":
		line := fmt.Sprintf("connection: %s to %s, characteristics: %d", snap.ConnectionState, snap.ConnectedDeviceID, len(snap.Characteristics))
		if snap.Enumerating {
			line += " (discovering)"
		}
		fmt.Fprintln(w, line)
	default:
		fmt.Fprintf(w, "connection: %s\n", snap.ConnectionState)
	}
}

var (
	noticeInfo    = color.New(color.FgCyan)
	noticeSuccess = color.New(color.FgGreen)
	noticeWarning = color.New(color.FgYellow)
	noticeError   = color.New(color.FgRed, color.Bold)
)

// renderNotice prints n on one line, coloured by level.
func renderNotice(w io.Writer, n session.Notice) {
	c := noticeInfo
	switch n.Level {
	case session.LevelSuccess:
		c = noticeSuccess
	case session.LevelWarning:
		c = noticeWarning
	case session.LevelError:
		c = noticeError
	}
	fmt.Fprintf(w, "%s %s\n", n.Time.Format("15:04:05"), c.Sprint(n.String()))
}
