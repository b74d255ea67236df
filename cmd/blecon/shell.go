package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/srg/blecon/internal/groutine"
	"github.com/srg/blecon/internal/session"
)

const shellPrompt = "blecon> "

// shellCmd represents the interactive shell
var shellCmd = &cobra.Command{
	Use:   "shell",
	Short: "Interactive BLE console",
	Long: `Starts an interactive console for one BLE session: power the adapter,
scan, connect to a device and read or write its characteristics.

Type 'help' inside the shell for the list of commands. Leaving the shell
stops the scan, disconnects and powers the adapter off.`,
	Args: cobra.NoArgs,
	RunE: runShell,
}

const shellHelp = `Commands:
  power on|off          turn the adapter on or off
  scan start|stop       start or stop discovering devices
  devices [json]        list discovered devices
  connect <n|address>   connect to a listed device
  disconnect            close the connection
  chars [json]          list characteristics of the connected device
  input <n> <text>      set the pending text of characteristic n
  write <n> [text]      write text, or the pending text, to characteristic n
  read <n>              read characteristic n and follow its notifications
  status                show the session state
  notices               show recent notices
  help                  show this help
  quit                  leave the shell`

// lineReader yields input lines without their terminator.
type lineReader interface {
	ReadLine() (string, error)
}

// scannerLines reads lines from a non-interactive input.
type scannerLines struct {
	scanner *bufio.Scanner
}

func newScannerLines(r io.Reader) *scannerLines {
	return &scannerLines{scanner: bufio.NewScanner(r)}
}

func (l *scannerLines) ReadLine() (string, error) {
	if l.scanner.Scan() {
		return l.scanner.Text(), nil
	}
	if err := l.scanner.Err(); err != nil {
		return "", err
	}
	return "", io.EOF
}

// syncWriter serialises writes from the command loop and the followers.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (w *syncWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.w.Write(p)
}

func runShell(cmd *cobra.Command, _ []string) error {
	sess, err := openSession(cmd, "")
	if err != nil {
		return err
	}
	defer sess.Close()

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	in, out, restore, err := openTerminal(cmd)
	if err != nil {
		return err
	}
	defer restore()
	sess.logger.SetOutput(out)

	sh := newShell(sess.controller, out, sess.cfg.Connection.ConnectTimeout+5*time.Second)
	return sh.run(context.Background(), in)
}

// openTerminal puts stdin in raw mode and returns a line editor when it is a
// terminal, and plain line reading otherwise.
func openTerminal(cmd *cobra.Command) (lineReader, io.Writer, func(), error) {
	fd := int(os.Stdin.Fd())
	if cmd.InOrStdin() != os.Stdin || !term.IsTerminal(fd) {
		return newScannerLines(cmd.InOrStdin()), &syncWriter{w: cmd.OutOrStdout()}, func() {}, nil
	}

	state, err := term.MakeRaw(fd)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to set terminal raw mode: %w", err)
	}
	t := term.NewTerminal(struct {
		io.Reader
		io.Writer
	}{os.Stdin, os.Stdout}, shellPrompt)
	if w, h, err := term.GetSize(fd); err == nil {
		_ = t.SetSize(w, h)
	}
	return t, t, func() { _ = term.Restore(fd, state) }, nil
}

// shell executes console commands against a session controller.
type shell struct {
	c       *session.Controller
	out     io.Writer
	timeout time.Duration
}

func newShell(c *session.Controller, out io.Writer, timeout time.Duration) *shell {
	return &shell{c: c, out: out, timeout: timeout}
}

// run reads and executes commands until quit, end of input or a read error.
// Notices and session changes are printed as they arrive.
func (s *shell) run(ctx context.Context, in lineReader) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var followers sync.WaitGroup
	followers.Add(2)
	groutine.Go(ctx, "shell-notices", func(ctx context.Context) {
		defer followers.Done()
		s.followNotices(ctx)
	})
	groutine.Go(ctx, "shell-snapshots", func(ctx context.Context) {
		defer followers.Done()
		s.followSnapshots(ctx)
	})
	defer followers.Wait()
	defer cancel()

	fmt.Fprintln(s.out, "Type 'help' for commands.")
	for {
		line, err := in.ReadLine()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		quit, err := s.exec(ctx, line)
		if err != nil {
			fmt.Fprintf(s.out, "error: %s\n", FormatUserError(err))
		}
		if quit {
			return nil
		}
	}
}

// splitWord returns the first space-separated word of s and the rest, with
// the rest's leading spaces removed.
func splitWord(s string) (string, string) {
	s = strings.TrimLeft(s, " \t")
	if i := strings.IndexAny(s, " \t"); i >= 0 {
		return s[:i], strings.TrimLeft(s[i:], " \t")
	}
	return s, ""
}

// exec runs one command line. It reports whether the shell should exit.
func (s *shell) exec(ctx context.Context, line string) (bool, error) {
	name, rest := splitWord(line)
	if name == "" {
		return false, nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	switch strings.ToLower(name) {
	case "quit", "exit":
		return true, nil
	case "help":
		fmt.Fprintln(s.out, shellHelp)
		return false, nil
	case "power":
		return false, s.power(ctx, rest)
	case "scan":
		return false, s.scan(ctx, rest)
	case "devices":
		return false, renderDevices(s.out, s.c.Snapshot().Discovered, formatArg(rest))
	case "connect":
		return false, s.connect(ctx, rest)
	case "disconnect":
		return false, s.c.Disconnect(ctx)
	case "chars":
		return false, renderCharacteristics(s.out, s.c.Snapshot(), formatArg(rest))
	case "input":
		return false, s.input(ctx, rest)
	case "write":
		return false, s.write(ctx, rest)
	case "read":
		return false, s.read(ctx, rest)
	case "status":
		renderStatus(s.out, s.c.Snapshot())
		return false, nil
	case "notices":
		for _, n := range s.c.RecentNotices() {
			renderNotice(s.out, n)
		}
		return false, nil
	default:
		return false, fmt.Errorf("unknown command %q, type 'help'", name)
	}
}

func formatArg(arg string) string {
	if strings.TrimSpace(arg) == "json" {
		return "json"
	}
	return "table"
}

func (s *shell) power(ctx context.Context, arg string) error {
	switch strings.TrimSpace(arg) {
	case "on":
		return s.c.PowerOn(ctx)
	case "off":
		return s.c.PowerOff(ctx)
	default:
		return errors.New("usage: power on|off")
	}
}

func (s *shell) scan(ctx context.Context, arg string) error {
	switch strings.TrimSpace(arg) {
	case "start":
		return s.c.StartScan(ctx)
	case "stop":
		return s.c.StopScan(ctx)
	default:
		return errors.New("usage: scan start|stop")
	}
}

func (s *shell) connect(ctx context.Context, arg string) error {
	target := strings.TrimSpace(arg)
	if target == "" {
		return errors.New("usage: connect <n|address>")
	}

	id := target
	if n, err := strconv.Atoi(target); err == nil {
		devices := s.c.Snapshot().Discovered
		if n < 1 || n > len(devices) {
			return fmt.Errorf("no device #%d, run 'devices'", n)
		}
		id = devices[n-1].ID
	}
	return s.c.Connect(ctx, id)
}

// characteristic resolves a 1-based characteristic number.
func (s *shell) characteristic(arg string) (session.CharacteristicRef, error) {
	n, err := strconv.Atoi(arg)
	if err != nil {
		return session.CharacteristicRef{}, fmt.Errorf("invalid characteristic number %q", arg)
	}
	chars := s.c.Snapshot().Characteristics
	if n < 1 || n > len(chars) {
		return session.CharacteristicRef{}, fmt.Errorf("no characteristic #%d, run 'chars'", n)
	}
	return chars[n-1].Ref(), nil
}

func (s *shell) input(ctx context.Context, args string) error {
	num, text := splitWord(args)
	if num == "" {
		return errors.New("usage: input <n> <text>")
	}
	ref, err := s.characteristic(num)
	if err != nil {
		return err
	}
	return s.c.SetPendingText(ctx, ref, text)
}

func (s *shell) write(ctx context.Context, args string) error {
	num, text := splitWord(args)
	if num == "" {
		return errors.New("usage: write <n> [text]")
	}
	ref, err := s.characteristic(num)
	if err != nil {
		return err
	}
	if text == "" {
		return s.c.WritePending(ctx, ref)
	}
	return s.c.Write(ctx, ref, text)
}

func (s *shell) read(ctx context.Context, args string) error {
	num, _ := splitWord(args)
	if num == "" {
		return errors.New("usage: read <n>")
	}
	ref, err := s.characteristic(num)
	if err != nil {
		return err
	}
	before, _ := s.c.Snapshot().Characteristic(ref)
	if err := s.c.Read(ctx, ref); err != nil {
		return err
	}
	// A changed value is printed by followSnapshots.
	if after, ok := s.c.Snapshot().Characteristic(ref); ok && after.LastReadText == before.LastReadText {
		fmt.Fprintf(s.out, "~ %s: %q\n", ref, after.LastReadText)
	}
	return nil
}

func (s *shell) followNotices(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-s.c.Notices():
			if !ok {
				return
			}
			renderNotice(s.out, n)
		}
	}
}

// followSnapshots prints newly discovered devices, connection state changes
// and changed characteristic values.
func (s *shell) followSnapshots(ctx context.Context) {
	prev := s.c.Snapshot()
	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-s.c.Snapshots():
			if !ok {
				return
			}
			if snap.Version <= prev.Version {
				continue
			}
			s.printChanges(prev, snap)
			prev = snap
		}
	}
}

func (s *shell) printChanges(prev, snap session.Snapshot) {
	known := make(map[string]struct{}, len(prev.Discovered))
	for _, d := range prev.Discovered {
		known[d.ID] = struct{}{}
	}
	for i, d := range snap.Discovered {
		if _, ok := known[d.ID]; !ok {
			fmt.Fprintf(s.out, "+ [%d] %s (%s, %d dBm)\n", i+1, d.DisplayName, d.ID, d.Metadata.RSSI)
		}
	}

	if snap.ConnectionState != prev.ConnectionState {
		fmt.Fprintf(s.out, "* connection %s\n", snap.ConnectionState)
	}
	if prev.Enumerating && !snap.Enumerating && snap.ConnectedDeviceID != "" {
		fmt.Fprintf(s.out, "* %d characteristics, run 'chars'\n", len(snap.Characteristics))
	}

	if snap.ConnectedDeviceID == "" || snap.ConnectedDeviceID != prev.ConnectedDeviceID {
		return
	}
	for _, ch := range snap.Characteristics {
		if old, ok := prev.Characteristic(ch.Ref()); ok && old.LastReadText != ch.LastReadText {
			fmt.Fprintf(s.out, "~ %s: %q\n", ch.Ref(), ch.LastReadText)
		}
	}
}
