package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"

	"fleetguard/agent/internal/audit"
	"fleetguard/agent/internal/auth"
	"fleetguard/agent/internal/config"
	"fleetguard/agent/internal/db"
	"fleetguard/agent/internal/diagnostics"
	"fleetguard/agent/internal/enroll"
	"fleetguard/agent/internal/ipc"
	"fleetguard/agent/internal/logger"
	"fleetguard/agent/internal/state"
	"fleetguard/agent/internal/supervisor"
	"fleetguard/agent/internal/svc"
	"fleetguard/network"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	cmd, args := os.Args[1], os.Args[2:]

	var err error
	switch cmd {
	case "run":
		err = cmdRun(args)
	case "enroll":
		err = cmdEnroll(args)
	case "unenroll":
		err = cmdUnenroll(args)
	case "validate":
		err = cmdValidate(args)
	case "status":
		err = cmdStatus(args)
	case "approve", "deny":
		err = cmdDecide(cmd, args)
	case "diagnostics":
		err = cmdDiagnostics(args)
	case "test-connection":
		err = cmdTestConnection(args)
	case "install", "uninstall", "start", "stop", "restart":
		err = svc.Control(cmd)
	case "version":
		fmt.Println(network.AgentVersion)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cmd)
		usage()
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprint(os.Stderr, `fleetguard-agent <command> [flags]

Commands:
  run              run the agent in the foreground or under the service manager
  enroll           register this machine with the management server
  unenroll         remove this machine from the management server
  validate         check the configuration file and exit
  status           show the running agent's connection and queue state
  approve <id>     approve a pending remote session
  deny <id>        deny a pending remote session
  diagnostics      write a support bundle (tar.gz)
  test-connection  measure reachability of the management server
  install          install as a system service (also: uninstall, start, stop, restart)
  version          print the agent version

Most commands accept -config <path> to override the config file location.
`)
}

// cliSetup loads config and opens the local database for one-shot commands.
// Logging is kept quiet so command output stays readable.
func cliSetup(cfgFile string) (*config.Snapshot, error) {
	snap, _, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if err := logger.Init("", "warn", "console"); err != nil {
		return nil, err
	}
	return snap, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func cmdEnroll(args []string) error {
	fs := flag.NewFlagSet("enroll", flag.ExitOnError)
	cfgFile := fs.String("config", "", "config file path")
	server := fs.String("server", "", "management server URL")
	key := fs.String("key", "", "enrollment key")
	site := fs.String("site", "", "site to join")
	tags := fs.String("tags", "", "comma-separated tags")
	fs.Parse(args)

	snap, err := cliSetup(*cfgFile)
	if err != nil {
		return err
	}
	if *server == "" {
		*server = snap.ServerURL
	}
	if *server == "" {
		return errors.New("server URL required (-server or server_url in config)")
	}
	if *key == "" {
		return errors.New("enrollment key required (-key)")
	}

	if err := os.MkdirAll(snap.DataDir, 0o700); err != nil {
		return err
	}
	adb, err := db.Init(filepath.Join(snap.DataDir, "agent.db"))
	if err != nil {
		return fmt.Errorf("open state database: %w", err)
	}

	ctx, cancel := signalContext()
	defer cancel()

	resp, err := enroll.NewClient(15 * time.Second).Enroll(ctx, *server, *key, *site, splitTags(*tags))
	if err != nil {
		return err
	}

	if err := auth.Save(adb, resp.AgentID, resp.Credential); err != nil {
		return fmt.Errorf("store credential: %w", err)
	}
	snap.ServerURL = *server
	snap.AgentID = resp.AgentID
	snap.OrgID = resp.OrgID
	snap.SiteID = resp.SiteID
	if len(resp.Tags) > 0 {
		snap.Tags = resp.Tags
	}
	if err := config.Save(snap, *cfgFile); err != nil {
		return fmt.Errorf("persist identity: %w", err)
	}

	audit.NewRecorder(adb).Record(network.AuditRecord{
		Kind:      audit.KindEnrollment,
		StartedAt: time.Now().UTC(),
		Detail:    "enrolled with " + *server,
	})

	fmt.Printf("enrolled as %s (org %s", resp.AgentID, resp.OrgID)
	if resp.SiteID != "" {
		fmt.Printf(", site %s", resp.SiteID)
	}
	fmt.Println(")")
	return nil
}

func cmdUnenroll(args []string) error {
	fs := flag.NewFlagSet("unenroll", flag.ExitOnError)
	cfgFile := fs.String("config", "", "config file path")
	fs.Parse(args)

	snap, err := cliSetup(*cfgFile)
	if err != nil {
		return err
	}
	adb, err := db.Init(filepath.Join(snap.DataDir, "agent.db"))
	if err != nil {
		return fmt.Errorf("open state database: %w", err)
	}

	agentID, credential, err := auth.Load(adb)
	if errors.Is(err, auth.ErrNoCredential) {
		fmt.Println("agent is not enrolled")
		return nil
	}
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	if err := enroll.NewClient(15 * time.Second).Unenroll(ctx, snap.ServerURL, agentID, credential); err != nil {
		return err
	}
	if err := auth.Delete(adb); err != nil {
		return fmt.Errorf("remove credential: %w", err)
	}
	state.Clear()

	snap.AgentID = ""
	snap.OrgID = ""
	snap.SiteID = ""
	if err := config.Save(snap, *cfgFile); err != nil {
		return fmt.Errorf("persist identity: %w", err)
	}

	fmt.Println("unenrolled; local credential removed")
	return nil
}

func cmdValidate(args []string) error {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	cfgFile := fs.String("config", "", "config file path")
	fs.Parse(args)

	snap, warnings, err := config.Load(*cfgFile)
	if err != nil {
		return err
	}
	for _, w := range warnings {
		fmt.Println("warning:", w)
	}
	fmt.Printf("configuration OK (server %s)\n", snap.ServerURL)
	return nil
}

var (
	labelStyle = lipgloss.NewStyle().Bold(true).Width(12)
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	badStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
)

func cmdStatus(args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	cfgFile := fs.String("config", "", "config file path")
	fs.Parse(args)

	snap, err := cliSetup(*cfgFile)
	if err != nil {
		return err
	}

	resp, err := ipc.Call(snap.IPCSocketPath, ipc.Request{Op: ipc.OpStatus})
	if err != nil {
		fmt.Println(badStyle.Render("agent not running") + " (no control socket at " + snap.IPCSocketPath + ")")
		return nil
	}
	if !resp.OK || resp.Status == nil {
		return fmt.Errorf("status request failed: %s", resp.Error)
	}

	fmt.Print(renderStatus(resp.Status))
	return nil
}

func renderStatus(st *ipc.StatusReport) string {
	stateStyle := warnStyle
	switch st.Connection.State {
	case supervisor.StateConnected:
		stateStyle = okStyle
	case supervisor.StateDisconnected, supervisor.StateSuspended, supervisor.StateEnrolling:
		stateStyle = badStyle
	}

	var b strings.Builder
	row := func(label, value string) {
		b.WriteString(labelStyle.Render(label) + " " + value + "\n")
	}

	row("Agent", st.AgentID)
	row("Version", st.Version)
	row("Connection", stateStyle.Render(string(st.Connection.State)))
	if st.Connection.State == supervisor.StateConnected && !st.Connection.ConnectedAt.IsZero() {
		row("Since", st.Connection.ConnectedAt.Local().Format(time.RFC1123))
	}
	if st.Connection.LastError != "" {
		row("Last error", st.Connection.LastError)
	}
	if !st.Connection.NextRetryAt.IsZero() && st.Connection.State != supervisor.StateConnected {
		row("Next retry", st.Connection.NextRetryAt.Local().Format(time.RFC1123))
	}
	row("Queue", fmt.Sprintf("%d pending, %d running", st.QueueDepth, st.InFlight))
	row("Buffered", strconv.Itoa(st.BufferedLen))
	for _, s := range st.Sessions {
		row("Session", fmt.Sprintf("%s  %s  %s  (%s)", s.ID, s.Kind, s.Operator, s.State))
	}
	return b.String()
}

func cmdDecide(op string, args []string) error {
	fs := flag.NewFlagSet(op, flag.ExitOnError)
	cfgFile := fs.String("config", "", "config file path")
	fs.Parse(args)

	if fs.NArg() != 1 {
		return fmt.Errorf("usage: fleetguard-agent %s <session-id>", op)
	}
	sessionID := fs.Arg(0)

	snap, err := cliSetup(*cfgFile)
	if err != nil {
		return err
	}

	resp, err := ipc.Call(snap.IPCSocketPath, ipc.Request{Op: op, SessionID: sessionID})
	if err != nil {
		return fmt.Errorf("agent not running: %w", err)
	}
	if !resp.OK {
		return errors.New(resp.Error)
	}
	verdict := "approved"
	if op == ipc.OpDeny {
		verdict = "denied"
	}
	fmt.Printf("session %s %s\n", sessionID, verdict)
	return nil
}

func cmdDiagnostics(args []string) error {
	fs := flag.NewFlagSet("diagnostics", flag.ExitOnError)
	cfgFile := fs.String("config", "", "config file path")
	out := fs.String("o", "", "output path for the bundle")
	fs.Parse(args)

	snap, err := cliSetup(*cfgFile)
	if err != nil {
		return err
	}

	// Status from the live agent when available; the bundle records why
	// when it is not.
	var status *ipc.StatusReport
	statusErr := ""
	if resp, err := ipc.Call(snap.IPCSocketPath, ipc.Request{Op: ipc.OpStatus}); err != nil {
		statusErr = "agent not running"
	} else if resp.Status != nil {
		status = resp.Status
	} else {
		statusErr = resp.Error
	}

	path := *out
	if path == "" {
		path = fmt.Sprintf("fleetguard-diagnostics-%s.tar.gz", time.Now().Format("20060102-150405"))
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := diagnostics.WriteBundle(f, snap, status, statusErr); err != nil {
		os.Remove(path)
		return err
	}
	fmt.Println("wrote", path)
	return nil
}

func cmdTestConnection(args []string) error {
	fs := flag.NewFlagSet("test-connection", flag.ExitOnError)
	cfgFile := fs.String("config", "", "config file path")
	server := fs.String("server", "", "management server URL")
	fs.Parse(args)

	snap, err := cliSetup(*cfgFile)
	if err != nil {
		return err
	}
	if *server == "" {
		*server = snap.ServerURL
	}
	if *server == "" {
		return errors.New("server URL required (-server or server_url in config)")
	}

	ctx, cancel := signalContext()
	defer cancel()

	latency, err := enroll.NewClient(10 * time.Second).TestConnection(ctx, *server)
	if err != nil {
		return fmt.Errorf("%s unreachable: %w", *server, err)
	}
	fmt.Printf("%s reachable (%s)\n", *server, latency.Round(time.Millisecond))
	return nil
}

func splitTags(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
