// Package cli implements the paneflow command line client.
package cli

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/g960059/paneflow/internal/api"
	"github.com/g960059/paneflow/internal/appclient"
	"github.com/g960059/paneflow/internal/config"
)

type Runner struct {
	client *appclient.Client
	out    io.Writer
	errOut io.Writer
}

func NewRunner(socketPath string, out, errOut io.Writer) *Runner {
	return NewRunnerWithClient(appclient.New(socketPath), out, errOut)
}

func NewRunnerWithClient(client *appclient.Client, out, errOut io.Writer) *Runner {
	if out == nil {
		out = os.Stdout
	}
	if errOut == nil {
		errOut = os.Stderr
	}
	return &Runner{client: client, out: out, errOut: errOut}
}

// Run dispatches one command invocation. Exit codes follow the usual
// convention: 0 success, 1 request failure, 2 usage error.
func (r *Runner) Run(ctx context.Context, args []string) int {
	socketPath, overridden, rest, err := parseGlobalArgs(args)
	if err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	if r.client == nil || overridden {
		r.client = appclient.New(socketPath)
	}
	if len(rest) == 0 {
		r.printUsage()
		return 2
	}
	switch rest[0] {
	case "health":
		return r.runHealth(ctx, rest[1:])
	case "panes":
		return r.runPanes(ctx, rest[1:])
	case "attach":
		return r.runAttach(ctx, rest[1:])
	case "detach":
		return r.runDetach(ctx, rest[1:])
	case "resize":
		return r.runResize(ctx, rest[1:])
	case "frame":
		return r.runFrame(ctx, rest[1:])
	case "control":
		return r.runControl(ctx, rest[1:])
	case "debug":
		return r.runDebug(ctx, rest[1:])
	case "metrics":
		return r.runMetrics(ctx, rest[1:])
	default:
		_, _ = fmt.Fprintf(r.errOut, "unknown command: %s\n", rest[0])
		r.printUsage()
		return 2
	}
}

func parseGlobalArgs(args []string) (string, bool, []string, error) {
	socket := config.DefaultConfig().SocketPath
	overridden := false
	rest := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		if args[i] == "--socket" {
			if i+1 >= len(args) {
				return "", false, nil, fmt.Errorf("--socket requires value")
			}
			socket = args[i+1]
			overridden = true
			i++
			continue
		}
		rest = append(rest, args[i])
	}
	return socket, overridden, rest, nil
}

func (r *Runner) runHealth(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("health", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	jsonOut := fs.Bool("json", false, "output JSON")
	if err := fs.Parse(args); err != nil {
		return r.usageErr(err)
	}
	if *jsonOut {
		return r.printRaw(ctx, http.MethodGet, "/v1/health", nil)
	}
	resp, err := r.client.Health(ctx)
	if err != nil {
		return r.handleErr(err)
	}
	_, _ = fmt.Fprintf(r.out, "status: %s\n", resp.Status)
	return 0
}

func (r *Runner) runPanes(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("panes", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	jsonOut := fs.Bool("json", false, "output JSON")
	if err := fs.Parse(args); err != nil {
		return r.usageErr(err)
	}
	if *jsonOut {
		return r.printRaw(ctx, http.MethodGet, "/v1/panes", nil)
	}
	resp, err := r.client.Panes(ctx)
	if err != nil {
		return r.handleErr(err)
	}
	for _, pane := range resp.Panes {
		_, _ = fmt.Fprintf(r.out, "%s\ttab=%s\tdomain=%s\tclass=%s\t%dx%d\tlines=%d\tseq=%d\tpressure=%s\n",
			pane.PaneID, pane.TabID, pane.Domain.Kind, pane.Class,
			pane.Cols, pane.Rows, pane.TotalLines, pane.LastIntentSeq, pane.PressureTier)
	}
	return 0
}

func (r *Runner) runAttach(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("attach", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	paneID := fs.String("pane", "", "pane ID")
	tabID := fs.String("tab", "", "tab ID")
	domainKind := fs.String("domain", "local", "domain kind: local|ssh|mux")
	host := fs.String("host", "", "ssh host (for --domain ssh)")
	endpoint := fs.String("endpoint", "", "mux endpoint (for --domain mux)")
	class := fs.String("class", "", "scheduler class: interactive|background")
	cols := fs.Uint("cols", 80, "pane columns")
	rows := fs.Uint("rows", 24, "pane rows")
	lines := fs.Uint("lines", 0, "total logical lines")
	if err := fs.Parse(args); err != nil {
		return r.usageErr(err)
	}
	if strings.TrimSpace(*paneID) == "" {
		return r.usageErr(fmt.Errorf("--pane is required"))
	}
	resp, err := r.client.Attach(ctx, api.PaneAttachRequest{
		PaneID:     *paneID,
		TabID:      *tabID,
		Domain:     api.DomainRef{Kind: *domainKind, Host: *host, Endpoint: *endpoint},
		Class:      *class,
		Cols:       uint32(*cols),
		Rows:       uint32(*rows),
		TotalLines: uint32(*lines),
	})
	if err != nil {
		return r.handleErr(err)
	}
	_, _ = fmt.Fprintf(r.out, "attached %s registration=%s\n", resp.PaneID, resp.RegistrationID)
	return 0
}

func (r *Runner) runDetach(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("detach", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	paneID := fs.String("pane", "", "pane ID")
	if err := fs.Parse(args); err != nil {
		return r.usageErr(err)
	}
	if strings.TrimSpace(*paneID) == "" {
		return r.usageErr(fmt.Errorf("--pane is required"))
	}
	resp, err := r.client.Detach(ctx, *paneID)
	if err != nil {
		return r.handleErr(err)
	}
	_, _ = fmt.Fprintf(r.out, "detached %s\n", resp.PaneID)
	return 0
}

func (r *Runner) runResize(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("resize", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	paneID := fs.String("pane", "", "pane ID")
	cols := fs.Uint("cols", 0, "new pane columns")
	rows := fs.Uint("rows", 0, "new pane rows")
	lines := fs.Uint("lines", 0, "total logical lines")
	top := fs.Uint("top", 0, "viewport top line")
	height := fs.Uint("height", 0, "viewport height (defaults to rows)")
	jsonOut := fs.Bool("json", false, "output JSON")
	if err := fs.Parse(args); err != nil {
		return r.usageErr(err)
	}
	if strings.TrimSpace(*paneID) == "" {
		return r.usageErr(fmt.Errorf("--pane is required"))
	}
	req := api.ResizeRequest{
		Cols:           uint32(*cols),
		Rows:           uint32(*rows),
		TotalLines:     uint32(*lines),
		ViewportTop:    uint32(*top),
		ViewportHeight: uint32(*height),
	}
	resp, err := r.client.Resize(ctx, *paneID, req)
	if err != nil {
		return r.handleErr(err)
	}
	if *jsonOut {
		return r.printJSON(resp)
	}
	_, _ = fmt.Fprintf(r.out, "%s seq=%d outcome=%s units=%d budget=%d\n",
		resp.PaneID, resp.IntentSeq, resp.Outcome, resp.FrameWorkUnits, resp.FrameBudget)
	for _, batch := range resp.Batches {
		selected := " "
		if batch.Selected {
			selected = "*"
		}
		_, _ = fmt.Fprintf(r.out, "  %s %s [%d,%d) units=%d\n",
			selected, batch.Priority, batch.LineStart, batch.LineEnd, batch.WorkUnits)
	}
	return 0
}

func (r *Runner) runFrame(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("frame", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	backlog := fs.Int("backlog", -1, "reported input backlog")
	jsonOut := fs.Bool("json", false, "output JSON")
	if err := fs.Parse(args); err != nil {
		return r.usageErr(err)
	}
	req := api.FrameRequest{}
	if *backlog >= 0 {
		req.InputBacklog = backlog
	}
	resp, err := r.client.Frame(ctx, req)
	if err != nil {
		return r.handleErr(err)
	}
	if *jsonOut {
		return r.printJSON(resp)
	}
	_, _ = fmt.Fprintf(r.out, "frame %d spent=%d effective=%d reserved=%d pending=%d\n",
		resp.Frame, resp.BudgetSpent, resp.EffectiveBudget, resp.InputReserved, resp.PendingAfter)
	for _, work := range resp.Scheduled {
		forced := ""
		if work.Forced {
			forced = " forced"
		}
		_, _ = fmt.Fprintf(r.out, "  %s seq=%d class=%s units=%d%s\n",
			work.PaneID, work.IntentSeq, work.Class, work.WorkUnits, forced)
	}
	return 0
}

func (r *Runner) runControl(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("control", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	disable := fs.Bool("disable", false, "engage the emergency kill switch")
	enable := fs.Bool("enable", false, "release the emergency kill switch")
	controlPlane := fs.String("control-plane", "", "set control plane: on|off")
	backlog := fs.Int("backlog", -1, "reported input backlog")
	pressure := fs.String("pressure", "", "set pane pressure tier: <pane>=<tier>")
	if err := fs.Parse(args); err != nil {
		return r.usageErr(err)
	}
	if *disable && *enable {
		return r.usageErr(fmt.Errorf("--disable and --enable are mutually exclusive"))
	}
	req := api.ControlRequest{}
	if *disable || *enable {
		value := *disable
		req.EmergencyDisable = &value
	}
	switch *controlPlane {
	case "":
	case "on", "off":
		value := *controlPlane == "on"
		req.ControlPlaneEnabled = &value
	default:
		return r.usageErr(fmt.Errorf("--control-plane must be on or off"))
	}
	if *backlog >= 0 {
		req.InputBacklog = backlog
	}
	if *pressure != "" {
		paneID, tier, ok := strings.Cut(*pressure, "=")
		if !ok || paneID == "" || tier == "" {
			return r.usageErr(fmt.Errorf("--pressure expects <pane>=<tier>"))
		}
		req.PressureTier = &api.PressureTierRequest{PaneID: paneID, Tier: tier}
	}
	resp, err := r.client.Control(ctx, req)
	if err != nil {
		return r.handleErr(err)
	}
	_, _ = fmt.Fprintf(r.out, "gate=%v control_plane=%v emergency_disable=%v backlog=%d\n",
		resp.GateOpen, resp.ControlPlaneEnabled, resp.EmergencyDisable, resp.InputBacklog)
	return 0
}

func (r *Runner) runDebug(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("debug", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	jsonOut := fs.Bool("json", false, "output JSON")
	if err := fs.Parse(args); err != nil {
		return r.usageErr(err)
	}
	if *jsonOut {
		return r.printRaw(ctx, http.MethodGet, "/v1/debug", nil)
	}
	resp, err := r.client.Debug(ctx)
	if err != nil {
		return r.handleErr(err)
	}
	_, _ = fmt.Fprintf(r.out, "gate=%v pending=%d active=%d\n",
		resp.GateOpen, resp.PendingTotal, resp.ActiveTotal)
	for _, pane := range resp.Panes {
		pending := "-"
		if pane.PendingSeq != nil {
			pending = fmt.Sprintf("%d", *pane.PendingSeq)
		}
		active := "-"
		if pane.ActiveSeq != nil {
			active = fmt.Sprintf("%d/%s", *pane.ActiveSeq, pane.ActivePhase)
		}
		_, _ = fmt.Fprintf(r.out, "  %s pending=%s active=%s credit=%d deferrals=%d\n",
			pane.PaneID, pending, active, pane.AgingCredit, pane.Deferrals)
	}
	return 0
}

func (r *Runner) runMetrics(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("metrics", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	jsonOut := fs.Bool("json", false, "output JSON")
	if err := fs.Parse(args); err != nil {
		return r.usageErr(err)
	}
	if *jsonOut {
		return r.printRaw(ctx, http.MethodGet, "/v1/metrics", nil)
	}
	resp, err := r.client.Metrics(ctx)
	if err != nil {
		return r.handleErr(err)
	}
	_, _ = fmt.Fprintf(r.out, "frames=%d suppressed_frames=%d suppressed_intents=%d\n",
		resp.Frames, resp.SuppressedFrames, resp.SuppressedIntents)
	_, _ = fmt.Fprintf(r.out, "completed=%d cancelled=%d superseded=%d dropped=%d rejected=%d\n",
		resp.CompletedActive, resp.CancelledActive, resp.SupersededIntents,
		resp.DroppedOverload, resp.CompletionRejected)
	_, _ = fmt.Fprintf(r.out, "forced=%d storm_throttled=%d last_spent=%d last_scheduled=%d last_pending=%d\n",
		resp.ForcedAdmissions, resp.StormThrottled, resp.LastFrameSpent,
		resp.LastFrameScheduled, resp.LastFramePending)
	return 0
}

func (r *Runner) printRaw(ctx context.Context, method, path string, body any) int {
	payload, err := r.client.RawJSON(ctx, method, path, body)
	if err != nil {
		return r.handleErr(err)
	}
	_, _ = r.out.Write(payload)
	return 0
}

func (r *Runner) printJSON(payload any) int {
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return r.handleErr(err)
	}
	_, _ = fmt.Fprintln(r.out, string(data))
	return 0
}

func (r *Runner) usageErr(err error) int {
	_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
	return 2
}

func (r *Runner) handleErr(err error) int {
	_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
	return 1
}

func (r *Runner) printUsage() {
	_, _ = fmt.Fprintln(r.errOut, "usage: paneflow [--socket <path>] <health|panes|attach|detach|resize|frame|control|debug|metrics> ...")
}
