package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/g960059/paneflow/internal/api"
	"github.com/g960059/paneflow/internal/config"
	"github.com/g960059/paneflow/internal/resize"
	"github.com/g960059/paneflow/internal/testutil"
)

// testConfig disables the frame ticker so tests drive frames through
// /v1/frame with explicit clocks.
func testConfig(socketPath string) config.Config {
	cfg := config.DefaultConfig()
	cfg.SocketPath = socketPath
	cfg.FrameInterval = 0
	cfg.Telemetry.Enabled = false
	return cfg
}

type testServer struct {
	srv    *Server
	client *http.Client
	cancel context.CancelFunc
	errCh  chan error
}

func startTestServer(t *testing.T, cfg config.Config, srv *Server) *testServer {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(ctx)
	}()
	waitForSocket(t, cfg.SocketPath, errCh)

	client := &http.Client{Transport: &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", cfg.SocketPath)
		},
	}}
	ts := &testServer{srv: srv, client: client, cancel: cancel, errCh: errCh}
	t.Cleanup(func() {
		cancel()
		select {
		case <-errCh:
		case <-time.After(3 * time.Second):
			t.Errorf("timeout waiting for server shutdown")
		}
	})
	return ts
}

func (ts *testServer) do(t *testing.T, method, path string, body, out any) int {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, "http://unix"+path, reader)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	resp, err := ts.client.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close() //nolint:errcheck
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s %s response: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

func (ts *testServer) attach(t *testing.T, paneID, tabID string) api.PaneAttachResponse {
	t.Helper()
	var resp api.PaneAttachResponse
	status := ts.do(t, http.MethodPost, "/v1/panes", api.PaneAttachRequest{
		PaneID: paneID,
		TabID:  tabID,
		Domain: api.DomainRef{Kind: "local"},
		Cols:   80,
		Rows:   24,
	}, &resp)
	if status != http.StatusCreated {
		t.Fatalf("attach %s: status %d", paneID, status)
	}
	return resp
}

func (ts *testServer) resize(t *testing.T, paneID string, total, top uint32, nowMillis int64) (api.ResizeResponse, int) {
	t.Helper()
	var resp api.ResizeResponse
	status := ts.do(t, http.MethodPost, "/v1/panes/"+url.PathEscape(paneID)+"/resize", api.ResizeRequest{
		Cols:           80,
		Rows:           24,
		TotalLines:     total,
		ViewportTop:    top,
		ViewportHeight: 24,
		NowMillis:      &nowMillis,
	}, &resp)
	return resp, status
}

func (ts *testServer) frame(t *testing.T, nowMillis int64) api.FrameResponse {
	t.Helper()
	var resp api.FrameResponse
	status := ts.do(t, http.MethodPost, "/v1/frame", api.FrameRequest{NowMillis: &nowMillis}, &resp)
	if status != http.StatusOK {
		t.Fatalf("frame: status %d", status)
	}
	return resp
}

func TestHealthEndpointOverUDS(t *testing.T) {
	cfg := testConfig(filepath.Join(t.TempDir(), "paneflowd.sock"))
	ts := startTestServer(t, cfg, NewServer(cfg))

	var payload api.HealthResponse
	if status := ts.do(t, http.MethodGet, "/v1/health", nil, &payload); status != http.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	if payload.SchemaVersion != "v1" || payload.Status != "ok" {
		t.Fatalf("unexpected payload: %+v", payload)
	}
}

func TestStartFailsWhenSocketPathIsRegularFile(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "paneflowd.sock")
	if err := os.WriteFile(socketPath, []byte("not-a-socket"), 0o600); err != nil {
		t.Fatalf("write regular file: %v", err)
	}

	srv := NewServer(testConfig(socketPath))
	if err := srv.Start(context.Background()); err == nil {
		t.Fatalf("expected start to fail for non-socket file")
	}
	if err := os.Remove(socketPath); err != nil {
		t.Fatalf("regular file should remain for caller cleanup, got remove error: %v", err)
	}
}

func TestSingleInstanceLock(t *testing.T) {
	cfg := testConfig(filepath.Join(t.TempDir(), "paneflowd.sock"))
	startTestServer(t, cfg, NewServer(cfg))

	srv2 := NewServer(cfg)
	if err := srv2.Start(context.Background()); err == nil {
		t.Fatalf("expected second server start to fail while first lock is held")
	}
}

func TestAttachListDetach(t *testing.T) {
	cfg := testConfig(filepath.Join(t.TempDir(), "paneflowd.sock"))
	ts := startTestServer(t, cfg, NewServer(cfg))

	attached := ts.attach(t, "%1", "tab-a")
	if attached.RegistrationID == "" || attached.ResultCode != "attached" {
		t.Fatalf("unexpected attach response: %+v", attached)
	}

	var errResp api.ErrorResponse
	status := ts.do(t, http.MethodPost, "/v1/panes", api.PaneAttachRequest{
		PaneID: "%1",
		Domain: api.DomainRef{Kind: "local"},
	}, &errResp)
	if status != http.StatusConflict || errResp.Error.Code != "E_REF_CONFLICT" {
		t.Fatalf("duplicate attach: status %d, error %+v", status, errResp.Error)
	}

	ts.attach(t, "%2", "tab-b")
	var list api.PanesEnvelope
	if status := ts.do(t, http.MethodGet, "/v1/panes", nil, &list); status != http.StatusOK {
		t.Fatalf("list panes: status %d", status)
	}
	if len(list.Panes) != 2 || list.Panes[0].PaneID != "%1" || list.Panes[1].PaneID != "%2" {
		t.Fatalf("unexpected pane list: %+v", list.Panes)
	}

	var detach api.PaneDetachResponse
	if status := ts.do(t, http.MethodDelete, "/v1/panes/"+url.PathEscape("%1"), nil, &detach); status != http.StatusOK {
		t.Fatalf("detach: status %d", status)
	}
	if status := ts.do(t, http.MethodDelete, "/v1/panes/"+url.PathEscape("%1"), nil, &errResp); status != http.StatusNotFound {
		t.Fatalf("second detach: status %d", status)
	}
}

func TestRejectsMalformedAttach(t *testing.T) {
	cfg := testConfig(filepath.Join(t.TempDir(), "paneflowd.sock"))
	ts := startTestServer(t, cfg, NewServer(cfg))

	var errResp api.ErrorResponse
	status := ts.do(t, http.MethodPost, "/v1/panes", api.PaneAttachRequest{
		PaneID: "%1",
		Domain: api.DomainRef{Kind: "teleport"},
	}, &errResp)
	if status != http.StatusBadRequest || errResp.Error.Code != "E_REF_INVALID" {
		t.Fatalf("bad domain kind: status %d, error %+v", status, errResp.Error)
	}

	status = ts.do(t, http.MethodPost, "/v1/panes", api.PaneAttachRequest{
		Domain: api.DomainRef{Kind: "local"},
	}, &errResp)
	if status != http.StatusBadRequest {
		t.Fatalf("missing pane_id: status %d", status)
	}
}

type recordingExecutor struct {
	executed []resize.ScheduledWork
}

func (e *recordingExecutor) Execute(work resize.ScheduledWork) error {
	e.executed = append(e.executed, work)
	return nil
}

func TestResizeFrameRoundTrip(t *testing.T) {
	cfg := testConfig(filepath.Join(t.TempDir(), "paneflowd.sock"))
	exec := &recordingExecutor{}
	ts := startTestServer(t, cfg, NewServerWithDeps(cfg, nil, exec))

	ts.attach(t, "%1", "tab-a")

	resized, status := ts.resize(t, "%1", 100, 76, 1000)
	if status != http.StatusOK {
		t.Fatalf("resize: status %d", status)
	}
	if resized.IntentSeq != 1 || resized.Outcome != "accepted" {
		t.Fatalf("unexpected resize response: %+v", resized)
	}
	if len(resized.Batches) == 0 || !resized.Batches[0].Selected {
		t.Fatalf("plan missing selected viewport batch: %+v", resized.Batches)
	}
	if resized.Batches[0].Priority != "viewport_core" {
		t.Fatalf("first batch priority = %q", resized.Batches[0].Priority)
	}

	frame := ts.frame(t, 1016)
	if frame.Frame != 1 {
		t.Fatalf("frame counter = %d, want 1", frame.Frame)
	}
	if len(frame.Scheduled) != 1 || frame.Scheduled[0].PaneID != "%1" || frame.Scheduled[0].IntentSeq != 1 {
		t.Fatalf("unexpected scheduled work: %+v", frame.Scheduled)
	}
	if frame.PendingAfter != 0 {
		t.Fatalf("pending after frame = %d, want 0", frame.PendingAfter)
	}
	if len(exec.executed) != 1 || exec.executed[0].PaneID != "%1" {
		t.Fatalf("executor saw %+v", exec.executed)
	}

	var metrics api.MetricsEnvelope
	if status := ts.do(t, http.MethodGet, "/v1/metrics", nil, &metrics); status != http.StatusOK {
		t.Fatalf("metrics: status %d", status)
	}
	if metrics.CompletedActive != 1 || metrics.Frames != 1 {
		t.Fatalf("unexpected metrics: %+v", metrics)
	}

	var debug api.DebugEnvelope
	if status := ts.do(t, http.MethodGet, "/v1/debug", nil, &debug); status != http.StatusOK {
		t.Fatalf("debug: status %d", status)
	}
	if !debug.GateOpen || debug.PendingTotal != 0 || debug.ActiveTotal != 0 {
		t.Fatalf("unexpected debug state: %+v", debug)
	}
	if len(debug.RecentEvents) == 0 {
		t.Fatalf("debug envelope missing lifecycle events")
	}
}

func TestResizeSupersedesPending(t *testing.T) {
	cfg := testConfig(filepath.Join(t.TempDir(), "paneflowd.sock"))
	ts := startTestServer(t, cfg, NewServer(cfg))

	ts.attach(t, "%1", "tab-a")
	if _, status := ts.resize(t, "%1", 100, 0, 1000); status != http.StatusOK {
		t.Fatalf("first resize: status %d", status)
	}
	resized, status := ts.resize(t, "%1", 100, 50, 1002)
	if status != http.StatusOK {
		t.Fatalf("second resize: status %d", status)
	}
	if resized.IntentSeq != 2 {
		t.Fatalf("intent seq = %d, want 2", resized.IntentSeq)
	}
	if resized.ReplacedSeq == nil || *resized.ReplacedSeq != 1 {
		t.Fatalf("replaced seq = %v, want 1", resized.ReplacedSeq)
	}

	frame := ts.frame(t, 1016)
	if len(frame.Scheduled) != 1 || frame.Scheduled[0].IntentSeq != 2 {
		t.Fatalf("latest geometry must win the frame: %+v", frame.Scheduled)
	}
}

func TestResizeUnknownPane(t *testing.T) {
	cfg := testConfig(filepath.Join(t.TempDir(), "paneflowd.sock"))
	ts := startTestServer(t, cfg, NewServer(cfg))

	var errResp api.ErrorResponse
	now := int64(1000)
	status := ts.do(t, http.MethodPost, "/v1/panes/"+url.PathEscape("%9")+"/resize", api.ResizeRequest{
		Cols: 80, Rows: 24, TotalLines: 100, NowMillis: &now,
	}, &errResp)
	if status != http.StatusNotFound || errResp.Error.Code != "E_REF_NOT_FOUND" {
		t.Fatalf("resize unknown pane: status %d, error %+v", status, errResp.Error)
	}
}

func TestControlKillSwitch(t *testing.T) {
	cfg := testConfig(filepath.Join(t.TempDir(), "paneflowd.sock"))
	ts := startTestServer(t, cfg, NewServer(cfg))

	ts.attach(t, "%1", "tab-a")

	disable := true
	var control api.ControlResponse
	status := ts.do(t, http.MethodPost, "/v1/control", api.ControlRequest{EmergencyDisable: &disable}, &control)
	if status != http.StatusOK {
		t.Fatalf("control: status %d", status)
	}
	if control.GateOpen || !control.EmergencyDisable {
		t.Fatalf("unexpected control response: %+v", control)
	}

	var errResp api.ErrorResponse
	now := int64(1000)
	status = ts.do(t, http.MethodPost, "/v1/panes/"+url.PathEscape("%1")+"/resize", api.ResizeRequest{
		Cols: 80, Rows: 24, TotalLines: 100, NowMillis: &now,
	}, &errResp)
	if status != http.StatusServiceUnavailable || errResp.Error.Code != "E_SCHEDULER_DISABLED" {
		t.Fatalf("resize under kill switch: status %d, error %+v", status, errResp.Error)
	}

	enable := false
	if status := ts.do(t, http.MethodPost, "/v1/control", api.ControlRequest{EmergencyDisable: &enable}, &control); status != http.StatusOK {
		t.Fatalf("re-enable: status %d", status)
	}
	if !control.GateOpen {
		t.Fatalf("gate should reopen after re-enable: %+v", control)
	}
	if _, status := ts.resize(t, "%1", 100, 0, 1010); status != http.StatusOK {
		t.Fatalf("resize after re-enable: status %d", status)
	}
}

func TestControlPressureTier(t *testing.T) {
	cfg := testConfig(filepath.Join(t.TempDir(), "paneflowd.sock"))
	ts := startTestServer(t, cfg, NewServer(cfg))

	ts.attach(t, "%1", "tab-a")

	var control api.ControlResponse
	status := ts.do(t, http.MethodPost, "/v1/control", api.ControlRequest{
		PressureTier: &api.PressureTierRequest{PaneID: "%1", Tier: "critical"},
	}, &control)
	if status != http.StatusOK {
		t.Fatalf("set pressure tier: status %d", status)
	}

	var list api.PanesEnvelope
	if status := ts.do(t, http.MethodGet, "/v1/panes", nil, &list); status != http.StatusOK {
		t.Fatalf("list panes: status %d", status)
	}
	if list.Panes[0].PressureTier != "critical" {
		t.Fatalf("pressure tier = %q, want critical", list.Panes[0].PressureTier)
	}

	var errResp api.ErrorResponse
	status = ts.do(t, http.MethodPost, "/v1/control", api.ControlRequest{
		PressureTier: &api.PressureTierRequest{PaneID: "%9", Tier: "elevated"},
	}, &errResp)
	if status != http.StatusNotFound {
		t.Fatalf("pressure tier for unknown pane: status %d", status)
	}
}

func TestFrameInputBacklogReservation(t *testing.T) {
	cfg := testConfig(filepath.Join(t.TempDir(), "paneflowd.sock"))
	cfg.Scheduler.InputGuardrailEnabled = true
	cfg.Scheduler.InputBacklogThreshold = 4
	cfg.Scheduler.InputReserveUnits = 2
	ts := startTestServer(t, cfg, NewServer(cfg))

	ts.attach(t, "%1", "tab-a")
	if _, status := ts.resize(t, "%1", 100, 0, 1000); status != http.StatusOK {
		t.Fatalf("resize: status %d", status)
	}

	backlog := 10
	now := int64(1016)
	var frame api.FrameResponse
	status := ts.do(t, http.MethodPost, "/v1/frame", api.FrameRequest{
		NowMillis:    &now,
		InputBacklog: &backlog,
	}, &frame)
	if status != http.StatusOK {
		t.Fatalf("frame: status %d", status)
	}
	if frame.InputReserved != 2 {
		t.Fatalf("input reserved = %d, want 2", frame.InputReserved)
	}
	if frame.EffectiveBudget != cfg.Scheduler.FrameBudgetUnits-2 {
		t.Fatalf("effective budget = %d, want %d", frame.EffectiveBudget, cfg.Scheduler.FrameBudgetUnits-2)
	}
}

func TestTelemetryPersistence(t *testing.T) {
	store, ctx := testutil.NewStore(t)
	cfg := testConfig(filepath.Join(t.TempDir(), "paneflowd.sock"))
	cfg.Telemetry.Enabled = true
	ts := startTestServer(t, cfg, NewServerWithDeps(cfg, store, nil))

	ts.attach(t, "%1", "tab-a")
	if _, status := ts.resize(t, "%1", 100, 76, 1000); status != http.StatusOK {
		t.Fatalf("resize: status %d", status)
	}
	ts.frame(t, 1016)

	samples, err := store.RecentFrameSamples(ctx, 10)
	if err != nil {
		t.Fatalf("RecentFrameSamples() error: %v", err)
	}
	if len(samples) != 1 || samples[0].Frame != 1 {
		t.Fatalf("unexpected frame samples: %+v", samples)
	}
	if samples[0].ScheduledPanes != 1 {
		t.Fatalf("scheduled panes = %d, want 1", samples[0].ScheduledPanes)
	}

	events, err := store.RecentLifecycleEvents(ctx, 50)
	if err != nil {
		t.Fatalf("RecentLifecycleEvents() error: %v", err)
	}
	if len(events) == 0 {
		t.Fatalf("no lifecycle events persisted")
	}
	kinds := make(map[resize.LifecycleEventKind]bool)
	for _, event := range events {
		kinds[event.Kind] = true
	}
	for _, want := range []resize.LifecycleEventKind{resize.EventSubmitted, resize.EventScheduled, resize.EventCompleted} {
		if !kinds[want] {
			t.Fatalf("persisted events missing kind %q: %v", want, kinds)
		}
	}
}

func TestMethodNotAllowed(t *testing.T) {
	cfg := testConfig(filepath.Join(t.TempDir(), "paneflowd.sock"))
	ts := startTestServer(t, cfg, NewServer(cfg))

	var errResp api.ErrorResponse
	if status := ts.do(t, http.MethodDelete, "/v1/frame", nil, &errResp); status != http.StatusMethodNotAllowed {
		t.Fatalf("DELETE /v1/frame: status %d", status)
	}
	if status := ts.do(t, http.MethodPost, "/v1/debug", nil, &errResp); status != http.StatusMethodNotAllowed {
		t.Fatalf("POST /v1/debug: status %d", status)
	}
}

func waitForSocket(t *testing.T, path string, errCh <-chan error) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		select {
		case err := <-errCh:
			if err == nil || err == context.Canceled {
				t.Fatalf("server exited before socket creation: %v", err)
			}
			if isUDSUnsupported(err) {
				t.Skipf("unix domain sockets unavailable in this environment: %v", err)
			}
			t.Fatalf("server start failed before socket creation: %v", err)
		default:
		}
		if st, err := os.Stat(path); err == nil {
			if st.Mode()&os.ModeSocket != 0 {
				return
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("socket was not created: %s", path)
}

func isUDSUnsupported(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "operation not permitted") ||
		strings.Contains(msg, "permission denied") ||
		strings.Contains(msg, "not supported") ||
		strings.Contains(msg, "address family not supported")
}
