// Package daemon hosts the pane registry, planner, and scheduler
// behind a unix-domain-socket HTTP API. A single mutex serializes
// every mutation of the core; the frame loop and the handlers both
// take it, which is the mutual-exclusion boundary the scheduler
// requires.
package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/g960059/paneflow/internal/api"
	"github.com/g960059/paneflow/internal/config"
	"github.com/g960059/paneflow/internal/db"
	"github.com/g960059/paneflow/internal/model"
	"github.com/g960059/paneflow/internal/panes"
	"github.com/g960059/paneflow/internal/resize"
)

const debugEventLimit = 200

// Executor performs the reflow for one admitted intent. The daemon
// reports phase progression to the scheduler around the call; the
// executor only does the work. The default executor is a no-op stand-in
// for the render pipeline.
type Executor interface {
	Execute(work resize.ScheduledWork) error
}

type noopExecutor struct{}

func (noopExecutor) Execute(resize.ScheduledWork) error { return nil }

type Server struct {
	cfg      config.Config
	httpSrv  *http.Server
	listener net.Listener
	lockFile *os.File
	store    *db.Store

	mu           sync.Mutex
	tracker      *panes.Tracker
	scheduler    *resize.Scheduler
	executor     Executor
	frame        uint64
	inputBacklog int
	eventCursor  uint64

	shutdown    sync.Once
	shutdownErr error
}

func NewServer(cfg config.Config) *Server {
	return NewServerWithDeps(cfg, nil, nil)
}

// NewServerWithDeps wires an explicit telemetry store and executor.
// Either may be nil: a nil store disables telemetry persistence and a
// nil executor falls back to the no-op executor.
func NewServerWithDeps(cfg config.Config, store *db.Store, executor Executor) *Server {
	if executor == nil {
		executor = noopExecutor{}
	}
	mux := http.NewServeMux()
	s := &Server{
		cfg:       cfg,
		store:     store,
		tracker:   panes.NewTracker(cfg.Planner),
		scheduler: resize.NewScheduler(cfg.Scheduler),
		executor:  executor,
		httpSrv: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}

	mux.HandleFunc("/v1/health", s.healthHandler)
	mux.HandleFunc("/v1/panes", s.panesHandler)
	mux.HandleFunc("/v1/panes/", s.paneByIDHandler)
	mux.HandleFunc("/v1/frame", s.frameHandler)
	mux.HandleFunc("/v1/control", s.controlHandler)
	mux.HandleFunc("/v1/debug", s.debugHandler)
	mux.HandleFunc("/v1/metrics", s.metricsHandler)
	return s
}

// Start listens on the configured socket and serves until ctx is
// cancelled or the listener fails. It also runs the frame loop.
func (s *Server) Start(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(s.cfg.SocketPath), 0o755); err != nil {
		return fmt.Errorf("create socket dir: %w", err)
	}
	if err := s.acquireLock(); err != nil {
		return err
	}
	if st, err := os.Lstat(s.cfg.SocketPath); err == nil {
		if st.Mode()&os.ModeSocket == 0 {
			s.releaseLock() //nolint:errcheck
			return fmt.Errorf("socket path exists and is not unix socket: %s", s.cfg.SocketPath)
		}
		if err := os.Remove(s.cfg.SocketPath); err != nil {
			s.releaseLock() //nolint:errcheck
			return fmt.Errorf("remove stale socket: %w", err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		s.releaseLock() //nolint:errcheck
		return fmt.Errorf("stat socket path: %w", err)
	}
	ln, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		s.releaseLock() //nolint:errcheck
		return fmt.Errorf("listen uds: %w", err)
	}
	if err := os.Chmod(s.cfg.SocketPath, 0o600); err != nil {
		ln.Close()      //nolint:errcheck
		s.releaseLock() //nolint:errcheck
		return fmt.Errorf("chmod socket: %w", err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	loopCtx, stopLoop := context.WithCancel(ctx)
	defer stopLoop()
	go s.frameLoop(loopCtx)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if err != nil {
			_ = s.Shutdown(context.Background())
			return fmt.Errorf("serve uds: %w", err)
		}
		return nil
	}
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdown.Do(func() {
		var errs []error
		if s.httpSrv != nil {
			if err := s.httpSrv.Shutdown(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		s.mu.Lock()
		listener := s.listener
		s.listener = nil
		s.mu.Unlock()
		if listener != nil {
			if err := listener.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		if s.cfg.SocketPath != "" {
			if err := os.Remove(s.cfg.SocketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
				errs = append(errs, err)
			}
		}
		if err := s.releaseLock(); err != nil {
			errs = append(errs, err)
		}
		if len(errs) > 0 {
			s.shutdownErr = fmt.Errorf("shutdown errors: %v", errs)
		}
	})
	return s.shutdownErr
}

// frameLoop ticks at the configured interval and drives one frame per
// tick. Telemetry writes happen outside the core mutex.
func (s *Server) frameLoop(ctx context.Context) {
	interval := s.cfg.FrameInterval.Std()
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.stepFrame(ctx, now.UnixMilli())
		}
	}
}

// stepFrame runs one scheduling pass under the core mutex, drives the
// admitted work through the executor, and persists the frame's
// telemetry outside the mutex.
func (s *Server) stepFrame(ctx context.Context, nowMillis int64) (uint64, resize.FrameResult) {
	s.mu.Lock()
	result := s.scheduler.ScheduleFrameWithInputBacklog(nowMillis, s.cfg.Scheduler.FrameBudgetUnits, s.inputBacklog)
	s.frame++
	frame := s.frame
	for _, work := range result.Scheduled {
		s.scheduler.MarkActivePhase(work.PaneID, work.IntentSeq, model.PhaseReflowing, nowMillis)
		// Executor failures still retire the slot; the next geometry
		// event replans the pane from scratch.
		_ = s.executor.Execute(work)
		s.scheduler.MarkActivePhase(work.PaneID, work.IntentSeq, model.PhasePresenting, nowMillis)
		s.scheduler.CompleteActive(work.PaneID, work.IntentSeq)
	}
	persist := s.store != nil && s.cfg.Telemetry.Enabled
	var events []resize.LifecycleEvent
	if persist {
		events, s.eventCursor = s.scheduler.LifecycleEventsSince(s.eventCursor)
	}
	s.mu.Unlock()

	if persist {
		recordedAt := time.UnixMilli(nowMillis).UTC()
		sample := db.FrameSample{
			Frame:                frame,
			BudgetUnits:          s.cfg.Scheduler.FrameBudgetUnits,
			EffectiveBudgetUnits: result.EffectiveResizeBudgetUnits,
			InputReservedUnits:   result.InputReservedUnits,
			SpentUnits:           result.BudgetSpentUnits,
			ScheduledPanes:       len(result.Scheduled),
			PendingAfter:         result.PendingAfter,
			RecordedAt:           recordedAt,
		}
		_ = s.store.InsertFrameSample(ctx, sample)
		if len(events) > 0 {
			_ = s.store.InsertLifecycleEvents(ctx, events, recordedAt)
		}
	}
	return frame, result
}

func (s *Server) acquireLock() error {
	lockPath := s.cfg.SocketPath + ".lock"
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return fmt.Errorf("create lock dir: %w", err)
	}
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close() //nolint:errcheck
		return fmt.Errorf("daemon already running")
	}
	s.mu.Lock()
	s.lockFile = f
	s.mu.Unlock()
	return nil
}

func (s *Server) releaseLock() error {
	s.mu.Lock()
	f := s.lockFile
	s.lockFile = nil
	s.mu.Unlock()
	if f == nil {
		return nil
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_UN); err != nil {
		f.Close() //nolint:errcheck
		return err
	}
	return f.Close()
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, msg string) {
	resp := api.ErrorResponse{
		SchemaVersion: "v1",
		GeneratedAt:   time.Now().UTC(),
		Error: api.APIError{
			Code:    code,
			Message: msg,
		},
	}
	s.writeJSON(w, status, resp)
}

func (s *Server) methodNotAllowed(w http.ResponseWriter, allow ...string) {
	if len(allow) > 0 {
		w.Header().Set("Allow", strings.Join(allow, ", "))
	}
	s.writeError(w, http.StatusMethodNotAllowed, model.ErrRefInvalid, "method not allowed")
}
