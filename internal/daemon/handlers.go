package daemon

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/g960059/paneflow/internal/api"
	"github.com/g960059/paneflow/internal/model"
	"github.com/g960059/paneflow/internal/panes"
	"github.com/g960059/paneflow/internal/reflow"
	"github.com/g960059/paneflow/internal/resize"
)

func (s *Server) healthHandler(w http.ResponseWriter, _ *http.Request) {
	resp := api.HealthResponse{
		SchemaVersion: "v1",
		GeneratedAt:   time.Now().UTC(),
		Status:        "ok",
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) panesHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.listPanes(w)
	case http.MethodPost:
		s.attachPane(w, r)
	default:
		s.methodNotAllowed(w, http.MethodGet, http.MethodPost)
	}
}

func (s *Server) paneByIDHandler(w http.ResponseWriter, r *http.Request) {
	tail := strings.TrimPrefix(r.URL.Path, "/v1/panes/")
	parts := strings.Split(strings.Trim(tail, "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		s.writeError(w, http.StatusNotFound, model.ErrRefNotFound, "pane route not found")
		return
	}
	paneID, err := url.PathUnescape(parts[0])
	if err != nil {
		s.writeError(w, http.StatusBadRequest, model.ErrRefInvalid, "invalid pane id encoding")
		return
	}
	switch {
	case len(parts) == 1:
		if r.Method != http.MethodDelete {
			s.methodNotAllowed(w, http.MethodDelete)
			return
		}
		s.detachPane(w, paneID)
	case len(parts) == 2 && parts[1] == "resize":
		if r.Method != http.MethodPost {
			s.methodNotAllowed(w, http.MethodPost)
			return
		}
		s.resizePane(w, r, paneID)
	default:
		s.writeError(w, http.StatusNotFound, model.ErrRefNotFound, "pane route not found")
	}
}

func (s *Server) attachPane(w http.ResponseWriter, r *http.Request) {
	var req api.PaneAttachRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, model.ErrRefInvalid, "invalid attach request body")
		return
	}
	if strings.TrimSpace(req.PaneID) == "" {
		s.writeError(w, http.StatusBadRequest, model.ErrRefInvalid, "pane_id is required")
		return
	}
	domain, ok := parseDomain(req.Domain)
	if !ok {
		s.writeError(w, http.StatusBadRequest, model.ErrRefInvalid, "unknown domain kind")
		return
	}
	class := model.SchedulerClass(req.Class)
	if req.Class != "" && class != model.ClassInteractive && class != model.ClassBackground {
		s.writeError(w, http.StatusBadRequest, model.ErrRefInvalid, "unknown scheduler class")
		return
	}

	s.mu.Lock()
	pane, err := s.tracker.Attach(panes.AttachSpec{
		PaneID:     req.PaneID,
		TabID:      req.TabID,
		Domain:     domain,
		Class:      class,
		Cols:       req.Cols,
		Rows:       req.Rows,
		TotalLines: req.TotalLines,
	})
	s.mu.Unlock()
	if err != nil {
		if errors.Is(err, panes.ErrAlreadyAttached) {
			s.writeError(w, http.StatusConflict, model.ErrRefConflict, "pane already attached")
			return
		}
		s.writeError(w, http.StatusBadRequest, model.ErrRefInvalid, err.Error())
		return
	}

	resp := api.PaneAttachResponse{
		SchemaVersion:  "v1",
		GeneratedAt:    time.Now().UTC(),
		RegistrationID: pane.RegistrationID,
		PaneID:         pane.PaneID,
		ResultCode:     "attached",
	}
	s.writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) detachPane(w http.ResponseWriter, paneID string) {
	s.mu.Lock()
	err := s.tracker.Detach(paneID)
	s.mu.Unlock()
	if err != nil {
		s.writeError(w, http.StatusNotFound, model.ErrRefNotFound, "pane not attached")
		return
	}
	resp := api.PaneDetachResponse{
		SchemaVersion: "v1",
		GeneratedAt:   time.Now().UTC(),
		PaneID:        paneID,
		ResultCode:    "detached",
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) listPanes(w http.ResponseWriter) {
	s.mu.Lock()
	attached := s.tracker.List()
	s.mu.Unlock()

	items := make([]api.PaneItem, 0, len(attached))
	for _, pane := range attached {
		items = append(items, api.PaneItem{
			PaneID:         pane.PaneID,
			RegistrationID: pane.RegistrationID,
			TabID:          pane.TabID,
			Domain: api.DomainRef{
				Kind:     string(pane.Domain.Kind),
				Host:     pane.Domain.Host,
				Endpoint: pane.Domain.Endpoint,
			},
			Class:         string(pane.Class),
			Cols:          pane.Cols,
			Rows:          pane.Rows,
			TotalLines:    pane.TotalLines,
			ViewportTop:   pane.ViewportTop,
			PressureTier:  string(pane.PressureTier),
			LastIntentSeq: pane.LastIntentSeq,
			AttachedAt:    pane.AttachedAt.Format(time.RFC3339Nano),
		})
	}
	resp := api.PanesEnvelope{
		SchemaVersion: "v1",
		GeneratedAt:   time.Now().UTC(),
		Panes:         items,
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) resizePane(w http.ResponseWriter, r *http.Request, paneID string) {
	var req api.ResizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, model.ErrRefInvalid, "invalid resize request body")
		return
	}
	now := time.Now().UnixMilli()
	if req.NowMillis != nil {
		now = *req.NowMillis
	}

	s.mu.Lock()
	plan, intent, err := s.tracker.ApplyResize(paneID, panes.Geometry{
		Cols:           req.Cols,
		Rows:           req.Rows,
		TotalLines:     req.TotalLines,
		ViewportTop:    req.ViewportTop,
		ViewportHeight: req.ViewportHeight,
	}, now)
	if err != nil {
		s.mu.Unlock()
		s.writeError(w, http.StatusNotFound, model.ErrRefNotFound, "pane not attached")
		return
	}
	outcome := s.scheduler.Submit(intent)
	if outcome.Kind == resize.SubmitAccepted {
		// A newer geometry event makes any in-flight work for this
		// pane stale; cancel it so the replacement is not stuck
		// behind it.
		s.scheduler.CancelActiveIfSuperseded(paneID)
	}
	s.mu.Unlock()

	switch outcome.Kind {
	case resize.SubmitDroppedOverload:
		s.writeError(w, http.StatusTooManyRequests, model.ErrOverloaded, "scheduler at pending-pane capacity")
		return
	case resize.SubmitSuppressedByKillSwitch:
		s.writeError(w, http.StatusServiceUnavailable, model.ErrSchedulerDisabled, "resize scheduling is disabled")
		return
	}

	resp := api.ResizeResponse{
		SchemaVersion:  "v1",
		GeneratedAt:    time.Now().UTC(),
		PaneID:         paneID,
		IntentSeq:      intent.IntentSeq,
		Outcome:        string(outcome.Kind),
		ReplacedSeq:    outcome.ReplacedPendingSeq,
		FrameWorkUnits: plan.FrameWorkUnits,
		FrameBudget:    plan.FrameBudgetUnits,
		Batches:        planBatchItems(plan),
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func planBatchItems(plan reflow.Plan) []api.PlanBatchItem {
	items := make([]api.PlanBatchItem, 0, len(plan.Batches))
	for _, batch := range plan.Batches {
		items = append(items, api.PlanBatchItem{
			Priority:  batch.Priority.String(),
			Class:     string(batch.Class),
			LineStart: batch.Range.Start,
			LineEnd:   batch.Range.End,
			WorkUnits: batch.WorkUnits,
			Selected:  batch.SelectedForFrame,
		})
	}
	return items
}

func (s *Server) frameHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}
	var req api.FrameRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, model.ErrRefInvalid, "invalid frame request body")
			return
		}
	}
	now := time.Now().UnixMilli()
	if req.NowMillis != nil {
		now = *req.NowMillis
	}
	if req.InputBacklog != nil {
		s.mu.Lock()
		s.inputBacklog = *req.InputBacklog
		s.mu.Unlock()
	}

	frame, result := s.stepFrame(r.Context(), now)

	scheduled := make([]api.ScheduledItem, 0, len(result.Scheduled))
	for _, work := range result.Scheduled {
		scheduled = append(scheduled, api.ScheduledItem{
			PaneID:    work.PaneID,
			IntentSeq: work.IntentSeq,
			Class:     string(work.Class),
			WorkUnits: work.WorkUnits,
			Forced:    work.Forced,
		})
	}
	resp := api.FrameResponse{
		SchemaVersion:   "v1",
		GeneratedAt:     time.Now().UTC(),
		Frame:           frame,
		Scheduled:       scheduled,
		BudgetSpent:     result.BudgetSpentUnits,
		EffectiveBudget: result.EffectiveResizeBudgetUnits,
		InputReserved:   result.InputReservedUnits,
		PendingAfter:    result.PendingAfter,
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) controlHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}
	var req api.ControlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, model.ErrRefInvalid, "invalid control request body")
		return
	}

	s.mu.Lock()
	if req.EmergencyDisable != nil {
		s.scheduler.SetEmergencyDisable(*req.EmergencyDisable)
	}
	if req.ControlPlaneEnabled != nil {
		s.scheduler.SetControlPlaneEnabled(*req.ControlPlaneEnabled)
	}
	if req.InputBacklog != nil {
		s.inputBacklog = *req.InputBacklog
	}
	var tierErr error
	if req.PressureTier != nil {
		tierErr = s.tracker.SetPressureTier(req.PressureTier.PaneID, model.PressureTier(req.PressureTier.Tier))
	}
	gate := s.scheduler.GateState()
	backlog := s.inputBacklog
	s.mu.Unlock()

	if tierErr != nil {
		if errors.Is(tierErr, panes.ErrNotAttached) {
			s.writeError(w, http.StatusNotFound, model.ErrRefNotFound, "pane not attached")
			return
		}
		s.writeError(w, http.StatusBadRequest, model.ErrRefInvalid, tierErr.Error())
		return
	}

	resp := api.ControlResponse{
		SchemaVersion:       "v1",
		GeneratedAt:         time.Now().UTC(),
		EmergencyDisable:    gate.EmergencyDisable,
		ControlPlaneEnabled: gate.ControlPlaneEnabled,
		GateOpen:            gate.Active,
		InputBacklog:        backlog,
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) debugHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	s.mu.Lock()
	snap := s.scheduler.DebugSnapshot(debugEventLimit)
	pending := s.scheduler.PendingTotal()
	active := s.scheduler.ActiveTotal()
	s.mu.Unlock()

	slots := make([]api.PaneSlotItem, 0, len(snap.Panes))
	for _, pane := range snap.Panes {
		slots = append(slots, api.PaneSlotItem{
			PaneID:      pane.PaneID,
			PendingSeq:  pane.PendingSeq,
			ActiveSeq:   pane.ActiveSeq,
			ActivePhase: string(pane.ActivePhase),
			AgingCredit: pane.AgingCredit,
			Deferrals:   pane.Deferrals,
		})
	}
	events := make([]api.LifecycleEventItem, 0, len(snap.Events))
	for _, event := range snap.Events {
		events = append(events, api.LifecycleEventItem{
			Kind:      string(event.Kind),
			PaneID:    event.PaneID,
			IntentSeq: event.IntentSeq,
			Phase:     string(event.Phase),
			AtMillis:  event.AtMillis,
		})
	}
	resp := api.DebugEnvelope{
		SchemaVersion: "v1",
		GeneratedAt:   time.Now().UTC(),
		GateOpen:      snap.Gate.Active,
		PendingTotal:  pending,
		ActiveTotal:   active,
		Panes:         slots,
		RecentEvents:  events,
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) metricsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	s.mu.Lock()
	metrics := s.scheduler.Metrics()
	s.mu.Unlock()

	resp := api.MetricsEnvelope{
		SchemaVersion:      "v1",
		GeneratedAt:        time.Now().UTC(),
		Frames:             metrics.Frames,
		SuppressedFrames:   metrics.SuppressedFrames,
		SuppressedIntents:  metrics.SuppressedIntents,
		DroppedOverload:    metrics.DroppedOverload,
		SupersededIntents:  metrics.SupersededIntents,
		CompletedActive:    metrics.CompletedActive,
		CancelledActive:    metrics.CancelledActive,
		CompletionRejected: metrics.CompletionRejected,
		ForcedAdmissions:   metrics.ForcedAdmissions,
		StormThrottled:     metrics.StormThrottledPicks,
		LastFrameSpent:     metrics.LastFrameSpentUnits,
		LastFrameScheduled: metrics.LastFrameScheduled,
		LastFramePending:   metrics.LastFramePendingAfter,
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func parseDomain(ref api.DomainRef) (model.Domain, bool) {
	switch model.DomainKind(ref.Kind) {
	case model.DomainKindLocal, "":
		return model.LocalDomain(), true
	case model.DomainKindSSH:
		return model.SSHDomain(ref.Host), true
	case model.DomainKindMux:
		return model.MuxDomain(ref.Endpoint), true
	default:
		return model.Domain{}, false
	}
}
