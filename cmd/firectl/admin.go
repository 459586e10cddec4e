package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"github.com/yanun0323/logs"

	"main/internal/guardrail"
	"main/internal/obs"
	"main/internal/router"
	"main/internal/schema"
	"main/pkg/exception"
)

// adminServer is the mission-control surface: fire, cancel, status, and
// account inspection over a localhost HTTP listener.
type adminServer struct {
	addr    string
	router  *router.Router
	guard   *guardrail.Engine
	metrics *obs.Metrics
	httpSrv *http.Server
}

func newAdminServer(addr string, rt *router.Router, guard *guardrail.Engine, metrics *obs.Metrics) *adminServer {
	return &adminServer{
		addr:    addr,
		router:  rt,
		guard:   guard,
		metrics: metrics,
	}
}

func (s *adminServer) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/fire", s.handleFire)
	mux.HandleFunc("/cancel", s.handleCancel)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/account", s.handleAccount)
	mux.HandleFunc("/metrics", s.handleMetrics)

	s.httpSrv = &http.Server{Addr: s.addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpSrv.Shutdown(shutdownCtx)
	}()

	logs.Infof("admin: listening on %s", s.addr)
	if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

type fireRequest struct {
	AccountID          string          `json:"accountId"`
	Instrument         string          `json:"instrument"`
	Direction          string          `json:"direction"`
	RiskPercent        decimal.Decimal `json:"riskPercent"`
	StopDistance       decimal.Decimal `json:"stopDistance"`
	TakeProfitDistance decimal.Decimal `json:"takeProfitDistance"`
}

type fireResponse struct {
	CommandID string `json:"commandId"`
	AgentID   string `json:"agentId"`
	Status    string `json:"status"`
	Size      string `json:"size"`
	Reserved  string `json:"reservedLoss"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *adminServer) handleFire(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req fireRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	direction := schema.ParseDirection(req.Direction)
	if direction == schema.DirectionUnknown {
		writeError(w, http.StatusBadRequest, exception.ErrInvalidArgument)
		return
	}
	cmd, err := s.router.Submit(schema.Instruction{
		AccountID:          schema.AccountID(req.AccountID),
		Instrument:         req.Instrument,
		Direction:          direction,
		RiskPercent:        req.RiskPercent,
		StopDistance:       req.StopDistance,
		TakeProfitDistance: req.TakeProfitDistance,
	})
	if err != nil {
		writeError(w, submitStatusCode(err), err)
		return
	}
	writeJSON(w, http.StatusOK, fireResponse{
		CommandID: cmd.ID,
		AgentID:   string(cmd.AgentID),
		Status:    cmd.Status.String(),
		Size:      cmd.Size.String(),
		Reserved:  cmd.ReservedLoss.String(),
	})
}

func (s *adminServer) handleCancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := r.URL.Query().Get("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, exception.ErrInvalidArgument)
		return
	}
	if err := s.router.Cancel(id); err != nil {
		code := http.StatusConflict
		if errors.Is(err, exception.ErrUnknownCommand) {
			code = http.StatusNotFound
		}
		writeError(w, code, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"commandId": id, "status": schema.CommandStatusCancelled.String()})
}

func (s *adminServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, exception.ErrInvalidArgument)
		return
	}
	status, reason, err := s.router.Status(id)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	resp := map[string]string{"commandId": id, "status": status.String()}
	if reason != schema.RejectReasonNone {
		resp["reason"] = reason.String()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *adminServer) handleAccount(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, exception.ErrInvalidArgument)
		return
	}
	view, ok := s.guard.Account(schema.AccountID(id))
	if !ok {
		writeError(w, http.StatusNotFound, exception.ErrUnknownAccount)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"accountId":         string(view.AccountID),
		"state":             view.State.String(),
		"realizedLoss":      view.RealizedLoss.String(),
		"tradeCount":        view.TradeCount,
		"reserved":          view.Reserved.String(),
		"openPositions":     view.OpenPositions,
		"consecutiveLosses": view.ConsecutiveLosses,
	})
}

func (s *adminServer) handleMetrics(w http.ResponseWriter, r *http.Request) {
	snap := s.metrics.Snapshot()
	rejects := make(map[string]uint64, len(snap.RejectReasonCounts))
	for reason, count := range snap.RejectReasonCounts {
		rejects[reason.String()] = count
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"admitted":          snap.Admitted,
		"confirmed":         snap.Confirmed,
		"settled":           snap.Settled,
		"timedOut":          snap.TimedOut,
		"duplicateConfirms": snap.DuplicateConfirms,
		"unknownConfirms":   snap.UnknownConfirms,
		"queueDrops":        snap.QueueDrops,
		"rejects":           rejects,
	})
}

// submitStatusCode maps a dispatch failure to its HTTP status: guardrail
// and saturation rejections are 409, missing capacity is 503.
func submitStatusCode(err error) int {
	switch {
	case errors.Is(err, exception.ErrUnknownAccount),
		errors.Is(err, exception.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, exception.ErrNoAgentAvailable),
		errors.Is(err, exception.ErrAgentUnreachable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusConflict
	}
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, errorResponse{Error: err.Error()})
}
