package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/devghori1264/gpupool/internal/allocator"
	"github.com/devghori1264/gpupool/internal/clock"
	"github.com/devghori1264/gpupool/internal/ledger"
	"github.com/devghori1264/gpupool/internal/models"
	"github.com/devghori1264/gpupool/internal/queue"
	"github.com/devghori1264/gpupool/internal/registry"
	"github.com/devghori1264/gpupool/internal/usage"
)

// Handler is the thin HTTP shim over the engine. Each route maps 1:1 onto an
// allocator, registry, ledger, aggregator or waitlist operation; no business
// logic lives here.
type Handler struct {
	alloc *allocator.Allocator
	reg   *registry.Registry
	led   *ledger.Ledger
	agg   *usage.Aggregator
	wait  *queue.Waitlist
	clock clock.Clock
}

func NewHTTPHandler(alloc *allocator.Allocator, reg *registry.Registry, led *ledger.Ledger, agg *usage.Aggregator, wait *queue.Waitlist, clk clock.Clock) http.Handler {
	h := &Handler{alloc: alloc, reg: reg, led: led, agg: agg, wait: wait, clock: clk}

	mux := http.NewServeMux()
	mux.HandleFunc("/ping", h.handlePing)

	mux.HandleFunc("/instances", h.handleInstances)
	mux.HandleFunc("/instances/state", h.handleInstanceState)
	mux.HandleFunc("/instances/revoke", h.handleInstanceRevoke)

	mux.HandleFunc("/bookings", h.handleBookings)
	mux.HandleFunc("/bookings/begin", h.handleBookingBegin)
	mux.HandleFunc("/bookings/cancel", h.handleBookingCancel)
	mux.HandleFunc("/bookings/release", h.handleBookingRelease)

	mux.HandleFunc("/usage", h.handleUsage)
	mux.HandleFunc("/usage/reset", h.handleUsageReset)
	mux.HandleFunc("/usage/report", h.handleUsageReport)

	mux.HandleFunc("/queue/join", h.handleQueueJoin)
	mux.HandleFunc("/queue", h.handleQueueList)
	mux.HandleFunc("/queue/next", h.handleQueueNext)
	mux.HandleFunc("/queue/cancel", h.handleQueueCancel)
	mux.HandleFunc("/queue/allocate", h.handleQueueAllocate)

	return mux
}

func (h *Handler) handlePing(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"msg": "pong from gpupool"})
}

// ---------- instances ----------

func (h *Handler) handleInstances(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var req struct {
			Name         string `json:"name"`
			ComputeClass string `json:"compute_class"`
			MemoryMB     int    `json:"memory_mb"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON payload")
			return
		}
		if req.Name == "" || req.ComputeClass == "" || req.MemoryMB <= 0 {
			writeError(w, http.StatusBadRequest, "name, compute_class and memory_mb required")
			return
		}
		inst, err := h.reg.Register(r.Context(), req.Name, models.Capability{
			ComputeClass: req.ComputeClass,
			MemoryMB:     req.MemoryMB,
		})
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, inst)

	case http.MethodGet:
		q := r.URL.Query()
		f := registry.Filter{
			State:        models.InstanceState(q.Get("state")),
			ComputeClass: q.Get("compute_class"),
		}
		if v := q.Get("min_memory_mb"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				writeError(w, http.StatusBadRequest, "min_memory_mb must be an integer")
				return
			}
			f.MinMemoryMB = n
		}
		out, err := h.reg.List(r.Context(), f)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, out)

	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (h *Handler) handleInstanceState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req struct {
		ID    string `json:"id"`
		State string `json:"state"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ID == "" || req.State == "" {
		writeError(w, http.StatusBadRequest, "id and state required")
		return
	}
	inst, err := h.reg.SetState(r.Context(), req.ID, models.InstanceState(req.State))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

func (h *Handler) handleInstanceRevoke(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req struct {
		ID     string `json:"id"`
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ID == "" {
		writeError(w, http.StatusBadRequest, "id required")
		return
	}
	if req.Reason == "" {
		req.Reason = "instance revoked"
	}
	if err := h.alloc.RevokeInstance(r.Context(), req.ID, req.Reason); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "revoked", "id": req.ID})
}

// ---------- bookings ----------

func (h *Handler) handleBookings(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var req struct {
			UserID     string    `json:"user_id"`
			InstanceID string    `json:"instance_id"`
			Start      time.Time `json:"start"`
			End        time.Time `json:"end"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON payload")
			return
		}
		if req.UserID == "" || req.InstanceID == "" || req.Start.IsZero() || req.End.IsZero() {
			writeError(w, http.StatusBadRequest, "user_id, instance_id, start and end required")
			return
		}
		b, err := h.alloc.Book(r.Context(), req.UserID, req.InstanceID, models.Interval{
			Start: req.Start, End: req.End,
		})
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, b)

	case http.MethodGet:
		q := r.URL.Query()
		var (
			out []*models.Booking
			err error
		)
		switch {
		case q.Get("instance_id") != "":
			out, err = h.led.ListByInstance(r.Context(), q.Get("instance_id"))
		case q.Get("user_id") != "":
			out, err = h.led.ListByUser(r.Context(), q.Get("user_id"))
		default:
			writeError(w, http.StatusBadRequest, "instance_id or user_id required")
			return
		}
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, out)

	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (h *Handler) bookingAction(w http.ResponseWriter, r *http.Request, fn func(id, reason string) error) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req struct {
		ID     string `json:"id"`
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ID == "" {
		writeError(w, http.StatusBadRequest, "id required")
		return
	}
	if err := fn(req.ID, req.Reason); err != nil {
		writeDomainError(w, err)
		return
	}
	b, err := h.led.Get(r.Context(), req.ID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (h *Handler) handleBookingBegin(w http.ResponseWriter, r *http.Request) {
	h.bookingAction(w, r, func(id, _ string) error {
		return h.alloc.Begin(r.Context(), id)
	})
}

func (h *Handler) handleBookingCancel(w http.ResponseWriter, r *http.Request) {
	h.bookingAction(w, r, func(id, reason string) error {
		if reason == "" {
			reason = "cancelled by user"
		}
		return h.alloc.Cancel(r.Context(), id, reason)
	})
}

func (h *Handler) handleBookingRelease(w http.ResponseWriter, r *http.Request) {
	h.bookingAction(w, r, func(id, _ string) error {
		return h.alloc.Release(r.Context(), id)
	})
}

// ---------- usage ----------

func (h *Handler) handleUsage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	scope := models.UsageScope(r.URL.Query().Get("scope"))
	id := r.URL.Query().Get("id")
	if (scope != models.ScopeInstance && scope != models.ScopeUser) || id == "" {
		writeError(w, http.StatusBadRequest, "scope (instance|user) and id required")
		return
	}
	rec, err := h.agg.StatsFor(r.Context(), scope, id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *Handler) handleUsageReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req struct {
		Scope string `json:"scope"`
		ID    string `json:"id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Scope == "" || req.ID == "" {
		writeError(w, http.StatusBadRequest, "scope and id required")
		return
	}
	if err := h.agg.Reset(r.Context(), models.UsageScope(req.Scope), req.ID); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func (h *Handler) handleUsageReport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	instanceID := r.URL.Query().Get("instance_id")
	if instanceID == "" {
		writeError(w, http.StatusBadRequest, "instance_id required")
		return
	}
	hours := 24
	if v := r.URL.Query().Get("hours"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "hours must be a positive integer")
			return
		}
		hours = n
	}
	rep, err := h.agg.ReportFor(r.Context(), instanceID, time.Duration(hours)*time.Hour, h.clock.Now())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// ---------- queue ----------

func (h *Handler) handleQueueJoin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req struct {
		UserID string `json:"user_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id required")
		return
	}
	entry, pos, err := h.wait.Join(r.Context(), req.UserID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"entry": entry, "position": pos})
}

func (h *Handler) handleQueueList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	out, err := h.wait.List(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleQueueNext(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	entry, err := h.wait.Next(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (h *Handler) queueAction(w http.ResponseWriter, r *http.Request, fn func(id string) error) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ID == "" {
		writeError(w, http.StatusBadRequest, "id required")
		return
	}
	if err := fn(req.ID); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "id": req.ID})
}

func (h *Handler) handleQueueCancel(w http.ResponseWriter, r *http.Request) {
	h.queueAction(w, r, func(id string) error { return h.wait.Cancel(r.Context(), id) })
}

func (h *Handler) handleQueueAllocate(w http.ResponseWriter, r *http.Request) {
	h.queueAction(w, r, func(id string) error { return h.wait.MarkAllocated(r.Context(), id) })
}

// ---------- helpers ----------

// writeDomainError maps the engine's error taxonomy onto HTTP statuses.
// Conflicts and unavailability are actionable client outcomes, not faults.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, models.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, models.ErrSlotConflict),
		errors.Is(err, models.ErrExists),
		errors.Is(err, models.ErrInstanceUnavailable),
		errors.Is(err, models.ErrInvalidTransition),
		errors.Is(err, models.ErrNotReady):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, models.ErrBadInterval):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, models.ErrStorageUnavailable):
		writeError(w, http.StatusServiceUnavailable, "storage unavailable, retry with backoff")
	default:
		log.Printf("[api] internal error: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
	if status >= 500 {
		log.Printf("[HTTP %d] %s", status, msg)
	}
}
