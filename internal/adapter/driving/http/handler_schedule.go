package httphandler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/ericfisherdev/plughub/internal/application"
	"github.com/ericfisherdev/plughub/internal/domain/model"
)

// ListSchedules returns all schedules.
func (h *Handler) ListSchedules(w http.ResponseWriter, r *http.Request) {
	if h.scheduler == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler not running")
		return
	}
	schedules, err := h.scheduler.ListSchedules(r.Context())
	if err != nil {
		h.logger.Error("failed to list schedules", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	resp := make([]ScheduleResponse, 0, len(schedules))
	for _, s := range schedules {
		resp = append(resp, toScheduleResponse(s))
	}

	writeJSON(w, http.StatusOK, resp)
}

// GetSchedule returns one schedule.
func (h *Handler) GetSchedule(w http.ResponseWriter, r *http.Request) {
	if h.scheduler == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler not running")
		return
	}
	id := r.PathValue("id")

	sched, err := h.scheduler.GetSchedule(r.Context(), id)
	if err != nil {
		h.writeScheduleError(w, id, err)
		return
	}

	writeJSON(w, http.StatusOK, toScheduleResponse(sched))
}

// CreateSchedule validates and stores a new schedule.
func (h *Handler) CreateSchedule(w http.ResponseWriter, r *http.Request) {
	if h.scheduler == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler not running")
		return
	}

	var req CreateScheduleRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	sched, err := h.scheduler.CreateSchedule(r.Context(), req.input(enabled))
	if err != nil {
		if errors.Is(err, application.ErrInvalidSchedule) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.logger.Error("failed to create schedule", "name", req.Name, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	writeJSON(w, http.StatusCreated, toScheduleResponse(sched))
}

// UpdateSchedule replaces a schedule's editable fields. An omitted enabled
// flag keeps the schedule's current state; disabling it fails its pending
// executions.
func (h *Handler) UpdateSchedule(w http.ResponseWriter, r *http.Request) {
	if h.scheduler == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler not running")
		return
	}
	id := r.PathValue("id")

	var req CreateScheduleRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	var enabled bool
	if req.Enabled != nil {
		enabled = *req.Enabled
	} else {
		current, err := h.scheduler.GetSchedule(r.Context(), id)
		if err != nil {
			h.writeScheduleError(w, id, err)
			return
		}
		enabled = current.Enabled
	}

	sched, err := h.scheduler.UpdateSchedule(r.Context(), id, req.input(enabled))
	if err != nil {
		h.writeScheduleError(w, id, err)
		return
	}

	writeJSON(w, http.StatusOK, toScheduleResponse(sched))
}

// DeleteSchedule removes a schedule and cancels its pending executions.
func (h *Handler) DeleteSchedule(w http.ResponseWriter, r *http.Request) {
	if h.scheduler == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler not running")
		return
	}
	id := r.PathValue("id")

	if err := h.scheduler.DeleteSchedule(r.Context(), id); err != nil {
		h.writeScheduleError(w, id, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// EnableSchedule turns a schedule on.
func (h *Handler) EnableSchedule(w http.ResponseWriter, r *http.Request) {
	h.setEnabled(w, r, true)
}

// DisableSchedule turns a schedule off, failing its pending executions.
func (h *Handler) DisableSchedule(w http.ResponseWriter, r *http.Request) {
	h.setEnabled(w, r, false)
}

func (h *Handler) setEnabled(w http.ResponseWriter, r *http.Request, enabled bool) {
	if h.scheduler == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler not running")
		return
	}
	id := r.PathValue("id")

	if err := h.scheduler.SetEnabled(r.Context(), id, enabled); err != nil {
		h.writeScheduleError(w, id, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (req CreateScheduleRequest) input(enabled bool) application.ScheduleInput {
	return application.ScheduleInput{
		Name:            req.Name,
		Plugin:          strings.TrimSpace(req.Plugin),
		Operation:       strings.TrimSpace(req.Operation),
		Params:          req.Params,
		IntervalSeconds: req.IntervalSeconds,
		OwnerID:         strings.TrimSpace(req.OwnerID),
		Enabled:         enabled,
		StartAt:         req.StartAt,
	}
}

func (h *Handler) writeScheduleError(w http.ResponseWriter, id string, err error) {
	if errors.Is(err, model.ErrNotFound) {
		writeError(w, http.StatusNotFound, "schedule not found")
		return
	}
	if errors.Is(err, application.ErrInvalidSchedule) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.logger.Error("schedule request failed", "schedule_id", id, "error", err)
	writeError(w, http.StatusInternalServerError, "internal server error")
}
