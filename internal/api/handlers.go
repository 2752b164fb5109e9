// Package api provides HTTP handlers for Mada endpoints.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/aloksinha3/Mada/internal/models"
	"github.com/aloksinha3/Mada/internal/store"
)

// MaxHorizonDays bounds the horizon a caller may request.
const MaxHorizonDays = 90

// CallView is a call as shown in the queue, with the patient details the UI renders.
type CallView struct {
	models.Call
	PatientName  string `json:"patient_name,omitempty"`
	PatientPhone string `json:"patient_phone,omitempty"`
	TypeLabel    string `json:"call_type_label"`
}

type generateScheduleRequest struct {
	HorizonDays int `json:"horizon_days,omitempty"`
}

type scheduleCallRequest struct {
	CallType      models.CallType `json:"call_type"`
	ScheduledTime *time.Time      `json:"scheduled_time,omitempty"`
}

func pathID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", mux.Vars(r)["id"])
	}
	return id, nil
}

// decodeOptionalJSON decodes the body into v, accepting an empty body.
func decodeOptionalJSON(r *http.Request, v interface{}) error {
	if r.Body == nil {
		return nil
	}
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]interface{}{
		"status": "healthy",
		"time":   time.Now().UTC(),
	}))
}

func (s *Server) generateScheduleHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	id, err := pathID(r)
	if err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	var req generateScheduleRequest
	if err := decodeOptionalJSON(r, &req); err != nil {
		slog.Warn("Server.generateScheduleHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if req.HorizonDays < 0 || req.HorizonDays > MaxHorizonDays {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(fmt.Sprintf("horizon_days must be between 1 and %d", MaxHorizonDays)))
		return
	}

	slog.Debug("Server.generateScheduleHandler: generating", "patientID", id, "horizonDays", req.HorizonDays)
	res, err := s.sched.Generate(r.Context(), id, time.Duration(req.HorizonDays)*24*time.Hour)
	if err != nil {
		writeError(w, "generateScheduleHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusCreated, models.ScheduledWithResult(
		fmt.Sprintf("%d calls scheduled", len(res.Created)), res))
}

func (s *Server) scheduleCallHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	id, err := pathID(r)
	if err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	var req scheduleCallRequest
	if err := decodeOptionalJSON(r, &req); err != nil {
		slog.Warn("Server.scheduleCallHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if !models.IsValidCallType(req.CallType) {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(fmt.Sprintf("unknown call_type %q", req.CallType)))
		return
	}
	var at time.Time
	if req.ScheduledTime != nil {
		at = *req.ScheduledTime
	}

	call, err := s.sched.ScheduleCall(r.Context(), id, req.CallType, at)
	if err != nil {
		writeError(w, "scheduleCallHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusCreated, models.ScheduledWithResult("Call scheduled", call))
}

func (s *Server) deletePatientCallsHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	n, err := s.st.DeletePatientCalls(r.Context(), id)
	if err != nil {
		writeError(w, "deletePatientCallsHandler", err)
		return
	}
	slog.Info("Server.deletePatientCallsHandler: patient calls removed", "patientID", id, "count", n)
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]int{"deleted": n}))
}

func (s *Server) listCallsHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var patientID *int64
	if v := q.Get("patient_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil || id <= 0 {
			writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid patient_id"))
			return
		}
		patientID = &id
	}
	limit := store.DefaultRecentLimit
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid limit"))
			return
		}
		limit = n
	}

	calls, err := s.st.ListRecent(r.Context(), patientID, limit)
	if err != nil {
		writeError(w, "listCallsHandler", err)
		return
	}
	views, err := s.viewCalls(r.Context(), calls)
	if err != nil {
		writeError(w, "listCallsHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(views))
}

// viewCalls attaches patient details, reading each patient once.
func (s *Server) viewCalls(ctx context.Context, calls []models.Call) ([]CallView, error) {
	patients := make(map[int64]*models.Patient)
	views := make([]CallView, 0, len(calls))
	for _, c := range calls {
		p, seen := patients[c.PatientID]
		if !seen {
			var err error
			p, err = s.st.GetPatient(ctx, c.PatientID)
			if err != nil && !errors.Is(err, models.ErrNotFound) {
				return nil, err
			}
			patients[c.PatientID] = p
		}
		v := CallView{Call: c, TypeLabel: c.CallType.Label()}
		if p != nil {
			v.PatientName = p.Name
			v.PatientPhone = p.Phone
		}
		views = append(views, v)
	}
	return views, nil
}

func (s *Server) getCallHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	call, err := s.st.Get(r.Context(), id)
	if err != nil {
		writeError(w, "getCallHandler", err)
		return
	}
	views, err := s.viewCalls(r.Context(), []models.Call{*call})
	if err != nil {
		writeError(w, "getCallHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(views[0]))
}

func (s *Server) getMessageHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	msg, err := s.st.GetMessage(r.Context(), id)
	if err != nil {
		writeError(w, "getMessageHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(msg))
}

func (s *Server) executeCallHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	call, err := s.exec.Execute(r.Context(), id)
	if err != nil {
		writeError(w, "executeCallHandler", err)
		return
	}
	slog.Info("Server.executeCallHandler: call executed", "callID", id, "status", call.Status)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Call "+string(call.Status), call))
}

func (s *Server) cancelCallHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	call, err := s.st.Cancel(r.Context(), id)
	if err != nil {
		writeError(w, "cancelCallHandler", err)
		return
	}
	slog.Info("Server.cancelCallHandler: call cancelled", "callID", id)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Call cancelled", call))
}

func (s *Server) retryCallHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	call, err := s.exec.Retry(r.Context(), id)
	if err != nil {
		writeError(w, "retryCallHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusCreated, models.ScheduledWithResult("Retry scheduled", call))
}
