package evalapi

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/render"

	"github.com/rafaeljc/bifrost/internal/client"
	"github.com/rafaeljc/bifrost/internal/events"
	"github.com/rafaeljc/bifrost/internal/logger"
)

// handleGetTreatment processes GET /client/get-treatment.
func (a *API) handleGetTreatment(w http.ResponseWriter, r *http.Request) {
	a.getTreatment(w, r, false)
}

// handleGetTreatmentWithConfig processes GET /client/get-treatment-with-config.
func (a *API) handleGetTreatmentWithConfig(w http.ResponseWriter, r *http.Request) {
	a.getTreatment(w, r, true)
}

func (a *API) getTreatment(w http.ResponseWriter, r *http.Request, withConfig bool) {
	query, errResp := parseEvaluationQuery(r.URL.Query())
	if errResp != nil {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, errResp)
		return
	}

	name := strings.TrimSpace(r.URL.Query().Get("split-name"))
	if name == "" {
		writeError(w, r, http.StatusBadRequest, "ERR_INVALID_INPUT", "split-name is required")
		return
	}

	res := a.sdk.GetTreatmentWithConfig(query.key, name, query.attributes)

	resp := TreatmentResponse{SplitName: name, Treatment: res.Treatment}
	if withConfig {
		resp.Config = res.Config
	}
	render.Status(r, http.StatusOK)
	render.JSON(w, r, resp)
}

// handleGetTreatments processes GET /client/get-treatments.
func (a *API) handleGetTreatments(w http.ResponseWriter, r *http.Request) {
	a.getTreatments(w, r, false)
}

// handleGetTreatmentsWithConfig processes GET /client/get-treatments-with-config.
func (a *API) handleGetTreatmentsWithConfig(w http.ResponseWriter, r *http.Request) {
	a.getTreatments(w, r, true)
}

func (a *API) getTreatments(w http.ResponseWriter, r *http.Request, withConfig bool) {
	query, errResp := parseEvaluationQuery(r.URL.Query())
	if errResp != nil {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, errResp)
		return
	}

	names := splitList(r.URL.Query().Get("split-names"))
	if len(names) == 0 {
		writeError(w, r, http.StatusBadRequest, "ERR_INVALID_INPUT", "split-names is required")
		return
	}

	results := a.sdk.GetTreatmentsWithConfig(query.key, names, query.attributes)
	render.Status(r, http.StatusOK)
	render.JSON(w, r, toEntries(results, withConfig))
}

// handleGetTreatmentsByFlagSets processes GET /client/get-treatments-by-sets.
func (a *API) handleGetTreatmentsByFlagSets(w http.ResponseWriter, r *http.Request) {
	a.getTreatmentsBySets(w, r, false)
}

// handleGetTreatmentsWithConfigByFlagSets processes GET /client/get-treatments-with-config-by-sets.
func (a *API) handleGetTreatmentsWithConfigByFlagSets(w http.ResponseWriter, r *http.Request) {
	a.getTreatmentsBySets(w, r, true)
}

func (a *API) getTreatmentsBySets(w http.ResponseWriter, r *http.Request, withConfig bool) {
	query, errResp := parseEvaluationQuery(r.URL.Query())
	if errResp != nil {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, errResp)
		return
	}

	sets := splitList(r.URL.Query().Get("flag-sets"))
	if len(sets) == 0 {
		writeError(w, r, http.StatusBadRequest, "ERR_INVALID_INPUT", "flag-sets is required")
		return
	}

	results := a.sdk.GetTreatmentsWithConfigByFlagSets(query.key, sets, query.attributes)
	render.Status(r, http.StatusOK)
	render.JSON(w, r, toEntries(results, withConfig))
}

// handleTrack processes POST /client/track.
func (a *API) handleTrack(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())

	var req TrackRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		log.Warn("invalid json payload", slog.String("error", err.Error()))
		writeError(w, r, http.StatusBadRequest, "ERR_INVALID_JSON", "Invalid JSON payload: "+err.Error())
		return
	}

	err := a.sdk.Track(req.Key, req.TrafficType, req.EventType, req.Value, req.Properties)
	switch {
	case err == nil:
		render.Status(r, http.StatusOK)
		render.JSON(w, r, map[string]string{"status": "ok"})
	case errors.Is(err, events.ErrInvalidEvent):
		writeError(w, r, http.StatusBadRequest, "ERR_INVALID_EVENT", err.Error())
	case errors.Is(err, client.ErrDestroyed):
		writeError(w, r, http.StatusServiceUnavailable, "ERR_UNAVAILABLE", "SDK is shutting down")
	default:
		log.Error("failed to track event", slog.String("error", err.Error()))
		writeError(w, r, http.StatusServiceUnavailable, "ERR_UNAVAILABLE", "Event could not be queued")
	}
}

// handleListSplits processes GET /admin/splits.
func (a *API) handleListSplits(w http.ResponseWriter, r *http.Request) {
	all := a.splits.All()
	resp := SplitsResponse{
		Splits: make([]SplitView, 0, len(all)),
		Since:  a.splits.ChangeNumber(),
	}
	for _, s := range all {
		resp.Splits = append(resp.Splits, SplitView{
			Name:             s.Name,
			TrafficType:      s.TrafficTypeName,
			Killed:           s.Killed,
			DefaultTreatment: s.DefaultTreatment,
			Treatments:       s.Treatments(),
			FlagSets:         s.FlagSets,
			ChangeNumber:     s.ChangeNumber,
		})
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, resp)
}

// handleReady processes GET /admin/ready. It answers 503 until the first
// synchronization finished.
func (a *API) handleReady(w http.ResponseWriter, r *http.Request) {
	if !a.sdk.IsReady() {
		render.Status(r, http.StatusServiceUnavailable)
		render.JSON(w, r, map[string]bool{"ready": false})
		return
	}
	render.Status(r, http.StatusOK)
	render.JSON(w, r, map[string]bool{"ready": true})
}

func toEntries(results map[string]client.TreatmentResult, withConfig bool) map[string]TreatmentEntry {
	out := make(map[string]TreatmentEntry, len(results))
	for name, res := range results {
		entry := TreatmentEntry{Treatment: res.Treatment}
		if withConfig {
			entry.Config = res.Config
		}
		out[name] = entry
	}
	return out
}
