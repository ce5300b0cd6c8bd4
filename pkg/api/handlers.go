// pkg/api/handlers.go
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"github.com/shadowsync/shadowd/pkg/hub"
	"github.com/shadowsync/shadowd/pkg/model"
	"github.com/shadowsync/shadowd/pkg/persistence"
	"github.com/shadowsync/shadowd/pkg/reconcile"
)

// Bounds for history queries; callers needing more paginate with a narrower
// time range.
const (
	defaultHistoryLimit = 100
	maxHistoryLimit     = 10000
)

// API exposes the shadow service over HTTP: document reads, desired-state
// patches, history queries, explicit deletion and the websocket push surface.
type API struct {
	shadows    persistence.ShadowStore
	history    persistence.HistoryStore
	reconciler *reconcile.Reconciler
	hub        *hub.Hub
	log        *logrus.Logger
}

// New creates the API handler set.
func New(shadows persistence.ShadowStore, history persistence.HistoryStore, reconciler *reconcile.Reconciler, h *hub.Hub, log *logrus.Logger) *API {
	return &API{
		shadows:    shadows,
		history:    history,
		reconciler: reconciler,
		hub:        h,
		log:        log,
	}
}

// Routes registers the shadow endpoints on a chi router.
func (a *API) Routes(r chi.Router) {
	r.Route("/shadows/{deviceId}", func(r chi.Router) {
		r.Get("/", a.GetShadow)
		r.Delete("/", a.DeleteShadow)
		r.Patch("/desired", a.PatchDesired)
		r.Get("/history", a.GetHistory)
		r.Get("/ws", a.Watch)
	})
}

// shadowResponse is a shadow document plus its derived pending delta.
type shadowResponse struct {
	*model.ShadowDocument
	PendingDelta map[string]model.DeltaEntry `json:"pendingDelta"`
}

func newShadowResponse(doc *model.ShadowDocument) shadowResponse {
	return shadowResponse{ShadowDocument: doc, PendingDelta: doc.PendingDelta()}
}

// GetShadow handles GET /shadows/{deviceId}.
func (a *API) GetShadow(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceId")

	doc, err := a.shadows.Get(r.Context(), deviceID)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			writeError(w, a.log, http.StatusNotFound, noShadowMessage(deviceID))
			return
		}
		a.log.WithError(err).WithField("deviceId", deviceID).Error("failed to load shadow document")
		writeError(w, a.log, http.StatusInternalServerError, "failed to retrieve shadow document")
		return
	}

	writeJSON(w, a.log, http.StatusOK, newShadowResponse(doc))
}

// PatchDesired handles PATCH /shadows/{deviceId}/desired. The body is a flat
// capability-to-value object merged key-wise into the desired state. Returns
// 202 with the resulting version; 409 when the optimistic-concurrency retry
// budget is exhausted.
func (a *API) PatchDesired(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceId")

	var fragment map[string]interface{}
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(&fragment); err != nil {
		writeError(w, a.log, http.StatusBadRequest, "invalid request payload: "+err.Error())
		return
	}
	defer r.Body.Close()

	if len(fragment) == 0 {
		writeError(w, a.log, http.StatusBadRequest, "desired-state fragment must not be empty")
		return
	}

	requestedBy := r.Header.Get("X-Requested-By")
	if requestedBy == "" {
		requestedBy = "api"
	}

	doc, err := a.reconciler.ApplyDesired(r.Context(), deviceID, fragment, requestedBy)
	if err != nil {
		if errors.Is(err, model.ErrConcurrencyExhausted) {
			writeError(w, a.log, http.StatusConflict, err.Error())
			return
		}
		a.log.WithError(err).WithField("deviceId", deviceID).Error("failed to apply desired state")
		writeError(w, a.log, http.StatusInternalServerError, "failed to apply desired state")
		return
	}

	writeJSON(w, a.log, http.StatusAccepted, map[string]interface{}{
		"deviceId": deviceID,
		"version":  doc.Version,
	})
}

// GetHistory handles GET /shadows/{deviceId}/history?from&to&limit. Times are
// RFC 3339; from defaults to the epoch and to defaults to now. An empty range
// yields an empty array, not an error.
func (a *API) GetHistory(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceId")

	from := time.Time{}
	if raw := r.URL.Query().Get("from"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, a.log, http.StatusBadRequest, "invalid 'from' timestamp: "+err.Error())
			return
		}
		from = parsed
	}

	to := time.Now().UTC()
	if raw := r.URL.Query().Get("to"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, a.log, http.StatusBadRequest, "invalid 'to' timestamp: "+err.Error())
			return
		}
		to = parsed
	}

	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, a.log, http.StatusBadRequest, "invalid 'limit' parameter")
			return
		}
		limit = parsed
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	points, err := a.history.Query(r.Context(), deviceID, from, to, limit)
	if err != nil {
		a.log.WithError(err).WithField("deviceId", deviceID).Error("failed to query history")
		writeError(w, a.log, http.StatusInternalServerError, "failed to query history")
		return
	}

	writeJSON(w, a.log, http.StatusOK, points)
}

// DeleteShadow handles DELETE /shadows/{deviceId}: the explicit
// administrative deletion path. Shadows are never deleted implicitly.
func (a *API) DeleteShadow(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceId")

	if err := a.shadows.Delete(r.Context(), deviceID); err != nil {
		if errors.Is(err, model.ErrNotFound) {
			writeError(w, a.log, http.StatusNotFound, noShadowMessage(deviceID))
			return
		}
		a.log.WithError(err).WithField("deviceId", deviceID).Error("failed to delete shadow document")
		writeError(w, a.log, http.StatusInternalServerError, "failed to delete shadow document")
		return
	}

	a.log.WithField("deviceId", deviceID).Info("shadow document deleted")
	w.WriteHeader(http.StatusNoContent)
}

func noShadowMessage(deviceID string) string {
	return fmt.Sprintf("no shadow document exists for device %s", deviceID)
}

// HealthCheckHandler reports service liveness.
func HealthCheckHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}
