package handlers

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prudhvinik1/causalsync/internal/clock"
	"github.com/prudhvinik1/causalsync/internal/models"
	"github.com/prudhvinik1/causalsync/internal/services"
)

// SyncHandler exposes the sync core's external operations over HTTP. The
// handler is a thin translation layer: decode, call the service, map the
// error taxonomy onto status codes.
type SyncHandler struct {
	devices     *services.DeviceService
	events      *services.EventService
	detector    *services.ConflictDetector
	resolver    *services.ConflictResolver
	coordinator *services.SyncCoordinator
}

func NewSyncHandler(
	devices *services.DeviceService,
	events *services.EventService,
	detector *services.ConflictDetector,
	resolver *services.ConflictResolver,
	coordinator *services.SyncCoordinator,
) *SyncHandler {
	return &SyncHandler{
		devices:     devices,
		events:      events,
		detector:    detector,
		resolver:    resolver,
		coordinator: coordinator,
	}
}

// Routes mounts the API. Registration is the only unauthenticated call;
// everything else requires the device token it returns.
func (h *SyncHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/devices", h.registerDevice)
	r.Post("/devices/{deviceID}/token", h.authenticateDevice)

	r.Group(func(r chi.Router) {
		r.Use(DeviceAuth(h.devices))

		r.Get("/devices", h.listDevices)
		r.Delete("/devices/{deviceID}", h.deactivateDevice)
		r.Post("/events", h.recordEvent)
		r.Post("/events/batch", h.batchRecordEvents)
		r.Get("/events", h.eventsSince)
		r.Get("/entities/{entityType}/{entityID}/events", h.eventsForEntity)
		r.Post("/entities/{entityType}/{entityID}/conflicts/detect", h.detectConflicts)
		r.Get("/conflicts", h.unresolvedConflicts)
		r.Post("/conflicts/{conflictID}/resolve", h.resolveConflict)
		r.Post("/sync/initiate", h.initiateSync)
		r.Post("/sync/complete", h.completeSync)
		r.Post("/sync/cancel", h.cancelSync)
		r.Get("/sync/status", h.syncStatus)
	})

	return r
}

type registerDeviceRequest struct {
	UserID     uuid.UUID         `json:"user_id"`
	Name       string            `json:"name"`
	DeviceType models.DeviceType `json:"device_type"`
	Platform   string            `json:"platform"`
	Secret     string            `json:"secret,omitempty"`
}

func (h *SyncHandler) registerDevice(w http.ResponseWriter, r *http.Request) {
	var req registerDeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	resp, err := h.devices.Register(r.Context(), services.RegisterDeviceRequest{
		UserID:     req.UserID,
		Name:       req.Name,
		DeviceType: req.DeviceType,
		Platform:   req.Platform,
		Secret:     req.Secret,
	})
	if err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusCreated, map[string]any{
		"device":     resp.Device,
		"token":      resp.Token,
		"expires_at": resp.ExpiresAt,
	})
}

type authenticateDeviceRequest struct {
	Secret string `json:"secret"`
}

func (h *SyncHandler) authenticateDevice(w http.ResponseWriter, r *http.Request) {
	deviceID, err := uuid.Parse(chi.URLParam(r, "deviceID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid device id")
		return
	}

	var req authenticateDeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	resp, err := h.devices.Authenticate(r.Context(), deviceID, req.Secret)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"token":      resp.Token,
		"expires_at": resp.ExpiresAt,
	})
}

func (h *SyncHandler) listDevices(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)

	devices, err := h.devices.List(r.Context(), claims.UserID)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, devices)
}

func (h *SyncHandler) deactivateDevice(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)

	deviceID, err := uuid.Parse(chi.URLParam(r, "deviceID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid device id")
		return
	}

	if err := h.devices.Deactivate(r.Context(), claims.UserID, deviceID); err != nil {
		respondServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type recordEventRequest struct {
	EntityType  string            `json:"entity_type"`
	EntityID    string            `json:"entity_id"`
	Operation   models.Operation  `json:"operation"`
	Payload     json.RawMessage   `json:"payload"`
	VectorClock clock.VectorClock `json:"vector_clock"`
}

func (h *SyncHandler) recordEvent(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)

	var req recordEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	event, err := h.events.Record(r.Context(), services.RecordEventRequest{
		DeviceID:    claims.DeviceID,
		EntityType:  req.EntityType,
		EntityID:    req.EntityID,
		Operation:   req.Operation,
		Payload:     req.Payload,
		VectorClock: req.VectorClock,
	})
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, event)
}

func (h *SyncHandler) batchRecordEvents(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)

	var reqs []recordEventRequest
	if err := json.NewDecoder(r.Body).Decode(&reqs); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	batch := make([]services.RecordEventRequest, 0, len(reqs))
	for _, req := range reqs {
		batch = append(batch, services.RecordEventRequest{
			DeviceID:    claims.DeviceID,
			EntityType:  req.EntityType,
			EntityID:    req.EntityID,
			Operation:   req.Operation,
			Payload:     req.Payload,
			VectorClock: req.VectorClock,
		})
	}

	events, err := h.events.BatchRecord(r.Context(), batch)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, events)
}

func (h *SyncHandler) eventsSince(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)

	since := time.Time{}
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid since timestamp")
			return
		}
		since = parsed
	}

	events, err := h.events.EventsSince(r.Context(), claims.DeviceID, since)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, events)
}

func (h *SyncHandler) eventsForEntity(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)

	events, err := h.events.EventsForEntity(r.Context(), claims.UserID,
		chi.URLParam(r, "entityType"), chi.URLParam(r, "entityID"))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, events)
}

func (h *SyncHandler) detectConflicts(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)

	conflict, err := h.detector.DetectForEntity(r.Context(), claims.UserID,
		chi.URLParam(r, "entityType"), chi.URLParam(r, "entityID"))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	if conflict == nil {
		respondJSON(w, http.StatusOK, []*models.Conflict{})
		return
	}
	respondJSON(w, http.StatusOK, []*models.Conflict{conflict})
}

func (h *SyncHandler) unresolvedConflicts(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)

	conflicts, err := h.resolver.Unresolved(r.Context(), claims.UserID)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, conflicts)
}

type resolveConflictRequest struct {
	Strategy models.ResolutionStrategy `json:"strategy"`
	Payload  json.RawMessage           `json:"payload,omitempty"`
}

func (h *SyncHandler) resolveConflict(w http.ResponseWriter, r *http.Request) {
	conflictID, err := uuid.Parse(chi.URLParam(r, "conflictID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid conflict id")
		return
	}

	var req resolveConflictRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	conflict, err := h.resolver.Resolve(r.Context(), conflictID, req.Strategy, req.Payload)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, conflict)
}

func (h *SyncHandler) initiateSync(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)

	plan, err := h.coordinator.InitiateSync(r.Context(), claims.DeviceID)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, plan)
}

type completeSyncRequest struct {
	SyncedUpTo time.Time `json:"synced_up_to"`
}

func (h *SyncHandler) completeSync(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)

	var req completeSyncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := h.coordinator.CompleteSync(r.Context(), claims.DeviceID, req.SyncedUpTo); err != nil {
		respondServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *SyncHandler) cancelSync(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)

	if err := h.coordinator.CancelSync(r.Context(), claims.DeviceID); err != nil {
		respondServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *SyncHandler) syncStatus(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)

	status, err := h.coordinator.GetStatus(r.Context(), claims.DeviceID)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, status)
}

func respondJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("failed to encode response: %v", err)
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

func respondServiceError(w http.ResponseWriter, err error) {
	var mergeErr *services.MergeConflictError
	if errors.As(err, &mergeErr) {
		respondJSON(w, http.StatusConflict, map[string]any{
			"error":           mergeErr.Error(),
			"field_conflicts": mergeErr.Conflicts,
		})
		return
	}

	switch {
	case errors.Is(err, services.ErrUnknownDevice),
		errors.Is(err, services.ErrConflictNotFound),
		errors.Is(err, services.ErrEntityNotFound):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, services.ErrInactiveDevice):
		respondError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, services.ErrInvalidCredentials):
		respondError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, services.ErrStaleClock),
		errors.Is(err, services.ErrSyncInProgress),
		errors.Is(err, services.ErrNoSyncInProgress):
		respondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, services.ErrInvalidVectorClock),
		errors.Is(err, services.ErrInvalidOperation),
		errors.Is(err, services.ErrManualPayloadRequired):
		respondError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		log.Printf("internal error: %v", err)
		respondError(w, http.StatusInternalServerError, "internal error")
	}
}
