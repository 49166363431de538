// Package v1 provides the REST handlers for key access and cloud sync.
package v1

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/stacklok/cloudkv/internal/api/common"
	"github.com/stacklok/cloudkv/internal/defaults"
	"github.com/stacklok/cloudkv/internal/kv"
	"github.com/stacklok/cloudkv/internal/versions"
)

// maxBodyBytes bounds PUT bodies
const maxBodyBytes = 1 << 20

// Routes holds the handlers for the v1 API
type Routes struct {
	service Service
}

// NewRoutes creates a new Routes instance with the provided service
func NewRoutes(svc Service) *Routes {
	return &Routes{service: svc}
}

// Router creates the router mounted under /v1
func Router(svc Service) http.Handler {
	routes := NewRoutes(svc)

	r := chi.NewRouter()
	r.Get("/keys", routes.listKeys)
	r.Get("/keys/{key}", routes.getValue)
	r.Put("/keys/{key}", routes.setValue)
	r.Delete("/keys/{key}", routes.removeValue)
	r.Post("/sync", routes.sync)
	r.Get("/sync/status", routes.syncStatus)

	return r
}

// HealthRouter creates a router for health check endpoints
func HealthRouter(svc Service) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", healthHandler)
	r.Get("/readiness", readinessHandler(svc))
	r.Get("/version", versionHandler)

	return r
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	common.WriteJSONResponse(w, HealthResponse{Status: "healthy"}, http.StatusOK)
}

// readinessHandler reports ready once the store answers a key listing
func readinessHandler(svc Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, err := svc.Keys(r.Context()); err != nil {
			common.WriteErrorResponse(w, "store not ready: "+err.Error(), http.StatusServiceUnavailable)
			return
		}
		common.WriteJSONResponse(w, HealthResponse{Status: "ready"}, http.StatusOK)
	}
}

func versionHandler(w http.ResponseWriter, _ *http.Request) {
	common.WriteJSONResponse(w, versions.GetVersionInfo(), http.StatusOK)
}

func (rr *Routes) listKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := rr.service.Keys(r.Context())
	if err != nil {
		slog.ErrorContext(r.Context(), "Failed to list keys", "error", err)
		common.WriteErrorResponse(w, "Failed to list keys", http.StatusInternalServerError)
		return
	}
	if keys == nil {
		keys = []string{}
	}
	common.WriteJSONResponse(w, KeyListResponse{Keys: keys}, http.StatusOK)
}

func (rr *Routes) getValue(w http.ResponseWriter, r *http.Request) {
	key, err := common.GetAndValidateURLParam(r, "key")
	if err != nil {
		common.WriteErrorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}

	value, ok, err := rr.service.Value(r.Context(), key)
	if err != nil {
		slog.ErrorContext(r.Context(), "Failed to get value", "key", key, "error", err)
		common.WriteErrorResponse(w, "Failed to get value", http.StatusInternalServerError)
		return
	}
	if !ok {
		common.WriteErrorResponse(w, fmt.Sprintf("key %q not found", key), http.StatusNotFound)
		return
	}

	common.WriteJSONResponse(w, ValueResponse{Key: key, Type: typeOf(value), Value: value}, http.StatusOK)
}

func (rr *Routes) setValue(w http.ResponseWriter, r *http.Request) {
	key, err := common.GetAndValidateURLParam(r, "key")
	if err != nil {
		common.WriteErrorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}

	value, err := decodeSetValueRequest(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		common.WriteErrorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := rr.service.SetValue(r.Context(), key, value); err != nil {
		writeStoreError(w, r, "Failed to set value", key, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (rr *Routes) removeValue(w http.ResponseWriter, r *http.Request) {
	key, err := common.GetAndValidateURLParam(r, "key")
	if err != nil {
		common.WriteErrorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := rr.service.Remove(r.Context(), key); err != nil {
		writeStoreError(w, r, "Failed to remove value", key, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// sync blocks until the coordinator returns. A client that disconnects
// cancels the wait.
func (rr *Routes) sync(w http.ResponseWriter, r *http.Request) {
	if err := rr.service.Sync(r.Context()); err != nil {
		slog.WarnContext(r.Context(), "Sync did not finish", "error", err)
		common.WriteErrorResponse(w, "sync cancelled: "+err.Error(), http.StatusServiceUnavailable)
		return
	}
	common.WriteJSONResponse(w, SyncResponse{Status: rr.service.SyncStatus()}, http.StatusOK)
}

func (rr *Routes) syncStatus(w http.ResponseWriter, _ *http.Request) {
	common.WriteJSONResponse(w, SyncResponse{Status: rr.service.SyncStatus()}, http.StatusOK)
}

func writeStoreError(w http.ResponseWriter, r *http.Request, message, key string, err error) {
	switch {
	case errors.Is(err, defaults.ErrReservedKey):
		common.WriteErrorResponse(w, err.Error(), http.StatusForbidden)
	case errors.Is(err, kv.ErrUnsupportedValue):
		common.WriteErrorResponse(w, err.Error(), http.StatusBadRequest)
	default:
		slog.ErrorContext(r.Context(), message, "key", key, "error", err)
		common.WriteErrorResponse(w, message, http.StatusInternalServerError)
	}
}

// decodeSetValueRequest parses the body and converts the value to the store's
// representation. Numbers keep their integer-ness.
func decodeSetValueRequest(body io.Reader) (any, error) {
	var req SetValueRequest
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		return nil, fmt.Errorf("invalid request body: %w", err)
	}
	if len(req.Value) == 0 || bytes.Equal(req.Value, []byte("null")) {
		return nil, fmt.Errorf("value is required")
	}

	if req.Type == TypeData {
		var encoded string
		if err := json.Unmarshal(req.Value, &encoded); err != nil {
			return nil, fmt.Errorf("data value must be a base64 string")
		}
		data, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("data value must be a base64 string: %w", err)
		}
		return data, nil
	}

	dec := json.NewDecoder(bytes.NewReader(req.Value))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("invalid value: %w", err)
	}
	value, err := kv.Normalize(raw)
	if err != nil {
		return nil, err
	}

	switch req.Type {
	case "":
		return value, nil
	case TypeDouble:
		if i, ok := value.(int64); ok {
			return float64(i), nil
		}
	}
	if req.Type != typeOf(value) {
		return nil, fmt.Errorf("value is %s, not %s", typeOf(value), req.Type)
	}
	return value, nil
}

func typeOf(value any) string {
	switch value.(type) {
	case bool:
		return TypeBool
	case int64:
		return TypeInt
	case float64:
		return TypeDouble
	case string:
		return TypeString
	case []byte:
		return TypeData
	case []any:
		return TypeArray
	case map[string]any:
		return TypeDictionary
	default:
		return fmt.Sprintf("%T", value)
	}
}
