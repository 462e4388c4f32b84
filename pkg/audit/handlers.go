package audit

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/authbroker/pkg/httputil"
)

// Handlers provides HTTP handlers for the audit query API
type Handlers struct {
	store Store
}

// NewHandlers creates new audit handlers
func NewHandlers(store Store) *Handlers {
	return &Handlers{
		store: store,
	}
}

// RegisterRoutes registers audit routes
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/audit/records", h.listRecords).Methods("GET")
	router.HandleFunc("/audit/records/{requestID}", h.getRecord).Methods("GET")
	router.HandleFunc("/audit/export", h.exportRecords).Methods("GET")
}

// listRecords handles GET /audit/records
func (h *Handlers) listRecords(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	records, err := h.store.Search(r.Context(), filter)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}

	httputil.WriteSuccess(w, map[string]interface{}{
		"records": records,
		"count":   len(records),
		"limit":   filter.Limit,
		"offset":  filter.Offset,
	})
}

// getRecord handles GET /audit/records/{requestID}
func (h *Handlers) getRecord(w http.ResponseWriter, r *http.Request) {
	requestID, ok := httputil.ParsePathStringOrError(w, r, "requestID")
	if !ok {
		return
	}

	rec, err := h.store.Get(r.Context(), requestID)
	if errors.Is(err, ErrNotFound) {
		httputil.WriteNotFoundError(w, "audit record not found")
		return
	}
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}

	httputil.WriteSuccess(w, rec)
}

// exportRecords handles GET /audit/export
func (h *Handlers) exportRecords(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	format := ExportFormat(httputil.ParseQueryString(r, "format", string(ExportFormatJSON)))

	records, err := h.store.Search(r.Context(), filter)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	data, err := Export(records, format)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}

	switch format {
	case ExportFormatCSV:
		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition", "attachment; filename=audit-records.csv")
	case ExportFormatNDJSON:
		w.Header().Set("Content-Type", "application/x-ndjson")
		w.Header().Set("Content-Disposition", "attachment; filename=audit-records.ndjson")
	default:
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Content-Disposition", "attachment; filename=audit-records.json")
	}

	w.Write(data)
}

// parseFilter parses a search filter from query parameters
func parseFilter(r *http.Request) (Filter, error) {
	query := r.URL.Query()
	filter := Filter{}

	if startStr := query.Get("start_time"); startStr != "" {
		t, err := time.Parse(time.RFC3339, startStr)
		if err != nil {
			return filter, errors.New("start_time must be RFC3339")
		}
		filter.StartTime = &t
	}

	if endStr := query.Get("end_time"); endStr != "" {
		t, err := time.Parse(time.RFC3339, endStr)
		if err != nil {
			return filter, errors.New("end_time must be RFC3339")
		}
		filter.EndTime = &t
	}

	filter.Method = query.Get("method")

	if states := query.Get("state"); states != "" {
		for _, s := range strings.Split(states, ",") {
			if s = strings.TrimSpace(s); s != "" {
				filter.States = append(filter.States, s)
			}
		}
	}

	limit, err := httputil.ParseQueryInt(r, "limit", 100)
	if err != nil {
		return filter, err
	}
	offset, err := httputil.ParseQueryInt(r, "offset", 0)
	if err != nil {
		return filter, err
	}
	if limit < 0 || offset < 0 {
		return filter, errors.New("limit and offset must not be negative")
	}
	filter.Limit = limit
	filter.Offset = offset

	return filter, nil
}
