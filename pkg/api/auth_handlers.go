package api

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/authbroker/pkg/broker"
	"github.com/platinummonkey/authbroker/pkg/credential"
	"github.com/platinummonkey/authbroker/pkg/httputil"
	"github.com/platinummonkey/authbroker/pkg/observability"
)

// metadataProvider is implemented by providers that publish SP metadata
type metadataProvider interface {
	Metadata() ([]byte, error)
}

// AuthHandlers handles provider callbacks
type AuthHandlers struct {
	broker    Authenticator
	providers *credential.Registry
}

// NewAuthHandlers creates a new auth handlers instance
func NewAuthHandlers(b Authenticator, providers *credential.Registry) *AuthHandlers {
	return &AuthHandlers{
		broker:    b,
		providers: providers,
	}
}

// RegisterRoutes registers callback routes on a router mounted at /auth
func (h *AuthHandlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/methods", h.listMethods).Methods("GET")
	router.HandleFunc("/{method}/callback", h.callback).Methods("GET", "POST")
	router.HandleFunc("/sso/{method}/metadata", h.metadata).Methods("GET")
}

// callback handles GET|POST /auth/{method}/callback
func (h *AuthHandlers) callback(w http.ResponseWriter, r *http.Request) {
	method, ok := httputil.ParsePathStringOrError(w, r, "method")
	if !ok {
		return
	}

	params, err := httputil.ParseCallbackParams(r)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	resp := h.broker.Authenticate(r.Context(), broker.Request{
		RequestID:   observability.GetRequestID(r.Context()),
		Method:      method,
		Params:      params,
		RedirectURI: params["redirect_uri"],
	})

	if resp.StatusCode == http.StatusFound && resp.Location != "" {
		httputil.WriteRedirect(w, r, resp.Location)
		return
	}
	if err := httputil.WriteJSON(w, resp.StatusCode, resp); err != nil {
		observability.FromContext(r.Context()).WithError(err).Warn("Failed to write callback response")
	}
}

// metadata handles GET /auth/sso/{method}/metadata
func (h *AuthHandlers) metadata(w http.ResponseWriter, r *http.Request) {
	method, ok := httputil.ParsePathStringOrError(w, r, "method")
	if !ok {
		return
	}

	p, err := h.providers.Lookup(method)
	if errors.Is(err, credential.ErrUnknownMethod) {
		httputil.WriteNotFoundError(w, "unknown method")
		return
	}
	mp, ok := p.(metadataProvider)
	if !ok {
		httputil.WriteNotFoundError(w, "method does not publish metadata")
		return
	}

	doc, err := mp.Metadata()
	if err != nil {
		observability.FromContext(r.Context()).WithError(err).WithField("method", method).Error("Failed to build SP metadata")
		httputil.WriteServiceUnavailable(w, "metadata unavailable")
		return
	}
	w.Header().Set("Content-Type", "application/samlmetadata+xml")
	w.WriteHeader(http.StatusOK)
	w.Write(doc)
}

type methodInfo struct {
	credential.Method
	CallbackTarget string `json:"callback_target"`
}

// listMethods handles GET /auth/methods
func (h *AuthHandlers) listMethods(w http.ResponseWriter, r *http.Request) {
	methods := h.providers.Methods()
	out := make([]methodInfo, 0, len(methods))
	for _, m := range methods {
		p, err := h.providers.Lookup(m.Name)
		if err != nil {
			continue
		}
		out = append(out, methodInfo{Method: m, CallbackTarget: p.CallbackTarget()})
	}
	httputil.WriteSuccess(w, map[string]interface{}{
		"methods": out,
		"count":   len(out),
	})
}
