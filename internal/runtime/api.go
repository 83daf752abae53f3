package runtime

import (
	"net/http"
	"strings"

	"github.com/drblury/liveflow/internal/runtime/jsoncodec"
	"github.com/drblury/liveflow/internal/runtime/logging"
	transportpkg "github.com/drblury/liveflow/internal/runtime/transport"
)

func (s *Service) registerAPI() {
	if !s.Conf.APIEnabled {
		return
	}

	port := s.Conf.APIPort
	s.RegisterHTTPHandler(port, "/api/handlers", s.withCORS(s.handleGetHandlers))
	s.RegisterHTTPHandler(port, "/api/health", s.withCORS(s.handleGetHealth))
	s.RegisterHTTPHandler(port, "/api/presence", s.withCORS(s.handleGetPresence))
	s.RegisterHTTPHandler(port, "/api/deliveries", s.withCORS(s.handleGetDelivery))
	s.RegisterHTTPHandler(port, "/api/transport", s.withCORS(s.handleGetTransport))
}

// TransportInfo describes the active backend and the effective size limit
// for a single event.
type TransportInfo struct {
	Active       transportpkg.Capabilities `json:"active"`
	MessageLimit int                       `json:"message_limit"`

	// ReliableDelivery means failed client events are redelivered by the
	// broker instead of only being retried in-process.
	ReliableDelivery bool                        `json:"reliable_delivery"`
	Available        []transportpkg.Capabilities `json:"available"`
}

func (s *Service) handleGetHandlers(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.Handlers())
}

func (s *Service) handleGetHealth(w http.ResponseWriter, r *http.Request) {
	user := r.URL.Query().Get("user")
	if user == "" {
		http.Error(w, "user is required", http.StatusBadRequest)
		return
	}
	s.writeJSON(w, http.StatusOK, s.GetConnectionHealth(user, r.URL.Query().Get("conversation")))
}

func (s *Service) handleGetPresence(w http.ResponseWriter, r *http.Request) {
	conversation := r.URL.Query().Get("conversation")
	if conversation == "" {
		http.Error(w, "conversation is required", http.StatusBadRequest)
		return
	}
	s.writeJSON(w, http.StatusOK, s.Presence(conversation))
}

func (s *Service) handleGetDelivery(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("message")
	if id == "" {
		http.Error(w, "message is required", http.StatusBadRequest)
		return
	}
	snap, ok := s.DeliverySnapshot(id)
	if !ok {
		http.Error(w, "unknown message", http.StatusNotFound)
		return
	}
	s.writeJSON(w, http.StatusOK, snap)
}

func (s *Service) handleGetTransport(w http.ResponseWriter, _ *http.Request) {
	active := transportpkg.CapabilitiesFor(s.Conf.PubSubSystem)
	s.writeJSON(w, http.StatusOK, TransportInfo{
		Active:           active,
		MessageLimit:     active.MessageLimit(s.Conf.MaxMessageSize),
		ReliableDelivery: active.SupportsReliableDelivery(),
		Available:        transportpkg.Registered(),
	})
}

func (s *Service) writeJSON(w http.ResponseWriter, status int, v any) {
	body, err := jsoncodec.Marshal(v)
	if err != nil {
		s.Logger.Error("Failed to encode API response", err, nil)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(body); err != nil {
		s.Logger.Debug("Failed to write API response", logging.LogFields{"error": err.Error()})
	}
}

// withCORS applies the configured CORS policy and answers preflight
// requests. Only GET is served.
func (s *Service) withCORS(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if allowed := s.getAllowedCORSOrigin(r.Header.Get("Origin")); allowed != "" {
			w.Header().Set("Access-Control-Allow-Origin", allowed)
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		}

		switch r.Method {
		case http.MethodOptions:
			w.WriteHeader(http.StatusNoContent)
		case http.MethodGet:
			next(w, r)
		default:
			http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		}
	})
}

// getAllowedCORSOrigin returns the Access-Control-Allow-Origin value for
// requestOrigin, or "" when it is not allowed.
func (s *Service) getAllowedCORSOrigin(requestOrigin string) string {
	if s.Conf == nil {
		return ""
	}
	for _, allowed := range s.Conf.APICORSAllowedOrigins {
		if allowed == "*" {
			return "*"
		}
		if requestOrigin != "" && strings.EqualFold(allowed, requestOrigin) {
			return requestOrigin
		}
	}
	return ""
}
