package handlers

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

// Pinger reports whether the record store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// RouterConfig wires the HTTP surface.
type RouterConfig struct {
	Identify *IdentifyHandler
	Contacts *ContactHandler
	DB       Pinger
	Metrics  http.Handler
	// MetricsPath defaults to /metrics when Metrics is set.
	MetricsPath string
	Logger      logrus.FieldLogger
}

// NewRouter builds the mux router with middleware applied.
func NewRouter(cfg RouterConfig) *mux.Router {
	router := mux.NewRouter()
	router.Use(RequestID, AccessLog(cfg.Logger))

	router.HandleFunc("/identify", cfg.Identify.Handle).Methods(http.MethodPost)
	if cfg.Contacts != nil {
		router.HandleFunc("/contacts/{id}", cfg.Contacts.Handle).Methods(http.MethodGet)
	}

	status := func(w http.ResponseWriter, r *http.Request) {
		if cfg.DB != nil {
			if err := cfg.DB.Ping(r.Context()); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "down"})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "up"})
	}
	router.HandleFunc("/", status).Methods(http.MethodGet)
	router.HandleFunc("/health", status).Methods(http.MethodGet)

	if cfg.Metrics != nil {
		path := cfg.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		router.Handle(path, cfg.Metrics).Methods(http.MethodGet)
	}
	return router
}
