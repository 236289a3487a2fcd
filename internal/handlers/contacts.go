package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"contactgraph/internal/models"
	"contactgraph/internal/service"
)

// Resolver returns the cluster view for any contact id.
type Resolver interface {
	Lookup(ctx context.Context, contactID int64) (*models.IdentifyResponse, error)
}

// ContactHandler serves GET /contacts/{id}.
type ContactHandler struct {
	service Resolver
	log     logrus.FieldLogger
}

// NewContactHandler creates a handler that reads clusters through svc.
func NewContactHandler(svc Resolver, log logrus.FieldLogger) *ContactHandler {
	return &ContactHandler{service: svc, log: log}
}

// Handle writes the view of the cluster containing the contact in the path.
func (h *ContactHandler) Handle(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid contact id")
		return
	}

	view, err := h.service.Lookup(r.Context(), id)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, view)
	case errors.Is(err, service.ErrContactNotFound):
		writeError(w, http.StatusNotFound, "contact not found")
	case errors.Is(err, service.ErrStorageUnavailable):
		requestLogger(r.Context(), h.log).WithError(err).WithField("contact_id", id).Error("Error looking up contact")
		writeError(w, http.StatusServiceUnavailable, "service temporarily unavailable")
	default:
		requestLogger(r.Context(), h.log).WithError(err).WithField("contact_id", id).Error("Error looking up contact")
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}
