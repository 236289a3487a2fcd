package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/sirupsen/logrus"

	"contactgraph/internal/models"
	"contactgraph/internal/service"
)

// Identifier reconciles one observation into its cluster view.
type Identifier interface {
	Identify(ctx context.Context, req models.IdentifyRequest) (*models.IdentifyResponse, error)
}

// IdentifyHandler handles the /identify endpoint
type IdentifyHandler struct {
	service Identifier
	log     logrus.FieldLogger
	maxBody int64
}

// NewIdentifyHandler creates a new identify handler
func NewIdentifyHandler(svc Identifier, log logrus.FieldLogger, maxBody int64) *IdentifyHandler {
	return &IdentifyHandler{service: svc, log: log, maxBody: maxBody}
}

// Handle processes the identify request
func (h *IdentifyHandler) Handle(w http.ResponseWriter, r *http.Request) {
	log := requestLogger(r.Context(), h.log)

	var body io.Reader = r.Body
	if h.maxBody > 0 {
		body = http.MaxBytesReader(w, r.Body, h.maxBody)
	}

	var req models.IdentifyRequest
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		log.WithError(err).Debug("Error decoding request")
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	// Validate request - at least one of email or phoneNumber must be provided
	if req.IsEmpty() {
		writeError(w, http.StatusBadRequest, service.ErrInvalidRequest.Error())
		return
	}

	response, err := h.service.Identify(r.Context(), req)
	if err != nil {
		h.fail(w, log, err)
		return
	}

	writeJSON(w, http.StatusOK, response)
}

func (h *IdentifyHandler) fail(w http.ResponseWriter, log logrus.FieldLogger, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, service.ErrInvalidRequest.Error())
	case errors.Is(err, service.ErrStorageUnavailable):
		log.WithError(err).Error("Error processing identify request")
		writeError(w, http.StatusServiceUnavailable, "service temporarily unavailable")
	default:
		log.WithError(err).Error("Error processing identify request")
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}
