package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/sdko-org/wms-filters/internal/filters/invalidate"
)

// Clearer evicts everything cached for a resource.
type Clearer interface {
	ForceClear(ctx context.Context, ref string)
}

type AdminHandler struct {
	clearer Clearer
	log     *logrus.Entry
}

func NewAdminHandler(logger *logrus.Logger, clearer Clearer) *AdminHandler {
	return &AdminHandler{
		clearer: clearer,
		log:     logger.WithField("component", "admin"),
	}
}

type clearResponse struct {
	Resource string `json:"resource"`
	Status   string `json:"status"`
}

// ClearCache force clears the resource named by the MAP parameter.
func (h *AdminHandler) ClearCache(w http.ResponseWriter, r *http.Request) {
	ref := requestParams(r).Get(invalidate.ParamMap)
	if ref == "" {
		http.Error(w, "Missing MAP parameter", http.StatusBadRequest)
		return
	}

	h.log.WithFields(logrus.Fields{
		"resource":  ref,
		"client_ip": getClientIP(r),
	}).Info("Admin cache clear")
	h.clearer.ForceClear(r.Context(), ref)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(clearResponse{Resource: ref, Status: "cleared"}); err != nil {
		h.log.WithError(err).Debug("Failed to write response")
	}
}
