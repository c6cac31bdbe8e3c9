package accounts

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/campusledger/campusledger/internal/platform/httpx"
)

type Handler struct {
	service *Service
}

func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// MountRoutes registers the chart listing.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/", h.List)
}

func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	httpx.JSON(w, http.StatusOK, map[string]any{"results": h.service.List()})
}
