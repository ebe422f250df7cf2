package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/nebula-studio/nebula/internal/services"
)

type studioPageData struct {
	Enabled      bool
	AspectRatios []string
}

type imagesData struct {
	Images []string
	Error  string
}

// HandleStudio renders the image studio page.
func (m Main) HandleStudio(w http.ResponseWriter, _ *http.Request) {
	data := studioPageData{
		Enabled:      m.images != nil,
		AspectRatios: services.AspectRatios,
	}
	if err := m.templates.ExecuteTemplate(w, "studio.html", data); err != nil {
		m.logger.Error("Failed to execute studio template", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// HandleImages generates images for the form fields "prompt" and "aspect_ratio" and renders them as
// gallery items. Generation is a single request: there is no streaming.
func (m Main) HandleImages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if m.images == nil {
		http.Error(w, "Image generation is not available", http.StatusServiceUnavailable)
		return
	}

	images, err := m.images.GenerateImages(r.Context(), r.FormValue("prompt"), r.FormValue("aspect_ratio"))
	status := http.StatusOK
	data := imagesData{Images: images}
	switch {
	case errors.Is(err, services.ErrEmptyPrompt), errors.Is(err, services.ErrUnsupportedAspectRatio):
		status = http.StatusBadRequest
		data.Error = err.Error()
	case err != nil:
		m.logger.Error("Failed to generate image", slog.String(errLoggerKey, err.Error()))
		status = http.StatusBadGateway
		data.Error = "Failed to generate image. Please try again."
	}

	w.WriteHeader(status)
	if err := m.templates.ExecuteTemplate(w, "images", data); err != nil {
		m.logger.Error("Failed to execute images template", slog.String(errLoggerKey, err.Error()))
	}
}
