package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/nebula-studio/nebula/internal/models"
)

type inquiryResponse struct {
	Success bool              `json:"success"`
	Message string            `json:"message,omitempty"`
	Errors  map[string]string `json:"errors,omitempty"`
}

const maxInquiryBytes = 64 << 10

// HandleInquiry receives the contact form of the marketing site as JSON ({"name","email","message"}).
// Invalid submissions are answered with 400 and the field errors; valid ones are stored.
func (m Main) HandleInquiry(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		m.writeJSON(w, http.StatusMethodNotAllowed, inquiryResponse{Message: "Method not allowed"})
		return
	}

	var inquiry models.Inquiry
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxInquiryBytes)).Decode(&inquiry); err != nil {
		m.writeJSON(w, http.StatusBadRequest, inquiryResponse{Message: "Invalid request body"})
		return
	}

	if errs := inquiry.Validate(); len(errs) > 0 {
		m.writeJSON(w, http.StatusBadRequest, inquiryResponse{
			Message: "Please fix the highlighted fields",
			Errors:  errs,
		})
		return
	}

	inquiry.ID = uuid.New().String()
	inquiry.CreatedAt = time.Now().UTC()
	id, err := m.inquiries.AddInquiry(r.Context(), inquiry)
	if err != nil {
		m.logger.Error("Failed to store inquiry", slog.String(errLoggerKey, err.Error()))
		m.writeJSON(w, http.StatusInternalServerError, inquiryResponse{Message: "Something went wrong"})
		return
	}

	m.logger.Info("Inquiry received", slog.String("inquiryID", id))
	m.writeJSON(w, http.StatusOK, inquiryResponse{Success: true})
}

func (m Main) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		m.logger.Error("Failed to encode response", slog.String(errLoggerKey, err.Error()))
	}
}
