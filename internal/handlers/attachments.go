package handlers

import (
	"errors"
	"fmt"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strconv"

	"github.com/nebula-studio/nebula/internal/chat"
	"github.com/nebula-studio/nebula/internal/models"
	"github.com/nebula-studio/nebula/internal/services"
)

type attachmentsData struct {
	ChatID      string
	Attachments []models.Attachment
	// Rejected lists the files that couldn't be staged, with the reason.
	Rejected []string
}

const maxUploadMemory = 32 << 20

// HandleAttachments stages the files of the multipart field "files" on the session named by
// "chat_id". Each file is encoded on its own: a file that can't be read or isn't an image is reported
// back without affecting the others. It renders the staged attachment list. Without a chat_id the files
// start a new chat, named in the X-Chat-ID header, as long as at least one of them was staged.
func (m Main) HandleAttachments(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
		http.Error(w, "Invalid multipart form", http.StatusBadRequest)
		return
	}

	s, isNew, ok := m.sessionOrNew(w, r)
	if !ok {
		return
	}

	var rejected []string
	for _, fh := range r.MultipartForm.File["files"] {
		a, err := encodeUpload(fh)
		if err != nil {
			m.logger.Warn("Attachment rejected",
				slog.String("chatID", s.ID()),
				slog.String("file", fh.Filename),
				slog.String(errLoggerKey, err.Error()))
			rejected = append(rejected, fmt.Sprintf("%s: %s", fh.Filename, rejectReason(err)))
			continue
		}
		s.StageAttachment(a)
	}

	if isNew && len(s.Attachments()) > 0 {
		m.sessions.Add(s)
		w.Header().Set(chatIDHeader, s.ID())
	}
	m.renderAttachments(w, s, rejected)
}

// HandleRemoveAttachment drops the staged attachment at "index" from the session named by "chat_id".
func (m Main) HandleRemoveAttachment(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s, ok := m.session(w, r)
	if !ok {
		return
	}

	idx, err := strconv.Atoi(r.FormValue("index"))
	if err != nil {
		http.Error(w, "index must be a number", http.StatusBadRequest)
		return
	}
	if err := s.RemoveAttachment(idx); err != nil {
		if errors.Is(err, chat.ErrNoAttachment) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	m.renderAttachments(w, s, nil)
}

func encodeUpload(fh *multipart.FileHeader) (models.Attachment, error) {
	f, err := fh.Open()
	if err != nil {
		return models.Attachment{}, fmt.Errorf("failed to open %s: %w", fh.Filename, err)
	}
	defer f.Close()

	return services.EncodeAttachment(fh.Filename, fh.Header.Get("Content-Type"), f)
}

func (m Main) renderAttachments(w http.ResponseWriter, s *chat.Session, rejected []string) {
	data := attachmentsData{
		ChatID:      s.ID(),
		Attachments: s.Attachments(),
		Rejected:    rejected,
	}
	if err := m.templates.ExecuteTemplate(w, "attachments", data); err != nil {
		m.logger.Error("Failed to execute attachments template", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, services.ErrEmptyAttachment):
		return "file is empty"
	case errors.Is(err, services.ErrAttachmentTooLarge):
		return "file is too large"
	case errors.Is(err, services.ErrUnsupportedAttachment):
		return "only images can be attached"
	default:
		return "file could not be read"
	}
}
