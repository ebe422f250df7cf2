package services

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/nebula-studio/nebula/internal/models"
)

// MaxAttachmentBytes is the largest file accepted as an attachment.
const MaxAttachmentBytes = 20 << 20

var (
	// ErrEmptyAttachment is returned for zero-length files.
	ErrEmptyAttachment = errors.New("attachment is empty")
	// ErrAttachmentTooLarge is returned for files larger than MaxAttachmentBytes.
	ErrAttachmentTooLarge = errors.New("attachment is too large")
	// ErrUnsupportedAttachment is returned for files that are not images.
	ErrUnsupportedAttachment = errors.New("only image attachments are supported")
)

// EncodeAttachment reads a user-selected file and base64-encodes it. When the declared MIME type is
// missing, malformed or generic, the type is sniffed from the content.
func EncodeAttachment(name, mimeType string, r io.Reader) (models.Attachment, error) {
	data, err := io.ReadAll(io.LimitReader(r, MaxAttachmentBytes+1))
	if err != nil {
		return models.Attachment{}, fmt.Errorf("failed to read %s: %w", name, err)
	}
	if len(data) == 0 {
		return models.Attachment{}, fmt.Errorf("%w: %s", ErrEmptyAttachment, name)
	}
	if len(data) > MaxAttachmentBytes {
		return models.Attachment{}, fmt.Errorf("%w: %s", ErrAttachmentTooLarge, name)
	}

	if mt, _, err := mime.ParseMediaType(mimeType); err == nil {
		mimeType = mt
	} else {
		// A malformed header says nothing reliable about the content.
		mimeType = ""
	}
	if mimeType == "" || mimeType == "application/octet-stream" {
		mimeType, _, _ = strings.Cut(http.DetectContentType(data), ";")
	}
	if !strings.HasPrefix(mimeType, "image/") {
		return models.Attachment{}, fmt.Errorf("%w: %s is %s", ErrUnsupportedAttachment, name, mimeType)
	}

	return models.Attachment{
		MIMEType: mimeType,
		Data:     base64.StdEncoding.EncodeToString(data),
		Name:     name,
	}, nil
}
