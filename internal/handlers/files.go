package handlers

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strconv"
	"time"

	"github.com/MegaGrindStone/ollama-web-chat/internal/models"
	"github.com/google/uuid"
)

type uploadResponse struct {
	URL         string `json:"url"`
	Pathname    string `json:"pathname"`
	ContentType string `json:"contentType"`
}

// uploadExtensions maps the accepted upload types to the extension of stored file ids.
var uploadExtensions = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
}

// HandleUpload stores a single image sent as the "file" field of a multipart form. Only JPEG and PNG
// files up to the configured size are accepted; the content type is sniffed, never trusted.
func (m Main) HandleUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	session, err := m.auth.Session(r)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	// Multipart framing takes a little room on top of the file itself.
	r.Body = http.MaxBytesReader(w, r.Body, m.maxUploadBytes+1<<10)

	file, header, err := r.FormFile("file")
	if err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			http.Error(w, "File size should be less than "+strconv.FormatInt(m.maxUploadBytes, 10)+" bytes",
				http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "No file uploaded", http.StatusBadRequest)
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, m.maxUploadBytes+1))
	if err != nil {
		m.logger.Error("Failed to read upload", slog.String(errLoggerKey, err.Error()))
		http.Error(w, "Failed to process request", http.StatusInternalServerError)
		return
	}
	if int64(len(data)) > m.maxUploadBytes {
		http.Error(w, "File size should be less than "+strconv.FormatInt(m.maxUploadBytes, 10)+" bytes",
			http.StatusRequestEntityTooLarge)
		return
	}

	contentType := http.DetectContentType(data)
	ext, ok := uploadExtensions[contentType]
	if !ok {
		http.Error(w, "File type should be JPEG or PNG", http.StatusBadRequest)
		return
	}

	f := models.File{
		ID:          uuid.New().String() + ext,
		UserID:      session.UserID,
		Name:        path.Base(header.Filename),
		ContentType: contentType,
		Data:        data,
		CreatedAt:   time.Now(),
	}
	id, err := m.store.AddFile(r.Context(), f)
	if err != nil {
		m.logger.Error("Failed to add file",
			slog.String("name", f.Name),
			slog.String(errLoggerKey, err.Error()))
		http.Error(w, "Upload failed", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, uploadResponse{
		URL:         filesPathPrefix + id,
		Pathname:    f.Name,
		ContentType: contentType,
	})
}

// HandleFile serves an uploaded file to its owner.
func (m Main) HandleFile(w http.ResponseWriter, r *http.Request) {
	session, err := m.auth.Session(r)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	id := r.PathValue("id")
	f, err := m.store.File(r.Context(), id)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			http.Error(w, "Not Found", http.StatusNotFound)
			return
		}
		m.logger.Error("Failed to get file",
			slog.String("fileID", id),
			slog.String(errLoggerKey, err.Error()))
		http.Error(w, "An error occurred while processing your request", http.StatusInternalServerError)
		return
	}
	if f.UserID != session.UserID {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", f.ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(f.Data)))
	w.Header().Set("Cache-Control", "private, max-age=31536000, immutable")
	_, _ = w.Write(f.Data)
}
