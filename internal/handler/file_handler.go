package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"filevault/internal/domain"
)

const (
	// multipartOverhead is the room a multipart body gets beyond the file
	// itself for boundaries, part headers and the text fields.
	multipartOverhead = 1 << 20
	// maxFieldBytes caps a single text field of a multipart form.
	maxFieldBytes = 64 << 10
)

// FileService is the file record service the HTTP layer drives.
type FileService interface {
	Upload(ctx context.Context, in domain.FileUpload) (*domain.FileRecord, error)
	List(ctx context.Context) ([]domain.FileInfo, error)
	Download(ctx context.Context, id string) (*domain.FileDownload, error)
	Preview(ctx context.Context, id string) (*domain.FileDownload, error)
	Presign(ctx context.Context, id string) (string, error)
	Update(ctx context.Context, id string, in domain.FileReplace) (*domain.FileRecord, error)
	Delete(ctx context.Context, id string) error
}

type FileHandler struct {
	files          FileService
	maxUploadBytes int64
}

type fileResponse struct {
	Message string             `json:"message"`
	File    *domain.FileRecord `json:"file,omitempty"`
}

type errorResponse struct {
	Message string `json:"message"`
	Error   string `json:"error,omitempty"`
}

type presignResponse struct {
	URL string `json:"url"`
}

func NewFileHandler(files FileService, maxUploadBytes int64) *FileHandler {
	return &FileHandler{files: files, maxUploadBytes: maxUploadBytes}
}

// Routes mounts the file endpoints on r.
func (h *FileHandler) Routes(r chi.Router) {
	r.Route("/files", func(r chi.Router) {
		r.Get("/", h.ListFiles)
		r.Post("/upload", h.UploadFile)
		r.Get("/download/{id}", h.DownloadFile)
		r.Get("/preview/{id}", h.PreviewFile)
		r.Get("/presigned-url/{id}", h.PresignedURL)
		r.Put("/update/{id}", h.UpdateFile)
		r.Delete("/delete/{id}", h.DeleteFile)
	})
}

// payload is a file body taken from either a multipart part or the raw request.
type payload struct {
	body     io.ReadCloser
	filename string
	mimeType string
	size     int64
}

func (h *FileHandler) UploadFile(w http.ResponseWriter, r *http.Request) {
	p, cleanup, err := h.readPayload(w, r)
	defer cleanup()
	if err != nil {
		writeError(w, r, "Failed to upload file", err)
		return
	}
	if p == nil {
		writeError(w, r, "No file uploaded.", fmt.Errorf("%w: no file uploaded", domain.ErrInvalidArgument))
		return
	}
	defer p.body.Close()

	file, err := h.files.Upload(r.Context(), domain.FileUpload{
		Body:     p.body,
		Filename: p.filename,
		MIMEType: p.mimeType,
		Size:     p.size,
	})
	if err != nil {
		writeError(w, r, "Failed to upload file", err)
		return
	}

	writeJSON(w, http.StatusCreated, fileResponse{Message: "File uploaded successfully", File: file})
}

func (h *FileHandler) ListFiles(w http.ResponseWriter, r *http.Request) {
	files, err := h.files.List(r.Context())
	if err != nil {
		writeError(w, r, "Failed to list files", err)
		return
	}
	writeJSON(w, http.StatusOK, files)
}

func (h *FileHandler) DownloadFile(w http.ResponseWriter, r *http.Request) {
	dl, err := h.files.Download(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, "Failed to download file", err)
		return
	}
	stream(w, r, dl)
}

func (h *FileHandler) PreviewFile(w http.ResponseWriter, r *http.Request) {
	dl, err := h.files.Preview(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, "Failed to preview file", err)
		return
	}
	stream(w, r, dl)
}

func (h *FileHandler) PresignedURL(w http.ResponseWriter, r *http.Request) {
	u, err := h.files.Presign(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, "Failed to generate presigned URL", err)
		return
	}
	writeJSON(w, http.StatusOK, presignResponse{URL: u})
}

// UpdateFile replaces the content when a file is sent and applies the
// optional filename field either way. A mimetype field only takes effect
// together with new content.
func (h *FileHandler) UpdateFile(w http.ResponseWriter, r *http.Request) {
	p, cleanup, err := h.readPayload(w, r)
	defer cleanup()
	if err != nil {
		writeError(w, r, "Failed to update file", err)
		return
	}

	var in domain.FileReplace
	if p != nil {
		defer p.body.Close()
		in = domain.FileReplace{Body: p.body, Filename: p.filename, MIMEType: p.mimeType, Size: p.size}
	}
	if name := formValue(r, "filename"); name != "" {
		in.Filename = name
	}
	if mimeType := formValue(r, "mimetype"); mimeType != "" {
		in.MIMEType = mimeType
	}

	file, err := h.files.Update(r.Context(), chi.URLParam(r, "id"), in)
	if err != nil {
		writeError(w, r, "Failed to update file", err)
		return
	}

	writeJSON(w, http.StatusOK, fileResponse{Message: "File updated successfully", File: file})
}

func (h *FileHandler) DeleteFile(w http.ResponseWriter, r *http.Request) {
	if err := h.files.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, r, "Failed to delete file", err)
		return
	}
	writeJSON(w, http.StatusOK, fileResponse{Message: "File deleted successfully."})
}

// readPayload extracts the file from a multipart "file" field or, for any
// other content type, from the raw body named by the filename query
// parameter. It returns a nil payload when the request carries no file.
func (h *FileHandler) readPayload(w http.ResponseWriter, r *http.Request) (*payload, func(), error) {
	if isMultipart(r) {
		if h.maxUploadBytes > 0 {
			r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes+multipartOverhead)
		}
		return h.readMultipart(r)
	}

	cleanup := func() {}
	if r.ContentLength == 0 {
		return nil, cleanup, nil
	}
	if r.ContentLength < 0 {
		return nil, cleanup, fmt.Errorf("%w: Content-Length is required", domain.ErrInvalidArgument)
	}
	if h.maxUploadBytes > 0 {
		if r.ContentLength > h.maxUploadBytes {
			return nil, cleanup, fmt.Errorf("%w: file exceeds max size of %d bytes", domain.ErrInvalidArgument, h.maxUploadBytes)
		}
		r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)
	}
	name := r.URL.Query().Get("filename")
	if name == "" {
		return nil, cleanup, fmt.Errorf("%w: filename query parameter is required", domain.ErrInvalidArgument)
	}
	return &payload{
		body:     r.Body,
		filename: name,
		mimeType: r.Header.Get("Content-Type"),
		size:     r.ContentLength,
	}, cleanup, nil
}

// readMultipart walks the form part by part. The first "file" part is
// copied to a temporary file so its size is known before the upload starts;
// text fields land in r.MultipartForm for formValue.
func (h *FileHandler) readMultipart(r *http.Request) (*payload, func(), error) {
	cleanup := func() {}

	mr, err := r.MultipartReader()
	if err != nil {
		return nil, cleanup, fmt.Errorf("%w: failed to parse form: %w", domain.ErrInvalidArgument, err)
	}
	form := &multipart.Form{Value: map[string][]string{}, File: map[string][]*multipart.FileHeader{}}
	r.MultipartForm = form

	var p *payload
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return p, cleanup, nil
		}
		if err != nil {
			return nil, cleanup, fmt.Errorf("%w: failed to parse form: %w", domain.ErrInvalidArgument, err)
		}

		name := part.FormName()
		if part.FileName() == "" {
			v, err := io.ReadAll(io.LimitReader(part, maxFieldBytes+1))
			if err != nil {
				return nil, cleanup, fmt.Errorf("%w: failed to read field %q: %w", domain.ErrInvalidArgument, name, err)
			}
			if len(v) > maxFieldBytes {
				return nil, cleanup, fmt.Errorf("%w: field %q is too large", domain.ErrInvalidArgument, name)
			}
			form.Value[name] = append(form.Value[name], string(v))
			continue
		}
		if name != "file" || p != nil {
			continue
		}

		tmp, err := os.CreateTemp("", "filevault-upload-*")
		if err != nil {
			return nil, cleanup, fmt.Errorf("spool upload: %w", err)
		}
		cleanup = func() {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}

		size, err := io.Copy(tmp, part)
		if err != nil {
			return nil, cleanup, fmt.Errorf("%w: failed to read file: %w", domain.ErrInvalidArgument, err)
		}
		if _, err := tmp.Seek(0, io.SeekStart); err != nil {
			return nil, cleanup, fmt.Errorf("spool upload: %w", err)
		}
		p = &payload{
			body:     tmp,
			filename: part.FileName(),
			mimeType: part.Header.Get("Content-Type"),
			size:     size,
		}
	}
}

func isMultipart(r *http.Request) bool {
	return strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data")
}

// formValue reads a field from the multipart form or the query string.
func formValue(r *http.Request, key string) string {
	if r.MultipartForm != nil {
		if v := r.MultipartForm.Value[key]; len(v) > 0 {
			return strings.TrimSpace(v[0])
		}
	}
	return strings.TrimSpace(r.URL.Query().Get(key))
}

// stream copies the file content to the client. Once headers are out a
// failed read can only be signalled by aborting the connection.
func stream(w http.ResponseWriter, r *http.Request, dl *domain.FileDownload) {
	defer dl.Body.Close()

	file := dl.File
	w.Header().Set("Content-Type", file.MIMEType)
	w.Header().Set("Content-Length", strconv.FormatInt(file.Size, 10))
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	if dl.Disposition == domain.DispositionAttachment {
		w.Header().Set("Content-Disposition", contentDisposition(file.Filename))
	}
	w.WriteHeader(http.StatusOK)

	written, err := io.Copy(w, dl.Body)
	if err == nil {
		return
	}

	log := hlog.FromRequest(r)
	if errors.Is(err, domain.ErrTransfer) {
		log.Error().
			Err(err).
			Str("id", file.ID).
			Int64("written", written).
			Int64("size", file.Size).
			Msg("Error streaming file from storage")
		panic(http.ErrAbortHandler)
	}
	log.Debug().Err(err).Str("id", file.ID).Int64("written", written).Msg("client went away during download")
}

func contentDisposition(name string) string {
	quoted := strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(name)
	if isASCII(name) {
		return fmt.Sprintf(`attachment; filename="%s"`, quoted)
	}
	return fmt.Sprintf(`attachment; filename="%s"; filename*=UTF-8''%s`,
		asciiFallback(quoted), url.PathEscape(name))
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] > 127 {
			return false
		}
	}
	return true
}

func asciiFallback(s string) string {
	return strings.Map(func(r rune) rune {
		if r > 127 {
			return '_'
		}
		return r
	}, s)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps err onto a status code and a body that names the error
// kind only. The full error goes to the request log.
func writeError(w http.ResponseWriter, r *http.Request, message string, err error) {
	status, kind := classify(err)

	log := hlog.FromRequest(r)
	var event *zerolog.Event
	if status >= http.StatusInternalServerError {
		event = log.Error()
	} else {
		event = log.Warn()
	}
	event.Err(err).Int("status", status).Msg(message)

	if status == http.StatusNotFound {
		message = "File not found."
	}
	writeJSON(w, status, errorResponse{Message: message, Error: kind})
}

func classify(err error) (int, string) {
	var maxBytes *http.MaxBytesError
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, domain.ErrNotFound.Error()
	case errors.As(err, &maxBytes):
		return http.StatusBadRequest, "file too large"
	case errors.Is(err, domain.ErrInvalidArgument):
		return http.StatusBadRequest, domain.ErrInvalidArgument.Error()
	case errors.Is(err, domain.ErrConflict):
		return http.StatusInternalServerError, domain.ErrConflict.Error()
	case errors.Is(err, context.Canceled):
		return http.StatusInternalServerError, "request cancelled"
	default:
		return http.StatusInternalServerError, domain.ErrUnavailable.Error()
	}
}
