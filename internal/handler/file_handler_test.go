package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"os"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"filevault/internal/domain"
	"filevault/internal/fake"
	"filevault/internal/metrics"
	"filevault/internal/service"
)

const testMaxUpload = 1 << 20

type testServer struct {
	router  chi.Router
	blobs   *fake.BlobStore
	records *fake.RecordStore
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	blobs := fake.NewBlobStore()
	records := fake.NewRecordStore()
	svc := service.NewFileService(records, blobs, service.Options{Bucket: "my-files-bucket", MaxUploadBytes: testMaxUpload},
		zerolog.Nop(), metrics.New(prometheus.NewRegistry()))

	r := chi.NewRouter()
	r.Route("/api", NewFileHandler(svc, testMaxUpload).Routes)
	return &testServer{router: r, blobs: blobs, records: records}
}

func (s *testServer) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func multipartRequest(t *testing.T, method, target, filename, contentType, content string, fields map[string]string) *http.Request {
	t.Helper()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	if filename != "" {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, filename))
		h.Set("Content-Type", contentType)
		part, err := mw.CreatePart(h)
		require.NoError(t, err)
		_, err = io.WriteString(part, content)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(method, target, &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func decodeFile(t *testing.T, rec *httptest.ResponseRecorder) fileResponse {
	t.Helper()
	var resp fileResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func (s *testServer) upload(t *testing.T, filename, contentType, content string) *domain.FileRecord {
	t.Helper()
	rec := s.do(multipartRequest(t, http.MethodPost, "/api/files/upload", filename, contentType, content, nil))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	resp := decodeFile(t, rec)
	require.NotNil(t, resp.File)
	return resp.File
}

func TestUploadDownloadPreview(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(multipartRequest(t, http.MethodPost, "/api/files/upload", "a.txt", "text/plain", "0123456789", nil))
	require.Equal(t, http.StatusCreated, rec.Code)
	resp := decodeFile(t, rec)
	assert.Equal(t, "File uploaded successfully", resp.Message)
	require.NotNil(t, resp.File)
	assert.Equal(t, "a.txt", resp.File.Filename)
	assert.Equal(t, "text/plain", resp.File.MIMEType)
	assert.EqualValues(t, 10, resp.File.Size)

	id := resp.File.ID

	rec = s.do(httptest.NewRequest(http.MethodGet, "/api/files/download/"+id, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "0123456789", rec.Body.String())
	assert.Equal(t, "text/plain", rec.Header().Get("Content-Type"))
	assert.Equal(t, "10", rec.Header().Get("Content-Length"))
	assert.Equal(t, `attachment; filename="a.txt"`, rec.Header().Get("Content-Disposition"))

	rec = s.do(httptest.NewRequest(http.MethodGet, "/api/files/preview/"+id, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "0123456789", rec.Body.String())
	assert.Equal(t, "text/plain", rec.Header().Get("Content-Type"))
	assert.Empty(t, rec.Header().Get("Content-Disposition"))
}

func TestUploadRawBody(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/files/upload?filename=raw.json", strings.NewReader(`{"a":1}`))
	req.Header.Set("Content-Type", "application/json")
	rec := s.do(req)

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	file := decodeFile(t, rec).File
	assert.Equal(t, "raw.json", file.Filename)
	assert.Equal(t, "application/json", file.MIMEType)
	assert.EqualValues(t, 7, file.Size)
}

func TestUploadWithoutFile(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name string
		req  *http.Request
	}{
		{name: "multipart without file part", req: multipartRequest(t, http.MethodPost, "/api/files/upload", "", "", "", map[string]string{"x": "y"})},
		{name: "empty raw body", req: httptest.NewRequest(http.MethodPost, "/api/files/upload", nil)},
		{name: "raw body without filename", req: httptest.NewRequest(http.MethodPost, "/api/files/upload", strings.NewReader("abc"))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(tt.req)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Zero(t, s.records.Len())
		})
	}
}

func TestUploadTooLarge(t *testing.T) {
	tests := []struct {
		name string
		req  func(t *testing.T) *http.Request
	}{
		{
			name: "raw body",
			req: func(t *testing.T) *http.Request {
				return httptest.NewRequest(http.MethodPost, "/api/files/upload?filename=big.bin",
					bytes.NewReader(make([]byte, testMaxUpload+1)))
			},
		},
		{
			name: "multipart within framing allowance",
			req: func(t *testing.T) *http.Request {
				return multipartRequest(t, http.MethodPost, "/api/files/upload", "big.bin",
					"application/octet-stream", strings.Repeat("x", testMaxUpload+1), nil)
			},
		},
		{
			name: "multipart past framing allowance",
			req: func(t *testing.T) *http.Request {
				return multipartRequest(t, http.MethodPost, "/api/files/upload", "big.bin",
					"application/octet-stream", strings.Repeat("x", 3*testMaxUpload), nil)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t)

			rec := s.do(tt.req(t))
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Zero(t, s.records.Len())
			assert.Empty(t, s.blobs.Keys("my-files-bucket"))
		})
	}
}

func TestUploadAtLimit(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/files/upload?filename=edge.bin",
		bytes.NewReader(make([]byte, testMaxUpload)))
	rec := s.do(req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.EqualValues(t, testMaxUpload, decodeFile(t, rec).File.Size)
}

// spoolService records what the handler passes to Upload.
type spoolService struct {
	FileService

	path     string
	onDisk   bool
	content  []byte
	size     int64
	filename string
}

func (s *spoolService) Upload(_ context.Context, in domain.FileUpload) (*domain.FileRecord, error) {
	if f, ok := in.Body.(*os.File); ok {
		s.onDisk = true
		s.path = f.Name()
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	s.content = data
	s.size = in.Size
	s.filename = in.Filename
	return &domain.FileRecord{ID: "id-1", Filename: in.Filename, Size: in.Size}, nil
}

func TestMultipartFileIsSpooledToDisk(t *testing.T) {
	svc := &spoolService{}
	r := chi.NewRouter()
	r.Route("/api", NewFileHandler(svc, 8<<20).Routes)

	content := strings.Repeat("0123456789abcdef", 3<<16)
	req := multipartRequest(t, http.MethodPost, "/api/files/upload", "large.bin", "application/octet-stream", content,
		map[string]string{"note": "x"})
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.True(t, svc.onDisk, "file part was not backed by a temporary file")
	assert.EqualValues(t, len(content), svc.size)
	assert.Equal(t, content, string(svc.content))
	assert.Equal(t, "large.bin", svc.filename)

	_, err := os.Stat(svc.path)
	assert.True(t, errors.Is(err, fs.ErrNotExist), "temporary file left behind")
}

func TestUploadBackendFailure(t *testing.T) {
	s := newTestServer(t)
	s.blobs.PutErr = fmt.Errorf("%w: dial tcp 10.0.0.1:9000: connection refused", domain.ErrUnavailable)

	rec := s.do(multipartRequest(t, http.MethodPost, "/api/files/upload", "a.txt", "text/plain", "abc", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	var resp errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "Failed to upload file", resp.Message)
	assert.Equal(t, "backend unavailable", resp.Error)
	assert.NotContains(t, rec.Body.String(), "10.0.0.1")
}

func TestListFiles(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(httptest.NewRequest(http.MethodGet, "/api/files", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())

	s.upload(t, "a.txt", "text/plain", "abc")
	rec = s.do(httptest.NewRequest(http.MethodGet, "/api/files", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var files []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &files))
	require.Len(t, files, 1)
	assert.Equal(t, "a.txt", files[0]["filename"])
	assert.NotContains(t, files[0], "path")
	assert.NotContains(t, files[0], "bucketName")
}

func TestUpdateFile(t *testing.T) {
	s := newTestServer(t)
	orig := s.upload(t, "a.txt", "text/plain", "0123456789")

	rec := s.do(multipartRequest(t, http.MethodPut, "/api/files/update/"+orig.ID, "b.bin", "application/octet-stream", "abcde", nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decodeFile(t, rec)
	assert.Equal(t, "File updated successfully", resp.Message)
	assert.Equal(t, "b.bin", resp.File.Filename)
	assert.EqualValues(t, 5, resp.File.Size)

	_, _, ok := s.blobs.Object("my-files-bucket", orig.ObjectKey)
	assert.False(t, ok)

	rec = s.do(httptest.NewRequest(http.MethodGet, "/api/files/download/"+orig.ID, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "abcde", rec.Body.String())
	assert.Equal(t, `attachment; filename="b.bin"`, rec.Header().Get("Content-Disposition"))
}

func TestUpdateMetadataOnly(t *testing.T) {
	s := newTestServer(t)
	orig := s.upload(t, "a.txt", "text/plain", "abc")

	rec := s.do(multipartRequest(t, http.MethodPut, "/api/files/update/"+orig.ID, "", "", "",
		map[string]string{"filename": "notes.txt"}))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	file := decodeFile(t, rec).File
	assert.Equal(t, "notes.txt", file.Filename)
	assert.Equal(t, "text/plain", file.MIMEType)
	assert.Equal(t, orig.ObjectKey, file.ObjectKey)

	rec = s.do(multipartRequest(t, http.MethodPut, "/api/files/update/"+orig.ID, "", "", "",
		map[string]string{"mimetype": "image/png"}))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(httptest.NewRequest(http.MethodGet, "/api/files/preview/"+orig.ID, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/plain", rec.Header().Get("Content-Type"))
}

func TestDeleteFile(t *testing.T) {
	s := newTestServer(t)
	file := s.upload(t, "a.txt", "text/plain", "abc")

	rec := s.do(httptest.NewRequest(http.MethodDelete, "/api/files/delete/"+file.ID, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"message":"File deleted successfully."}`, rec.Body.String())

	rec = s.do(httptest.NewRequest(http.MethodDelete, "/api/files/delete/"+file.ID, nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPresignedURL(t *testing.T) {
	s := newTestServer(t)
	file := s.upload(t, "a.png", "image/png", "png")

	rec := s.do(httptest.NewRequest(http.MethodGet, "/api/files/presigned-url/"+file.ID, nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp presignResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Contains(t, resp.URL, file.ObjectKey)
}

func TestUnknownIDIsNotFound(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		method string
		path   string
	}{
		{http.MethodGet, "/api/files/download/nope"},
		{http.MethodGet, "/api/files/preview/nope"},
		{http.MethodGet, "/api/files/presigned-url/nope"},
		{http.MethodDelete, "/api/files/delete/nope"},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			rec := s.do(httptest.NewRequest(tt.method, tt.path, nil))
			assert.Equal(t, http.StatusNotFound, rec.Code)

			var resp errorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, "File not found.", resp.Message)
		})
	}

	rec := s.do(multipartRequest(t, http.MethodPut, "/api/files/update/nope", "x.txt", "text/plain", "x", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Empty(t, s.blobs.Keys("my-files-bucket"))
}

func TestDownloadAbortsOnTransferError(t *testing.T) {
	s := newTestServer(t)
	file := s.upload(t, "a.txt", "text/plain", "0123456789")
	s.blobs.ReadErr = errors.New("connection reset by peer")

	rec := httptest.NewRecorder()
	assert.PanicsWithValue(t, http.ErrAbortHandler, func() {
		s.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/files/download/"+file.ID, nil))
	})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Less(t, rec.Body.Len(), 10)
}

func TestContentDisposition(t *testing.T) {
	assert.Equal(t, `attachment; filename="a.txt"`, contentDisposition("a.txt"))
	assert.Equal(t, `attachment; filename="say \"hi\".txt"`, contentDisposition(`say "hi".txt`))
	assert.Equal(t, `attachment; filename="_____.pdf"; filename*=UTF-8''%D0%BE%D1%82%D1%87%D0%B5%D1%82.pdf`,
		contentDisposition("отчет.pdf"))
}
