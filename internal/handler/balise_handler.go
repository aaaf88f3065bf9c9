package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"baliseregistry/internal/auth"
	"baliseregistry/internal/domain"
	"baliseregistry/internal/service"
	"baliseregistry/internal/service/s3"
)

// multipartMemory is how much of a multipart body is kept in memory before
// spilling to temporary files
const multipartMemory = 32 << 20

type BaliseReader interface {
	Get(ctx context.Context, caller domain.Principal, id int, version *int) (*domain.Balise, error)
	List(ctx context.Context, caller domain.Principal) ([]domain.Balise, error)
	ListVersions(ctx context.Context, caller domain.Principal, id int) ([]domain.BaliseVersion, error)
	Download(ctx context.Context, caller domain.Principal, id int, version *int, filename string) (s3.Object, error)
}

type Uploader interface {
	UpdateOrCreate(ctx context.Context, in service.UpdateOrCreateInput) (*domain.UpdateOrCreateResult, error)
}

type Locker interface {
	Lock(ctx context.Context, caller domain.Principal, id int, reason *string) (*domain.Balise, error)
	Unlock(ctx context.Context, caller domain.Principal, id int) error
}

type Archiver interface {
	Archive(ctx context.Context, caller domain.Principal, id int) (*domain.ArchiveResult, error)
}

type BulkRunner interface {
	Lock(ctx context.Context, caller domain.Principal, ids []int, reason *string) (*domain.BulkResult, error)
	Unlock(ctx context.Context, caller domain.Principal, ids []int) (*domain.BulkResult, error)
	Delete(ctx context.Context, caller domain.Principal, ids []int) (*domain.BulkResult, error)
	Create(ctx context.Context, caller domain.Principal, ids []int) (*domain.BulkResult, error)
	Upload(ctx context.Context, caller domain.Principal, in service.BulkUploadInput) (*domain.BulkResult, error)
}

type BaliseHandler struct {
	balises        BaliseReader
	uploads        Uploader
	locks          Locker
	archives       Archiver
	bulk           BulkRunner
	maxUploadBytes int64
	log            *zap.Logger
}

type lockRequest struct {
	LockReason *string `json:"lockReason"`
}

func NewBaliseHandler(
	balises BaliseReader,
	uploads Uploader,
	locks Locker,
	archives Archiver,
	bulk BulkRunner,
	maxUploadBytes int64,
	log *zap.Logger,
) *BaliseHandler {
	return &BaliseHandler{
		balises:        balises,
		uploads:        uploads,
		locks:          locks,
		archives:       archives,
		bulk:           bulk,
		maxUploadBytes: maxUploadBytes,
		log:            log.Named("handler"),
	}
}

// Routes registers the balise endpoints on r
func (h *BaliseHandler) Routes(r chi.Router) {
	r.Route("/balises", func(r chi.Router) {
		r.Get("/", h.ListBalises)

		r.Route("/bulk", func(r chi.Router) {
			r.Post("/lock", h.BulkLock)
			r.Post("/unlock", h.BulkUnlock)
			r.Post("/delete", h.BulkDelete)
			r.Post("/create", h.BulkCreate)
			r.Post("/upload", h.BulkUpload)
		})

		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.GetBalise)
			r.Post("/", h.UpdateOrCreate)
			r.Delete("/", h.DeleteBalise)
			r.Get("/versions", h.GetVersions)
			r.Get("/files/{filename}", h.DownloadFile)
			r.Post("/lock", h.LockBalise)
			r.Post("/unlock", h.UnlockBalise)
		})
	})
}

func (h *BaliseHandler) ListBalises(w http.ResponseWriter, r *http.Request) {
	caller, ok := principal(w, r)
	if !ok {
		return
	}

	balises, err := h.balises.List(r.Context(), caller)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, balises)
}

func (h *BaliseHandler) GetBalise(w http.ResponseWriter, r *http.Request) {
	caller, ok := principal(w, r)
	if !ok {
		return
	}
	id, ok := baliseID(w, r)
	if !ok {
		return
	}
	version, ok := versionParam(w, r)
	if !ok {
		return
	}

	b, err := h.balises.Get(r.Context(), caller, id, version)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, b)
}

func (h *BaliseHandler) GetVersions(w http.ResponseWriter, r *http.Request) {
	caller, ok := principal(w, r)
	if !ok {
		return
	}
	id, ok := baliseID(w, r)
	if !ok {
		return
	}

	versions, err := h.balises.ListVersions(r.Context(), caller, id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, versions)
}

func (h *BaliseHandler) DownloadFile(w http.ResponseWriter, r *http.Request) {
	caller, ok := principal(w, r)
	if !ok {
		return
	}
	id, ok := baliseID(w, r)
	if !ok {
		return
	}
	version, ok := versionParam(w, r)
	if !ok {
		return
	}
	filename := chi.URLParam(r, "filename")

	obj, err := h.balises.Download(r.Context(), caller, id, version, filename)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	defer obj.Close()

	w.Header().Set("Content-Type", obj.ContentType())
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	if n := obj.ContentLength(); n >= 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(n, 10))
	}
	w.WriteHeader(http.StatusOK)

	if _, err := io.Copy(w, obj); err != nil {
		h.log.Warn("download interrupted", zap.Int("balise", id), zap.String("file", filename), zap.Error(err))
	}
}

// UpdateOrCreate accepts multipart/form-data with any number of "files",
// an optional "description" and an optional "versionStatus"
func (h *BaliseHandler) UpdateOrCreate(w http.ResponseWriter, r *http.Request) {
	caller, ok := principal(w, r)
	if !ok {
		return
	}
	id, ok := baliseID(w, r)
	if !ok {
		return
	}

	form, ok := h.parseMultipart(w, r)
	if !ok {
		return
	}

	files, err := readFiles(form.File["files"])
	if err != nil {
		writeMessage(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := h.uploads.UpdateOrCreate(r.Context(), service.UpdateOrCreateInput{
		BaliseID:      id,
		Files:         files,
		Description:   formValue(form, "description"),
		VersionStatus: domain.VersionStatus(derefString(formValue(form, "versionStatus"))),
		Caller:        caller,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	code := http.StatusOK
	if res.IsNewBalise {
		code = http.StatusCreated
	}
	writeJSON(w, code, res)
}

func (h *BaliseHandler) LockBalise(w http.ResponseWriter, r *http.Request) {
	caller, ok := principal(w, r)
	if !ok {
		return
	}
	id, ok := baliseID(w, r)
	if !ok {
		return
	}

	var req lockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeMessage(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	b, err := h.locks.Lock(r.Context(), caller, id, req.LockReason)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, b)
}

func (h *BaliseHandler) UnlockBalise(w http.ResponseWriter, r *http.Request) {
	caller, ok := principal(w, r)
	if !ok {
		return
	}
	id, ok := baliseID(w, r)
	if !ok {
		return
	}

	if err := h.locks.Unlock(r.Context(), caller, id); err != nil {
		h.writeError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *BaliseHandler) DeleteBalise(w http.ResponseWriter, r *http.Request) {
	caller, ok := principal(w, r)
	if !ok {
		return
	}
	id, ok := baliseID(w, r)
	if !ok {
		return
	}

	res, err := h.archives.Archive(r.Context(), caller, id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, res)
}

func principal(w http.ResponseWriter, r *http.Request) (domain.Principal, bool) {
	p, ok := auth.FromContext(r.Context())
	if !ok {
		writeMessage(w, http.StatusUnauthorized, "Unauthorized")
	}
	return p, ok
}

func baliseID(w http.ResponseWriter, r *http.Request) (int, bool) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		writeMessage(w, http.StatusBadRequest, "Invalid balise ID")
		return 0, false
	}
	return id, true
}

// versionParam reads the optional ?version= query parameter
func versionParam(w http.ResponseWriter, r *http.Request) (*int, bool) {
	raw := r.URL.Query().Get("version")
	if raw == "" {
		return nil, true
	}
	version, err := strconv.Atoi(raw)
	if err != nil || version < 0 {
		writeMessage(w, http.StatusBadRequest, "Invalid version")
		return nil, false
	}
	return &version, true
}

func (h *BaliseHandler) parseMultipart(w http.ResponseWriter, r *http.Request) (*multipart.Form, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)

	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeMessage(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("upload exceeds %d bytes", tooLarge.Limit))
			return nil, false
		}
		writeMessage(w, http.StatusBadRequest, "Invalid multipart form")
		return nil, false
	}
	return r.MultipartForm, true
}

func readFiles(headers []*multipart.FileHeader) ([]domain.UploadFile, error) {
	files := make([]domain.UploadFile, 0, len(headers))
	for _, header := range headers {
		data, err := readFile(header)
		if err != nil {
			return nil, err
		}

		contentType := header.Header.Get("Content-Type")
		if contentType == "" {
			contentType = "application/octet-stream"
		}

		files = append(files, domain.UploadFile{
			Name:        header.Filename,
			ContentType: contentType,
			Data:        data,
		})
	}
	return files, nil
}

func readFile(header *multipart.FileHeader) ([]byte, error) {
	f, err := header.Open()
	if err != nil {
		return nil, fmt.Errorf("cannot open uploaded file %q: %w", header.Filename, err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("cannot read uploaded file %q: %w", header.Filename, err)
	}
	return data, nil
}

// formValue returns nil when the field is absent, so that an empty value can
// still be told apart from a missing one
func formValue(form *multipart.Form, key string) *string {
	values, ok := form.Value[key]
	if !ok || len(values) == 0 {
		return nil
	}
	return &values[0]
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
