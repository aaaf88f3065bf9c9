package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"baliseregistry/internal/auth"
	"baliseregistry/internal/domain"
	"baliseregistry/internal/service"
	"baliseregistry/internal/service/s3"
)

type stubReader struct {
	get      func(caller domain.Principal, id int, version *int) (*domain.Balise, error)
	list     func(caller domain.Principal) ([]domain.Balise, error)
	versions func(caller domain.Principal, id int) ([]domain.BaliseVersion, error)
	download func(caller domain.Principal, id int, version *int, filename string) (s3.Object, error)
}

func (s *stubReader) Get(_ context.Context, caller domain.Principal, id int, version *int) (*domain.Balise, error) {
	return s.get(caller, id, version)
}

func (s *stubReader) List(_ context.Context, caller domain.Principal) ([]domain.Balise, error) {
	return s.list(caller)
}

func (s *stubReader) ListVersions(_ context.Context, caller domain.Principal, id int) ([]domain.BaliseVersion, error) {
	return s.versions(caller, id)
}

func (s *stubReader) Download(_ context.Context, caller domain.Principal, id int, version *int, filename string) (s3.Object, error) {
	return s.download(caller, id, version, filename)
}

type stubUploader struct {
	got service.UpdateOrCreateInput
	res *domain.UpdateOrCreateResult
	err error
}

func (s *stubUploader) UpdateOrCreate(_ context.Context, in service.UpdateOrCreateInput) (*domain.UpdateOrCreateResult, error) {
	s.got = in
	return s.res, s.err
}

type stubLocker struct {
	reason  *string
	lockErr error
	unlocks []int
}

func (s *stubLocker) Lock(_ context.Context, caller domain.Principal, id int, reason *string) (*domain.Balise, error) {
	s.reason = reason
	if s.lockErr != nil {
		return nil, s.lockErr
	}
	owner := caller.UserID
	return &domain.Balise{SecondaryID: id, Locked: true, LockedBy: &owner, LockReason: reason}, nil
}

func (s *stubLocker) Unlock(_ context.Context, _ domain.Principal, id int) error {
	s.unlocks = append(s.unlocks, id)
	return nil
}

type stubArchiver struct {
	err error
}

func (s *stubArchiver) Archive(_ context.Context, _ domain.Principal, id int) (*domain.ArchiveResult, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &domain.ArchiveResult{SecondaryID: id, ArchivedSecondaryID: fmt.Sprintf("%d_1", id)}, nil
}

type stubBulk struct {
	op     string
	ids    []int
	reason *string
	upload service.BulkUploadInput
	err    error
}

func (s *stubBulk) result(op string, ids []int) (*domain.BulkResult, error) {
	s.op = op
	s.ids = ids
	if s.err != nil {
		return nil, s.err
	}
	res := &domain.BulkResult{OperationID: "op", TotalRequested: len(ids)}
	for _, id := range ids {
		res.Results = append(res.Results, domain.BulkItemResult{ID: id, Success: true})
		res.SuccessCount++
	}
	return res, nil
}

func (s *stubBulk) Lock(_ context.Context, _ domain.Principal, ids []int, reason *string) (*domain.BulkResult, error) {
	s.reason = reason
	return s.result("lock", ids)
}

func (s *stubBulk) Unlock(_ context.Context, _ domain.Principal, ids []int) (*domain.BulkResult, error) {
	return s.result("unlock", ids)
}

func (s *stubBulk) Delete(_ context.Context, _ domain.Principal, ids []int) (*domain.BulkResult, error) {
	return s.result("delete", ids)
}

func (s *stubBulk) Create(_ context.Context, _ domain.Principal, ids []int) (*domain.BulkResult, error) {
	return s.result("create", ids)
}

func (s *stubBulk) Upload(_ context.Context, _ domain.Principal, in service.BulkUploadInput) (*domain.BulkResult, error) {
	s.upload = in
	return s.result("upload", []int{20001})
}

type testServer struct {
	reader   *stubReader
	uploader *stubUploader
	locker   *stubLocker
	archiver *stubArchiver
	bulk     *stubBulk
	router   http.Handler
}

var writer = domain.Principal{UserID: "alice", IsWriteUser: true}

func newTestServer(t *testing.T, maxUploadBytes int64) *testServer {
	t.Helper()

	ts := &testServer{
		reader:   &stubReader{},
		uploader: &stubUploader{},
		locker:   &stubLocker{},
		archiver: &stubArchiver{},
		bulk:     &stubBulk{},
	}
	h := NewBaliseHandler(ts.reader, ts.uploader, ts.locker, ts.archiver, ts.bulk, maxUploadBytes, zaptest.NewLogger(t))

	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("X-Anonymous") == "" {
				r = r.WithContext(auth.WithPrincipal(r.Context(), writer))
			}
			next.ServeHTTP(w, r)
		})
	})
	r.Route("/v1", h.Routes)
	ts.router = r

	return ts
}

func (ts *testServer) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestGetBalise(t *testing.T) {
	ts := newTestServer(t, 1<<20)

	var gotVersion *int
	ts.reader.get = func(caller domain.Principal, id int, version *int) (*domain.Balise, error) {
		assert.Equal(t, "alice", caller.UserID)
		gotVersion = version
		return &domain.Balise{SecondaryID: id, Version: 3, VersionStatus: domain.VersionStatusOfficial}, nil
	}

	rec := ts.do(httptest.NewRequest(http.MethodGet, "/v1/balises/20001", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	b := decode[domain.Balise](t, rec)
	assert.Equal(t, 20001, b.SecondaryID)
	assert.Equal(t, 3, b.Version)
	assert.Nil(t, gotVersion)

	rec = ts.do(httptest.NewRequest(http.MethodGet, "/v1/balises/20001?version=2", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, gotVersion)
	assert.Equal(t, 2, *gotVersion)

	rec = ts.do(httptest.NewRequest(http.MethodGet, "/v1/balises/20001?version=latest", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(httptest.NewRequest(http.MethodGet, "/v1/balises/abc", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/balises/20001", nil)
	req.Header.Set("X-Anonymous", "1")
	rec = ts.do(req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
	}{
		{name: "validation", err: fmt.Errorf("%w: bad id", service.ErrValidation), code: http.StatusBadRequest},
		{name: "missing", err: fmt.Errorf("%w: balise 1", service.ErrNotFound), code: http.StatusNotFound},
		{name: "no confirmed version", err: service.ErrNoConfirmedVersion, code: http.StatusNotFound},
		{name: "version missing", err: service.ErrVersionNotFound, code: http.StatusNotFound},
		{name: "permission", err: service.ErrPermissionDenied, code: http.StatusForbidden},
		{name: "race", err: fmt.Errorf("x: %w", service.ErrConcurrentModification), code: http.StatusConflict},
		{name: "storage", err: errors.New("s3: connection reset"), code: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t, 1<<20)
			ts.reader.get = func(domain.Principal, int, *int) (*domain.Balise, error) {
				return nil, tt.err
			}

			rec := ts.do(httptest.NewRequest(http.MethodGet, "/v1/balises/20001", nil))
			assert.Equal(t, tt.code, rec.Code)

			body := decode[errorResponse](t, rec)
			if tt.code == http.StatusInternalServerError {
				assert.Equal(t, "internal server error", body.Error)
			} else {
				assert.Equal(t, tt.err.Error(), body.Error)
			}
		})
	}
}

func TestLockConflictResponse(t *testing.T) {
	ts := newTestServer(t, 1<<20)
	ts.locker.lockErr = &service.LockConflictError{ID: 20001, Kind: service.ConflictAlreadyLocked, Owner: "bob"}

	rec := ts.do(httptest.NewRequest(http.MethodPost, "/v1/balises/20001/lock", nil))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	body := decode[errorResponse](t, rec)
	assert.Equal(t, "already_locked", body.Reason)
	assert.Equal(t, "bob", body.LockedBy)
	assert.Contains(t, body.Error, "bob")
}

func TestLockAndUnlock(t *testing.T) {
	ts := newTestServer(t, 1<<20)

	rec := ts.do(httptest.NewRequest(http.MethodPost, "/v1/balises/20001/lock", strings.NewReader(`{"lockReason":"update"}`)))
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, ts.locker.reason)
	assert.Equal(t, "update", *ts.locker.reason)
	b := decode[domain.Balise](t, rec)
	assert.Equal(t, "alice", b.Owner())

	rec = ts.do(httptest.NewRequest(http.MethodPost, "/v1/balises/20001/lock", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Nil(t, ts.locker.reason)

	rec = ts.do(httptest.NewRequest(http.MethodPost, "/v1/balises/20001/lock", strings.NewReader(`{"lockReason":`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(httptest.NewRequest(http.MethodPost, "/v1/balises/20001/unlock", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []int{20001}, ts.locker.unlocks)
}

func TestDeleteBalise(t *testing.T) {
	ts := newTestServer(t, 1<<20)

	rec := ts.do(httptest.NewRequest(http.MethodDelete, "/v1/balises/20001", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	res := decode[domain.ArchiveResult](t, rec)
	assert.Equal(t, "20001_1", res.ArchivedSecondaryID)

	ts.archiver.err = service.ArchiveError.Wrap(fmt.Errorf("%w: balise 20001", service.ErrArchiveCopy))
	rec = ts.do(httptest.NewRequest(http.MethodDelete, "/v1/balises/20001", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

type multipartField struct {
	name, filename, value string
}

func multipartRequest(t *testing.T, target string, fields ...multipartField) *http.Request {
	t.Helper()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for _, f := range fields {
		if f.filename == "" {
			require.NoError(t, mw.WriteField(f.name, f.value))
			continue
		}
		part, err := mw.CreateFormFile(f.name, f.filename)
		require.NoError(t, err)
		_, err = part.Write([]byte(f.value))
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, target, &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func TestUpdateOrCreate(t *testing.T) {
	ts := newTestServer(t, 1<<20)
	ts.uploader.res = &domain.UpdateOrCreateResult{SecondaryID: 20001, NewVersion: 1, IsNewBalise: true, FilesUploaded: []string{"20001.il"}}

	rec := ts.do(multipartRequest(t, "/v1/balises/20001",
		multipartField{name: "files", filename: "20001.il", value: "il-data"},
		multipartField{name: "files", filename: "20001K.leu", value: "leu-data"},
		multipartField{name: "description", value: ""},
		multipartField{name: "versionStatus", value: "UNCONFIRMED"},
	))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	in := ts.uploader.got
	assert.Equal(t, 20001, in.BaliseID)
	assert.Equal(t, "alice", in.Caller.UserID)
	assert.Equal(t, domain.VersionStatusUnconfirmed, in.VersionStatus)
	require.NotNil(t, in.Description, "an empty description is still a description")
	assert.Equal(t, "", *in.Description)
	require.Len(t, in.Files, 2)
	assert.Equal(t, "20001.il", in.Files[0].Name)
	assert.Equal(t, []byte("il-data"), in.Files[0].Data)
	assert.Equal(t, "application/octet-stream", in.Files[1].ContentType)

	res := decode[domain.UpdateOrCreateResult](t, rec)
	assert.Nil(t, res.PreviousVersion)
	assert.NotContains(t, rec.Body.String(), "previousVersion")

	previous := 1
	ts.uploader.res = &domain.UpdateOrCreateResult{SecondaryID: 20001, NewVersion: 2, PreviousVersion: &previous}
	rec = ts.do(multipartRequest(t, "/v1/balises/20001",
		multipartField{name: "files", filename: "20001.il", value: "v2"},
	))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Nil(t, ts.uploader.got.Description)
	assert.Empty(t, ts.uploader.got.VersionStatus)
	assert.Contains(t, rec.Body.String(), `"previousVersion":1`)
}

func TestUpdateOrCreateTooLarge(t *testing.T) {
	ts := newTestServer(t, 256)

	rec := ts.do(multipartRequest(t, "/v1/balises/20001",
		multipartField{name: "files", filename: "20001.il", value: strings.Repeat("x", 4096)},
	))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/v1/balises/20001", strings.NewReader("not multipart"))
	req.Header.Set("Content-Type", "text/plain")
	rec = ts.do(req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

type bytesObject struct {
	*bytes.Reader
}

func (bytesObject) Close() error          { return nil }
func (o bytesObject) ContentLength() int64 { return o.Size() }
func (bytesObject) ContentType() string    { return "application/octet-stream" }

func TestDownloadFile(t *testing.T) {
	ts := newTestServer(t, 1<<20)
	ts.reader.download = func(_ domain.Principal, id int, version *int, filename string) (s3.Object, error) {
		if filename != "20001.il" {
			return nil, service.ErrFileNotFound
		}
		return bytesObject{bytes.NewReader([]byte("telegram"))}, nil
	}

	rec := ts.do(httptest.NewRequest(http.MethodGet, "/v1/balises/20001/files/20001.il", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "telegram", rec.Body.String())
	assert.Equal(t, "8", rec.Header().Get("Content-Length"))
	assert.Equal(t, `attachment; filename="20001.il"`, rec.Header().Get("Content-Disposition"))

	rec = ts.do(httptest.NewRequest(http.MethodGet, "/v1/balises/20001/files/other.il", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListAndVersions(t *testing.T) {
	ts := newTestServer(t, 1<<20)
	ts.reader.list = func(domain.Principal) ([]domain.Balise, error) {
		return []domain.Balise{{SecondaryID: 20001}, {SecondaryID: 20002}}, nil
	}
	ts.reader.versions = func(_ domain.Principal, id int) ([]domain.BaliseVersion, error) {
		return []domain.BaliseVersion{}, nil
	}

	rec := ts.do(httptest.NewRequest(http.MethodGet, "/v1/balises", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]domain.Balise](t, rec), 2)

	rec = ts.do(httptest.NewRequest(http.MethodGet, "/v1/balises/20001/versions", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "[]\n", rec.Body.String())
}

func TestReadFilesKeepsOrder(t *testing.T) {
	req := multipartRequest(t, "/",
		multipartField{name: "files", filename: "b.il", value: "b"},
		multipartField{name: "files", filename: "a.il", value: "a"},
	)
	require.NoError(t, req.ParseMultipartForm(1<<20))

	files, err := readFiles(req.MultipartForm.File["files"])
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, "b.il", files[0].Name)

	data, err := io.ReadAll(bytes.NewReader(files[1].Data))
	require.NoError(t, err)
	assert.Equal(t, "a", string(data))
}
