package files

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rpattn/claimsflow/internal/auth"
	"github.com/rpattn/claimsflow/internal/domain"
	"github.com/rpattn/claimsflow/internal/lifecycle"
	"github.com/rpattn/claimsflow/internal/storage"
)

type stubFileRepo struct {
	files   map[uuid.UUID]domain.File
	changes []domain.FileStatusChange
}

func newStubFileRepo() *stubFileRepo {
	return &stubFileRepo{files: map[uuid.UUID]domain.File{}}
}

func (s *stubFileRepo) Create(_ context.Context, file domain.File) (domain.File, error) {
	file.CreatedAt = time.Now().UTC()
	file.UpdatedAt = file.CreatedAt
	file.UpdatedBy = file.CreatedBy
	s.files[file.ID] = file
	return file, nil
}

func (s *stubFileRepo) GetByID(_ context.Context, id uuid.UUID) (domain.File, error) {
	file, ok := s.files[id]
	if !ok {
		return domain.File{}, errors.Wrapf(domain.ErrNotFound, "file %s", id)
	}
	return file, nil
}

func (s *stubFileRepo) GetForUpdate(ctx context.Context, id uuid.UUID) (domain.File, error) {
	return s.GetByID(ctx, id)
}

func (s *stubFileRepo) UpdateState(_ context.Context, file domain.File) error {
	s.files[file.ID] = file
	return nil
}

func (s *stubFileRepo) RecordStatusChange(_ context.Context, change domain.FileStatusChange) error {
	s.changes = append(s.changes, change)
	return nil
}

func (s *stubFileRepo) ListStatusHistory(_ context.Context, fileID uuid.UUID) ([]domain.FileStatusChange, error) {
	out := []domain.FileStatusChange{}
	for _, c := range s.changes {
		if c.FileID == fileID {
			out = append(out, c)
		}
	}
	return out, nil
}

type directTx struct{}

func (directTx) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

func newTestService(t *testing.T) (*Service, *stubFileRepo, *storage.BlobStore) {
	t.Helper()
	blobs, err := storage.OpenBlobStore(context.Background(), "mem://")
	require.NoError(t, err)
	t.Cleanup(func() { _ = blobs.Close() })

	repo := newStubFileRepo()
	svc := NewService(repo, blobs, lifecycle.NewMachine(repo, directTx{}, nil), nil)
	svc.now = func() time.Time { return time.UnixMilli(1700000000000).UTC() }
	return svc, repo, blobs
}

func TestUpload_RegistersPendingFile(t *testing.T) {
	svc, _, blobs := newTestService(t)
	ctx := context.Background()

	payload := []byte("DOB,Fill_Date,qty\n1980-01-01,2024-02-01,30\n1975-05-05,2024-03-01,90\n")
	file, err := svc.Upload(ctx, UploadRequest{FileName: "march.csv", Data: payload, Actor: "analyst"})
	require.NoError(t, err)

	assert.Equal(t, domain.FileStatusPending, file.Status)
	assert.Equal(t, domain.StageReadyForMapping, file.ProcessingStage)
	assert.Equal(t, 2, file.RowCount)
	assert.Equal(t, []string{"DOB", "Fill_Date", "qty"}, file.OriginalHeaders)
	assert.Equal(t, "claims-data/"+file.ID.String()+"/1700000000000-march.csv", file.StorageKey)

	stored, err := blobs.Get(ctx, file.StorageKey)
	require.NoError(t, err)
	assert.Equal(t, payload, stored)
}

func TestUpload_Rejections(t *testing.T) {
	svc, repo, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Upload(ctx, UploadRequest{FileName: "claims.pdf", Data: []byte("x")})
	assert.True(t, errors.Is(err, domain.ErrUnsupportedFormat))

	_, err = svc.Upload(ctx, UploadRequest{FileName: "claims.csv"})
	assert.True(t, errors.Is(err, domain.ErrInvalidInput))

	_, err = svc.Upload(ctx, UploadRequest{FileName: "claims.csv", Data: make([]byte, MaxUploadSize+1)})
	assert.True(t, errors.Is(err, domain.ErrInvalidInput))

	assert.Empty(t, repo.files)
}

func TestUpdateStatus_AuditsAndRejects(t *testing.T) {
	svc, repo, _ := newTestService(t)
	ctx := context.Background()

	file, err := svc.Upload(ctx, UploadRequest{FileName: "claims.csv", Data: []byte("a\n1\n"), Actor: "analyst"})
	require.NoError(t, err)

	_, err = svc.UpdateStatus(ctx, file.ID, domain.FileStatusProcessed, domain.StageProcessed, "analyst")
	assert.True(t, errors.Is(err, domain.ErrInvalidTransition))

	updated, err := svc.UpdateStatus(ctx, file.ID, domain.FileStatusProcessing, domain.StageMappingInProgress, "analyst")
	require.NoError(t, err)
	assert.Equal(t, domain.FileStatusProcessing, updated.Status)

	history, err := svc.History(ctx, file.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, domain.FileStatusPending, history[0].PreviousStatus)
	assert.Len(t, repo.changes, 1)

	_, err = svc.History(ctx, uuid.New())
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestHandler_UploadAndGet(t *testing.T) {
	svc, _, _ := newTestService(t)
	mux := http.NewServeMux()
	NewHTTPHandler(svc, nil).Register(mux)
	server := auth.ActorMiddleware(mux)

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("file", "claims.csv")
	require.NoError(t, err)
	_, err = part.Write([]byte("member_dob,days_supply\n1980-01-01,45\n"))
	require.NoError(t, err)
	require.NoError(t, writer.Close())

	req := httptest.NewRequest(http.MethodPost, "/files", &body)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set(auth.ActorHeader, "analyst")
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var created domain.File
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, "analyst", created.CreatedBy)
	assert.Equal(t, 1, created.RowCount)

	rec = httptest.NewRecorder()
	server.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/files/"+created.ID.String(), nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	server.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/files/"+uuid.NewString(), nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	server.ServeHTTP(rec, httptest.NewRequest(http.MethodPut, "/files/"+created.ID.String()+"/status",
		strings.NewReader(`{"status":"ENRICHED","processingStage":"PROCESSED"}`)))
	assert.Equal(t, http.StatusConflict, rec.Code)
}
