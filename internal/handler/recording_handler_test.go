package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"os"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/voice-reward-api/internal/dto"
	"github.com/noah-isme/voice-reward-api/internal/middleware"
	"github.com/noah-isme/voice-reward-api/internal/models"
	"github.com/noah-isme/voice-reward-api/internal/service"
	appErrors "github.com/noah-isme/voice-reward-api/pkg/errors"
)

type recordingServiceMock struct {
	uploadData []byte
	uploadType string
	uploadMeta dto.UploadMetadata
	created    dto.CreateRecordingRequest
	owner      string
	ownerErr   error
	getErr     error
	listOwner  string
	blob       *service.BlobDownload
	blobErr    error
}

func (m *recordingServiceMock) Create(ctx context.Context, req dto.CreateRecordingRequest) (*dto.RecordingResponse, error) {
	m.created = req
	return &dto.RecordingResponse{ID: "rec-1", OwnerID: req.OwnerID}, nil
}

func (m *recordingServiceMock) Upload(ctx context.Context, ownerID string, data []byte, contentType string, meta dto.UploadMetadata) (*dto.RecordingResponse, error) {
	m.uploadData, m.uploadType, m.uploadMeta = data, contentType, meta
	return &dto.RecordingResponse{ID: "rec-1", OwnerID: ownerID}, nil
}

func (m *recordingServiceMock) Get(ctx context.Context, id string, viewer *models.JWTClaims) (*dto.RecordingResponse, error) {
	if m.getErr != nil {
		return nil, m.getErr
	}
	return &dto.RecordingResponse{ID: id}, nil
}

func (m *recordingServiceMock) OwnerOf(ctx context.Context, id string) (string, error) {
	return m.owner, m.ownerErr
}

func (m *recordingServiceMock) ListByOwner(ctx context.Context, ownerID string, page, size int) ([]dto.RecordingResponse, *models.Pagination, error) {
	m.listOwner = ownerID
	return []dto.RecordingResponse{{ID: "rec-1"}}, &models.Pagination{Page: page, PageSize: size, TotalCount: 1}, nil
}

func (m *recordingServiceMock) OpenBlob(ctx context.Context, token string) (*service.BlobDownload, error) {
	return m.blob, m.blobErr
}

type evaluationServiceMock struct {
	evaluated []string
	enqueued  []string
	err       error
}

func (m *evaluationServiceMock) Evaluate(ctx context.Context, recordingID string, opts service.EvaluateOptions) (*dto.EvaluationResult, error) {
	if m.err != nil {
		return nil, m.err
	}
	m.evaluated = append(m.evaluated, recordingID)
	return &dto.EvaluationResult{RecordingID: recordingID, State: models.EvaluationScored, Quality: models.QualityGood, Amount: 5, Method: opts.Method}, nil
}

func (m *evaluationServiceMock) Enqueue(ctx context.Context, recordingID string) error {
	if m.err != nil {
		return m.err
	}
	m.enqueued = append(m.enqueued, recordingID)
	return nil
}

func newGinContext(method, path string, body []byte) (*gin.Context, *httptest.ResponseRecorder) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	req, _ := http.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	c.Request = req
	return c, w
}

func contributor(id string) *models.JWTClaims {
	return &models.JWTClaims{UserID: id, Role: models.RoleContributor}
}

func decodeEnvelope(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func TestRecordingHandlerUpload(t *testing.T) {
	gin.SetMode(gin.TestMode)
	svc := &recordingServiceMock{}
	h := NewRecordingHandler(svc, &evaluationServiceMock{}, 4)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("language", "sw"))
	require.NoError(t, mw.WriteField("domain", "health"))
	require.NoError(t, mw.WriteField("duration_seconds", "7.5"))
	require.NoError(t, mw.WriteField("recorded_via", "web"))
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", `form-data; name="file"; filename="clip.wav"`)
	header.Set("Content-Type", "audio/wav")
	part, err := mw.CreatePart(header)
	require.NoError(t, err)
	_, err = part.Write([]byte("RIFF-WAVE-DATA"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	c, w := newGinContext(http.MethodPost, "/recordings", buf.Bytes())
	c.Request.Header.Set("Content-Type", mw.FormDataContentType())
	c.Set(middleware.ContextUserKey, contributor("user-1"))

	h.Upload(c)
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "audio/wav", svc.uploadType)
	assert.Equal(t, models.DomainHealth, svc.uploadMeta.Domain)
	assert.Equal(t, 7.5, svc.uploadMeta.DurationSeconds)
	// truncated at max+1 so the service can reject it
	assert.Len(t, svc.uploadData, 5)
}

func TestRecordingHandlerUploadRequiresFile(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := NewRecordingHandler(&recordingServiceMock{}, &evaluationServiceMock{}, 0)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("language", "sw"))
	require.NoError(t, mw.Close())
	c, w := newGinContext(http.MethodPost, "/recordings", buf.Bytes())
	c.Request.Header.Set("Content-Type", mw.FormDataContentType())
	c.Set(middleware.ContextUserKey, contributor("user-1"))

	h.Upload(c)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRecordingHandlerCreateMetadataUsesCaller(t *testing.T) {
	gin.SetMode(gin.TestMode)
	svc := &recordingServiceMock{}
	h := NewRecordingHandler(svc, &evaluationServiceMock{}, 0)

	payload := []byte(`{"storage_ref":"local://a.wav","language":"sw","domain":"health","duration_seconds":3,"recorded_via":"device"}`)
	c, w := newGinContext(http.MethodPost, "/recordings/metadata", payload)
	c.Set(middleware.ContextUserKey, contributor("user-7"))

	h.CreateMetadata(c)
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "user-7", svc.created.OwnerID)
	assert.Equal(t, "local://a.wav", svc.created.StorageRef)
}

func TestRecordingHandlerListAndGet(t *testing.T) {
	gin.SetMode(gin.TestMode)
	svc := &recordingServiceMock{}
	h := NewRecordingHandler(svc, &evaluationServiceMock{}, 0)

	c, w := newGinContext(http.MethodGet, "/recordings?page=2&page_size=5", nil)
	c.Set(middleware.ContextUserKey, contributor("user-1"))
	h.List(c)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "user-1", svc.listOwner)
	body := decodeEnvelope(t, w)
	pagination := body["pagination"].(map[string]interface{})
	assert.EqualValues(t, 2, pagination["page"])

	svc.getErr = appErrors.Clone(appErrors.ErrForbidden, "not yours")
	c, w = newGinContext(http.MethodGet, "/recordings/rec-1", nil)
	c.Params = gin.Params{{Key: "id", Value: "rec-1"}}
	c.Set(middleware.ContextUserKey, contributor("user-2"))
	h.Get(c)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestRecordingHandlerEvaluate(t *testing.T) {
	gin.SetMode(gin.TestMode)

	t.Run("owner evaluates synchronously", func(t *testing.T) {
		evals := &evaluationServiceMock{}
		h := NewRecordingHandler(&recordingServiceMock{owner: "user-1"}, evals, 0)
		c, w := newGinContext(http.MethodPost, "/recordings/rec-1/evaluate", nil)
		c.Params = gin.Params{{Key: "id", Value: "rec-1"}}
		c.Set(middleware.ContextUserKey, contributor("user-1"))

		h.Evaluate(c)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, []string{"rec-1"}, evals.evaluated)
		data := decodeEnvelope(t, w)["data"].(map[string]interface{})
		assert.Equal(t, "api", data["method"])
	})

	t.Run("async queues", func(t *testing.T) {
		evals := &evaluationServiceMock{}
		h := NewRecordingHandler(&recordingServiceMock{owner: "user-1"}, evals, 0)
		c, w := newGinContext(http.MethodPost, "/recordings/rec-1/evaluate?async=true", nil)
		c.Params = gin.Params{{Key: "id", Value: "rec-1"}}
		c.Set(middleware.ContextUserKey, contributor("user-1"))

		h.Evaluate(c)
		require.Equal(t, http.StatusAccepted, w.Code)
		assert.Equal(t, []string{"rec-1"}, evals.enqueued)
		assert.Empty(t, evals.evaluated)
	})

	t.Run("other contributor forbidden", func(t *testing.T) {
		evals := &evaluationServiceMock{}
		h := NewRecordingHandler(&recordingServiceMock{owner: "user-1"}, evals, 0)
		c, w := newGinContext(http.MethodPost, "/recordings/rec-1/evaluate", nil)
		c.Params = gin.Params{{Key: "id", Value: "rec-1"}}
		c.Set(middleware.ContextUserKey, contributor("user-2"))

		h.Evaluate(c)
		assert.Equal(t, http.StatusForbidden, w.Code)
		assert.Empty(t, evals.evaluated)
	})

	t.Run("admin skips ownership", func(t *testing.T) {
		evals := &evaluationServiceMock{}
		h := NewRecordingHandler(&recordingServiceMock{ownerErr: appErrors.ErrInternal}, evals, 0)
		c, w := newGinContext(http.MethodPost, "/recordings/rec-1/evaluate", nil)
		c.Params = gin.Params{{Key: "id", Value: "rec-1"}}
		c.Set(middleware.ContextUserKey, &models.JWTClaims{UserID: "admin", Role: models.RoleAdmin})

		h.Evaluate(c)
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("already scored maps to conflict", func(t *testing.T) {
		evals := &evaluationServiceMock{err: appErrors.Clone(appErrors.ErrAlreadyScored, "recording already scored")}
		h := NewRecordingHandler(&recordingServiceMock{owner: "user-1"}, evals, 0)
		c, w := newGinContext(http.MethodPost, "/recordings/rec-1/evaluate", nil)
		c.Params = gin.Params{{Key: "id", Value: "rec-1"}}
		c.Set(middleware.ContextUserKey, contributor("user-1"))

		h.Evaluate(c)
		assert.Equal(t, http.StatusConflict, w.Code)
		errBody := decodeEnvelope(t, w)["error"].(map[string]interface{})
		assert.Equal(t, "ALREADY_SCORED", errBody["code"])
	})
}

func TestRecordingHandlerBlob(t *testing.T) {
	gin.SetMode(gin.TestMode)
	path := filepath.Join(t.TempDir(), "clip.wav")
	require.NoError(t, os.WriteFile(path, []byte("RIFF"), 0o600))
	file, err := os.Open(path)
	require.NoError(t, err)

	h := NewRecordingHandler(&recordingServiceMock{blob: &service.BlobDownload{File: file, ContentType: "audio/wav"}}, nil, 0)
	c, w := newGinContext(http.MethodGet, "/blobs/tok", nil)
	c.Params = gin.Params{{Key: "token", Value: "tok"}}

	h.Blob(c)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "audio/wav", w.Header().Get("Content-Type"))
	assert.Equal(t, "RIFF", w.Body.String())

	h = NewRecordingHandler(&recordingServiceMock{blobErr: appErrors.ErrForbidden}, nil, 0)
	c, w = newGinContext(http.MethodGet, "/blobs/tok", nil)
	c.Params = gin.Params{{Key: "token", Value: "tok"}}
	h.Blob(c)
	assert.Equal(t, http.StatusForbidden, w.Code)
}
