package handler

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/voice-reward-api/internal/dto"
	"github.com/noah-isme/voice-reward-api/internal/models"
	"github.com/noah-isme/voice-reward-api/internal/service"
	appErrors "github.com/noah-isme/voice-reward-api/pkg/errors"
	"github.com/noah-isme/voice-reward-api/pkg/response"
)

type recordingService interface {
	Create(ctx context.Context, req dto.CreateRecordingRequest) (*dto.RecordingResponse, error)
	Upload(ctx context.Context, ownerID string, data []byte, contentType string, meta dto.UploadMetadata) (*dto.RecordingResponse, error)
	Get(ctx context.Context, id string, viewer *models.JWTClaims) (*dto.RecordingResponse, error)
	OwnerOf(ctx context.Context, id string) (string, error)
	ListByOwner(ctx context.Context, ownerID string, page, size int) ([]dto.RecordingResponse, *models.Pagination, error)
	OpenBlob(ctx context.Context, token string) (*service.BlobDownload, error)
}

type evaluationService interface {
	Evaluate(ctx context.Context, recordingID string, opts service.EvaluateOptions) (*dto.EvaluationResult, error)
	Enqueue(ctx context.Context, recordingID string) error
}

// RecordingHandler exposes contributor recording endpoints.
type RecordingHandler struct {
	recordings     recordingService
	evaluations    evaluationService
	maxUploadBytes int64
}

// NewRecordingHandler constructs the handler. maxUploadBytes caps how much of an upload is buffered.
func NewRecordingHandler(recordings recordingService, evaluations evaluationService, maxUploadBytes int64) *RecordingHandler {
	return &RecordingHandler{recordings: recordings, evaluations: evaluations, maxUploadBytes: maxUploadBytes}
}

// Upload godoc
// @Summary Upload a voice recording
// @Tags Recordings
// @Accept multipart/form-data
// @Produce json
// @Param file formData file true "Audio file"
// @Param language formData string true "Language code"
// @Param dialect formData string false "Dialect"
// @Param domain formData string true "Domain"
// @Param duration_seconds formData number true "Duration in seconds"
// @Param recorded_via formData string true "Capture channel"
// @Success 201 {object} response.Envelope
// @Router /recordings [post]
func (h *RecordingHandler) Upload(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	var meta dto.UploadMetadata
	if err := c.ShouldBind(&meta); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid recording metadata"))
		return
	}
	if meta.Dialect != nil && strings.TrimSpace(*meta.Dialect) == "" {
		meta.Dialect = nil
	}
	fileHeader, err := c.FormFile("file")
	if err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "file is required"))
		return
	}
	src, err := fileHeader.Open()
	if err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to open file"))
		return
	}
	defer src.Close()

	var reader io.Reader = src
	if h.maxUploadBytes > 0 {
		// one extra byte lets the service see the upload is oversized
		reader = io.LimitReader(src, h.maxUploadBytes+1)
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to buffer file"))
		return
	}

	rec, err := h.recordings.Upload(c.Request.Context(), claims.UserID, data, fileHeader.Header.Get("Content-Type"), meta)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, rec)
}

// CreateMetadata godoc
// @Summary Register a recording whose audio is already stored
// @Tags Recordings
// @Accept json
// @Produce json
// @Param payload body dto.CreateRecordingRequest true "Recording metadata"
// @Success 201 {object} response.Envelope
// @Router /recordings/metadata [post]
func (h *RecordingHandler) CreateMetadata(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	var req dto.CreateRecordingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid recording payload"))
		return
	}
	req.OwnerID = claims.UserID
	rec, err := h.recordings.Create(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, rec)
}

// Get godoc
// @Summary Get a recording
// @Tags Recordings
// @Produce json
// @Param id path string true "Recording ID"
// @Success 200 {object} response.Envelope
// @Router /recordings/{id} [get]
func (h *RecordingHandler) Get(c *gin.Context) {
	rec, err := h.recordings.Get(c.Request.Context(), c.Param("id"), claimsFromContext(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, rec, nil)
}

// List godoc
// @Summary List the caller's recordings
// @Tags Recordings
// @Produce json
// @Param page query int false "Page"
// @Param page_size query int false "Page size"
// @Success 200 {object} response.Envelope
// @Router /recordings [get]
func (h *RecordingHandler) List(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	page, size := pagingFromQuery(c)
	items, pagination, err := h.recordings.ListByOwner(c.Request.Context(), claims.UserID, page, size)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, items, pagination)
}

// Evaluate godoc
// @Summary Evaluate a recording and issue its reward
// @Tags Recordings
// @Produce json
// @Param id path string true "Recording ID"
// @Param async query bool false "Queue the evaluation instead of waiting"
// @Success 200 {object} response.Envelope
// @Success 202 {object} response.Envelope
// @Router /recordings/{id}/evaluate [post]
func (h *RecordingHandler) Evaluate(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	id := c.Param("id")
	if !claims.IsAdmin() {
		owner, err := h.recordings.OwnerOf(c.Request.Context(), id)
		if err != nil {
			response.Error(c, err)
			return
		}
		if owner != claims.UserID {
			response.Error(c, appErrors.ErrForbidden)
			return
		}
	}

	if async, _ := strconv.ParseBool(c.DefaultQuery("async", "false")); async {
		if err := h.evaluations.Enqueue(c.Request.Context(), id); err != nil {
			response.Error(c, err)
			return
		}
		response.Accepted(c, dto.EvaluationQueuedResponse{RecordingID: id, Queued: true})
		return
	}

	result, err := h.evaluations.Evaluate(c.Request.Context(), id, service.EvaluateOptions{Method: models.MethodAPI})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, result, nil)
}

// Blob godoc
// @Summary Download recording audio via signed token
// @Tags Recordings
// @Produce octet-stream
// @Param token path string true "Signed token"
// @Success 200 {file} binary
// @Router /blobs/{token} [get]
func (h *RecordingHandler) Blob(c *gin.Context) {
	token := strings.TrimSpace(c.Param("token"))
	if token == "" {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "token is required"))
		return
	}
	download, err := h.recordings.OpenBlob(c.Request.Context(), token)
	if err != nil {
		response.Error(c, err)
		return
	}
	defer download.File.Close() //nolint:errcheck
	info, err := download.File.Stat()
	if err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to stat audio"))
		return
	}
	c.Header("Cache-Control", "private, no-store")
	c.DataFromReader(http.StatusOK, info.Size(), download.ContentType, download.File, nil)
}
