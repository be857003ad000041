package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/image-batch-processor/internal/domain"
	"github.com/kursadbilgin/image-batch-processor/internal/service"
)

const (
	uploadFormField  = "file"
	webhookFormField = "webhookUrl"
	csvMIME          = "text/csv"
	plainTextMIME    = "text/plain"
)

type IngestService interface {
	Ingest(ctx context.Context, in service.IngestInput) (*service.IngestResult, error)
}

type StatusService interface {
	GetStatus(ctx context.Context, id string) (*service.BatchStatusView, error)
	GetDetails(ctx context.Context, id string) (*domain.Batch, error)
	GetJobStatus(ctx context.Context, jobID string) (*domain.Job, error)
}

type ProcessingHandler struct {
	ingest         IngestService
	status         StatusService
	validate       *validator.Validate
	maxUploadBytes int64
}

func NewProcessingHandler(ingest IngestService, status StatusService, maxUploadBytes int64) (*ProcessingHandler, error) {
	if ingest == nil {
		return nil, fmt.Errorf("ingest service is required")
	}
	if status == nil {
		return nil, fmt.Errorf("status service is required")
	}
	if maxUploadBytes <= 0 {
		return nil, fmt.Errorf("max upload bytes must be positive")
	}

	return &ProcessingHandler{
		ingest:         ingest,
		status:         status,
		validate:       validator.New(),
		maxUploadBytes: maxUploadBytes,
	}, nil
}

func RegisterProcessingRoutes(router fiber.Router, ingest IngestService, status StatusService, maxUploadBytes int64) error {
	h, err := NewProcessingHandler(ingest, status, maxUploadBytes)
	if err != nil {
		return err
	}

	api := router.Group("/api")
	api.Post("/processing/upload", h.Upload)
	api.Get("/processing/:id", h.GetDetails)
	api.Get("/processing/:id/status", h.GetStatus)
	api.Get("/jobs/:jobId", h.GetJob)

	return nil
}

type uploadForm struct {
	WebhookURL string `validate:"omitempty,url"`
}

type uploadResponse struct {
	ID               string    `json:"id"`
	Status           string    `json:"status"`
	OriginalFilename string    `json:"originalFilename"`
	JobID            string    `json:"jobId"`
	ProductCount     int       `json:"productCount"`
	CreatedAt        time.Time `json:"createdAt"`
}

type statusResponse struct {
	ID           string  `json:"id"`
	Status       string  `json:"status"`
	ErrorMessage *string `json:"errorMessage"`
}

type productResponse struct {
	ID              string    `json:"id"`
	SerialNumber    string    `json:"serialNumber"`
	ProductName     string    `json:"productName"`
	InputImageURLs  []string  `json:"inputImageUrls"`
	OutputImageURLs []string  `json:"outputImageUrls"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

type detailsResponse struct {
	ID               string            `json:"id"`
	OriginalFilename string            `json:"originalFilename"`
	Status           string            `json:"status"`
	ErrorMessage     *string           `json:"errorMessage"`
	WebhookURL       *string           `json:"webhookUrl,omitempty"`
	JobID            *string           `json:"jobId,omitempty"`
	Products         []productResponse `json:"products"`
	CreatedAt        time.Time         `json:"createdAt"`
	UpdatedAt        time.Time         `json:"updatedAt"`
}

type jobResponse struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	State        string            `json:"state"`
	Progress     int               `json:"progress"`
	Data         domain.JobPayload `json:"data"`
	ReturnValue  json.RawMessage   `json:"returnValue"`
	FailedReason *string           `json:"failedReason"`
	Stacktrace   []string          `json:"stacktrace"`
	AttemptsMade int               `json:"attemptsMade"`
	MaxAttempts  int               `json:"maxAttempts"`
	Timestamp    int64             `json:"timestamp"`
	ProcessedOn  *int64            `json:"processedOn,omitempty"`
	FinishedOn   *int64            `json:"finishedOn,omitempty"`
}

func (h *ProcessingHandler) Upload(c *fiber.Ctx) error {
	fileHeader, err := c.FormFile(uploadFormField)
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "file is required")
	}
	if fileHeader.Size > h.maxUploadBytes {
		return fiber.NewError(fiber.StatusRequestEntityTooLarge,
			fmt.Sprintf("file exceeds %d bytes", h.maxUploadBytes))
	}

	form := uploadForm{WebhookURL: strings.TrimSpace(c.FormValue(webhookFormField))}
	if err := h.validate.Struct(form); err != nil {
		return toHTTPError(&domain.RowError{Field: webhookFormField, Reason: "must be a valid url"})
	}

	f, err := fileHeader.Open()
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "unreadable upload")
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, h.maxUploadBytes+1))
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "unreadable upload")
	}
	if int64(len(data)) > h.maxUploadBytes {
		return fiber.NewError(fiber.StatusRequestEntityTooLarge,
			fmt.Sprintf("file exceeds %d bytes", h.maxUploadBytes))
	}

	if !isCSVUpload(data, fileHeader.Header.Get(fiber.HeaderContentType)) {
		return fiber.NewError(fiber.StatusUnsupportedMediaType, "only text/csv uploads are accepted")
	}

	result, err := h.ingest.Ingest(c.UserContext(), service.IngestInput{
		Filename:      fileHeader.Filename,
		Data:          data,
		WebhookURL:    form.WebhookURL,
		CorrelationID: requestCorrelationID(c),
	})
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusCreated).JSON(uploadResponse{
		ID:               result.Batch.ID,
		Status:           result.Batch.Status.String(),
		OriginalFilename: result.Batch.OriginalFilename,
		JobID:            result.JobID,
		ProductCount:     result.ProductCount,
		CreatedAt:        result.Batch.CreatedAt,
	})
}

func (h *ProcessingHandler) GetStatus(c *fiber.Ctx) error {
	view, err := h.status.GetStatus(c.UserContext(), c.Params("id"))
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusOK).JSON(statusResponse{
		ID:           view.ID,
		Status:       view.Status.String(),
		ErrorMessage: view.ErrorMessage,
	})
}

func (h *ProcessingHandler) GetDetails(c *fiber.Ctx) error {
	batch, err := h.status.GetDetails(c.UserContext(), c.Params("id"))
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusOK).JSON(toDetailsResponse(batch))
}

func (h *ProcessingHandler) GetJob(c *fiber.Ctx) error {
	job, err := h.status.GetJobStatus(c.UserContext(), c.Params("jobId"))
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusOK).JSON(toJobResponse(job))
}

// isCSVUpload requires the part to be declared text/csv and its content to
// sniff as text. Spreadsheet aliases and file extensions are not trusted.
func isCSVUpload(data []byte, declared string) bool {
	mediaType := strings.TrimSpace(strings.Split(declared, ";")[0])
	if !strings.EqualFold(mediaType, csvMIME) {
		return false
	}

	for m := mimetype.Detect(data); m != nil; m = m.Parent() {
		if m.Is(csvMIME) || m.Is(plainTextMIME) {
			return true
		}
	}
	return false
}

func toDetailsResponse(b *domain.Batch) detailsResponse {
	products := make([]productResponse, 0, len(b.Products))
	for _, p := range b.Products {
		outputs := p.OutputImageURLs
		if outputs == nil {
			outputs = []string{}
		}
		products = append(products, productResponse{
			ID:              p.ID,
			SerialNumber:    p.SerialNumber,
			ProductName:     p.ProductName,
			InputImageURLs:  p.InputImageURLs,
			OutputImageURLs: outputs,
			CreatedAt:       p.CreatedAt,
			UpdatedAt:       p.UpdatedAt,
		})
	}

	return detailsResponse{
		ID:               b.ID,
		OriginalFilename: b.OriginalFilename,
		Status:           b.Status.String(),
		ErrorMessage:     b.ErrorMessage,
		WebhookURL:       b.WebhookURL,
		JobID:            b.JobID,
		Products:         products,
		CreatedAt:        b.CreatedAt,
		UpdatedAt:        b.UpdatedAt,
	}
}

func toJobResponse(j *domain.Job) jobResponse {
	resp := jobResponse{
		ID:           j.ID,
		Name:         j.Name,
		State:        j.State.String(),
		Progress:     j.Progress,
		Data:         j.Data,
		ReturnValue:  j.ReturnValue,
		AttemptsMade: j.AttemptsMade,
		MaxAttempts:  j.MaxAttempts,
		Stacktrace:   j.Stacktrace,
		Timestamp:    j.CreatedAt.UnixMilli(),
	}
	if resp.Stacktrace == nil {
		resp.Stacktrace = []string{}
	}
	if len(resp.ReturnValue) == 0 {
		resp.ReturnValue = json.RawMessage("null")
	}
	if j.FailedReason != "" {
		reason := j.FailedReason
		resp.FailedReason = &reason
	}
	if j.ProcessedAt != nil {
		ms := j.ProcessedAt.UnixMilli()
		resp.ProcessedOn = &ms
	}
	if j.FinishedAt != nil {
		ms := j.FinishedAt.UnixMilli()
		resp.FinishedOn = &ms
	}
	return resp
}

func requestCorrelationID(c *fiber.Ctx) string {
	if value := strings.TrimSpace(c.Get(fiber.HeaderXRequestID)); value != "" {
		return value
	}
	if value, ok := c.Locals("requestid").(string); ok {
		return strings.TrimSpace(value)
	}
	return ""
}

func toHTTPError(err error) error {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		return fiber.NewError(fiber.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrConflict):
		return fiber.NewError(fiber.StatusConflict, err.Error())
	default:
		return err
	}
}
