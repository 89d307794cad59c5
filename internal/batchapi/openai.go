package batchapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/kursadbilgin/batch-relay/internal/observability"
)

const (
	defaultBaseURL          = "https://api.openai.com/v1"
	defaultTimeout          = 60 * time.Second
	defaultCompletionWindow = "24h"

	// ChatCompletionsEndpoint is the per-request endpoint every batch line targets.
	ChatCompletionsEndpoint = "/v1/chat/completions"

	filePurposeBatch = "batch"
)

var _ Client = (*OpenAIClient)(nil)

type OpenAIConfig struct {
	APIKey           string
	BaseURL          string
	CompletionWindow string
	Timeout          time.Duration
}

type createBatchRequest struct {
	InputFileID      string            `json:"input_file_id"`
	Endpoint         string            `json:"endpoint"`
	CompletionWindow string            `json:"completion_window"`
	Metadata         map[string]string `json:"metadata,omitempty"`
}

type fileObject struct {
	ID      string `json:"id"`
	Purpose string `json:"purpose"`
}

type errorEnvelope struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error"`
}

// OpenAIClient implements Client against the OpenAI Files and Batches API.
type OpenAIClient struct {
	client           *resty.Client
	completionWindow string
	metrics          *observability.Metrics
}

func NewOpenAIClient(cfg OpenAIConfig, metrics *observability.Metrics) (*OpenAIClient, error) {
	client := resty.New()
	client.SetTimeout(defaultTimeout)
	client.SetRetryCount(0)

	return NewOpenAIClientWithClient(cfg, client, metrics)
}

func NewOpenAIClientWithClient(cfg OpenAIConfig, client *resty.Client, metrics *observability.Metrics) (*OpenAIClient, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, fmt.Errorf("batch api key is required")
	}
	if client == nil {
		return nil, fmt.Errorf("resty client is required")
	}

	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, fmt.Errorf("invalid batch api base url: %w", err)
	}

	window := strings.TrimSpace(cfg.CompletionWindow)
	if window == "" {
		window = defaultCompletionWindow
	}

	client.SetBaseURL(baseURL)
	client.SetAuthToken(apiKey)
	if cfg.Timeout > 0 {
		client.SetTimeout(cfg.Timeout)
	} else if client.GetClient().Timeout == 0 {
		client.SetTimeout(defaultTimeout)
	}
	client.SetRetryCount(0)

	return &OpenAIClient{
		client:           client,
		completionWindow: window,
		metrics:          metrics,
	}, nil
}

func (c *OpenAIClient) UploadFile(ctx context.Context, filename string, body io.Reader) (string, error) {
	if body == nil {
		return "", fmt.Errorf("upload body is required")
	}

	start := time.Now()
	response, err := c.client.R().
		SetContext(ctx).
		SetFileReader("file", filename, body).
		SetFormData(map[string]string{"purpose": filePurposeBatch}).
		Post("/files")
	c.metrics.ObserveBatchAPIRequest("upload_file", time.Since(start))

	raw, err := checkResponse("upload file", response, err)
	if err != nil {
		return "", err
	}

	var file fileObject
	if err := json.Unmarshal(raw, &file); err != nil {
		return "", &APIError{Operation: "upload file", Message: "invalid response body", Cause: err}
	}
	if strings.TrimSpace(file.ID) == "" {
		return "", &APIError{Operation: "upload file", Message: "response has no file id"}
	}
	return file.ID, nil
}

func (c *OpenAIClient) CreateBatch(ctx context.Context, inputFileID string) (Job, error) {
	if strings.TrimSpace(inputFileID) == "" {
		return Job{}, fmt.Errorf("input file id is required")
	}

	start := time.Now()
	response, err := c.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(createBatchRequest{
			InputFileID:      inputFileID,
			Endpoint:         ChatCompletionsEndpoint,
			CompletionWindow: c.completionWindow,
		}).
		Post("/batches")
	c.metrics.ObserveBatchAPIRequest("create_batch", time.Since(start))

	raw, err := checkResponse("create batch", response, err)
	if err != nil {
		return Job{}, err
	}
	return decodeJob("create batch", raw)
}

func (c *OpenAIClient) RetrieveBatch(ctx context.Context, batchID string) (Job, error) {
	if strings.TrimSpace(batchID) == "" {
		return Job{}, fmt.Errorf("batch id is required")
	}

	start := time.Now()
	response, err := c.client.R().
		SetContext(ctx).
		SetPathParam("batchID", batchID).
		Get("/batches/{batchID}")
	c.metrics.ObserveBatchAPIRequest("retrieve_batch", time.Since(start))

	raw, err := checkResponse("retrieve batch", response, err)
	if err != nil {
		return Job{}, err
	}
	return decodeJob("retrieve batch", raw)
}

func (c *OpenAIClient) FileContent(ctx context.Context, fileID string) ([]byte, error) {
	if strings.TrimSpace(fileID) == "" {
		return nil, fmt.Errorf("file id is required")
	}

	start := time.Now()
	response, err := c.client.R().
		SetContext(ctx).
		SetPathParam("fileID", fileID).
		Get("/files/{fileID}/content")
	c.metrics.ObserveBatchAPIRequest("file_content", time.Since(start))

	return checkResponse("file content", response, err)
}

func checkResponse(operation string, response *resty.Response, err error) ([]byte, error) {
	if err != nil {
		return nil, &APIError{
			Operation: operation,
			Message:   "request failed",
			Transient: !errors.Is(err, context.Canceled),
			Cause:     err,
		}
	}
	if response == nil {
		return nil, &APIError{
			Operation: operation,
			Message:   "empty response",
			Transient: true,
		}
	}

	statusCode := response.StatusCode()
	if statusCode >= http.StatusOK && statusCode < http.StatusMultipleChoices {
		return response.Body(), nil
	}

	return nil, &APIError{
		Operation:  operation,
		StatusCode: statusCode,
		Message:    errorMessage(statusCode, response.Body()),
		Transient:  isTransientHTTPStatus(statusCode),
	}
}

func decodeJob(operation string, raw []byte) (Job, error) {
	var job Job
	if err := json.Unmarshal(raw, &job); err != nil {
		return Job{}, &APIError{Operation: operation, Message: "invalid response body", Cause: err}
	}
	if strings.TrimSpace(job.ID) == "" {
		return Job{}, &APIError{Operation: operation, Message: "response has no batch id"}
	}
	return job, nil
}

func isTransientHTTPStatus(statusCode int) bool {
	return statusCode == http.StatusTooManyRequests || (statusCode >= http.StatusInternalServerError && statusCode <= 599)
}

func errorMessage(statusCode int, body []byte) string {
	base := fmt.Sprintf("returned status %d", statusCode)

	var envelope errorEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		return fmt.Sprintf("%s: %s", base, envelope.Error.Message)
	}

	if trimmed := strings.TrimSpace(string(body)); trimmed != "" {
		return fmt.Sprintf("%s: %s", base, trimmed)
	}
	return base
}
