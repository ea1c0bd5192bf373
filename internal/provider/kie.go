package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pixelforge/backend/internal/observability"
)

const kieTimeout = 60 * time.Second

// KieClient talks to the kie.ai jobs API.
type KieClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	metrics    *observability.Metrics
	log        *slog.Logger
}

func NewKieClient(baseURL, apiKey string, metrics *observability.Metrics, log *slog.Logger) *KieClient {
	if log == nil {
		log = slog.Default()
	}
	return &KieClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: kieTimeout},
		metrics:    metrics,
		log:        log,
	}
}

var _ Client = (*KieClient)(nil)

func (c *KieClient) do(ctx context.Context, op, method, path string, body any, query url.Values) (json.RawMessage, error) {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal kie request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, fmt.Errorf("create kie request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	c.metrics.ProviderRequest(ctx, op, time.Since(start))
	if err != nil {
		// Timeouts and connection failures are retryable, the same as a
		// provider 503.
		return nil, &Error{StatusCode: http.StatusServiceUnavailable, Message: err.Error()}
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read kie response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, &Error{StatusCode: resp.StatusCode, Message: string(payload)}
	}
	return payload, nil
}

// kieEnvelope is the common shape of kie.ai job responses.
type kieEnvelope struct {
	Data struct {
		TaskID     string  `json:"taskId"`
		State      string  `json:"state"`
		Status     string  `json:"status"`
		ResultJSON string  `json:"resultJson"`
		FailCode   *string `json:"failCode"`
		FailMsg    *string `json:"failMsg"`
	} `json:"data"`
	TaskID string `json:"taskId"`
}

func (c *KieClient) CreateTask(ctx context.Context, modelID string, input map[string]any) (string, error) {
	record, err := c.do(ctx, "createTask", http.MethodPost, "/jobs/createTask", map[string]any{
		"model": modelID,
		"input": input,
	}, nil)
	if err != nil {
		return "", err
	}

	var env kieEnvelope
	if err := json.Unmarshal(record, &env); err != nil {
		return "", fmt.Errorf("decode kie createTask response: %w", err)
	}
	taskID := env.Data.TaskID
	if taskID == "" {
		taskID = env.TaskID
	}
	if taskID == "" {
		return "", &Error{StatusCode: http.StatusBadGateway, Message: "createTask returned no taskId"}
	}
	return taskID, nil
}

func (c *KieClient) GetTask(ctx context.Context, providerTaskID string) (json.RawMessage, error) {
	return c.do(ctx, "recordInfo", http.MethodGet, "/jobs/recordInfo", nil, url.Values{"taskId": {providerTaskID}})
}

// Kie reports `state` (waiting/success/fail); some responses carry `status`.
func (c *KieClient) Status(record json.RawMessage) Status {
	var env kieEnvelope
	if err := json.Unmarshal(record, &env); err != nil {
		return StatusPending
	}
	raw := env.Data.State
	if raw == "" {
		raw = env.Data.Status
	}
	switch strings.ToLower(raw) {
	case "success", "succeeded", "completed", "done":
		return StatusSuccess
	case "fail", "failed", "error":
		return StatusFail
	case "running", "generating", "processing":
		return StatusRunning
	default:
		return StatusPending
	}
}

func (c *KieClient) ResultURLs(record json.RawMessage) []string {
	var env kieEnvelope
	if err := json.Unmarshal(record, &env); err != nil {
		return nil
	}
	if env.Data.ResultJSON == "" {
		return nil
	}
	var result struct {
		ResultURLs []string `json:"resultUrls"`
	}
	if err := json.Unmarshal([]byte(env.Data.ResultJSON), &result); err != nil {
		c.log.Warn("failed to parse kie resultJson", "error", err)
		return nil
	}
	urls := make([]string, 0, len(result.ResultURLs))
	for _, u := range result.ResultURLs {
		if u != "" {
			urls = append(urls, u)
		}
	}
	return urls
}

func (c *KieClient) FailInfo(record json.RawMessage) (string, string) {
	var env kieEnvelope
	if err := json.Unmarshal(record, &env); err != nil {
		return "", ""
	}
	var code, msg string
	if env.Data.FailCode != nil {
		code = *env.Data.FailCode
	}
	if env.Data.FailMsg != nil {
		msg = *env.Data.FailMsg
	}
	return code, msg
}
