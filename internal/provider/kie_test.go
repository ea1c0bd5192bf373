package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

// --- CreateTask ---

func TestKieCreateTask(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		body       string
		wantTaskID string
		wantStatus int
	}{
		{
			name:       "task id in data",
			status:     http.StatusOK,
			body:       `{"data":{"taskId":"abc-123"}}`,
			wantTaskID: "abc-123",
		},
		{
			name:       "task id at top level",
			status:     http.StatusOK,
			body:       `{"taskId":"top-9"}`,
			wantTaskID: "top-9",
		},
		{
			name:       "missing task id",
			status:     http.StatusOK,
			body:       `{"data":{}}`,
			wantStatus: http.StatusBadGateway,
		},
		{
			name:       "rate limited",
			status:     http.StatusTooManyRequests,
			body:       `slow down`,
			wantStatus: http.StatusTooManyRequests,
		},
		{
			name:       "payment required",
			status:     http.StatusPaymentRequired,
			body:       `out of credit`,
			wantStatus: http.StatusPaymentRequired,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var gotAuth, gotPath string
			var gotBody map[string]any
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				gotAuth = r.Header.Get("Authorization")
				gotPath = r.URL.Path
				_ = json.NewDecoder(r.Body).Decode(&gotBody)
				w.WriteHeader(tc.status)
				w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			c := NewKieClient(srv.URL, "secret", nil, nil)
			taskID, err := c.CreateTask(context.Background(), "flux-dev", map[string]any{"prompt": "a cat"})

			if gotAuth != "Bearer secret" {
				t.Errorf("Authorization = %q", gotAuth)
			}
			if gotPath != "/jobs/createTask" {
				t.Errorf("path = %q", gotPath)
			}
			if gotBody["model"] != "flux-dev" {
				t.Errorf("model = %v", gotBody["model"])
			}

			if tc.wantStatus != 0 {
				var pErr *Error
				if !errors.As(err, &pErr) {
					t.Fatalf("expected *Error, got %v", err)
				}
				if pErr.StatusCode != tc.wantStatus {
					t.Errorf("status = %d, want %d", pErr.StatusCode, tc.wantStatus)
				}
				return
			}
			if err != nil {
				t.Fatalf("CreateTask: %v", err)
			}
			if taskID != tc.wantTaskID {
				t.Errorf("taskID = %q, want %q", taskID, tc.wantTaskID)
			}
		})
	}
}

func TestKieCreateTask_NetworkErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // connection refused from here on

	c := NewKieClient(srv.URL, "secret", nil, nil)
	_, err := c.CreateTask(context.Background(), "flux-dev", nil)
	if !IsTransient(err) {
		t.Fatalf("expected transient error, got %v", err)
	}
}

// --- GetTask ---

func TestKieGetTask(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/jobs/recordInfo" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if got := r.URL.Query().Get("taskId"); got != "abc-123" {
			t.Errorf("taskId = %q", got)
		}
		w.Write([]byte(`{"data":{"taskId":"abc-123","state":"success"}}`))
	}))
	defer srv.Close()

	c := NewKieClient(srv.URL, "secret", nil, nil)
	record, err := c.GetTask(context.Background(), "abc-123")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if c.Status(record) != StatusSuccess {
		t.Errorf("status = %q, want success", c.Status(record))
	}
}

// --- record extractors ---

func TestKieStatus(t *testing.T) {
	c := NewKieClient("http://unused", "", nil, nil)
	tests := []struct {
		record string
		want   Status
	}{
		{`{"data":{"state":"success"}}`, StatusSuccess},
		{`{"data":{"state":"fail"}}`, StatusFail},
		{`{"data":{"state":"generating"}}`, StatusRunning},
		{`{"data":{"state":"waiting"}}`, StatusPending},
		{`{"data":{"status":"completed"}}`, StatusSuccess},
		{`{"data":{}}`, StatusPending},
		{`not json`, StatusPending},
	}
	for _, tc := range tests {
		if got := c.Status(json.RawMessage(tc.record)); got != tc.want {
			t.Errorf("Status(%s) = %q, want %q", tc.record, got, tc.want)
		}
	}
}

func TestKieResultURLs(t *testing.T) {
	c := NewKieClient("http://unused", "", nil, nil)

	record := json.RawMessage(`{"data":{"state":"success","resultJson":"{\"resultUrls\":[\"https://cdn/a.png\",\"\",\"https://cdn/b.png\"]}"}}`)
	urls := c.ResultURLs(record)
	if len(urls) != 2 || urls[0] != "https://cdn/a.png" || urls[1] != "https://cdn/b.png" {
		t.Errorf("urls = %v", urls)
	}

	if got := c.ResultURLs(json.RawMessage(`{"data":{"state":"success"}}`)); got != nil {
		t.Errorf("expected nil for empty resultJson, got %v", got)
	}
	if got := c.ResultURLs(json.RawMessage(`{"data":{"resultJson":"not json"}}`)); got != nil {
		t.Errorf("expected nil for malformed resultJson, got %v", got)
	}
}

func TestKieFailInfo(t *testing.T) {
	c := NewKieClient("http://unused", "", nil, nil)

	code, msg := c.FailInfo(json.RawMessage(`{"data":{"failCode":"500","failMsg":"generation failed"}}`))
	if code != "500" || msg != "generation failed" {
		t.Errorf("FailInfo = %q, %q", code, msg)
	}

	code, msg = c.FailInfo(json.RawMessage(`{"data":{}}`))
	if code != "" || msg != "" {
		t.Errorf("expected empty FailInfo, got %q, %q", code, msg)
	}
}
