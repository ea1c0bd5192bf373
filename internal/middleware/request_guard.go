package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

const ctxGenerationRequestKey contextKey = "parsed_generation_request"

// GenerationRequest is the request body of the generation endpoint, parsed
// once by RequestGuard and stored in context so the handler does not parse
// it again.
type GenerationRequest struct {
	Model         string            `json:"model"`
	Prompt        string            `json:"prompt"`
	Options       map[string]string `json:"options"`
	Outputs       int               `json:"outputs"`
	ReferenceURLs []string          `json:"reference_urls"`
}

// GenerationRequestFromCtx returns the request parsed by RequestGuard, or nil.
func GenerationRequestFromCtx(ctx context.Context) *GenerationRequest {
	req, _ := ctx.Value(ctxGenerationRequestKey).(*GenerationRequest)
	return req
}

// WithGenerationRequest returns a context carrying a parsed generation request.
func WithGenerationRequest(ctx context.Context, req *GenerationRequest) context.Context {
	return context.WithValue(ctx, ctxGenerationRequestKey, req)
}

// RequestGuard validates the cheap, shape-level properties of a generation
// request before it reaches admission control: body is JSON, prompt is
// present and within the length limit, outputs is within bounds. Reads the
// body and replaces r.Body for downstream handlers.
func RequestGuard(maxPromptLength, maxOutputs int) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, err := io.ReadAll(r.Body)
			r.Body.Close()
			if err != nil {
				http.Error(w, `{"error":"failed to read body"}`, http.StatusBadRequest)
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(bodyBytes))

			var req GenerationRequest
			if err := json.Unmarshal(bodyBytes, &req); err != nil {
				http.Error(w, `{"error":"invalid JSON body"}`, http.StatusBadRequest)
				return
			}
			if req.Model == "" {
				http.Error(w, `{"error":"model is required"}`, http.StatusBadRequest)
				return
			}
			if req.Prompt == "" {
				http.Error(w, `{"error":"prompt is required"}`, http.StatusBadRequest)
				return
			}
			if len(req.Prompt) > maxPromptLength {
				http.Error(w, fmt.Sprintf(`{"error":"prompt exceeds %d characters"}`, maxPromptLength), http.StatusBadRequest)
				return
			}
			if req.Outputs == 0 {
				req.Outputs = 1
			}
			if req.Outputs < 1 || req.Outputs > maxOutputs {
				http.Error(w, fmt.Sprintf(`{"error":"outputs must be between 1 and %d"}`, maxOutputs), http.StatusBadRequest)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithGenerationRequest(r.Context(), &req)))
		})
	}
}
