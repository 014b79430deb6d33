// Package examplerunner provides a reference PipelineRunner and
// TaskStore suitable for wiring into the demo composition root or for
// tests: an HTTP-backed runner that posts the rendered pipeline
// document to a configured endpoint, and an in-memory task store.
package examplerunner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/taskforge/engine/ports"
)

// headerCarrier adapts http.Header to otel's TextMapCarrier so trace
// context can be injected into outgoing requests.
type headerCarrier struct{ http.Header }

func (h *headerCarrier) Get(key string) string   { return h.Header.Get(key) }
func (h *headerCarrier) Set(key, value string)    { h.Header.Set(key, value) }
func (h *headerCarrier) Keys() []string {
	keys := make([]string, 0, len(h.Header))
	for k := range h.Header {
		keys = append(keys, k)
	}
	return keys
}

// HTTPRunner implements ports.PipelineRunner by POSTing the rendered
// pipeline document to endpoint and parsing a JSON response.
type HTTPRunner struct {
	endpoint string
	client   *http.Client
	tracer   trace.Tracer
}

// NewHTTPRunner constructs a runner posting to endpoint.
func NewHTTPRunner(endpoint string) *HTTPRunner {
	return &HTTPRunner{
		endpoint: endpoint,
		client: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		tracer: otel.Tracer("taskengine-http-runner"),
	}
}

// Execute posts rendered as the request body and maps the HTTP response
// into a RawResult.
func (r *HTTPRunner) Execute(ctx context.Context, pipelineName string, rendered map[string]any) (ports.RawResult, error) {
	ctx, span := r.tracer.Start(ctx, "http_runner.execute",
		trace.WithAttributes(attribute.String("pipeline", pipelineName)))
	defer span.End()

	body, err := json.Marshal(rendered)
	if err != nil {
		return ports.RawResult{}, fmt.Errorf("marshal pipeline: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(body))
	if err != nil {
		return ports.RawResult{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Pipeline-Name", pipelineName)
	otel.GetTextMapPropagator().Inject(ctx, &headerCarrier{req.Header})

	resp, err := r.client.Do(req)
	if err != nil {
		return ports.RawResult{}, fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return ports.RawResult{}, fmt.Errorf("read response: %w", err)
	}
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	var output map[string]any
	if len(respBody) > 0 {
		if err := json.Unmarshal(respBody, &output); err != nil {
			output = map[string]any{"body": string(respBody)}
		}
	}

	exitCode := 0
	if resp.StatusCode >= 400 {
		exitCode = 1
	}
	return ports.RawResult{Output: output, ExitCode: exitCode, Logs: string(respBody)}, nil
}
