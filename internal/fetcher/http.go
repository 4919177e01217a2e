package fetcher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// HTTPOutcaller performs outbound calls with net/http.
type HTTPOutcaller struct {
	client *http.Client
	logger zerolog.Logger
}

// NewHTTPOutcaller constructs an outcaller with the given request timeout.
func NewHTTPOutcaller(timeout time.Duration, logger zerolog.Logger) *HTTPOutcaller {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPOutcaller{
		client: &http.Client{Timeout: timeout},
		logger: logger.With().Str("component", "http_outcaller").Logger(),
	}
}

// Do sends req, enforces its size limit and applies its transform.
func (o *HTTPOutcaller) Do(ctx context.Context, req Request) (Response, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, body)
	if err != nil {
		return Response{}, fmt.Errorf("create request: %w", err)
	}
	for _, h := range req.Headers {
		httpReq.Header.Set(h.Name, h.Value)
	}

	resp, err := o.client.Do(httpReq)
	if err != nil {
		return Response{}, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	reader := io.Reader(resp.Body)
	limit := int64(req.MaxResponseBytes)
	if limit > 0 {
		reader = io.LimitReader(resp.Body, limit+1)
	}

	payload, err := io.ReadAll(reader)
	if err != nil {
		return Response{}, fmt.Errorf("read response: %w", err)
	}
	if limit > 0 && int64(len(payload)) > limit {
		return Response{}, fmt.Errorf("%w: limit %d", ErrResponseTooLarge, limit)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Response{}, parseHTTPError(resp.StatusCode, payload)
	}

	o.logger.Debug().Str("url", req.URL).Int("bytes", len(payload)).Msg("outcall completed")

	out := Response{
		Status:  resp.StatusCode,
		Headers: flattenHeaders(resp.Header),
		Body:    payload,
	}
	if req.Transform != nil {
		out = req.Transform(out)
	}
	return out, nil
}

func flattenHeaders(h http.Header) []Header {
	headers := make([]Header, 0, len(h))
	for name, values := range h {
		for _, v := range values {
			headers = append(headers, Header{Name: name, Value: v})
		}
	}
	sort.Slice(headers, func(i, j int) bool {
		if headers[i].Name != headers[j].Name {
			return headers[i].Name < headers[j].Name
		}
		return headers[i].Value < headers[j].Value
	})
	return headers
}

type errorResponse struct {
	Message string `json:"message"`
}

func parseHTTPError(status int, payload []byte) error {
	var apiErr errorResponse
	if err := json.Unmarshal(payload, &apiErr); err == nil && apiErr.Message != "" {
		return fmt.Errorf("%w (%d): %s", ErrUpstreamStatus, status, apiErr.Message)
	}
	if len(payload) > 0 {
		return fmt.Errorf("%w (%d): %s", ErrUpstreamStatus, status, strings.TrimSpace(string(payload)))
	}
	return fmt.Errorf("%w (%d)", ErrUpstreamStatus, status)
}

var _ Outcaller = (*HTTPOutcaller)(nil)
