package fetcher

import (
	"context"
	"errors"

	"rate-cache/internal/rates"
)

var (
	// ErrResponseTooLarge marks a response body over the declared limit.
	ErrResponseTooLarge = errors.New("fetcher: response exceeds declared max bytes")
	// ErrUpstreamStatus marks a non-2xx response from the price API.
	ErrUpstreamStatus = errors.New("fetcher: unexpected upstream status")
	// ErrMalformedPayload marks a body that did not normalize to candle tuples.
	ErrMalformedPayload = errors.New("fetcher: malformed candle payload")
	// ErrReplicaDivergence marks replicas that normalized to different bytes.
	ErrReplicaDivergence = errors.New("fetcher: replicas disagree on normalized response")
)

// RateSource fetches the rates for one contiguous run of buckets. It may
// return fewer points than requested when the provider has no data.
type RateSource interface {
	FetchRun(ctx context.Context, run []rates.Timestamp) ([]rates.RatePoint, error)
}

// Header is one HTTP header. Headers are a slice so their order is explicit.
type Header struct {
	Name  string
	Value string
}

// TransformFunc reduces a raw response to canonical form. It must be pure:
// equal input bytes give equal output bytes on every replica.
type TransformFunc func(Response) Response

// Request is one outbound call. MaxResponseBytes is declared up front so
// oversized bodies are rejected before they reach the transform.
type Request struct {
	Method           string
	URL              string
	Headers          []Header
	Body             []byte
	MaxResponseBytes uint64
	Transform        TransformFunc
}

// Response is an HTTP-shaped result, already transformed when the request
// carried a transform.
type Response struct {
	Status  int
	Headers []Header
	Body    []byte
}

// Outcaller is the outbound call primitive.
type Outcaller interface {
	Do(ctx context.Context, req Request) (Response, error)
}
