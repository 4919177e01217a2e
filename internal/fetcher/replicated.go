package fetcher

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog"
)

// ReplicatedOutcaller sends every request through several independent
// outcallers and accepts the result only when all of them normalized to the
// same bytes. Normalized output is the only thing allowed into the cache, so
// divergent replicas fail the call instead of picking a winner.
type ReplicatedOutcaller struct {
	replicas []Outcaller
	logger   zerolog.Logger
}

// NewReplicatedOutcaller wraps the given replicas. It panics without any.
func NewReplicatedOutcaller(replicas []Outcaller, logger zerolog.Logger) *ReplicatedOutcaller {
	if len(replicas) == 0 {
		panic("replicated outcaller needs at least one replica")
	}
	return &ReplicatedOutcaller{
		replicas: replicas,
		logger:   logger.With().Str("component", "replicated_outcaller").Logger(),
	}
}

// Do issues req on every replica concurrently.
func (r *ReplicatedOutcaller) Do(ctx context.Context, req Request) (Response, error) {
	responses := make([]Response, len(r.replicas))
	errs := make([]error, len(r.replicas))

	var wg sync.WaitGroup
	for i, replica := range r.replicas {
		wg.Add(1)
		go func(i int, replica Outcaller) {
			defer wg.Done()
			responses[i], errs[i] = replica.Do(ctx, req)
		}(i, replica)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			return Response{}, fmt.Errorf("replica %d: %w", i, err)
		}
	}

	want := Digest(responses[0])
	for i, resp := range responses[1:] {
		if got := Digest(resp); got != want {
			r.logger.Warn().
				Str("url", req.URL).
				Str("digest_0", want.Hex()).
				Str("digest_"+strconv.Itoa(i+1), got.Hex()).
				Msg("replica responses diverged")
			return Response{}, fmt.Errorf("%w: replica %d", ErrReplicaDivergence, i+1)
		}
	}
	return responses[0], nil
}

// Digest is the Keccak-256 hash of a normalized response: status, headers
// and body.
func Digest(resp Response) common.Hash {
	parts := make([][]byte, 0, 2+2*len(resp.Headers))
	parts = append(parts, []byte(strconv.Itoa(resp.Status)))
	for _, h := range resp.Headers {
		parts = append(parts, []byte(h.Name), []byte(h.Value))
	}
	parts = append(parts, resp.Body)

	hashes := make([][]byte, 0, len(parts))
	for _, p := range parts {
		hashes = append(hashes, crypto.Keccak256(p))
	}
	return crypto.Keccak256Hash(hashes...)
}

var _ Outcaller = (*ReplicatedOutcaller)(nil)
