// Package blobstore uploads and downloads opaque blobs through ordered
// lists of publisher and aggregator mirrors. Each attempt is bounded by
// its own timeout; the first mirror to succeed wins and failed mirrors
// are skipped, never retried.
package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	vaulterrors "github.com/alexjbarnes/vault-bridge/internal/errors"
	"github.com/alexjbarnes/vault-bridge/internal/logging"
	"github.com/alexjbarnes/vault-bridge/internal/metrics"
	"github.com/alexjbarnes/vault-bridge/internal/models"
	"github.com/go-resty/resty/v2"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultTimeout bounds a single mirror attempt.
	DefaultTimeout = 10 * time.Second

	// defaultConcurrency is the number of blob ids fetched at once by
	// GetMany. Mirrors for one id are still walked one at a time.
	defaultConcurrency = 4

	// maxBlobBytes caps a downloaded blob so a misbehaving aggregator
	// cannot exhaust memory.
	maxBlobBytes = 64 * 1024 * 1024

	blobsPath = "/v1/blobs"
)

// Config lists the mirrors and attempt limits. The slices are copied on
// construction and never modified afterwards.
type Config struct {
	Publishers  []string
	Aggregators []string
	Timeout     time.Duration
	Concurrency int
}

// Store is the resilient blob store client.
type Store struct {
	publishers  []string
	aggregators []string
	timeout     time.Duration
	concurrency int
	client      *resty.Client
	logger      *slog.Logger
}

// New creates a Store. A nil client gets a default resty client; a nil
// logger discards output.
func New(cfg Config, client *resty.Client, logger *slog.Logger) *Store {
	if client == nil {
		client = resty.New()
	}
	if logger == nil {
		logger = logging.Discard()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}

	return &Store{
		publishers:  append([]string(nil), cfg.Publishers...),
		aggregators: append([]string(nil), cfg.Aggregators...),
		timeout:     cfg.Timeout,
		concurrency: cfg.Concurrency,
		client:      client,
		logger:      logger,
	}
}

// Put stores data for the given number of epochs on the first publisher
// that accepts it.
func (s *Store) Put(ctx context.Context, data []byte, epochs int) (*models.BlobDescriptor, error) {
	for _, endpoint := range s.publishers {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		desc, err := s.putOnce(ctx, endpoint, data, epochs)
		if err != nil {
			metrics.RecordMirrorAttempt("put", attemptResult(err))
			s.logger.Warn("publisher attempt failed, trying next",
				slog.String("endpoint", endpoint),
				slog.String("error", err.Error()),
			)
			continue
		}

		metrics.RecordMirrorAttempt("put", "ok")
		metrics.RecordUpload(len(data))
		s.logger.Debug("blob stored",
			slog.String("endpoint", endpoint),
			slog.String("blob_id", desc.BlobID),
			slog.String("status", string(desc.Status)),
		)
		return desc, nil
	}

	return nil, fmt.Errorf("storing %d bytes on %d publishers: %w",
		len(data), len(s.publishers), vaulterrors.ErrAllMirrorsExhausted)
}

func (s *Store) putOnce(ctx context.Context, endpoint string, data []byte, epochs int) (*models.BlobDescriptor, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	resp, err := s.client.R().
		SetContext(attemptCtx).
		SetHeader("Content-Type", "application/octet-stream").
		SetQueryParam("epochs", strconv.Itoa(epochs)).
		SetBody(data).
		Put(strings.TrimRight(endpoint, "/") + blobsPath)
	if err != nil {
		return nil, &vaulterrors.MirrorError{Endpoint: endpoint, Err: err}
	}

	if resp.StatusCode() != http.StatusOK {
		return nil, &vaulterrors.MirrorError{Endpoint: endpoint, Status: resp.StatusCode()}
	}

	desc, err := parseStoreResponse(resp.Body())
	if err != nil {
		return nil, &vaulterrors.MirrorError{Endpoint: endpoint, Status: resp.StatusCode(), Err: err}
	}
	desc.Mirror = endpoint

	return desc, nil
}

// Get downloads a blob from the first aggregator that has it. An error
// wrapping ErrAllMirrorsExhausted means the content is unavailable, not
// that the session is broken.
func (s *Store) Get(ctx context.Context, blobID string) ([]byte, error) {
	for _, endpoint := range s.aggregators {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		data, err := s.getOnce(ctx, endpoint, blobID)
		if err != nil {
			metrics.RecordMirrorAttempt("get", attemptResult(err))
			s.logger.Warn("aggregator attempt failed, trying next",
				slog.String("endpoint", endpoint),
				slog.String("blob_id", blobID),
				slog.String("error", err.Error()),
			)
			continue
		}

		metrics.RecordMirrorAttempt("get", "ok")
		metrics.RecordDownload(len(data))
		return data, nil
	}

	return nil, fmt.Errorf("fetching blob %s from %d aggregators: %w",
		blobID, len(s.aggregators), vaulterrors.ErrAllMirrorsExhausted)
}

func (s *Store) getOnce(ctx context.Context, endpoint, blobID string) ([]byte, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	resp, err := s.client.R().
		SetContext(attemptCtx).
		SetDoNotParseResponse(true).
		Get(strings.TrimRight(endpoint, "/") + blobsPath + "/" + url.PathEscape(blobID))
	if err != nil {
		return nil, &vaulterrors.MirrorError{Endpoint: endpoint, Err: err}
	}

	body := resp.RawBody()
	defer body.Close()

	if resp.StatusCode() < 200 || resp.StatusCode() > 299 {
		return nil, &vaulterrors.MirrorError{Endpoint: endpoint, Status: resp.StatusCode()}
	}

	data, err := io.ReadAll(io.LimitReader(body, maxBlobBytes+1))
	if err != nil {
		return nil, &vaulterrors.MirrorError{Endpoint: endpoint, Status: resp.StatusCode(), Err: err}
	}
	if len(data) > maxBlobBytes {
		return nil, &vaulterrors.MirrorError{
			Endpoint: endpoint,
			Status:   resp.StatusCode(),
			Err:      fmt.Errorf("blob exceeds %d bytes", maxBlobBytes),
		}
	}

	return data, nil
}

// Result is the outcome of fetching one blob id in GetMany.
type Result struct {
	BlobID string
	Data   []byte
	Err    error
}

// GetMany fetches several blobs concurrently. Each id walks the
// aggregator list on its own; results come back in input order.
func (s *Store) GetMany(ctx context.Context, blobIDs []string) []Result {
	results := make([]Result, len(blobIDs))

	var g errgroup.Group
	g.SetLimit(s.concurrency)

	for i, id := range blobIDs {
		g.Go(func() error {
			data, err := s.Get(ctx, id)
			results[i] = Result{BlobID: id, Data: data, Err: err}
			return nil
		})
	}
	_ = g.Wait()

	return results
}

func attemptResult(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	return "error"
}
