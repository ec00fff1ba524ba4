package seal

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"
	"time"

	vaulterrors "github.com/alexjbarnes/vault-bridge/internal/errors"
	"github.com/go-resty/resty/v2"
)

// DefaultThreshold is the number of key servers that must agree before
// a key is released.
const DefaultThreshold = 2

//go:generate mockgen -source=keyservice.go -destination=mock_keyservice_test.go -package=seal

// KeyService releases content keys to holders of a valid session proof.
// Implementations return ErrNoAccess when the proof is rejected and
// ErrRetrievalFailed for anything else. The returned map holds one
// 32-byte key per requested id.
type KeyService interface {
	FetchKeys(ctx context.Context, ids []string, proof string) (map[string][]byte, error)
}

// HTTPKeyServiceConfig configures HTTPKeyService.
type HTTPKeyServiceConfig struct {
	BaseURL   string
	Threshold int
	Timeout   time.Duration
}

// HTTPKeyService talks to a key service over HTTP.
type HTTPKeyService struct {
	client    *resty.Client
	threshold int
}

var _ KeyService = (*HTTPKeyService)(nil)

type fetchKeysRequest struct {
	IDs       []string `json:"ids"`
	Proof     string   `json:"proof"`
	Threshold int      `json:"threshold"`
}

type fetchKeysResponse struct {
	Keys map[string]string `json:"keys"`
}

// NewHTTPKeyService builds a client for the key service at cfg.BaseURL.
func NewHTTPKeyService(cfg HTTPKeyServiceConfig) *HTTPKeyService {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	cli := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(cfg.Timeout)

	return &HTTPKeyService{client: cli, threshold: cfg.Threshold}
}

// FetchKeys posts one batch of ids with its proof.
func (h *HTTPKeyService) FetchKeys(ctx context.Context, ids []string, proof string) (map[string][]byte, error) {
	var out fetchKeysResponse
	resp, err := h.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(fetchKeysRequest{IDs: ids, Proof: proof, Threshold: h.threshold}).
		SetResult(&out).
		Post("/v1/fetch_keys")
	if err != nil {
		return nil, fmt.Errorf("fetch keys request: %w: %w", vaulterrors.ErrRetrievalFailed, err)
	}
	if err := mapKeyServiceError(resp); err != nil {
		return nil, err
	}

	keys := make(map[string][]byte, len(ids))
	for _, id := range ids {
		encoded, ok := out.Keys[id]
		if !ok {
			return nil, fmt.Errorf("key service returned no key for %s: %w", id, vaulterrors.ErrRetrievalFailed)
		}
		key, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil || len(key) != keyLen {
			return nil, fmt.Errorf("key service returned a malformed key for %s: %w", id, vaulterrors.ErrRetrievalFailed)
		}
		keys[id] = key
	}
	return keys, nil
}

func mapKeyServiceError(resp *resty.Response) error {
	code := resp.StatusCode()
	if code >= http.StatusOK && code < http.StatusMultipleChoices {
		return nil
	}
	if code == http.StatusUnauthorized || code == http.StatusForbidden {
		return fmt.Errorf("key service denied access (%d): %w", code, vaulterrors.ErrNoAccess)
	}

	body := strings.TrimSpace(string(resp.Body()))
	if body == "" {
		body = http.StatusText(code)
	}
	return fmt.Errorf("key service http %d: %s: %w", code, body, vaulterrors.ErrRetrievalFailed)
}
