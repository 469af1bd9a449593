// Package signer talks to the external signing gateway. The service never
// holds private keys; it only forwards unsigned payloads and key identifiers.
package signer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"resty.dev/v3"
)

var (
	ErrSigningUnavailable = errors.New("signing gateway unavailable")
	ErrKeyNotFound        = errors.New("signing key not found")
)

// DefaultTimeout bounds every gateway call when none is configured.
const DefaultTimeout = 10 * time.Second

type signRequest struct {
	Payload string `json:"payload"`
	KeyID   string `json:"key_id"`
}

type signResponse struct {
	SignedPayload string `json:"signed_payload"`
}

// Gateway is an HTTP client for the signing gateway.
type Gateway struct {
	client *resty.Client
	logger *zap.Logger
}

// NewGateway creates a Gateway for baseURL. A non-empty token is sent as a
// bearer credential.
func NewGateway(baseURL, token string, timeout time.Duration, logger *zap.Logger) *Gateway {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	client := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")
	if token != "" {
		client.SetAuthToken(token)
	}
	return &Gateway{client: client, logger: logger}
}

// Close releases idle connections held by the client.
func (g *Gateway) Close() error {
	return g.client.Close()
}

// KeyExists reports whether the gateway holds keyID.
func (g *Gateway) KeyExists(ctx context.Context, keyID string) (bool, error) {
	resp, err := g.client.R().
		SetContext(ctx).
		Get("/keys/" + url.PathEscape(keyID))
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrSigningUnavailable, err)
	}

	switch {
	case resp.StatusCode() == http.StatusNotFound:
		return false, nil
	case resp.IsSuccess():
		return true, nil
	default:
		return false, fmt.Errorf("%w: key lookup returned status %d", ErrSigningUnavailable, resp.StatusCode())
	}
}

// Sign returns payload signed with keyID. The key is looked up first so a
// missing key never reaches the sign endpoint.
func (g *Gateway) Sign(ctx context.Context, payload, keyID string) (string, error) {
	exists, err := g.KeyExists(ctx, keyID)
	if err != nil {
		return "", err
	}
	if !exists {
		return "", fmt.Errorf("%w: %s", ErrKeyNotFound, keyID)
	}

	var out signResponse
	resp, err := g.client.R().
		SetContext(ctx).
		SetBody(signRequest{Payload: payload, KeyID: keyID}).
		SetResult(&out).
		Post("/sign")
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSigningUnavailable, err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return "", fmt.Errorf("%w: %s", ErrKeyNotFound, keyID)
	}
	if resp.IsError() {
		return "", fmt.Errorf("%w: sign returned status %d", ErrSigningUnavailable, resp.StatusCode())
	}
	if out.SignedPayload == "" {
		return "", fmt.Errorf("%w: empty signed payload", ErrSigningUnavailable)
	}

	g.logger.Debug("payload signed", zap.String("key_id", keyID))
	return out.SignedPayload, nil
}
