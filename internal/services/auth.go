package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

var (
	// ErrInvalidPIN means the panel rejected the PIN.
	ErrInvalidPIN = errors.New("invalid PIN")
	// ErrRateLimited means the panel is refusing further PIN attempts
	// for a while (HTTP 429).
	ErrRateLimited = errors.New("too many PIN attempts")
)

// AuthService exchanges a one-time PIN for a panel bearer token
type AuthService struct {
	client  *http.Client
	baseURL string
}

type loginPINRequest struct {
	PIN string `json:"pin"`
}

type loginPINResponse struct {
	Token string `json:"token"`
}

// NewAuthService creates a new auth gateway client
func NewAuthService() (*AuthService, error) {
	baseURL := os.Getenv("PANEL_API_URL")
	if baseURL == "" {
		return nil, fmt.Errorf("missing PANEL_API_URL in environment variables")
	}

	return &AuthService{
		client:  &http.Client{Timeout: 15 * time.Second},
		baseURL: baseURL,
	}, nil
}

// NewAuthServiceWithURL creates an auth client against an explicit base
// URL (used by tests).
func NewAuthServiceWithURL(baseURL string) *AuthService {
	return &AuthService{
		client:  &http.Client{Timeout: 15 * time.Second},
		baseURL: baseURL,
	}
}

// ValidatePIN exchanges a PIN for a token. It returns ErrRateLimited on
// HTTP 429, ErrInvalidPIN on any other rejection, and a wrapped transport
// error when the panel could not be reached at all.
func (a *AuthService) ValidatePIN(ctx context.Context, pin string) (string, error) {
	body, err := json.Marshal(loginPINRequest{PIN: pin})
	if err != nil {
		return "", fmt.Errorf("failed to marshal login request: %w", err)
	}

	url := a.baseURL + "/api/login-pin"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to build login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to reach panel API: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return "", ErrRateLimited
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		io.Copy(io.Discard, resp.Body)
		return "", ErrInvalidPIN
	}

	var result loginPINResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("failed to decode login response: %w", err)
	}
	if result.Token == "" {
		return "", fmt.Errorf("panel returned an empty token")
	}

	return result.Token, nil
}
