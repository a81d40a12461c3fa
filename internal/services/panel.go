package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"
)

// ErrUnauthorized means the panel no longer accepts the bearer token
// (HTTP 401/403); the cached session must be discarded.
var ErrUnauthorized = errors.New("panel rejected the authorization token")

// PanelService executes authenticated commands against the admin panel
type PanelService struct {
	client  *http.Client
	baseURL string
}

type rebootRequest struct {
	Server string `json:"server"`
}

type panelResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// NewPanelService creates a new command gateway client
func NewPanelService() (*PanelService, error) {
	baseURL := os.Getenv("PANEL_API_URL")
	if baseURL == "" {
		return nil, fmt.Errorf("missing PANEL_API_URL in environment variables")
	}

	return &PanelService{
		client:  &http.Client{Timeout: 30 * time.Second},
		baseURL: baseURL,
	}, nil
}

// NewPanelServiceWithURL creates a panel client against an explicit base
// URL (used by tests).
func NewPanelServiceWithURL(baseURL string) *PanelService {
	return &PanelService{
		client:  &http.Client{Timeout: 30 * time.Second},
		baseURL: baseURL,
	}
}

// RebootServer asks the panel to reboot the named server. It returns
// ErrUnauthorized when the token has been invalidated server-side.
func (p *PanelService) RebootServer(ctx context.Context, token, server string) (string, error) {
	body, err := json.Marshal(rebootRequest{Server: server})
	if err != nil {
		return "", fmt.Errorf("failed to marshal reboot request: %w", err)
	}

	url := p.baseURL + "/api/servers/reboot"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to build reboot request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to reach panel API: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return "", ErrUnauthorized
	}

	var result panelResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("failed to decode reboot response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 || !result.Success {
		msg := result.Message
		if msg == "" {
			msg = fmt.Sprintf("panel returned %d", resp.StatusCode)
		}
		return "", fmt.Errorf("reboot failed: %s", msg)
	}

	return result.Message, nil
}
