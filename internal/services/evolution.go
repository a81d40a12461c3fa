package services

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"time"
)

// Messenger sends an outbound text to a phone number.
type Messenger interface {
	SendText(to, text string) error
}

// EvolutionService sends WhatsApp messages through an Evolution API instance
type EvolutionService struct {
	client   *http.Client
	baseURL  string
	apiKey   string
	instance string
}

type evolutionSendRequest struct {
	Number string `json:"number"`
	Text   string `json:"text"`
}

// NewEvolutionService creates a new Evolution API service instance
func NewEvolutionService() (*EvolutionService, error) {
	baseURL := os.Getenv("EVO_API_URL")
	apiKey := os.Getenv("EVO_API_KEY")
	instance := os.Getenv("EVO_INSTANCE")

	if baseURL == "" || apiKey == "" || instance == "" {
		return nil, fmt.Errorf("missing Evolution API credentials in environment variables")
	}

	return &EvolutionService{
		client:   &http.Client{Timeout: 15 * time.Second},
		baseURL:  baseURL,
		apiKey:   apiKey,
		instance: instance,
	}, nil
}

// SendText sends a plain WhatsApp text message via the Evolution API
func (e *EvolutionService) SendText(to, text string) error {
	body, err := json.Marshal(evolutionSendRequest{Number: to, Text: text})
	if err != nil {
		return fmt.Errorf("failed to marshal send request: %w", err)
	}

	url := fmt.Sprintf("%s/message/sendText/%s", e.baseURL, e.instance)
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build send request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("apikey", e.apiKey)

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach Evolution API: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("evolution API returned %d: %s", resp.StatusCode, string(detail))
	}

	log.Printf("✅ WhatsApp message sent to %s via instance %s", to, e.instance)
	return nil
}
