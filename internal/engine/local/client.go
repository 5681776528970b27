package local

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// API endpoints and paths.
const (
	apiGenerateSpeech = "/v1/generate/speech"
	apiVoices         = "/v1/voices"
	apiHealth         = "/health"
)

// HTTP headers.
const (
	headerContentType = "Content-Type"
	headerAccept      = "Accept"
	contentTypeJSON   = "application/json"
	contentTypeWAV    = "audio/wav"
	contentTypePCM    = "audio/pcm"
)

// Default values.
const (
	defaultTemperature = 0.75
	defaultLanguage    = "en"
)

// Client errors.
var (
	ErrUnexpectedContentType = errors.New("unexpected content type")
	ErrServiceStatus         = errors.New("TTS service error")
)

const (
	errFmtServiceErrorWithCode = "%w (%s): %s (code: %s)"
	errFmtServiceNonOKStatus   = "%w: status %s, body: %s"
	errFmtContentType          = "%w: expected %s, got %s"
)

// SpeechRequest is the JSON payload of a generation request.
type SpeechRequest struct {
	Text string `json:"text"`

	// Voice names a built-in speaker of the server.
	Voice string `json:"voice,omitempty"`

	// SpeakerRefPath is a server-side reference clip for voice cloning. It
	// takes precedence over Voice.
	SpeakerRefPath string `json:"speaker_ref_path,omitempty"`

	Language    string  `json:"language"`
	Temperature float64 `json:"temperature"`
	Speed       float64 `json:"speed,omitempty"`
	SampleRate  int     `json:"sample_rate,omitempty"`

	// Stream asks the server to write audio as it is generated, in
	// ResponseFormat.
	Stream         bool   `json:"stream,omitempty"`
	ResponseFormat string `json:"response_format,omitempty"`
}

// ErrorResponse is the structured error body of the server.
type ErrorResponse struct {
	Detail    string `json:"detail"`
	ErrorCode string `json:"error_code,omitempty"`
}

// VoiceInfo is one entry of the server's voice listing.
type VoiceInfo struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Gender   string `json:"gender,omitempty"`
	Language string `json:"language,omitempty"`
}

// HTTPClient talks to a local TTS server.
type HTTPClient struct {
	httpClient *http.Client
	baseURL    string
}

// NewHTTPClient creates a client for baseURL, e.g. "http://localhost:8000".
// timeout bounds non-streaming calls; streams are bounded by their context.
func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// GenerateSpeech returns a complete WAV clip.
func (c *HTTPClient) GenerateSpeech(ctx context.Context, req SpeechRequest) ([]byte, error) {
	req.Stream = false
	req.ResponseFormat = ""

	resp, err := c.post(ctx, c.httpClient, req, contentTypeWAV)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	audioData, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read audio data: %w", err)
	}

	return audioData, nil
}

// StreamSpeech starts a streaming generation and returns the open body. The
// caller must close it.
func (c *HTTPClient) StreamSpeech(ctx context.Context, req SpeechRequest, pcm bool) (io.ReadCloser, error) {
	accept := contentTypeWAV
	req.ResponseFormat = "wav"

	if pcm {
		accept = contentTypePCM
		req.ResponseFormat = "pcm"
	}

	req.Stream = true

	// The client timeout would cut long streams short.
	streaming := &http.Client{Transport: c.httpClient.Transport}

	resp, err := c.post(ctx, streaming, req, accept)
	if err != nil {
		return nil, err
	}

	return resp.Body, nil
}

// Voices lists the server's built-in speakers.
func (c *HTTPClient) Voices(ctx context.Context) ([]VoiceInfo, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+apiVoices, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create voices request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to list voices at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.parseErrorResponse(resp)
	}

	var voices []VoiceInfo
	if err := json.NewDecoder(resp.Body).Decode(&voices); err != nil {
		return nil, fmt.Errorf("failed to decode voices: %w", err)
	}

	return voices, nil
}

// HealthCheck verifies that the server is up.
func (c *HTTPClient) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+apiHealth, http.NoBody)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed for service at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: health check status %s", ErrServiceStatus, resp.Status)
	}

	return nil
}

func (c *HTTPClient) post(ctx context.Context, client *http.Client, req SpeechRequest, accept string) (*http.Response, error) {
	if req.Temperature == 0 {
		req.Temperature = defaultTemperature
	}

	if req.Language == "" {
		req.Language = defaultLanguage
	}

	requestBody, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+apiGenerateSpeech, bytes.NewReader(requestBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set(headerContentType, contentTypeJSON)
	httpReq.Header.Set(headerAccept, accept)

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to send request to TTS service at %s: %w", c.baseURL, err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()

		return nil, c.parseErrorResponse(resp)
	}

	if contentType := resp.Header.Get(headerContentType); !strings.HasPrefix(contentType, accept) {
		resp.Body.Close()

		return nil, fmt.Errorf(errFmtContentType, ErrUnexpectedContentType, accept, contentType)
	}

	return resp, nil
}

// parseErrorResponse decodes a structured error, falling back to the raw body.
func (c *HTTPClient) parseErrorResponse(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)

	var errorResp ErrorResponse
	if err := json.Unmarshal(body, &errorResp); err == nil && errorResp.Detail != "" {
		return fmt.Errorf(errFmtServiceErrorWithCode, ErrServiceStatus, resp.Status, errorResp.Detail, errorResp.ErrorCode)
	}

	return fmt.Errorf(errFmtServiceNonOKStatus, ErrServiceStatus, resp.Status, string(body))
}
