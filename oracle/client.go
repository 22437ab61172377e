// Package oracle is the abstract prediction boundary: both the
// ML-Classifier and the LLM-Signal kernel drive their trade decisions
// through the same predict(features) -> {direction, confidence} call
// site, live or in backtest. The LLM-backed implementation talks to a
// small table of OpenAI-compatible providers over plain HTTP.
package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Direction is the predicted trade direction.
type Direction string

const (
	DirectionLong  Direction = "long"
	DirectionShort Direction = "short"
	DirectionFlat  Direction = "flat"
)

// Prediction is the common output shape both oracles (ML and LLM)
// produce.
type Prediction struct {
	Direction  Direction
	Confidence float64
	Reasoning  string
	RiskLevel  string
}

// Predictor is implemented by both the ML-Classifier's forest and the
// LLM-Signal's prompt client, so kernel code can be written once
// against the interface.
type Predictor interface {
	Predict(ctx context.Context, features map[string]float64) (Prediction, error)
}

// AIClient is a text-completion client: send a system+user prompt
// pair, get back the model's raw text response.
type AIClient interface {
	SetAPIKey(apiKey, baseURL, model, provider string)
	SetTemperature(temperature float64)
	CallWithMessages(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

var defaultProviderURLs = map[string]string{
	"openai": "https://api.openai.com/v1",
	"custom": "",
}

var defaultProviderModels = map[string]string{
	"openai": "gpt-4o-mini",
}

const defaultTimeout = 60 * time.Second

// HTTPClient is a plain net/http AIClient: every provider behind it
// speaks the OpenAI-compatible chat-completions wire format, so no
// provider SDK is needed.
type HTTPClient struct {
	provider    string
	apiKey      string
	baseURL     string
	model       string
	temperature float64
	timeout     time.Duration
	log         zerolog.Logger
}

// NewHTTPClient builds a client defaulting to the openai provider at
// low temperature, favoring deterministic trading decisions over
// creative ones.
func NewHTTPClient(log zerolog.Logger) *HTTPClient {
	return &HTTPClient{
		provider:    "openai",
		baseURL:     defaultProviderURLs["openai"],
		model:       defaultProviderModels["openai"],
		temperature: 0.1,
		timeout:     defaultTimeout,
		log:         log,
	}
}

func (c *HTTPClient) SetAPIKey(apiKey, baseURL, model, provider string) {
	c.apiKey = apiKey
	c.provider = provider
	if baseURL == "" {
		if def, ok := defaultProviderURLs[provider]; ok {
			baseURL = def
		}
	}
	c.baseURL = baseURL
	if model != "" {
		c.model = model
	} else if def, ok := defaultProviderModels[provider]; ok {
		c.model = def
	}
}

func (c *HTTPClient) SetTemperature(t float64) { c.temperature = t }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

// CallWithMessages makes up to three attempts in all on transient
// HTTP failures, with a linear backoff (500ms, then 1s) between them.
func (c *HTTPClient) CallWithMessages(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	if c.apiKey == "" {
		return "", fmt.Errorf("oracle: API key not set")
	}

	const maxAttempts = 3
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		result, err := c.callOnce(ctx, systemPrompt, userPrompt)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !isRetryable(err) {
			return "", err
		}
		if attempt < maxAttempts {
			select {
			case <-time.After(time.Duration(attempt) * 500 * time.Millisecond):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
	}
	return "", fmt.Errorf("oracle: exhausted %d attempts: %w", maxAttempts, lastErr)
}

func (c *HTTPClient) callOnce(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	messages := []chatMessage{}
	if systemPrompt != "" {
		messages = append(messages, chatMessage{Role: "system", Content: systemPrompt})
	}
	messages = append(messages, chatMessage{Role: "user", Content: userPrompt})

	body, err := json.Marshal(chatRequest{Model: c.model, Messages: messages, Temperature: c.temperature})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	url := strings.TrimSuffix(c.baseURL, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	httpClient := &http.Client{Timeout: c.timeout}
	resp, err := httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("oracle: status %d: %s", resp.StatusCode, string(respBody))
	}

	var parsed chatResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", fmt.Errorf("parse response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("oracle: empty response")
	}
	if parsed.Choices[0].FinishReason == "length" {
		c.log.Warn().Msg("oracle response truncated at max tokens")
	}
	return parsed.Choices[0].Message.Content, nil
}

func isRetryable(err error) bool {
	s := err.Error()
	for _, marker := range []string{"EOF", "timeout", "connection reset", "connection refused", "temporary failure", "no such host"} {
		if strings.Contains(s, marker) {
			return true
		}
	}
	return false
}
