package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// structuredResponse is the {signal, confidence, reasoning, risk_level}
// shape the LLM-Signal kernel expects back.
type structuredResponse struct {
	Signal     string  `json:"signal"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning"`
	RiskLevel  string  `json:"risk_level"`
}

const systemPrompt = `You are a quantitative trading signal generator. Given a summary of technical factors for one symbol, respond with a single JSON object and nothing else, matching exactly this shape:
{"signal": "long" | "short" | "flat", "confidence": <float 0.0-1.0>, "reasoning": "<short explanation>", "risk_level": "low" | "medium" | "high"}`

// LLMPredictor implements Predictor by formatting a factor summary
// into a prompt and parsing a structured JSON response. Malformed
// responses surface as an error so the caller can treat them as a
// recoverable kernel error without emitting a trade.
type LLMPredictor struct {
	client AIClient
}

// NewLLMPredictor wraps an AIClient (typically *HTTPClient) as a Predictor.
func NewLLMPredictor(client AIClient) *LLMPredictor {
	return &LLMPredictor{client: client}
}

// Predict formats features into a deterministic factor summary and
// asks the underlying AIClient for a structured trading signal.
func (p *LLMPredictor) Predict(ctx context.Context, features map[string]float64) (Prediction, error) {
	userPrompt := formatFactorSummary(features)

	raw, err := p.client.CallWithMessages(ctx, systemPrompt, userPrompt)
	if err != nil {
		return Prediction{}, fmt.Errorf("llm predictor: call failed: %w", err)
	}

	parsed, err := parseStructuredResponse(raw)
	if err != nil {
		return Prediction{}, fmt.Errorf("llm predictor: malformed response: %w", err)
	}

	return Prediction{
		Direction:  Direction(parsed.Signal),
		Confidence: parsed.Confidence,
		Reasoning:  parsed.Reasoning,
		RiskLevel:  parsed.RiskLevel,
	}, nil
}

func formatFactorSummary(features map[string]float64) string {
	keys := make([]string, 0, len(features))
	for k := range features {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString("Current technical factors:\n")
	for _, k := range keys {
		fmt.Fprintf(&b, "- %s: %.6f\n", k, features[k])
	}
	return b.String()
}

// parseStructuredResponse extracts the JSON object from raw, tolerant
// of surrounding prose or markdown code fences some providers add
// despite instructions.
func parseStructuredResponse(raw string) (structuredResponse, error) {
	trimmed := strings.TrimSpace(raw)
	start := strings.Index(trimmed, "{")
	end := strings.LastIndex(trimmed, "}")
	if start == -1 || end == -1 || end < start {
		return structuredResponse{}, fmt.Errorf("no JSON object found in response")
	}
	jsonBody := trimmed[start : end+1]

	var parsed structuredResponse
	if err := json.Unmarshal([]byte(jsonBody), &parsed); err != nil {
		return structuredResponse{}, err
	}
	switch Direction(parsed.Signal) {
	case DirectionLong, DirectionShort, DirectionFlat:
	default:
		return structuredResponse{}, fmt.Errorf("invalid signal %q", parsed.Signal)
	}
	if parsed.Confidence < 0 || parsed.Confidence > 1 {
		return structuredResponse{}, fmt.Errorf("confidence %v out of range [0,1]", parsed.Confidence)
	}
	return parsed, nil
}
