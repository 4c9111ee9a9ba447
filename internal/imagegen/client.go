package imagegen

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Fixed generation parameters. These are provider-side tuning knobs
// chosen once, not user-configurable; only prompt, dimensions and style
// vary per request, because only those participate in the cache key.
const (
	generationSteps = 30
	guidanceScale   = 7.5
	sampleCount     = 1
)

// Generate issues one generation call and returns the provider's result
// URL. The seed is randomized per call, so two calls for the same
// prompt produce different images; first write wins at the cache layer.
func (c *client) Generate(parentCtx context.Context, req Request) (string, error) {
	start := time.Now()

	if err := req.Validate(); err != nil {
		return "", &GenerationError{Message: fmt.Sprintf("invalid request: %v", err), Err: err}
	}

	c.logger.Debug("generation starting",
		zap.Int("width", req.Width),
		zap.Int("height", req.Height),
		zap.String("style", req.Style),
	)

	ctx, cancel := context.WithTimeout(parentCtx, c.cfg.UpstreamTimeout)
	defer cancel()

	pReq := providerGenerateRequest{
		Prompt:        req.Prompt,
		Width:         req.Width,
		Height:        req.Height,
		StylePreset:   req.Style,
		Steps:         generationSteps,
		GuidanceScale: guidanceScale,
		Seed:          rand.Int63(),
		Samples:       sampleCount,
	}

	bodyBytes, err := json.Marshal(pReq)
	if err != nil {
		return "", &GenerationError{Message: "marshal request", Err: err}
	}

	url := c.cfg.BaseURL + "/v1/images/generations"

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(bodyBytes))
	if err != nil {
		return "", &GenerationError{Message: "build HTTP request", Err: err}
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		c.logger.Error("generation request failed",
			zap.Error(err),
			zap.Duration("duration", time.Since(start)),
		)
		return "", &GenerationError{Message: "provider unreachable", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)

		// Try to parse structured error
		var perr providerErrorResponse
		if err := json.Unmarshal(body, &perr); err == nil && perr.Error.Message != "" {
			c.logger.Error("provider error",
				zap.Int("status", resp.StatusCode),
				zap.String("error_type", perr.Error.Type),
				zap.String("error_message", perr.Error.Message),
			)
			return "", &GenerationError{Status: resp.StatusCode, Message: perr.Error.Message}
		}

		// Fallback to raw body
		msg := truncate(string(body), 200)
		c.logger.Error("provider error",
			zap.Int("status", resp.StatusCode),
			zap.String("body", msg),
		)
		return "", &GenerationError{Status: resp.StatusCode, Message: msg}
	}

	var pResp providerGenerateResponse
	if err := json.NewDecoder(resp.Body).Decode(&pResp); err != nil {
		return "", &GenerationError{Message: "decode provider response", Err: err}
	}

	if len(pResp.Images) == 0 || pResp.Images[0].URL == "" {
		c.logger.Error("provider returned no images")
		return "", &GenerationError{Status: resp.StatusCode, Message: "provider returned no images"}
	}

	imageURL := pResp.Images[0].URL

	c.logger.Info("generation completed",
		zap.Int("width", req.Width),
		zap.Int("height", req.Height),
		zap.String("style", req.Style),
		zap.Duration("duration", time.Since(start)),
	)

	return imageURL, nil
}

// truncate limits string length for logging
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
