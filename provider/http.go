// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// maxErrorBody caps the part of an error response kept in a StatusError.
const maxErrorBody = 512

// sendJSON posts body to url and returns the raw response. Non-2xx
// responses are returned as *StatusError.
func sendJSON(ctx context.Context, client *http.Client, p Provider, url string, body interface{}, logger *slog.Logger) ([]byte, error) {
	reqID := uuid.New().String()
	start := time.Now()

	bs, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode json: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(bs))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.APIKey)
	}

	logger.Debug("provider.http.request",
		"req_id", reqID,
		"provider", p.Name,
		"url", url,
		"content_length", len(bs),
	)

	resp, err := client.Do(req)
	if err != nil {
		logger.Warn("provider.http.send_error",
			"req_id", reqID,
			"provider", p.Name,
			"error", err,
			"elapsed_ms", time.Since(start).Milliseconds(),
		)
		return nil, err
	}
	defer func(Body io.ReadCloser) {
		if err := Body.Close(); err != nil {
			logger.Warn("provider.http.response_body_close_error", "req_id", reqID, "error", err)
		}
	}(resp.Body)

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	logger.Debug("provider.http.response",
		"req_id", reqID,
		"provider", p.Name,
		"status", resp.StatusCode,
		"bytes", len(raw),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)

	if resp.StatusCode/100 != 2 {
		if len(raw) > maxErrorBody {
			raw = raw[:maxErrorBody]
		}
		return nil, &StatusError{Provider: p.Name, StatusCode: resp.StatusCode, Body: string(raw)}
	}
	return raw, nil
}
