// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package tasks

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/olivere/jobdispatch"
	"github.com/olivere/jobdispatch/provider"
)

const defaultVLMPrompt = "Describe this image"

// vlm asks a vision model about an image, given either as a file path
// (image_path) or base64-encoded (image).
func (t *tasks) vlm(ctx context.Context, job *jobdispatch.Job, progress jobdispatch.ProgressFunc) (map[string]interface{}, error) {
	if t.Chat == nil {
		return nil, errors.New("vlm: no provider router configured")
	}
	prompt := payloadString(job, "prompt")
	if prompt == "" {
		prompt = defaultVLMPrompt
	}
	path := payloadString(job, "image_path")
	image := payloadString(job, "image")
	switch {
	case image != "":
	case path != "":
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("vlm: %w", err)
		}
		image = base64.StdEncoding.EncodeToString(raw)
	default:
		return nil, errors.New("vlm: payload needs image_path or image")
	}

	progress(20)
	rsp, err := t.Chat.Route(ctx, &provider.ChatRequest{
		Messages: []provider.Message{{Role: "user", Content: prompt, Images: []string{image}}},
	})
	if err != nil {
		return nil, err
	}
	progress(80)

	result := map[string]interface{}{
		"prompt":      prompt,
		"description": strings.TrimSpace(rsp.Content),
		"provider":    rsp.Provider,
		"model":       rsp.Model,
	}
	if path != "" {
		result["image_path"] = path
	}
	t.Logger.Info("tasks.vlm.done", "job_id", job.ID, "provider", rsp.Provider)
	return result, nil
}
