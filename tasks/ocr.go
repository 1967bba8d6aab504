// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package tasks

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/olivere/jobdispatch"
)

// Runner runs an external command and returns its standard output.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

// Run runs the command. Standard error is part of the returned error.
func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, fmt.Errorf("%s: %w: %s", name, err, msg)
		}
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return stdout.Bytes(), nil
}

// ocr extracts text from a document with tesseract. The payload names
// the file in pdf_path (or path) and an optional language in lang.
func (t *tasks) ocr(ctx context.Context, job *jobdispatch.Job, progress jobdispatch.ProgressFunc) (map[string]interface{}, error) {
	path := payloadString(job, "pdf_path")
	if path == "" {
		path = payloadString(job, "path")
	}
	if path == "" {
		return nil, errors.New("ocr: payload needs pdf_path")
	}
	args := []string{path, "stdout"}
	if lang := payloadString(job, "lang"); lang != "" {
		args = append(args, "-l", lang)
	}
	pages := payloadString(job, "page_range")
	if pages == "" {
		pages = "all"
	}

	progress(20)
	out, err := t.Runner.Run(ctx, "tesseract", args...)
	if err != nil {
		return nil, fmt.Errorf("ocr: %w", err)
	}
	progress(80)

	text := strings.TrimSpace(string(out))
	t.Logger.Info("tasks.ocr.done", "job_id", job.ID, "path", path, "chars", len(text))
	return map[string]interface{}{
		"pdf_path":        path,
		"pages_processed": pages,
		"text_extracted":  text,
	}, nil
}
