// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package tasks

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/olivere/jobdispatch"
	"github.com/olivere/jobdispatch/provider"
)

const (
	// MaxSummaryInput is the number of characters of content sent to the
	// model for a summary.
	MaxSummaryInput = 4000

	summaryMaxTokens   = 512
	summaryTemperature = 0.3
)

func summaryPrompt(content string) string {
	if len(content) > MaxSummaryInput {
		content = truncate(content, MaxSummaryInput)
	}
	var b strings.Builder
	b.WriteString("Please provide a concise summary of the following research content.\n")
	b.WriteString("Focus on the main contributions, methodology, and key findings.\n\n")
	b.WriteString("Content:\n")
	b.WriteString(content)
	b.WriteString("\n\nSummary:")
	return b.String()
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !isRuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}

func (t *tasks) summarize(ctx context.Context, job *jobdispatch.Job, progress jobdispatch.ProgressFunc) (map[string]interface{}, error) {
	if t.Chat == nil {
		return nil, errors.New("summarize: no provider router configured")
	}
	start := time.Now()
	text, it, err := t.content(ctx, job)
	if err != nil {
		return nil, err
	}

	progress(20)
	rsp, err := t.Chat.Route(ctx, &provider.ChatRequest{
		Messages:    []provider.Message{{Role: "user", Content: summaryPrompt(text)}},
		MaxTokens:   summaryMaxTokens,
		Temperature: summaryTemperature,
	})
	if err != nil {
		return nil, err
	}
	progress(80)

	summary := strings.TrimSpace(rsp.Content)
	if summary == "" {
		return nil, fmt.Errorf("summarize: provider %s returned an empty summary", rsp.Provider)
	}
	tokens := rsp.Usage.TotalTokens
	if tokens == 0 {
		tokens = len(strings.Fields(text))
	}
	result := map[string]interface{}{
		"summary":     summary,
		"tokens_used": tokens,
		"provider":    rsp.Provider,
		"model":       rsp.Model,
	}
	if it != nil {
		if err := t.Items.SetSummary(ctx, it.ID, summary); err != nil {
			return nil, fmt.Errorf("summarize: store summary of %s: %w", it.ID, err)
		}
		result["item_id"] = it.ID
	}
	t.Logger.Info("tasks.summarize.done",
		"job_id", job.ID,
		"provider", rsp.Provider,
		"tokens", tokens,
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return result, nil
}
