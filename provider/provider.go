// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

// Package provider routes chat requests to one of two redundant inference
// backends. A Monitor probes both backends and promotes the secondary when
// the primary is down at startup; a Router calls the current primary and
// falls back to the secondary when a call fails.
package provider

import (
	"fmt"
	"time"
)

// Dialect declares the request and response shape a provider speaks.
type Dialect string

const (
	// OpenAI is the OpenAI-compatible /v1/chat/completions API, as served by vLLM.
	OpenAI Dialect = "openai"
	// Ollama is the native /api/chat API of Ollama.
	Ollama Dialect = "ollama"
)

// Roles a provider can hold.
const (
	Primary   = "primary"
	Secondary = "secondary"
)

// Provider is a configured inference backend.
type Provider struct {
	Name    string  `json:"name"`
	URL     string  `json:"url"`
	Dialect Dialect `json:"dialect"`
	Model   string  `json:"model,omitempty"` // used when a request names no model
	APIKey  string  `json:"-"`
}

// Validate checks that the provider can be called.
func (p Provider) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("provider: missing name for %s", p.URL)
	}
	if p.URL == "" {
		return fmt.Errorf("provider: missing url for %s", p.Name)
	}
	switch p.Dialect {
	case OpenAI, Ollama:
	default:
		return fmt.Errorf("provider: unknown dialect %q for %s", p.Dialect, p.Name)
	}
	return nil
}

// Message is a single chat message. Images are base64-encoded and only
// sent to vision-capable models.
type Message struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"`
}

// ChatRequest is the provider-independent shape of a chat completion.
type ChatRequest struct {
	Model       string    `json:"model,omitempty"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float64   `json:"temperature"`
}

// Usage counts tokens of a completion.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatResponse is the provider-independent shape of a completion.
type ChatResponse struct {
	Provider string        `json:"provider"` // name of the provider that served the request
	Model    string        `json:"model"`
	Content  string        `json:"content"`
	Usage    Usage         `json:"usage"`
	Latency  time.Duration `json:"latency"`
}
