// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package provider

import (
	"encoding/json"
	"fmt"
	"strings"
)

// endpoint returns the URL of the chat endpoint of p.
func endpoint(p Provider) string {
	base := strings.TrimRight(p.URL, "/")
	if p.Dialect == Ollama {
		return base + "/api/chat"
	}
	return base + "/v1/chat/completions"
}

// encodeRequest translates req into the body p expects.
func encodeRequest(p Provider, req *ChatRequest) interface{} {
	model := req.Model
	if model == "" {
		model = p.Model
	}
	switch p.Dialect {
	case Ollama:
		return ollamaRequest{
			Model:    model,
			Messages: req.Messages,
			Stream:   false,
			Options: ollamaOptions{
				Temperature: req.Temperature,
				NumPredict:  req.MaxTokens,
			},
		}
	default:
		body := openaiRequest{
			Model:       model,
			MaxTokens:   req.MaxTokens,
			Temperature: req.Temperature,
		}
		for _, m := range req.Messages {
			body.Messages = append(body.Messages, openaiMessageOf(m))
		}
		return body
	}
}

// decodeResponse normalizes the body returned by p.
func decodeResponse(p Provider, raw []byte) (*ChatResponse, error) {
	switch p.Dialect {
	case Ollama:
		var r ollamaResponse
		if err := json.Unmarshal(raw, &r); err != nil {
			return nil, fmt.Errorf("%w: %v", errDecode, err)
		}
		if r.Message == nil {
			return nil, fmt.Errorf("%w: no message", errDecode)
		}
		return &ChatResponse{
			Model:   r.Model,
			Content: strings.TrimSpace(r.Message.Content),
			Usage: Usage{
				PromptTokens:     r.PromptEvalCount,
				CompletionTokens: r.EvalCount,
				TotalTokens:      r.PromptEvalCount + r.EvalCount,
			},
		}, nil
	default:
		var r openaiResponse
		if err := json.Unmarshal(raw, &r); err != nil {
			return nil, fmt.Errorf("%w: %v", errDecode, err)
		}
		if len(r.Choices) == 0 {
			return nil, fmt.Errorf("%w: no choices", errDecode)
		}
		return &ChatResponse{
			Model:   r.Model,
			Content: strings.TrimSpace(r.Choices[0].Message.Content),
			Usage: Usage{
				PromptTokens:     r.Usage.PromptTokens,
				CompletionTokens: r.Usage.CompletionTokens,
				TotalTokens:      r.Usage.TotalTokens,
			},
		}, nil
	}
}

// -- OpenAI-compatible --

type openaiRequest struct {
	Model       string          `json:"model"`
	Messages    []openaiMessage `json:"messages"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Temperature float64         `json:"temperature"`
}

type openaiMessage struct {
	Role    string      `json:"role"`
	Content interface{} `json:"content"` // string or []openaiPart
}

type openaiPart struct {
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	ImageURL *openaiImageURL `json:"image_url,omitempty"`
}

type openaiImageURL struct {
	URL string `json:"url"`
}

func openaiMessageOf(m Message) openaiMessage {
	if len(m.Images) == 0 {
		return openaiMessage{Role: m.Role, Content: m.Content}
	}
	parts := []openaiPart{{Type: "text", Text: m.Content}}
	for _, img := range m.Images {
		parts = append(parts, openaiPart{
			Type:     "image_url",
			ImageURL: &openaiImageURL{URL: "data:image/png;base64," + img},
		})
	}
	return openaiMessage{Role: m.Role, Content: parts}
}

type openaiResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage Usage `json:"usage"`
}

// -- Ollama --

type ollamaRequest struct {
	Model    string        `json:"model"`
	Messages []Message     `json:"messages"`
	Stream   bool          `json:"stream"`
	Options  ollamaOptions `json:"options"`
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type ollamaResponse struct {
	Model   string `json:"model"`
	Message *struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"message"`
	PromptEvalCount int `json:"prompt_eval_count"`
	EvalCount       int `json:"eval_count"`
}
