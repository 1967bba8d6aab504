// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package tasks

import "github.com/olivere/jobdispatch"

// Schemas returns the JSON schemas of the payloads of all job types, for
// use with jobdispatch.NewPayloadValidator.
func Schemas() map[string]string {
	return map[string]string{
		jobdispatch.Summarize: textSchema,
		jobdispatch.Embed:     textSchema,
		jobdispatch.OCR: `{
			"type": "object",
			"properties": {
				"pdf_path": {"type": "string", "minLength": 1},
				"path": {"type": "string", "minLength": 1},
				"page_range": {"type": "string"},
				"lang": {"type": "string"}
			},
			"anyOf": [{"required": ["pdf_path"]}, {"required": ["path"]}]
		}`,
		jobdispatch.VLM: `{
			"type": "object",
			"properties": {
				"image_path": {"type": "string", "minLength": 1},
				"image": {"type": "string", "minLength": 1},
				"prompt": {"type": "string"}
			},
			"anyOf": [{"required": ["image_path"]}, {"required": ["image"]}]
		}`,
		jobdispatch.Backfill: `{
			"type": "object",
			"properties": {
				"source": {"type": "string"},
				"limit": {"type": "integer", "minimum": 1},
				"job_priority": {"type": "integer", "minimum": 1, "maximum": 10}
			}
		}`,
		jobdispatch.GraphLink: `{
			"type": "object",
			"properties": {
				"item_id": {"type": "string"},
				"source": {"type": "string"},
				"threshold": {"type": "number", "minimum": 0, "maximum": 1},
				"limit": {"type": "integer", "minimum": 0}
			}
		}`,
		jobdispatch.Maintenance: `{
			"type": "object",
			"properties": {
				"task": {"enum": ["prune_jobs", "ping_store"]},
				"retention_hours": {"type": "integer", "minimum": 0}
			},
			"required": ["task"]
		}`,
	}
}

const textSchema = `{
	"type": "object",
	"properties": {
		"item_id": {"type": "string", "minLength": 1},
		"content": {"type": "string", "minLength": 1}
	},
	"anyOf": [{"required": ["item_id"]}, {"required": ["content"]}]
}`
