// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

// Package export writes jobs and items into XLSX workbooks.
package export

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/olivere/jobdispatch"
	"github.com/olivere/jobdispatch/item"
)

// Sheet names.
const (
	JobsSheet  = "Jobs"
	ItemsSheet = "Items"
)

// DefaultLimit is the number of rows per sheet if Request.Limit is 0.
const DefaultLimit = 10000

// JobLister lists jobs. It is implemented by *jobdispatch.Manager and
// every jobdispatch.Store.
type JobLister interface {
	List(ctx context.Context, req *jobdispatch.ListRequest) (*jobdispatch.ListResponse, error)
}

// ItemLister lists items. It is implemented by every item.Store.
type ItemLister interface {
	ListItems(ctx context.Context, req *item.ListRequest) ([]*item.Item, error)
}

// Request filters the exported jobs.
type Request struct {
	Type  string // job type
	State string // job state
	Limit int
}

// Service produces XLSX workbooks.
type Service struct {
	jobs   JobLister
	items  ItemLister
	logger *slog.Logger
}

// NewService creates a Service. items may be nil, in which case the
// workbook has no Items sheet.
func NewService(jobs JobLister, items ItemLister, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{jobs: jobs, items: items, logger: logger}
}

var jobHeaders = []interface{}{
	"Job ID",
	"Type",
	"State",
	"Priority",
	"Progress",
	"Attempts",
	"Created",
	"Updated",
	"Completed",
	"Error",
}

var itemHeaders = []interface{}{
	"Item ID",
	"Source",
	"Title",
	"Summary",
	"Embedding ID",
	"Created",
}

// WriteXLSX returns a workbook with a Jobs sheet and, if the service has
// items, an Items sheet.
func (s *Service) WriteXLSX(ctx context.Context, req Request) ([]byte, error) {
	start := time.Now()
	limit := req.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}

	rsp, err := s.jobs.List(ctx, &jobdispatch.ListRequest{Type: req.Type, State: req.State, Limit: limit})
	if err != nil {
		return nil, fmt.Errorf("export: list jobs: %w", err)
	}
	var items []*item.Item
	if s.items != nil {
		items, err = s.items.ListItems(ctx, &item.ListRequest{Limit: limit})
		if err != nil {
			return nil, fmt.Errorf("export: list items: %w", err)
		}
	}

	f := excelize.NewFile()
	defer f.Close()

	if _, err := f.NewSheet(JobsSheet); err != nil {
		return nil, err
	}
	if err := f.DeleteSheet("Sheet1"); err != nil {
		return nil, err
	}
	if index, _ := f.GetSheetIndex(JobsSheet); index >= 0 {
		f.SetActiveSheet(index)
	}
	if err := f.SetSheetRow(JobsSheet, "A1", &jobHeaders); err != nil {
		return nil, err
	}
	for i, job := range rsp.Jobs {
		row := []interface{}{
			job.ID,
			job.Type,
			job.State,
			job.Priority,
			job.Progress,
			job.Attempts,
			formatTime(job.Created),
			formatTime(job.Updated),
			formatTime(job.Completed),
			jobError(job),
		}
		cell, _ := excelize.CoordinatesToCellName(1, i+2)
		if err := f.SetSheetRow(JobsSheet, cell, &row); err != nil {
			return nil, err
		}
	}
	_ = f.SetColWidth(JobsSheet, "A", "A", 38)
	_ = f.SetColWidth(JobsSheet, "B", "C", 14)
	_ = f.SetColWidth(JobsSheet, "G", "I", 22)
	_ = f.SetColWidth(JobsSheet, "J", "J", 60)

	if s.items != nil {
		if _, err := f.NewSheet(ItemsSheet); err != nil {
			return nil, err
		}
		if err := f.SetSheetRow(ItemsSheet, "A1", &itemHeaders); err != nil {
			return nil, err
		}
		for i, it := range items {
			row := []interface{}{
				it.ID,
				it.Source,
				it.Title,
				it.Summary,
				it.EmbeddingID,
				formatTime(it.Created),
			}
			cell, _ := excelize.CoordinatesToCellName(1, i+2)
			if err := f.SetSheetRow(ItemsSheet, cell, &row); err != nil {
				return nil, err
			}
		}
		_ = f.SetColWidth(ItemsSheet, "A", "B", 24)
		_ = f.SetColWidth(ItemsSheet, "C", "D", 48)
		_ = f.SetColWidth(ItemsSheet, "E", "F", 24)
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("export: xlsx write: %w", err)
	}
	s.logger.Info("export.xlsx.ok",
		"jobs", len(rsp.Jobs),
		"items", len(items),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return buf.Bytes(), nil
}

func formatTime(nanos int64) string {
	if nanos == 0 {
		return ""
	}
	return time.Unix(0, nanos).UTC().Format(time.RFC3339)
}

func jobError(job *jobdispatch.Job) string {
	if job.State != jobdispatch.Failed || job.Result == nil {
		return ""
	}
	if msg, ok := job.Result["error"].(string); ok {
		return msg
	}
	return ""
}
