package server

import (
	"capline/internal/audit"
	"capline/internal/catalog"
	"capline/internal/domain"
)

// Request payloads

type RunRequest struct {
	Arguments      map[string]string `json:"arguments,omitempty"`
	TimeoutSeconds int               `json:"timeout_seconds,omitempty" minimum:"0"`
	DryRun         bool              `json:"dry_run,omitempty"`
}

type ExportRequest struct {
	From string `json:"from,omitempty" doc:"RFC 3339 lower bound, inclusive"`
	To   string `json:"to,omitempty" doc:"RFC 3339 upper bound, inclusive"`
}

// Responses

type CatalogIssuesResponse struct {
	Loaded    bool            `json:"loaded"`
	LoadError string          `json:"load_error,omitempty"`
	Version   string          `json:"version,omitempty"`
	Issues    []catalog.Issue `json:"issues"`
}

type RecordPage struct {
	Items      []domain.RunRecord `json:"items"`
	NextOffset int                `json:"next_offset,omitempty"`
}

type RecordDetailResponse struct {
	Record domain.RunRecord `json:"record"`
	Stdout string           `json:"stdout"`
	Stderr string           `json:"stderr"`
}

type VerifyResponse struct {
	OK      bool          `json:"ok"`
	Checked int           `json:"checked"`
	Breaks  []audit.Break `json:"breaks"`
}

type ExportResponse struct {
	Path string `json:"path"`
}

func verifyResponse(r audit.Report) VerifyResponse {
	breaks := r.Breaks
	if breaks == nil {
		breaks = []audit.Break{}
	}
	return VerifyResponse{OK: r.OK(), Checked: r.Checked, Breaks: breaks}
}

func recordPage(items []domain.RunRecord, limit, offset int) RecordPage {
	page := RecordPage{Items: items}
	if page.Items == nil {
		page.Items = []domain.RunRecord{}
	}
	if len(page.Items) > limit {
		page.Items = page.Items[:limit]
		page.NextOffset = offset + limit
	}
	return page
}
