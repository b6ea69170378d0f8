package domain

import (
	"encoding/json"
	"time"
)

type PreflightResult struct {
	Passed      bool            `json:"passed"`
	Failures    []string        `json:"failures,omitempty"`
	Remediation string          `json:"remediation,omitempty"`
	Permissions map[string]bool `json:"permissions,omitempty"`
}

type Phase string

const (
	PhasePreparing Phase = "preparing"
	PhaseExecuting Phase = "executing"
	PhaseParsing   Phase = "parsing"
	PhaseComplete  Phase = "complete"
)

type ExecutionProgress struct {
	Phase   Phase    `json:"phase"`
	Stdout  string   `json:"stdout,omitempty"`
	Stderr  string   `json:"stderr,omitempty"`
	Percent *float64 `json:"percent,omitempty"`
}

type ParsedKind string

const (
	ParsedText     ParsedKind = "text"
	ParsedLines    ParsedKind = "lines"
	ParsedKeyValue ParsedKind = "key_value"
	ParsedTable    ParsedKind = "table"
	ParsedMemory   ParsedKind = "memory"
	ParsedDisk     ParsedKind = "disk"
	ParsedJSON     ParsedKind = "json"
)

type MemoryInfo struct {
	UsedBytes uint64 `json:"used_bytes"`
	FreeBytes uint64 `json:"free_bytes"`
	Pressure  string `json:"pressure" enum:"normal,warning,critical"`
}

type DiskInfo struct {
	TotalBytes uint64 `json:"total_bytes"`
	UsedBytes  uint64 `json:"used_bytes"`
	FreeBytes  uint64 `json:"free_bytes"`
}

// ParsedOutput holds exactly one populated variant selected by Kind.
type ParsedOutput struct {
	Kind      ParsedKind        `json:"kind"`
	Text      string            `json:"text,omitempty"`
	Lines     []string          `json:"lines,omitempty"`
	KeyValues map[string]string `json:"key_values,omitempty"`
	Table     [][]string        `json:"table,omitempty"`
	Memory    *MemoryInfo       `json:"memory,omitempty"`
	Disk      *DiskInfo         `json:"disk,omitempty"`
	JSON      any               `json:"json,omitempty"`
}

type ExecutionResult struct {
	CapabilityID string        `json:"capability_id"`
	StartedAt    time.Time     `json:"started_at"`
	EndedAt      time.Time     `json:"ended_at"`
	ExitCode     int           `json:"exit_code"`
	Stdout       string        `json:"stdout"`
	Stderr       string        `json:"stderr"`
	Parsed       *ParsedOutput `json:"parsed,omitempty"`
	Record       RunRecord     `json:"record"`
}

type RunStatus string

const (
	StatusSuccess        RunStatus = "success"
	StatusPartialSuccess RunStatus = "partial_success"
	StatusFailed         RunStatus = "failed"
	StatusCancelled      RunStatus = "cancelled"
	StatusTimeout        RunStatus = "timeout"
)

// IsError reports whether the status counts as an error for last-error lookups.
func (s RunStatus) IsError() bool {
	return s == StatusFailed || s == StatusTimeout
}

// RunRecord is the durable audit entry for one execution attempt.
// Stdout and Stderr carry the full streams until the log store offloads them
// to StdoutPath/StderrPath; the previews are always kept inline.
type RunRecord struct {
	ID                 string            `json:"id"`
	Timestamp          time.Time         `json:"timestamp" format:"date-time"`
	CapabilityID       string            `json:"capability_id"`
	CapabilityTitle    string            `json:"capability_title"`
	Privilege          PrivilegeLevel    `json:"privilege" enum:"user,elevated"`
	Arguments          map[string]string `json:"arguments,omitempty"`
	DryRun             bool              `json:"dry_run,omitempty"`
	DurationMs         int64             `json:"duration_ms"`
	ExitCode           int               `json:"exit_code"`
	Status             RunStatus         `json:"status" enum:"success,partial_success,failed,cancelled,timeout"`
	StdoutPreview      string            `json:"stdout_preview,omitempty"`
	StderrPreview      string            `json:"stderr_preview,omitempty"`
	Stdout             string            `json:"stdout,omitempty"`
	Stderr             string            `json:"stderr,omitempty"`
	StdoutPath         string            `json:"stdout_path,omitempty"`
	StderrPath         string            `json:"stderr_path,omitempty"`
	OutputSize         int64             `json:"output_size"`
	ParsedSummary      string            `json:"parsed_summary,omitempty"`
	ParsedData         json.RawMessage   `json:"parsed_data,omitempty"`
	PreviousRecordHash *string           `json:"previous_record_hash,omitempty"`
	RecordHash         string            `json:"record_hash"`
}
