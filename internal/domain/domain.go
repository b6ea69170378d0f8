package domain

import "strings"

type Category string

const (
	CategoryDiagnostics    Category = "diagnostics"
	CategoryCleanup        Category = "cleanup"
	CategoryBrowserControl Category = "browser-control"
	CategorySystem         Category = "system"
	CategoryMaintenance    Category = "maintenance"
	CategoryPrivacy        Category = "privacy"
)

type ExecutionMode string

const (
	ModeProcess    ExecutionMode = "process"
	ModePrivileged ExecutionMode = "privileged"
	ModeAutomation ExecutionMode = "automation"
)

// UsesCommand reports whether the mode runs a command template (as opposed to an automation script).
func (m ExecutionMode) UsesCommand() bool {
	return m == ModeProcess || m == ModePrivileged
}

type PrivilegeLevel string

const (
	PrivilegeUser     PrivilegeLevel = "user"
	PrivilegeElevated PrivilegeLevel = "elevated"
)

type RiskClass string

const (
	RiskSafe        RiskClass = "safe"
	RiskModerate    RiskClass = "moderate"
	RiskDestructive RiskClass = "destructive"
)

type PermissionKind string

const (
	PermissionAutomation      PermissionKind = "automation"
	PermissionBroadAccess     PermissionKind = "broad-access"
	PermissionAssistiveAccess PermissionKind = "assistive-access"
	PermissionNone            PermissionKind = "none"
)

// Optional kinds are probed and reported but never fail preflight.
func (k PermissionKind) Optional() bool {
	return k == PermissionBroadAccess || k == PermissionAssistiveAccess
}

type Permission struct {
	Kind   PermissionKind `yaml:"kind" json:"kind" validate:"required,oneof=automation broad-access assistive-access none"`
	Target string         `yaml:"target,omitempty" json:"target,omitempty"`
}

func (p Permission) Key() string {
	if p.Target == "" {
		return string(p.Kind)
	}
	return string(p.Kind) + ":" + p.Target
}

type CheckType string

const (
	CheckPathExists    CheckType = "path-exists"
	CheckAppRunning    CheckType = "app-running"
	CheckAppInstalled  CheckType = "app-installed"
	CheckMinOSVersion  CheckType = "min-os-version"
	CheckCommandExists CheckType = "command-exists"
	CheckNote          CheckType = "note"
)

type PreflightCheck struct {
	Type    CheckType `yaml:"type" json:"type" validate:"required,oneof=path-exists app-running app-installed min-os-version command-exists note"`
	Value   string    `yaml:"value" json:"value"`
	Message string    `yaml:"message,omitempty" json:"message,omitempty"`
}

type OutputMode string

const (
	OutputNone         OutputMode = "none"
	OutputText         OutputMode = "text"
	OutputRegex        OutputMode = "regex"
	OutputJSON         OutputMode = "json"
	OutputTable        OutputMode = "table"
	OutputProcessList  OutputMode = "process-list"
	OutputDiskUsage    OutputMode = "disk-usage"
	OutputGenericTable OutputMode = "generic-table"
	OutputMemoryInfo   OutputMode = "memory-info"
	OutputDiskInfo     OutputMode = "disk-info"
	OutputCustom       OutputMode = "custom"
)

type OutputParsing struct {
	Mode    OutputMode `yaml:"mode,omitempty" json:"mode,omitempty" validate:"omitempty,oneof=none text regex json table process-list disk-usage generic-table memory-info disk-info custom"`
	Pattern string     `yaml:"pattern,omitempty" json:"pattern,omitempty"`
}

type UIHints struct {
	ConfirmationText  string   `yaml:"confirmationText,omitempty" json:"confirmation_text,omitempty"`
	WarningText       string   `yaml:"warningText,omitempty" json:"warning_text,omitempty"`
	EstimatedDuration string   `yaml:"estimatedDuration,omitempty" json:"estimated_duration,omitempty"`
	AppsToClose       []string `yaml:"appsToClose,omitempty" json:"apps_to_close,omitempty"`
}

type Argument struct {
	Name        string `yaml:"name" json:"name" validate:"required,notblank"`
	Default     string `yaml:"default,omitempty" json:"default,omitempty"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
}

// Capability is one allowlisted operation. Values are immutable once the catalog is loaded.
type Capability struct {
	ID                  string           `yaml:"id" json:"id" validate:"required,notblank"`
	Title               string           `yaml:"title" json:"title" validate:"required,notblank"`
	Description         string           `yaml:"description" json:"description" validate:"required,notblank"`
	Category            Category         `yaml:"category" json:"category" validate:"required,oneof=diagnostics cleanup browser-control system maintenance privacy"`
	ExecutionMode       ExecutionMode    `yaml:"executionMode" json:"execution_mode" validate:"required,oneof=process privileged automation"`
	CommandTemplate     string           `yaml:"commandTemplate,omitempty" json:"command_template,omitempty"`
	AutomationScript    string           `yaml:"automationScript,omitempty" json:"automation_script,omitempty"`
	TargetApp           string           `yaml:"targetApp,omitempty" json:"target_app,omitempty"`
	RequiredPrivilege   PrivilegeLevel   `yaml:"requiredPrivilege,omitempty" json:"required_privilege,omitempty" validate:"omitempty,oneof=user elevated"`
	RequiredPermissions []Permission     `yaml:"requiredPermissions,omitempty" json:"required_permissions,omitempty" validate:"dive"`
	RiskClass           RiskClass        `yaml:"riskClass" json:"risk_class" validate:"required,oneof=safe moderate destructive"`
	PreflightChecks     []PreflightCheck `yaml:"preflightChecks,omitempty" json:"preflight_checks,omitempty" validate:"dive"`
	Arguments           []Argument       `yaml:"arguments,omitempty" json:"arguments,omitempty" validate:"dive"`
	DryRunSupported     bool             `yaml:"dryRunSupported,omitempty" json:"dry_run_supported,omitempty"`
	DryRunCommand       string           `yaml:"dryRunCommand,omitempty" json:"dry_run_command,omitempty"`
	DryRunScript        string           `yaml:"dryRunScript,omitempty" json:"dry_run_script,omitempty"`
	OutputParsing       OutputParsing    `yaml:"outputParsing,omitempty" json:"output_parsing,omitempty"`
	UIHints             UIHints          `yaml:"uiHints,omitempty" json:"ui_hints,omitempty"`
	TimeoutSeconds      int              `yaml:"timeoutSeconds,omitempty" json:"timeout_seconds,omitempty" validate:"min=0"`
	PartialOnStderr     *bool            `yaml:"partialOnStderr,omitempty" json:"partial_on_stderr,omitempty"`
}

func (c Capability) Privilege() PrivilegeLevel {
	if c.RequiredPrivilege == "" {
		return PrivilegeUser
	}
	return c.RequiredPrivilege
}

func (c Capability) RequiresConfirmation() bool {
	return strings.TrimSpace(c.UIHints.ConfirmationText) != ""
}

func (c Capability) AutomationTarget() string {
	if c.TargetApp != "" {
		return c.TargetApp
	}
	for _, p := range c.RequiredPermissions {
		if p.Kind == PermissionAutomation && p.Target != "" {
			return p.Target
		}
	}
	return ""
}

// DryRunPayload returns the dry-run command or script for the capability's mode, or "".
func (c Capability) DryRunPayload() string {
	if !c.DryRunSupported {
		return ""
	}
	if c.ExecutionMode == ModeAutomation {
		return strings.TrimSpace(c.DryRunScript)
	}
	return strings.TrimSpace(c.DryRunCommand)
}

func (c Capability) ArgumentDefaults() map[string]string {
	out := map[string]string{}
	for _, a := range c.Arguments {
		if a.Default != "" {
			out[a.Name] = a.Default
		}
	}
	return out
}

type Catalog struct {
	Version      string       `yaml:"version" json:"version"`
	GeneratedAt  string       `yaml:"generatedAt,omitempty" json:"generated_at,omitempty"`
	Capabilities []Capability `yaml:"capabilities" json:"capabilities"`
}
