package catalog

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/samber/lo"

	"capline/internal/domain"
)

type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

type Issue struct {
	Severity     Severity `json:"severity" enum:"error,warning"`
	CapabilityID string   `json:"capability_id,omitempty"`
	Message      string   `json:"message"`
}

func (i Issue) String() string {
	return string(i.Severity) + ": " + i.Message
}

type Issues []Issue

func (is Issues) Errors() Issues {
	return lo.Filter(is, func(i Issue, _ int) bool { return i.Severity == SeverityError })
}

func (is Issues) Warnings() Issues {
	return lo.Filter(is, func(i Issue, _ int) bool { return i.Severity == SeverityWarning })
}

func (is Issues) HasErrors() bool { return len(is.Errors()) > 0 }

func (is Issues) Strings() []string {
	return lo.Map(is, func(i Issue, _ int) string { return i.String() })
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("notblank", func(fl validator.FieldLevel) bool {
		return strings.TrimSpace(fl.Field().String()) != ""
	})
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" || name == "" {
			return fld.Name
		}
		return name
	})
	return v
}

// Validate checks the catalog and collects every issue it finds. It never stops
// at the first problem and never panics on malformed input.
func Validate(c domain.Catalog) Issues {
	var issues Issues
	add := func(sev Severity, id, format string, args ...any) {
		issues = append(issues, Issue{Severity: sev, CapabilityID: id, Message: fmt.Sprintf(format, args...)})
	}

	if strings.TrimSpace(c.Version) == "" {
		add(SeverityError, "", "catalog version is empty")
	}
	if len(c.Capabilities) == 0 {
		add(SeverityError, "", "catalog contains no capabilities")
	}

	seen := map[string][]int{}
	for i, item := range c.Capabilities {
		label := capabilityLabel(i, item)
		if id := strings.TrimSpace(item.ID); id != "" {
			for _, earlier := range seen[id] {
				add(SeverityError, item.ID, "duplicate capability id %q at positions %d and %d", id, earlier, i)
			}
			seen[id] = append(seen[id], i)
		}

		for _, msg := range structuralIssues(item) {
			add(SeverityError, item.ID, "%s: %s", label, msg)
		}

		switch {
		case item.ExecutionMode.UsesCommand():
			if strings.TrimSpace(item.CommandTemplate) == "" {
				add(SeverityError, item.ID, "%s: execution mode %s requires a command template", label, item.ExecutionMode)
			}
			if strings.TrimSpace(item.AutomationScript) != "" {
				add(SeverityError, item.ID, "%s: execution mode %s must not declare an automation script", label, item.ExecutionMode)
			}
			if item.DryRunSupported && strings.TrimSpace(item.DryRunCommand) == "" {
				add(SeverityError, item.ID, "%s: dry-run supported but no dry-run command declared", label)
			}
		case item.ExecutionMode == domain.ModeAutomation:
			if strings.TrimSpace(item.AutomationScript) == "" {
				add(SeverityError, item.ID, "%s: execution mode automation requires an automation script", label)
			}
			if strings.TrimSpace(item.CommandTemplate) != "" {
				add(SeverityError, item.ID, "%s: execution mode automation must not declare a command template", label)
			}
			if item.DryRunSupported && strings.TrimSpace(item.DryRunScript) == "" {
				add(SeverityError, item.ID, "%s: dry-run supported but no dry-run script declared", label)
			}
			if item.AutomationTarget() == "" {
				add(SeverityError, item.ID, "%s: automation mode needs a target application (targetApp or an automation permission)", label)
			}
		}

		if item.OutputParsing.Mode == domain.OutputRegex {
			if item.OutputParsing.Pattern == "" {
				add(SeverityError, item.ID, "%s: regex output parsing requires a pattern", label)
			} else if _, err := regexp.Compile(item.OutputParsing.Pattern); err != nil {
				add(SeverityError, item.ID, "%s: invalid output pattern: %v", label, err)
			}
		}

		if item.RequiredPrivilege == domain.PrivilegeElevated && item.RiskClass == domain.RiskSafe {
			add(SeverityWarning, item.ID, "%s: elevated privilege declared for a safe capability", label)
		}
		if item.ExecutionMode == domain.ModePrivileged && item.Privilege() == domain.PrivilegeUser {
			add(SeverityWarning, item.ID, "%s: privileged execution mode with user privilege level", label)
		}
		switch item.RiskClass {
		case domain.RiskDestructive:
			if !item.RequiresConfirmation() {
				add(SeverityError, item.ID, "%s: destructive capability must declare confirmation text", label)
			}
		case domain.RiskModerate:
			if !item.RequiresConfirmation() {
				add(SeverityWarning, item.ID, "%s: moderate capability has no confirmation text", label)
			}
		}
	}
	return issues
}

func capabilityLabel(i int, item domain.Capability) string {
	if strings.TrimSpace(item.ID) == "" {
		return fmt.Sprintf("capabilities[%d]", i)
	}
	return fmt.Sprintf("capability %q", item.ID)
}

func structuralIssues(item domain.Capability) []string {
	err := validate.Struct(item)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []string{err.Error()}
	}
	out := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := fe.Namespace()
		if idx := strings.Index(field, "."); idx >= 0 {
			field = field[idx+1:]
		}
		switch fe.Tag() {
		case "required", "notblank":
			out = append(out, fmt.Sprintf("%s is required", field))
		case "oneof":
			out = append(out, fmt.Sprintf("%s has invalid value %q (expected one of: %s)", field, fmt.Sprint(fe.Value()), fe.Param()))
		case "min":
			out = append(out, fmt.Sprintf("%s must be at least %s", field, fe.Param()))
		default:
			out = append(out, fmt.Sprintf("%s failed %s", field, fe.Tag()))
		}
	}
	return out
}
