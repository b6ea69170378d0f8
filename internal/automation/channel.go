// Package automation defines the inter-application scripting channel shared by
// the preflight engine and the automation executor.
package automation

import (
	"context"
	"errors"
	"fmt"
)

// ProbeStatus classifies a zero-side-effect authorization probe.
type ProbeStatus string

const (
	ProbeAuthorized       ProbeStatus = "authorized"
	ProbeDenied           ProbeStatus = "denied"
	ProbeConsentRequired  ProbeStatus = "consent_required"
	ProbeTargetNotRunning ProbeStatus = "target_not_running"
	ProbeUnknown          ProbeStatus = "unknown"
)

type ErrorKind string

const (
	KindPermissionDenied ErrorKind = "permission_denied"
	KindNotInstalled     ErrorKind = "not_installed"
	KindNotRunning       ErrorKind = "not_running"
	KindScript           ErrorKind = "script_error"
	KindUnknown          ErrorKind = "unknown"
)

// Platform error codes surfaced by the scripting host.
const (
	CodeNotPermitted     = -1743
	CodeConsentRequired  = -1744
	CodeAppNotRunning    = -600
	CodeAppNotFound      = -10814
	CodeObjectNotFound   = -1728
	CodeSyntaxError      = -2741
	CodeUserCancelled    = -128
	CodeConnectionFailed = -609
)

func Classify(code int) ErrorKind {
	switch code {
	case CodeNotPermitted, CodeConsentRequired:
		return KindPermissionDenied
	case CodeAppNotFound:
		return KindNotInstalled
	case CodeAppNotRunning, CodeConnectionFailed:
		return KindNotRunning
	case CodeSyntaxError, CodeObjectNotFound, CodeUserCancelled:
		return KindScript
	default:
		return KindUnknown
	}
}

// Error is returned by Channel.Send when the scripting host reports a failure.
type Error struct {
	Code    int
	Kind    ErrorKind
	Target  string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("automation %s (%d) for %s: %s", e.Kind, e.Code, e.Target, e.Message)
}

func KindOf(err error) ErrorKind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindUnknown
}

// Channel is an inter-application scripting transport.
type Channel interface {
	Probe(ctx context.Context, target string) ProbeStatus
	Send(ctx context.Context, target, script string) (string, error)
}
