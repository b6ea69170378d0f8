package executor

import (
	"regexp"

	"al.essio.dev/pkg/shellescape"

	"capline/internal/automation"
)

var placeholderRe = regexp.MustCompile(`\{\{\s*([A-Za-z_][A-Za-z0-9_.-]*)\s*\}\}`)

// Render substitutes {{name}} placeholders with escaped argument values.
// Placeholders without a binding are left verbatim.
func Render(tmpl string, args map[string]string, escape func(string) string) string {
	return placeholderRe.ReplaceAllStringFunc(tmpl, func(m string) string {
		name := placeholderRe.FindStringSubmatch(m)[1]
		v, ok := args[name]
		if !ok {
			return m
		}
		if escape == nil {
			return v
		}
		return escape(v)
	})
}

func ShellQuote(v string) string { return shellescape.Quote(v) }

// ScriptQuote escapes a value for the inside of a double-quoted script string.
func ScriptQuote(v string) string { return automation.EscapeString(v) }
