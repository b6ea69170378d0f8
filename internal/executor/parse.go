package executor

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"

	"capline/internal/domain"
)

// Parse converts stdout according to the capability's output parsing rule.
// Any parse failure falls back to plain text.
func Parse(rule domain.OutputParsing, stdout string, custom ParserFunc) *domain.ParsedOutput {
	text := func() *domain.ParsedOutput {
		return &domain.ParsedOutput{Kind: domain.ParsedText, Text: stdout}
	}
	switch rule.Mode {
	case "", domain.OutputNone, domain.OutputText:
		return text()
	case domain.OutputRegex:
		re, err := regexp.Compile(rule.Pattern)
		if err != nil {
			return text()
		}
		var lines []string
		for _, m := range re.FindAllStringSubmatch(stdout, -1) {
			if len(m) > 1 {
				lines = append(lines, m[1:]...)
			} else {
				lines = append(lines, m[0])
			}
		}
		if len(lines) == 0 {
			return text()
		}
		return &domain.ParsedOutput{Kind: domain.ParsedLines, Lines: lines}
	case domain.OutputJSON:
		var v any
		if err := json.Unmarshal([]byte(stdout), &v); err != nil {
			return text()
		}
		return &domain.ParsedOutput{Kind: domain.ParsedJSON, JSON: v}
	case domain.OutputTable, domain.OutputProcessList, domain.OutputDiskUsage, domain.OutputGenericTable:
		return &domain.ParsedOutput{Kind: domain.ParsedLines, Lines: nonEmptyLines(stdout)}
	case domain.OutputMemoryInfo:
		if m, ok := parseMemory(stdout); ok {
			return &domain.ParsedOutput{Kind: domain.ParsedMemory, Memory: m}
		}
		return text()
	case domain.OutputDiskInfo:
		if d, ok := parseDisk(stdout); ok {
			return &domain.ParsedOutput{Kind: domain.ParsedDisk, Disk: d}
		}
		return text()
	case domain.OutputCustom:
		if custom != nil {
			if p := custom(stdout); p != nil {
				return p
			}
		}
		return text()
	default:
		return text()
	}
}

func nonEmptyLines(s string) []string {
	var out []string
	for _, l := range strings.Split(s, "\n") {
		if strings.TrimSpace(l) != "" {
			out = append(out, strings.TrimRight(l, "\r"))
		}
	}
	return out
}

var (
	pageSizeRe = regexp.MustCompile(`page size of (\d+) bytes`)
	vmStatRe   = regexp.MustCompile(`^(Pages [a-z -]+|"[^"]+"):\s+(\d+)\.?$`)
)

// parseMemory understands macOS vm_stat output and Linux `free -b` output.
func parseMemory(out string) (*domain.MemoryInfo, bool) {
	if m := pageSizeRe.FindStringSubmatch(out); m != nil {
		pageSize, _ := strconv.ParseUint(m[1], 10, 64)
		pages := map[string]uint64{}
		for _, l := range strings.Split(out, "\n") {
			if mm := vmStatRe.FindStringSubmatch(strings.TrimSpace(l)); mm != nil {
				n, _ := strconv.ParseUint(mm[2], 10, 64)
				pages[strings.Trim(mm[1], `"`)] = n
			}
		}
		free := (pages["Pages free"] + pages["Pages speculative"]) * pageSize
		used := (pages["Pages active"] + pages["Pages wired down"] + pages["Pages occupied by compressor"]) * pageSize
		if free == 0 && used == 0 {
			return nil, false
		}
		return &domain.MemoryInfo{UsedBytes: used, FreeBytes: free, Pressure: pressure(used, free)}, true
	}
	for _, l := range strings.Split(out, "\n") {
		fields := strings.Fields(l)
		if len(fields) >= 4 && fields[0] == "Mem:" {
			total, err1 := strconv.ParseUint(fields[1], 10, 64)
			used, err2 := strconv.ParseUint(fields[2], 10, 64)
			if err1 != nil || err2 != nil || total == 0 {
				return nil, false
			}
			free := total - used
			if len(fields) >= 7 {
				if avail, err := strconv.ParseUint(fields[6], 10, 64); err == nil {
					free = avail
				}
			}
			return &domain.MemoryInfo{UsedBytes: used, FreeBytes: free, Pressure: pressure(used, free)}, true
		}
	}
	return nil, false
}

func pressure(used, free uint64) string {
	total := used + free
	if total == 0 {
		return "normal"
	}
	ratio := float64(used) / float64(total)
	switch {
	case ratio >= 0.9:
		return "critical"
	case ratio >= 0.75:
		return "warning"
	default:
		return "normal"
	}
}

// parseDisk reads the first data row of `df -k` output.
func parseDisk(out string) (*domain.DiskInfo, bool) {
	lines := nonEmptyLines(out)
	if len(lines) < 2 {
		return nil, false
	}
	fields := strings.Fields(lines[1])
	if len(fields) < 4 {
		return nil, false
	}
	total, err1 := strconv.ParseUint(fields[1], 10, 64)
	used, err2 := strconv.ParseUint(fields[2], 10, 64)
	free, err3 := strconv.ParseUint(fields[3], 10, 64)
	if err1 != nil || err2 != nil || err3 != nil {
		return nil, false
	}
	return &domain.DiskInfo{TotalBytes: total * 1024, UsedBytes: used * 1024, FreeBytes: free * 1024}, true
}

func Summarize(p *domain.ParsedOutput) string {
	if p == nil {
		return ""
	}
	switch p.Kind {
	case domain.ParsedMemory:
		return fmt.Sprintf("memory used %s, free %s (%s)", humanize.IBytes(p.Memory.UsedBytes), humanize.IBytes(p.Memory.FreeBytes), p.Memory.Pressure)
	case domain.ParsedDisk:
		return fmt.Sprintf("disk %s free of %s", humanize.IBytes(p.Disk.FreeBytes), humanize.IBytes(p.Disk.TotalBytes))
	case domain.ParsedLines:
		return fmt.Sprintf("%d lines", len(p.Lines))
	case domain.ParsedKeyValue:
		return fmt.Sprintf("%d values", len(p.KeyValues))
	case domain.ParsedTable:
		return fmt.Sprintf("%d rows", len(p.Table))
	case domain.ParsedJSON:
		return "json document"
	default:
		first := strings.TrimSpace(strings.SplitN(strings.TrimSpace(p.Text), "\n", 2)[0])
		return truncateRunes(first, 120)
	}
}
