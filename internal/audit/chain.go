// Package audit computes and verifies the hash chain linking run records.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"capline/internal/domain"
)

// TimestampLayout is the fixed-width UTC layout used both for hashing and for storage,
// so stored values sort lexicographically and re-hash to the same digest.
const TimestampLayout = "2006-01-02T15:04:05.000000000Z"

const sep = "\x1f"

func FormatTimestamp(ts time.Time) string {
	return ts.UTC().Format(TimestampLayout)
}

func ParseTimestamp(s string) (time.Time, error) {
	return time.Parse(TimestampLayout, s)
}

// ComputeHash returns the hex SHA-256 digest over the hashed record fields.
func ComputeHash(id string, ts time.Time, capabilityID string, exitCode int, previous *string) string {
	prev := ""
	if previous != nil {
		prev = *previous
	}
	payload := strings.Join([]string{
		id,
		FormatTimestamp(ts),
		capabilityID,
		strconv.Itoa(exitCode),
		prev,
	}, sep)
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}

func RecordHash(r domain.RunRecord) string {
	return ComputeHash(r.ID, r.Timestamp, r.CapabilityID, r.ExitCode, r.PreviousRecordHash)
}

// Seal links r to previous and sets its record hash.
func Seal(r *domain.RunRecord, previous *string) {
	if previous != nil {
		p := *previous
		r.PreviousRecordHash = &p
	} else {
		r.PreviousRecordHash = nil
	}
	r.RecordHash = RecordHash(*r)
}

type Break struct {
	Index    int    `json:"index"`
	RecordID string `json:"record_id"`
	Reason   string `json:"reason"`
}

type Report struct {
	Checked int     `json:"checked"`
	Breaks  []Break `json:"breaks,omitempty"`
}

func (r Report) OK() bool { return len(r.Breaks) == 0 }

// Verify walks records in chain order (oldest first). anchor is the expected
// previous hash of the first record; nil means the first record must be a chain root.
func Verify(records []domain.RunRecord, anchor *string) Report {
	report := Report{Checked: len(records)}
	expected := anchor
	for i, r := range records {
		if !samePrev(r.PreviousRecordHash, expected) {
			report.Breaks = append(report.Breaks, Break{
				Index:    i,
				RecordID: r.ID,
				Reason:   fmt.Sprintf("previous hash %s does not match %s", display(r.PreviousRecordHash), display(expected)),
			})
		}
		if got := RecordHash(r); got != r.RecordHash {
			report.Breaks = append(report.Breaks, Break{
				Index:    i,
				RecordID: r.ID,
				Reason:   fmt.Sprintf("record hash mismatch: stored %s, computed %s", short(r.RecordHash), short(got)),
			})
		}
		h := r.RecordHash
		expected = &h
	}
	return report
}

func samePrev(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func display(p *string) string {
	if p == nil {
		return "<root>"
	}
	return short(*p)
}

func short(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
