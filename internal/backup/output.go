package backup

import (
	"bytes"
	"encoding/json"
	"errors"
	"regexp"
	"strconv"
	"strings"

	"github.com/rewindhq/rewind/internal/models"
)

// ErrNoSummary is returned when neither structured nor plain-text parsing
// could extract statistics. Statistics are best-effort: callers record the
// run without them rather than failing it.
var ErrNoSummary = errors.New("no summary found in engine output")

// backupSummary is the summary line from restic backup --json.
type backupSummary struct {
	MessageType     string  `json:"message_type"`
	SnapshotID      string  `json:"snapshot_id"`
	FilesNew        int     `json:"files_new"`
	FilesChanged    int     `json:"files_changed"`
	FilesUnmodified int     `json:"files_unmodified"`
	DirsNew         int     `json:"dirs_new"`
	DirsChanged     int     `json:"dirs_changed"`
	DirsUnmodified  int     `json:"dirs_unmodified"`
	DataAdded       int64   `json:"data_added"`
	TotalFiles      int     `json:"total_files_processed"`
	TotalBytes      int64   `json:"total_bytes_processed"`
	TotalDuration   float64 `json:"total_duration"`
}

// ParseOutput extracts backup statistics from engine stdout. It prefers the
// JSON summary line and falls back to pattern extraction against plain text.
func ParseOutput(output []byte) (*models.RunStats, error) {
	if stats := parseJSONSummary(output); stats != nil {
		return stats, nil
	}
	if stats := parseTextSummary(output); stats != nil {
		return stats, nil
	}
	return nil, ErrNoSummary
}

// parseJSONSummary scans line-delimited JSON for the summary message.
func parseJSONSummary(output []byte) *models.RunStats {
	for _, line := range bytes.Split(output, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 || line[0] != '{' {
			continue
		}
		var summary backupSummary
		if err := json.Unmarshal(line, &summary); err != nil {
			continue
		}
		if summary.MessageType != "summary" {
			continue
		}
		return &models.RunStats{
			SnapshotID:      summary.SnapshotID,
			FilesNew:        summary.FilesNew,
			FilesChanged:    summary.FilesChanged,
			FilesUnmodified: summary.FilesUnmodified,
			DirsNew:         summary.DirsNew,
			DirsChanged:     summary.DirsChanged,
			DirsUnmodified:  summary.DirsUnmodified,
			DataAdded:       summary.DataAdded,
			TotalFiles:      summary.TotalFiles,
			TotalBytes:      summary.TotalBytes,
			TotalDuration:   summary.TotalDuration,
		}
	}
	return nil
}

var (
	filesLineRe    = regexp.MustCompile(`Files:\s+(\d+)\s+new,\s+(\d+)\s+changed,\s+(\d+)\s+unmodified`)
	dirsLineRe     = regexp.MustCompile(`Dirs:\s+(\d+)\s+new,\s+(\d+)\s+changed,\s+(\d+)\s+unmodified`)
	addedLineRe    = regexp.MustCompile(`Added to the repos(?:itory)?:\s+([\d.]+)\s+(\w+)`)
	snapshotLineRe = regexp.MustCompile(`snapshot\s+([0-9a-fA-F]{6,})\s+saved`)
	processedRe    = regexp.MustCompile(`processed\s+(\d+)\s+files,\s+([\d.]+)\s+(\w+)`)
)

// parseTextSummary extracts what it can from restic's human-readable
// output. Returns nil when nothing recognizable is present.
func parseTextSummary(output []byte) *models.RunStats {
	text := string(output)
	stats := &models.RunStats{}
	found := false

	if m := filesLineRe.FindStringSubmatch(text); m != nil {
		stats.FilesNew, _ = strconv.Atoi(m[1])
		stats.FilesChanged, _ = strconv.Atoi(m[2])
		stats.FilesUnmodified, _ = strconv.Atoi(m[3])
		found = true
	}
	if m := dirsLineRe.FindStringSubmatch(text); m != nil {
		stats.DirsNew, _ = strconv.Atoi(m[1])
		stats.DirsChanged, _ = strconv.Atoi(m[2])
		stats.DirsUnmodified, _ = strconv.Atoi(m[3])
		found = true
	}
	if m := addedLineRe.FindStringSubmatch(text); m != nil {
		stats.DataAdded = parseSize(m[1], m[2])
		found = true
	}
	if m := snapshotLineRe.FindStringSubmatch(text); m != nil {
		stats.SnapshotID = m[1]
		found = true
	}
	if m := processedRe.FindStringSubmatch(text); m != nil {
		stats.TotalFiles, _ = strconv.Atoi(m[1])
		stats.TotalBytes = parseSize(m[2], m[3])
		found = true
	}

	if !found {
		return nil
	}
	return stats
}

// parseSize converts a value/unit pair like ("1.5", "GiB") to bytes.
func parseSize(value, unit string) int64 {
	v, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0
	}
	switch strings.ToLower(unit) {
	case "b", "byte", "bytes":
		return int64(v)
	case "kib", "kb":
		return int64(v * 1024)
	case "mib", "mb":
		return int64(v * 1024 * 1024)
	case "gib", "gb":
		return int64(v * 1024 * 1024 * 1024)
	case "tib", "tb":
		return int64(v * 1024 * 1024 * 1024 * 1024)
	default:
		return 0
	}
}
