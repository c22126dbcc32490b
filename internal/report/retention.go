package report

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// auditStampLayout prefixes every audit file name so that names sort by
// run start.
const auditStampLayout = "20060102T150405Z"

// AuditFileName returns the audit file name of a run started at start.
func AuditFileName(start time.Time, runID string) string {
	return start.UTC().Format(auditStampLayout) + "-" + runID + ".parquet"
}

// PruneResult holds the result of an audit retention pass.
type PruneResult struct {
	FilesDeleted int
	BytesFreed   int64
	FilesSkipped int
	Errors       []error
}

// PruneAudit deletes the audit files in dir whose run started before
// now minus retention. Files not named by AuditFileName are skipped. A
// missing directory is not an error.
func PruneAudit(dir string, retention time.Duration, now time.Time) PruneResult {
	var result PruneResult
	if retention <= 0 {
		return result
	}
	cutoff := now.Add(-retention)

	files, err := listAuditFiles(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			result.Errors = append(result.Errors, fmt.Errorf("list audit files: %w", err))
		}
		return result
	}

	for _, file := range files {
		started, err := parseAuditTime(file.name)
		if err != nil || !started.Before(cutoff) {
			result.FilesSkipped++
			continue
		}

		if err := os.Remove(file.path); err != nil {
			result.Errors = append(result.Errors, fmt.Errorf("delete %s: %w", file.path, err))
			continue
		}
		result.FilesDeleted++
		result.BytesFreed += file.size
	}

	if n := result.FilesDeleted; n > 0 {
		log.Info("pruned audit files", "dir", dir, "deleted", n, "bytes", result.BytesFreed)
	}
	return result
}

type auditFile struct {
	name string
	path string
	size int64
}

// listAuditFiles lists the Parquet files in dir, oldest first.
func listAuditFiles(dir string) ([]auditFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var files []auditFile
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".parquet" {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		files = append(files, auditFile{
			name: entry.Name(),
			path: filepath.Join(dir, entry.Name()),
			size: info.Size(),
		})
	}

	sort.Slice(files, func(i, j int) bool {
		return files[i].name < files[j].name
	})
	return files, nil
}

// parseAuditTime extracts the run start from an audit file name.
func parseAuditTime(name string) (time.Time, error) {
	stamp, _, ok := strings.Cut(name, "-")
	if !ok {
		return time.Time{}, fmt.Errorf("audit file %s: no timestamp", name)
	}
	return time.Parse(auditStampLayout, stamp)
}
