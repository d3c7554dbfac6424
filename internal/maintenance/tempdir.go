package maintenance

import (
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
)

// DefaultTempCap bounds the temp directory at 5 GiB.
const DefaultTempCap = 5 << 30

// TempSweeper keeps a scratch directory under a size cap by unlinking
// the oldest files first.
type TempSweeper struct {
	dir string
	cap int64
	log *slog.Logger
}

// NewTempSweeper creates a sweeper. capBytes <= 0 selects DefaultTempCap.
func NewTempSweeper(dir string, capBytes int64, log *slog.Logger) *TempSweeper {
	if capBytes <= 0 {
		capBytes = DefaultTempCap
	}
	return &TempSweeper{dir: dir, cap: capBytes, log: log}
}

type tempFile struct {
	path string
	info fs.FileInfo
}

// Sweep scans the directory and deletes oldest files until the aggregate
// size is back under the cap. Returns bytes freed.
func (s *TempSweeper) Sweep() (int64, error) {
	var files []tempFile
	var total int64
	err := filepath.WalkDir(s.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		info, err := d.Info()
		if err != nil {
			// File vanished mid-scan; fine.
			return nil
		}
		files = append(files, tempFile{path: path, info: info})
		total += info.Size()
		return nil
	})
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("scan %s: %w", s.dir, err)
	}
	if total <= s.cap {
		return 0, nil
	}

	sort.Slice(files, func(i, j int) bool {
		return files[i].info.ModTime().Before(files[j].info.ModTime())
	})

	var freed int64
	for _, f := range files {
		if total-freed <= s.cap {
			break
		}
		if err := os.Remove(f.path); err != nil {
			s.log.Warn("unlink temp file", "path", f.path, "error", err)
			continue
		}
		freed += f.info.Size()
	}
	s.log.Info("temp directory swept", "dir", s.dir, "freed_bytes", freed,
		"total_bytes", total)
	return freed, nil
}
