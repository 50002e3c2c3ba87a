package logging

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

const logDirCleanerInterval = time.Minute

var logDirCleanerCancel context.CancelFunc

// dirBudget removes the oldest log files of dir until their total size fits maxBytes.
// The file at protected is never removed, even when it alone exceeds the budget.
type dirBudget struct {
	dir       string
	maxBytes  int64
	protected string
}

type logFile struct {
	path    string
	size    int64
	modTime time.Time
}

func newDirBudget(logDir string, maxTotalSizeMB int, protectedPath string) (dirBudget, bool) {
	dir := strings.TrimSpace(logDir)
	if dir == "" || maxTotalSizeMB <= 0 {
		return dirBudget{}, false
	}
	b := dirBudget{
		dir:      filepath.Clean(dir),
		maxBytes: int64(maxTotalSizeMB) * 1024 * 1024,
	}
	if p := strings.TrimSpace(protectedPath); p != "" {
		b.protected = filepath.Clean(p)
	}
	return b, true
}

func configureLogDirCleanerLocked(logDir string, maxTotalSizeMB int, protectedPath string) {
	stopLogDirCleanerLocked()

	budget, ok := newDirBudget(logDir, maxTotalSizeMB, protectedPath)
	if !ok {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	logDirCleanerCancel = cancel
	go budget.run(ctx, logDirCleanerInterval)
}

func stopLogDirCleanerLocked() {
	if logDirCleanerCancel == nil {
		return
	}
	logDirCleanerCancel()
	logDirCleanerCancel = nil
}

func (b dirBudget) run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if deleted, err := b.enforce(); err != nil {
			log.WithError(err).Warn("logging: failed to enforce log directory size limit")
		} else if deleted > 0 {
			log.Debugf("logging: removed %d old log file(s) from %s", deleted, b.dir)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (b dirBudget) enforce() (int, error) {
	files, total, err := b.scan()
	if err != nil || total <= b.maxBytes {
		return 0, err
	}

	slices.SortFunc(files, func(x, y logFile) int {
		return x.modTime.Compare(y.modTime)
	})

	deleted := 0
	for _, f := range files {
		if total <= b.maxBytes {
			break
		}
		if f.path == b.protected {
			continue
		}
		if errRemove := os.Remove(f.path); errRemove != nil {
			log.WithError(errRemove).Warnf("logging: failed to remove old log file: %s", filepath.Base(f.path))
			continue
		}
		total -= f.size
		deleted++
	}
	return deleted, nil
}

func (b dirBudget) scan() ([]logFile, int64, error) {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, nil
		}
		return nil, 0, err
	}

	var (
		files []logFile
		total int64
	)
	for _, entry := range entries {
		if entry.IsDir() || !isLogFileName(entry.Name()) {
			continue
		}
		info, errInfo := entry.Info()
		if errInfo != nil || info.Mode()&fs.ModeType != 0 {
			continue
		}
		files = append(files, logFile{
			path:    filepath.Join(b.dir, entry.Name()),
			size:    info.Size(),
			modTime: info.ModTime(),
		})
		total += info.Size()
	}
	return files, total, nil
}

// enforceLogDirSizeLimit runs a single cleanup pass.
func enforceLogDirSizeLimit(logDir string, maxBytes int64, protectedPath string) (int, error) {
	if maxBytes <= 0 || strings.TrimSpace(logDir) == "" {
		return 0, nil
	}
	b := dirBudget{dir: filepath.Clean(strings.TrimSpace(logDir)), maxBytes: maxBytes}
	if p := strings.TrimSpace(protectedPath); p != "" {
		b.protected = filepath.Clean(p)
	}
	return b.enforce()
}

func isLogFileName(name string) bool {
	lower := strings.ToLower(strings.TrimSpace(name))
	if lower == "" {
		return false
	}
	return strings.HasSuffix(lower, ".log") || strings.HasSuffix(lower, ".log.gz")
}
