package database

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	backupSuffix          = "-backup"
	beforeMigrationSuffix = "-before-migration"
)

// BackupTo writes a consistent snapshot of the open catalog to dest using
// the engine's online backup (VACUUM INTO), never a file-level copy. An
// existing destination file is replaced.
func BackupTo(db *gorm.DB, dest string) (string, error) {
	if _, err := os.Stat(dest); err == nil {
		if err := os.Remove(dest); err != nil {
			return "", err
		}
	}
	if err := db.Exec("VACUUM INTO ?", dest).Error; err != nil {
		return "", err
	}
	return dest, nil
}

// RollingBackup writes the close-time backup beside the catalog file, using
// the first free "-backup" name.
func RollingBackup(db *gorm.DB, path string) (string, error) {
	return BackupTo(db, nextAvailable(path, backupSuffix))
}

// ExportTo copies the catalog file at srcPath into dest via a read-only
// connection, so a live file can be exported without stopping writers in
// the owning process.
func ExportTo(srcPath, dest string) error {
	db, err := gorm.Open(openReadOnlyDialector(srcPath), &gorm.Config{})
	if err != nil {
		return err
	}
	defer closeQuietly(db)
	_, err = BackupTo(db, dest)
	return err
}

// BackupFile describes one backup on disk for pruning decisions.
type BackupFile struct {
	Path    string
	Size    int64
	ModTime time.Time
}

// PrunePlan decides which backups to keep. Files are considered newest
// first; a file is kept while the cumulative size stays within maxBytes,
// and the newest maxCount files are kept regardless of size. The function
// touches no disk so the policy can be tested in isolation.
func PrunePlan(files []BackupFile, maxCount int, maxBytes int64) (keep, remove []BackupFile) {
	sorted := make([]BackupFile, len(files))
	copy(sorted, files)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].ModTime.After(sorted[j].ModTime)
	})

	var seen int64
	kept := 0
	for _, f := range sorted {
		seen += f.Size
		if seen > maxBytes && kept >= maxCount {
			remove = append(remove, f)
		} else {
			kept++
			keep = append(keep, f)
		}
	}
	return keep, remove
}

// PruneBackups applies PrunePlan to the rolling backups beside the catalog
// file. Deletion failures are logged and tolerated.
func PruneBackups(path string, maxCount int, maxBytes int64, logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}

	files := listBackups(path)
	_, remove := PrunePlan(files, maxCount, maxBytes)
	for _, f := range remove {
		if err := os.Remove(f.Path); err != nil {
			logger.Warn("failed to remove old backup, check file permissions",
				zap.String("backup", f.Path), zap.Error(err))
		}
	}
	if len(remove) > 0 {
		logger.Info("pruned database backups",
			zap.Int("removed", len(remove)),
			zap.Int("kept", len(files)-len(remove)))
	}
}

func listBackups(path string) []BackupFile {
	dir := filepath.Dir(path)
	ext := filepath.Ext(path)
	prefix := strings.TrimSuffix(filepath.Base(path), ext) + backupSuffix

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}

	var files []BackupFile
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, ext) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		files = append(files, BackupFile{
			Path:    filepath.Join(dir, name),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
	}
	return files
}

func nextAvailable(path, suffix string) string {
	ext := filepath.Ext(path)
	base := strings.TrimSuffix(path, ext)

	candidate := base + suffix + ext
	for n := 2; fileExists(candidate); n++ {
		candidate = fmt.Sprintf("%s%s-%d%s", base, suffix, n, ext)
	}
	return candidate
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
