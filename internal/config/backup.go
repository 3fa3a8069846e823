// SPDX-License-Identifier: MIT

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const (
	// DefaultBackupDir is the default directory for profile file backups.
	DefaultBackupDir = "/etc/resmon/backups"

	// DefaultKeepBackups is the default number of backups to retain.
	DefaultKeepBackups = 10

	// BackupSuffix is the file extension for backup files.
	BackupSuffix = ".bak"

	// BackupTimestampFormat is the timestamp format used in backup filenames.
	// Format: YYYY-MM-DDTHH-MM-SS (ISO 8601 with dashes instead of colons for filesystem safety)
	BackupTimestampFormat = "2006-01-02T15-04-05"
)

// BackupInfo contains information about a backup file.
type BackupInfo struct {
	Path      string    // Full path to backup file
	Name      string    // Filename only
	Timestamp time.Time // When backup was created
	Size      int64     // File size in bytes
}

// BackupProfile creates a timestamped backup of a profile file.
//
// The backup is stored in the backup directory with format:
//
//	{original_filename}.{timestamp}.bak
//
// Example:
//
//	web.conf.2025-12-14T10-30-00.bak
func BackupProfile(profilePath, backupDir string) (string, error) {
	info, err := os.Stat(profilePath)
	if err != nil {
		return "", fmt.Errorf("profile file not found: %w", err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("profile path is a directory, not a file")
	}

	// #nosec G301 -- backup directory needs to be accessible
	if err := os.MkdirAll(backupDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create backup directory: %w", err)
	}

	// #nosec G304 -- profilePath is administrator-controlled
	data, err := os.ReadFile(profilePath)
	if err != nil {
		return "", fmt.Errorf("failed to read profile file: %w", err)
	}

	baseName := filepath.Base(profilePath)
	timestamp := time.Now().Format(BackupTimestampFormat)
	backupName := fmt.Sprintf("%s.%s%s", baseName, timestamp, BackupSuffix)
	backupPath := filepath.Join(backupDir, backupName)

	if _, err := os.Stat(backupPath); err == nil {
		timestamp = time.Now().Format("2006-01-02T15-04-05.000")
		backupName = fmt.Sprintf("%s.%s%s", baseName, timestamp, BackupSuffix)
		backupPath = filepath.Join(backupDir, backupName)
	}

	if err := os.WriteFile(backupPath, data, 0600); err != nil {
		return "", fmt.Errorf("failed to write backup: %w", err)
	}

	return backupPath, nil
}

// ListBackups returns all backup files in the backup directory, sorted by
// timestamp, newest first. If profileName is empty, all backups are
// returned.
func ListBackups(backupDir, profileName string) ([]BackupInfo, error) {
	entries, err := os.ReadDir(backupDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read backup directory: %w", err)
	}

	var backups []BackupInfo
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, BackupSuffix) {
			continue
		}
		if profileName != "" && !strings.HasPrefix(name, profileName+".") {
			continue
		}

		timestamp, err := parseBackupTimestamp(name)
		if err != nil {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}

		backups = append(backups, BackupInfo{
			Path:      filepath.Join(backupDir, name),
			Name:      name,
			Timestamp: timestamp,
			Size:      info.Size(),
		})
	}

	sort.Slice(backups, func(i, j int) bool {
		return backups[i].Timestamp.After(backups[j].Timestamp)
	})

	return backups, nil
}

// RestoreBackup restores a profile file from a backup, first validating
// the backup parses as a well-formed profile. It backs up the current
// profile (if any) before overwriting it.
func RestoreBackup(backupPath, profilePath, backupDir string) (string, error) {
	if _, err := os.Stat(backupPath); err != nil {
		return "", fmt.Errorf("backup file not found: %w", err)
	}

	// #nosec G304 -- backupPath is from the controlled backup directory
	data, err := os.ReadFile(backupPath)
	if err != nil {
		return "", fmt.Errorf("failed to read backup: %w", err)
	}

	if _, _, err := scan(backupPath, data); err != nil {
		return "", fmt.Errorf("backup is not a well-formed profile: %w", err)
	}

	var previousBackup string
	if _, err := os.Stat(profilePath); err == nil {
		previousBackup, err = BackupProfile(profilePath, backupDir)
		if err != nil {
			return "", fmt.Errorf("failed to backup current profile before restore: %w", err)
		}
	}

	// #nosec G301 -- profile directory needs to be accessible
	if err := os.MkdirAll(filepath.Dir(profilePath), 0755); err != nil {
		return previousBackup, fmt.Errorf("failed to create profile directory: %w", err)
	}

	// #nosec G306 -- profile file needs to be readable by the daemon
	if err := os.WriteFile(profilePath, data, 0644); err != nil {
		return previousBackup, fmt.Errorf("failed to restore profile: %w", err)
	}

	return previousBackup, nil
}

// CleanOldBackups removes old backups, keeping only the keepCount most
// recent ones. Returns the number of backups deleted.
func CleanOldBackups(backupDir, profileName string, keepCount int) (int, error) {
	if keepCount < 0 {
		return 0, fmt.Errorf("keepCount must be non-negative")
	}

	backups, err := ListBackups(backupDir, profileName)
	if err != nil {
		return 0, err
	}
	if len(backups) <= keepCount {
		return 0, nil
	}

	deleted := 0
	for _, backup := range backups[keepCount:] {
		if err := os.Remove(backup.Path); err != nil {
			continue
		}
		deleted++
	}

	return deleted, nil
}

// parseBackupTimestamp extracts the timestamp from a backup filename.
//
// Expected format: web.conf.2025-12-14T10-30-00.bak
func parseBackupTimestamp(filename string) (time.Time, error) {
	name := strings.TrimSuffix(filename, BackupSuffix)
	parts := strings.Split(name, ".")
	if len(parts) < 2 {
		return time.Time{}, fmt.Errorf("invalid backup filename format")
	}
	timestampStr := parts[len(parts)-1]
	if len(parts) >= 3 {
		// The millisecond form's own "." splits it across the last two parts.
		if t, err := time.Parse("2006-01-02T15-04-05.000", parts[len(parts)-2]+"."+timestampStr); err == nil {
			return t, nil
		}
	}

	formats := []string{
		BackupTimestampFormat,
		"2006-01-02T15-04-05.000",
	}
	var t time.Time
	var err error
	for _, format := range formats {
		t, err = time.Parse(format, timestampStr)
		if err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid timestamp format: %s", timestampStr)
}

// GetBackupDir returns the appropriate backup directory for a profile path:
// DefaultBackupDir when the profile lives under /etc/resmon, otherwise a
// "backups" subdirectory next to the profile file.
func GetBackupDir(profilePath string) string {
	dir := filepath.Dir(profilePath)
	if strings.HasPrefix(dir, "/etc/resmon") {
		return DefaultBackupDir
	}
	return filepath.Join(dir, "backups")
}
