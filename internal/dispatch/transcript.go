package dispatch

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"
)

// AppendLine appends "<at RFC3339 UTC> <text>\n" to path with one write
// on an O_APPEND descriptor, so readers never see a partial line.
func AppendLine(path string, at time.Time, text string) error {
	text = strings.Join(strings.Fields(text), " ")
	line := at.UTC().Format(time.RFC3339) + " " + text + "\n"

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("dispatch: opening transcript: %w", err)
	}
	if _, err := f.Write([]byte(line)); err != nil {
		f.Close()
		return fmt.Errorf("dispatch: appending transcript: %w", err)
	}
	return f.Close()
}

// BackupExisting renames an existing file or directory at path to
// "<path>.<UTC timestamp>.bak" (adding a counter on collision) and returns
// the new name. A missing path is not an error.
func BackupExisting(path string, now time.Time) (string, error) {
	if _, err := os.Lstat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		return "", fmt.Errorf("dispatch: checking %s: %w", path, err)
	}

	stamp := now.UTC().Format("20060102T150405Z")
	backup := fmt.Sprintf("%s.%s.bak", path, stamp)
	for counter := 1; ; counter++ {
		if _, err := os.Lstat(backup); errors.Is(err, os.ErrNotExist) {
			break
		}
		backup = fmt.Sprintf("%s.%s.%d.bak", path, stamp, counter)
	}

	if err := os.Rename(path, backup); err != nil {
		return "", fmt.Errorf("dispatch: backing up %s: %w", path, err)
	}
	slog.Info("[dispatch] backed up previous file", "path", path, "backup", backup)
	return backup, nil
}
