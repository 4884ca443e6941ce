package features

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// RotationTimeFormat is the timestamp format used for rotated log files.
// The format is sortable and includes millisecond precision.
// Example: "20060102-150405.000" produces "20240115-143052.123"
const RotationTimeFormat = "20060102-150405.000"

// Naming selects how backups are named.
type Naming int

const (
	// NamingTimestamp names backups <base>.<UTC timestamp>[.ext]
	NamingTimestamp Naming = iota
	// NamingSequence names backups <base>.<n>[.ext] with n increasing
	NamingSequence
)

// ParseNaming parses "timestamp" or "sequence".
func ParseNaming(s string) (Naming, error) {
	switch s {
	case "", "timestamp":
		return NamingTimestamp, nil
	case "sequence":
		return NamingSequence, nil
	}
	return NamingTimestamp, errors.Errorf("unknown backup naming %q", s)
}

// Backup describes one rotated file.
type Backup struct {
	Path       string    `json:"path"`
	Name       string    `json:"name"`
	Size       int64     `json:"size"`
	Time       time.Time `json:"time"` // rotation time from the name, or mtime for sequence names
	Seq        int       `json:"seq"`  // collision counter or sequence number
	Compressed bool      `json:"compressed"`
}

// splitPath returns the directory, the base without extension and the extension.
func splitPath(path string) (dir, base, ext string) {
	dir = filepath.Dir(path)
	name := filepath.Base(path)
	ext = filepath.Ext(name)
	base = strings.TrimSuffix(name, ext)
	if base == "" {
		// dot files such as ".log" have no extension to preserve
		base, ext = name, ""
	}
	return dir, base, ext
}

func backupPattern(path string) *regexp.Regexp {
	_, base, ext := splitPath(path)
	return regexp.MustCompile(fmt.Sprintf(`^%s\.(?:(\d{8}-\d{6}\.\d{3})(?:-(\d+))?|(\d+))%s(\.gz)?$`,
		regexp.QuoteMeta(base), regexp.QuoteMeta(ext)))
}

// ListBackups returns the rotated files of path, oldest first.
func ListBackups(path string) ([]Backup, error) {
	dir, _, _ := splitPath(path)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrap(err, "reading log directory")
	}

	pattern := backupPattern(path)
	var backups []Backup
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		m := pattern.FindStringSubmatch(entry.Name())
		if m == nil {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}

		b := Backup{
			Path:       filepath.Join(dir, entry.Name()),
			Name:       entry.Name(),
			Size:       info.Size(),
			Time:       info.ModTime(),
			Compressed: m[4] != "",
		}
		if m[1] != "" {
			if ts, err := time.Parse(RotationTimeFormat, m[1]); err == nil {
				b.Time = ts
			}
			if m[2] != "" {
				b.Seq, _ = strconv.Atoi(m[2])
			}
		} else {
			b.Seq, _ = strconv.Atoi(m[3])
		}
		backups = append(backups, b)
	}

	sort.SliceStable(backups, func(i, j int) bool {
		a, b := backups[i], backups[j]
		if !isTimestampName(a.Name) && !isTimestampName(b.Name) {
			return a.Seq < b.Seq
		}
		if !a.Time.Equal(b.Time) {
			return a.Time.Before(b.Time)
		}
		return a.Seq < b.Seq
	})
	return backups, nil
}

var timestampName = regexp.MustCompile(`\.\d{8}-\d{6}\.\d{3}`)

func isTimestampName(name string) bool { return timestampName.MatchString(name) }

func exists(path string) bool {
	if _, err := os.Lstat(path); err == nil {
		return true
	}
	if _, err := os.Lstat(path + ".gz"); err == nil {
		return true
	}
	return false
}

// nextBackupName picks a name that collides with neither a backup nor its
// compressed form.
func nextBackupName(path string, naming Naming, now time.Time) (string, error) {
	dir, base, ext := splitPath(path)

	switch naming {
	case NamingSequence:
		backups, err := ListBackups(path)
		if err != nil {
			return "", err
		}
		seq := 1
		for _, b := range backups {
			if !isTimestampName(b.Name) && b.Seq >= seq {
				seq = b.Seq + 1
			}
		}
		for ; seq < 1<<20; seq++ {
			candidate := filepath.Join(dir, fmt.Sprintf("%s.%d%s", base, seq, ext))
			if !exists(candidate) {
				return candidate, nil
			}
		}

	default:
		stamp := now.UTC().Format(RotationTimeFormat)
		candidate := filepath.Join(dir, fmt.Sprintf("%s.%s%s", base, stamp, ext))
		if !exists(candidate) {
			return candidate, nil
		}
		for n := 1; n < 1<<20; n++ {
			candidate = filepath.Join(dir, fmt.Sprintf("%s.%s-%d%s", base, stamp, n, ext))
			if !exists(candidate) {
				return candidate, nil
			}
		}
	}
	return "", errors.Errorf("no free backup name for %s", path)
}
