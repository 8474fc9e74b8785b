package convlog

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"
)

var claudeDirNameRegex = regexp.MustCompile(`[^a-zA-Z0-9-]`)

var uuidFilePattern = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}\.jsonl$`)

// ConvertToClaudeDirName maps a project path to the directory name Claude
// stores its logs under: every non-alphanumeric character becomes "-".
func ConvertToClaudeDirName(path string) string {
	return claudeDirNameRegex.ReplaceAllString(path, "-")
}

// SessionIDFromPath returns the log file name without its extension.
func SessionIDFromPath(path string) string {
	return strings.TrimSuffix(filepath.Base(path), ".jsonl")
}

// Projects lists logs under <ConfigDir>/projects.
type Projects struct {
	ConfigDir string
}

var _ Lister = Projects{}

// Dir is the log directory for projectPath.
func (p Projects) Dir(projectPath string) string {
	return filepath.Join(p.ConfigDir, "projects", ConvertToClaudeDirName(projectPath))
}

// ListLogs returns the project's session logs, newest modification first.
// A missing project directory yields no logs.
func (p Projects) ListLogs(projectPath string) ([]LogFile, error) {
	if projectPath == "" {
		return nil, nil
	}
	return listDir(p.Dir(projectPath))
}

// ListAll returns the logs of every project.
func (p Projects) ListAll() ([]LogFile, error) {
	root := filepath.Join(p.ConfigDir, "projects")
	dirs, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("convlog: read %s: %w", root, err)
	}
	var all []LogFile
	for _, d := range dirs {
		if !d.IsDir() {
			continue
		}
		logs, err := listDir(filepath.Join(root, d.Name()))
		if err != nil {
			continue
		}
		all = append(all, logs...)
	}
	sortNewest(all)
	return all, nil
}

func listDir(dir string) ([]LogFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("convlog: read %s: %w", dir, err)
	}
	var logs []LogFile
	for _, e := range entries {
		if e.IsDir() || !uuidFilePattern.MatchString(e.Name()) {
			continue
		}
		fi, err := e.Info()
		if err != nil {
			continue
		}
		path := filepath.Join(dir, e.Name())
		logs = append(logs, LogFile{
			Path:      path,
			SessionID: SessionIDFromPath(path),
			ModTime:   fi.ModTime(),
			BirthTime: BirthTime(path, fi),
			Size:      fi.Size(),
		})
	}
	sortNewest(logs)
	return logs, nil
}

func sortNewest(logs []LogFile) {
	sort.SliceStable(logs, func(i, j int) bool {
		return logs[i].ModTime.After(logs[j].ModTime)
	})
}

// BirthTime is the file's creation time when the filesystem reports one,
// else the first record timestamp, else the modification time.
func BirthTime(path string, fi os.FileInfo) time.Time {
	if t, ok := fileBirthTime(path, fi); ok {
		return t
	}
	if t, ok := headTimestamp(path); ok {
		return t
	}
	return fi.ModTime()
}
