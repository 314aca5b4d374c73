// Package sessionlog maintains the per-TTY append-only text logs that
// record a shell session's command history for later summarization.
package sessionlog

import (
	"bufio"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/aixterm/aixterm/pkg/logger"
)

const (
	// EnvLogFileOverride names the shell-integration-exported variable
	// that pins the active log path for the current session.
	EnvLogFileOverride = "_AIXTERM_LOG_FILE"

	maxLines    = 300
	defaultName = "default"
)

// Store manages session log files rooted at a single directory
// (runtimepaths.Paths.TTYDir).
type Store struct {
	dir string
	mu  sync.Mutex
}

// New returns a Store rooted at dir. dir must already exist.
func New(dir string) *Store {
	return &Store{dir: dir}
}

// NameForTTY derives a log file's base name (without extension) from a
// controlling TTY path: the leading "/dev/" is stripped and remaining
// slashes become "-". An empty ttyPath yields the "default" name.
func NameForTTY(ttyPath string) string {
	if ttyPath == "" {
		return defaultName
	}
	name := strings.TrimPrefix(ttyPath, "/dev/")
	name = strings.ReplaceAll(name, "/", "-")
	if name == "" {
		return defaultName
	}
	return name
}

func (s *Store) pathFor(name string) string {
	return filepath.Join(s.dir, name+".log")
}

// CurrentPath resolves today's active log path using the discovery order:
// an explicit environment override, else the TTY-matched filename for the
// calling process's controlling terminal, else the most-recently-modified
// log file (logging a warning, since it may belong to a different session).
func (s *Store) CurrentPath() string {
	if override := strings.TrimSpace(os.Getenv(EnvLogFileOverride)); override != "" {
		return override
	}

	tty := DetectControllingTTY()
	name := NameForTTY(tty)
	path := s.pathFor(name)
	if tty != "" {
		return path
	}

	if mostRecent, ok := s.mostRecentLog(); ok {
		logger.WarnCF("sessionlog", "no controlling TTY detected, falling back to most recent log", map[string]any{
			"path": mostRecent,
		})
		return mostRecent
	}

	return s.pathFor(defaultName)
}

func (s *Store) mostRecentLog() (string, bool) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return "", false
	}

	var newest string
	var newestTime int64
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".log") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if mt := info.ModTime().Unix(); mt >= newestTime {
			newestTime = mt
			newest = filepath.Join(s.dir, e.Name())
		}
	}
	return newest, newest != ""
}

// Append writes "$ <command>\n<output>\n" to path, then truncates to the
// most recent maxLines lines if the file now exceeds it. Write errors are
// logged and swallowed, never returned, per the store's failure semantics.
func (s *Store) Append(path string, command string, output string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		logger.ErrorCF("sessionlog", "failed to open log for append", map[string]any{
			"path": path, "error": err.Error(),
		})
		return
	}

	entry := fmt.Sprintf("$ %s\n%s\n", command, output)
	if _, err := f.WriteString(entry); err != nil {
		logger.ErrorCF("sessionlog", "failed to write log entry", map[string]any{
			"path": path, "error": err.Error(),
		})
	}
	f.Close()

	s.truncateToMaxLines(path)
}

func (s *Store) truncateToMaxLines(path string) {
	lines, err := readLines(path)
	if err != nil {
		logger.ErrorCF("sessionlog", "failed to read log for truncation", map[string]any{
			"path": path, "error": err.Error(),
		})
		return
	}
	if len(lines) <= maxLines {
		return
	}

	kept := lines[len(lines)-maxLines:]
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, []byte(strings.Join(kept, "\n")+"\n"), 0o600); err != nil {
		logger.ErrorCF("sessionlog", "failed to write truncated log", map[string]any{
			"path": path, "error": err.Error(),
		})
		os.Remove(tmpPath)
		return
	}
	if err := os.Rename(tmpPath, path); err != nil {
		logger.ErrorCF("sessionlog", "failed to replace log with truncated copy", map[string]any{
			"path": path, "error": err.Error(),
		})
	}
}

func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	return lines, scanner.Err()
}

// Read returns path's contents, degrading to empty on any read error.
func (s *Store) Read(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return string(data)
}

// DetectControllingTTY probes for the calling process's controlling
// terminal name, trying progressively coarser mechanisms: the platform's
// tty-name lookup on stdio, the "tty" command, then "who". Returns "" if
// none succeed (e.g. no controlling terminal, as under a service process).
func DetectControllingTTY() string {
	if name := ttyNameFromStdio(); name != "" {
		return name
	}
	if name := ttyNameFromCommand("tty"); name != "" {
		return name
	}
	return ttyNameFromWho()
}

func ttyNameFromStdio() string {
	for _, fd := range []*os.File{os.Stdin, os.Stdout, os.Stderr} {
		if info, err := fd.Stat(); err == nil && (info.Mode()&os.ModeCharDevice) != 0 {
			if name := readlinkFd(fd); name != "" {
				return name
			}
		}
	}
	return ""
}

func readlinkFd(f *os.File) string {
	link := fmt.Sprintf("/proc/self/fd/%d", f.Fd())
	target, err := os.Readlink(link)
	if err != nil {
		return ""
	}
	if strings.HasPrefix(target, "/dev/") {
		return target
	}
	return ""
}

func ttyNameFromCommand(name string) string {
	out, err := exec.Command(name).Output()
	if err != nil {
		return ""
	}
	line := strings.TrimSpace(string(out))
	if strings.HasPrefix(line, "/dev/") {
		return line
	}
	return ""
}

func ttyNameFromWho() string {
	out, err := exec.Command("who", "am", "i").Output()
	if err != nil {
		return ""
	}
	fields := strings.Fields(string(out))
	if len(fields) < 2 {
		return ""
	}
	return "/dev/" + fields[1]
}
