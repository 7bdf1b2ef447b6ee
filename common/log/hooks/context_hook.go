package hooks

import (
	"runtime/debug"
	"strings"

	"github.com/sirupsen/logrus"
)

// contextHook annotates every entry with the file:line of the logging call
// site, recovered by walking the formatted stack past logrus internals.
type contextHook struct {
}

func NewContextHook() contextHook {
	return contextHook{}
}

func (hook contextHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (hook contextHook) Fire(entry *logrus.Entry) error {
	stack := debug.Stack()
	lines := strings.Split(string(stack), "\n")
	pastHook := false
	for i := 0; i+1 < len(lines); i++ {
		if strings.Contains(lines[i], "context_hook.go:") {
			pastHook = true
			continue
		}
		if !pastHook || strings.Contains(lines[i], "logrus") {
			continue
		}
		if !strings.Contains(lines[i], "benchd/") {
			continue
		}
		// lines[i] names the calling function, lines[i+1] holds its file:line.
		file := strings.TrimSpace(lines[i+1])
		if idx := strings.LastIndex(file, " +"); idx > 0 {
			file = file[:idx]
		}
		parts := strings.Split(file, "/")
		if len(parts) > 1 {
			parts = parts[len(parts)-2:]
		}
		entry.Data["file:line"] = strings.Join(parts, "/")
		break
	}
	return nil
}
