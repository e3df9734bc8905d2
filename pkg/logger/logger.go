package logger

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// Level controls which messages are emitted.
type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
)

var levelNames = map[Level]string{
	DEBUG: "DEBUG",
	INFO:  "INFO",
	WARN:  "WARN",
	ERROR: "ERROR",
}

var (
	mu     sync.Mutex
	level  = INFO
	output io.Writer = os.Stderr
)

func SetLevel(l Level) {
	mu.Lock()
	defer mu.Unlock()
	level = l
}

// SetOutput redirects log output, mainly for tests.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	if w == nil {
		w = os.Stderr
	}
	output = w
}

func DebugC(component, msg string) { logC(DEBUG, component, msg, nil) }
func InfoC(component, msg string)  { logC(INFO, component, msg, nil) }
func WarnC(component, msg string)  { logC(WARN, component, msg, nil) }
func ErrorC(component, msg string) { logC(ERROR, component, msg, nil) }

func DebugCF(component, msg string, f map[string]any) { logC(DEBUG, component, msg, f) }
func InfoCF(component, msg string, f map[string]any)  { logC(INFO, component, msg, f) }
func WarnCF(component, msg string, f map[string]any)  { logC(WARN, component, msg, f) }
func ErrorCF(component, msg string, f map[string]any) { logC(ERROR, component, msg, f) }

func logC(l Level, component, msg string, fields map[string]any) {
	mu.Lock()
	defer mu.Unlock()
	if l < level {
		return
	}
	var b strings.Builder
	b.WriteString(time.Now().Format("2006-01-02 15:04:05"))
	b.WriteString(" [")
	b.WriteString(levelNames[l])
	b.WriteString("] [")
	b.WriteString(component)
	b.WriteString("] ")
	b.WriteString(msg)
	if len(fields) > 0 {
		keys := make([]string, 0, len(fields))
		for k := range fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, " %s=%v", k, fields[k])
		}
	}
	b.WriteByte('\n')
	_, _ = io.WriteString(output, b.String())
}
