// Package diagnostics captures failure snapshots for failed conversions. Each
// capture writes a human-readable log and a JSON record under a directory;
// the JSON path is the reference stored on the task.
package diagnostics

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"doc2long/internal/converter"
	"doc2long/internal/models"
)

// hashPrefix is how much of the source is hashed for the report.
const hashPrefix = 1 << 20

// Tool is an external program whose version goes into every report.
type Tool struct {
	Name string
	Args []string // arguments that print the version
}

// Record is the JSON body of a diagnostic report.
type Record struct {
	ID        string        `json:"id"`
	Timestamp time.Time     `json:"timestamp"`
	Task      models.Task   `json:"task"`
	Elapsed   time.Duration `json:"elapsed_ns"`
	Source    SourceInfo    `json:"source"`
	Error     ErrorInfo     `json:"error"`
	Params    models.Params `json:"params"`
	Process   ProcessInfo   `json:"process"`
	Tools     []ToolVersion `json:"tools"`
}

// SourceInfo describes the failing input.
type SourceInfo struct {
	Name string `json:"name"`
	Path string `json:"path"`
	Size int64  `json:"size,omitempty"`
	MD5  string `json:"md5,omitempty"`
}

// ErrorInfo is the error chain flattened for the report.
type ErrorInfo struct {
	Message string   `json:"message"`
	Kind    string   `json:"kind,omitempty"`
	Step    string   `json:"step,omitempty"`
	Chain   []string `json:"chain"`
}

// ToolVersion is the first line a tool printed for its version, or the
// reason it could not be queried.
type ToolVersion struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Collector writes diagnostic reports to a directory.
type Collector struct {
	dir     string
	params  models.Params
	tools   []Tool
	started time.Time
	log     zerolog.Logger

	now      func() time.Time
	versions func() []ToolVersion

	mu sync.Mutex
}

// NewCollector creates dir if needed. params are the render parameters in
// effect for the run; tools are queried for versions once.
func NewCollector(dir string, params models.Params, tools []Tool, log zerolog.Logger) (*Collector, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create diagnostics directory: %w", err)
	}

	c := &Collector{
		dir:     dir,
		params:  params,
		tools:   tools,
		started: time.Now(),
		log:     log.With().Str("component", "diagnostics").Logger(),
		now:     time.Now,
	}
	c.versions = sync.OnceValue(c.queryVersions)
	return c, nil
}

// Capture writes error_<id>.log and error_<id>.json and returns the JSON path.
func (c *Collector) Capture(task models.Task, cause error) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ts := c.now()
	rec := Record{
		ID:        fmt.Sprintf("%s_%s", ts.Format("20060102_150405"), shortID(task.ID)),
		Timestamp: ts,
		Task:      task,
		Elapsed:   task.Elapsed(ts),
		Source:    describeSource(task.SourceRef),
		Error:     describeError(cause),
		Params:    c.params,
		Process:   GetProcessInfo(c.started),
		Tools:     c.versions(),
	}

	base := filepath.Join(c.dir, "error_"+rec.ID)
	jsonPath, err := uniquePath(base, ".json")
	if err != nil {
		return "", err
	}
	logPath := strings.TrimSuffix(jsonPath, ".json") + ".log"

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode diagnostic record: %w", err)
	}
	if err := os.WriteFile(jsonPath, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write diagnostic record: %w", err)
	}
	if err := os.WriteFile(logPath, []byte(formatReport(rec)), 0644); err != nil {
		c.log.Warn().Err(err).Str("path", logPath).Msg("failed to write readable report")
	}

	c.log.Info().Str("task", task.ID).Str("report", jsonPath).Msg("diagnostic report written")
	return jsonPath, nil
}

func describeSource(path string) SourceInfo {
	info := SourceInfo{Name: filepath.Base(path), Path: path}

	f, err := os.Open(path)
	if err != nil {
		return info
	}
	defer f.Close()

	if st, err := f.Stat(); err == nil {
		info.Size = st.Size()
	}
	h := md5.New()
	if _, err := io.CopyN(h, f, hashPrefix); err == nil || errors.Is(err, io.EOF) {
		info.MD5 = hex.EncodeToString(h.Sum(nil))
	}
	return info
}

func describeError(err error) ErrorInfo {
	info := ErrorInfo{}
	if err == nil {
		return info
	}
	info.Message = err.Error()
	info.Kind = string(converter.KindOf(err))
	if step, ok := converter.StepOf(err); ok {
		info.Step = string(step)
	}
	for e := err; e != nil; e = errors.Unwrap(e) {
		info.Chain = append(info.Chain, fmt.Sprintf("%T: %v", e, e))
	}
	return info
}

func (c *Collector) queryVersions() []ToolVersion {
	out := make([]ToolVersion, 0, len(c.tools))
	for _, t := range c.tools {
		out = append(out, ToolVersion{Name: t.Name, Version: toolVersion(t)})
	}
	return out
}

func toolVersion(t Tool) string {
	path, err := exec.LookPath(t.Name)
	if err != nil {
		return "not installed"
	}
	// pdftoppm prints its version to stderr and exits non-zero on some builds.
	raw, _ := exec.Command(path, t.Args...).CombinedOutput()
	line, _, _ := strings.Cut(strings.TrimSpace(string(raw)), "\n")
	if line == "" {
		return "unknown"
	}
	return line
}

func formatReport(r Record) string {
	var b bytes.Buffer
	fmt.Fprintf(&b, "===== CONVERSION ERROR %s =====\n", r.ID)
	fmt.Fprintf(&b, "Time:       %s\n", r.Timestamp.Format(time.RFC3339))
	fmt.Fprintf(&b, "Task:       %s (attempt %d)\n", r.Task.ID, r.Task.Attempts)
	fmt.Fprintf(&b, "File:       %s\n", r.Source.Path)
	if r.Source.MD5 != "" {
		fmt.Fprintf(&b, "Size:       %d bytes, md5 %s\n", r.Source.Size, r.Source.MD5)
	}
	fmt.Fprintf(&b, "Step:       %s\n", r.Error.Step)
	fmt.Fprintf(&b, "Kind:       %s\n", r.Error.Kind)
	fmt.Fprintf(&b, "Error:      %s\n", r.Error.Message)
	fmt.Fprintf(&b, "Params:     dpi=%d format=%s quality=%d\n", r.Params.Resolution, r.Params.Format, r.Params.Quality)
	fmt.Fprintf(&b, "Progress:   %.1f%%\n", r.Task.Progress)
	fmt.Fprintf(&b, "Elapsed:    %s\n", r.Elapsed.Round(time.Millisecond))

	b.WriteString("\nError chain:\n")
	for _, c := range r.Error.Chain {
		fmt.Fprintf(&b, "  - %s\n", c)
	}

	b.WriteString("\nSystem:\n")
	fmt.Fprintf(&b, "  %s/%s, %d cores, %s\n", r.Process.OS, r.Process.Arch, r.Process.CPUCores, r.Process.GoVersion)
	fmt.Fprintf(&b, "  heap %s of %s, %d goroutines\n", r.Process.Memory.HeapInUse, r.Process.Memory.HeapSys, r.Process.Goroutines)
	for _, t := range r.Tools {
		fmt.Fprintf(&b, "  %s: %s\n", t.Name, t.Version)
	}
	return b.String()
}

func uniquePath(base, ext string) (string, error) {
	path := base + ext
	for i := 1; ; i++ {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			return path, nil
		} else if err != nil {
			return "", err
		}
		path = fmt.Sprintf("%s_%d%s", base, i, ext)
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
