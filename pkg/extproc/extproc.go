// Package extproc provides collaborator implementations backed by
// configured shell commands. Each command receives a JSON request on
// stdin and answers with JSON on stdout, so the analysis, generation,
// test, and version-control processes can live outside this binary.
package extproc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/DavinciDreams/SIA/pkg/config"
	"github.com/DavinciDreams/SIA/pkg/logger"
	"github.com/DavinciDreams/SIA/pkg/orchestrator"
)

const maxStderr = 2000

// Runner executes one configured shell command per call.
type Runner struct {
	workingDir string
	timeout    time.Duration
}

func NewRunner(cfg config.CollaboratorsConfig) *Runner {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	return &Runner{workingDir: cfg.WorkingDir, timeout: timeout}
}

// run executes command with request marshalled onto stdin and decodes
// stdout into response.
func (r *Runner) run(ctx context.Context, name, command string, request, response any) error {
	command = strings.TrimSpace(command)
	if command == "" {
		return fmt.Errorf("%s command is not configured", name)
	}

	input, err := json.Marshal(request)
	if err != nil {
		return fmt.Errorf("%s: encode request: %w", name, err)
	}

	runCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "sh", "-c", command)
	if r.workingDir != "" {
		cmd.Dir = r.workingDir
	}
	cmd.Stdin = bytes.NewReader(input)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	if err := cmd.Run(); err != nil {
		if runCtx.Err() == context.DeadlineExceeded {
			return fmt.Errorf("%s command timed out after %s", name, r.timeout)
		}
		detail := strings.TrimSpace(stderr.String())
		if len(detail) > maxStderr {
			detail = detail[:maxStderr]
		}
		return fmt.Errorf("%s command failed: %w: %s", name, err, detail)
	}
	logger.DebugCF("extproc", "Collaborator command finished", map[string]any{
		"name":     name,
		"duration": time.Since(start).String(),
	})

	if response == nil {
		return nil
	}
	if err := json.Unmarshal(stdout.Bytes(), response); err != nil {
		return fmt.Errorf("%s: decode response: %w", name, err)
	}
	return nil
}

// Collaborators bundles every script-backed collaborator.
type Collaborators struct {
	runner *Runner
	cfg    config.CollaboratorsConfig
}

func New(cfg config.CollaboratorsConfig) *Collaborators {
	return &Collaborators{runner: NewRunner(cfg), cfg: cfg}
}

var (
	_ orchestrator.Analyzer       = (*Collaborators)(nil)
	_ orchestrator.Generator      = (*Collaborators)(nil)
	_ orchestrator.TestRunner     = (*Collaborators)(nil)
	_ orchestrator.VersionControl = (*Collaborators)(nil)
)

func (c *Collaborators) Analyze(ctx context.Context, actx orchestrator.AnalysisContext) (orchestrator.Findings, error) {
	req := struct {
		Target   string   `json:"target"`
		Memories []string `json:"memories"`
	}{actx.Target, actx.Memories}
	var out orchestrator.Findings
	if err := c.runner.run(ctx, "analyze", c.cfg.Analyze, req, &out); err != nil {
		return orchestrator.Findings{}, err
	}
	return out, nil
}

func (c *Collaborators) Generate(ctx context.Context, findings orchestrator.Findings, memories []string) (orchestrator.CandidateChange, error) {
	req := struct {
		Findings orchestrator.Findings `json:"findings"`
		Memories []string              `json:"memories"`
	}{findings, memories}
	var out orchestrator.CandidateChange
	if err := c.runner.run(ctx, "generate", c.cfg.Generate, req, &out); err != nil {
		return orchestrator.CandidateChange{}, err
	}
	if strings.TrimSpace(out.Diff) == "" {
		return orchestrator.CandidateChange{}, fmt.Errorf("generate command returned an empty diff")
	}
	return out, nil
}

func (c *Collaborators) RunTests(ctx context.Context, change orchestrator.CandidateChange) (orchestrator.TestReport, error) {
	var out struct {
		Passed  bool   `json:"passed"`
		Details string `json:"details"`
	}
	if err := c.runner.run(ctx, "test", c.cfg.Test, change, &out); err != nil {
		return orchestrator.TestReport{}, err
	}
	return orchestrator.TestReport{Passed: out.Passed, Details: out.Details}, nil
}

func (c *Collaborators) Submit(ctx context.Context, change orchestrator.CandidateChange, branch, title, description string, reviewers []string) (string, error) {
	req := struct {
		Change      orchestrator.CandidateChange `json:"change"`
		Branch      string                       `json:"branch"`
		Title       string                       `json:"title"`
		Description string                       `json:"description"`
		Reviewers   []string                     `json:"reviewers"`
	}{change, branch, title, description, reviewers}
	var out struct {
		DiffRef string `json:"diff_ref"`
	}
	if err := c.runner.run(ctx, "submit", c.cfg.Submit, req, &out); err != nil {
		return "", err
	}
	if strings.TrimSpace(out.DiffRef) == "" {
		return "", fmt.Errorf("submit command returned no diff_ref")
	}
	return out.DiffRef, nil
}

func (c *Collaborators) Merge(ctx context.Context, diffRef string) (orchestrator.MergeStatus, error) {
	req := struct {
		DiffRef string `json:"diff_ref"`
	}{diffRef}
	var out struct {
		Status string `json:"status"`
	}
	if err := c.runner.run(ctx, "merge", c.cfg.Merge, req, &out); err != nil {
		return "", err
	}
	switch out.Status {
	case "merged":
		return orchestrator.MergeMerged, nil
	case "conflict":
		return orchestrator.MergeConflict, nil
	default:
		return "", fmt.Errorf("merge command returned unknown status %q", out.Status)
	}
}

func (c *Collaborators) Revert(ctx context.Context, diffRef string) error {
	req := struct {
		DiffRef string `json:"diff_ref"`
	}{diffRef}
	return c.runner.run(ctx, "revert", c.cfg.Revert, req, nil)
}
