// Package gitutil reads repository metadata that is attached to
// command-execution activities.
package gitutil

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"sort"
	"strconv"
	"strings"
)

type RepoMeta struct {
	Root   string `json:"root"`
	Commit string `json:"commit"`
	Branch string `json:"branch"`
	Dirty  bool   `json:"dirty"`
}

type DiffSummary struct {
	ChangedFiles []string `json:"changed_files"`
	AddedLines   int      `json:"added_lines"`
	DeletedLines int      `json:"deleted_lines"`
}

func DetectRepoRoot(ctx context.Context, dir string) (string, error) {
	out, err := runGit(ctx, dir, "rev-parse", "--show-toplevel")
	if err != nil {
		return "", fmt.Errorf("detect repo root: %w", err)
	}
	return strings.TrimSpace(out), nil
}

func Metadata(ctx context.Context, repoRoot string) (RepoMeta, error) {
	commit, err := runGit(ctx, repoRoot, "rev-parse", "HEAD")
	if err != nil {
		return RepoMeta{}, fmt.Errorf("git rev-parse HEAD: %w", err)
	}
	branch, err := runGit(ctx, repoRoot, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return RepoMeta{}, fmt.Errorf("git branch: %w", err)
	}
	status, err := runGit(ctx, repoRoot, "status", "--porcelain")
	if err != nil {
		return RepoMeta{}, fmt.Errorf("git status: %w", err)
	}
	return RepoMeta{
		Root:   repoRoot,
		Commit: strings.TrimSpace(commit),
		Branch: strings.TrimSpace(branch),
		Dirty:  strings.TrimSpace(status) != "",
	}, nil
}

func SummarizeDiff(ctx context.Context, repoRoot string) (DiffSummary, error) {
	unstaged, err := runGit(ctx, repoRoot, "diff", "--numstat")
	if err != nil {
		return DiffSummary{}, fmt.Errorf("git diff --numstat: %w", err)
	}
	staged, err := runGit(ctx, repoRoot, "diff", "--cached", "--numstat")
	if err != nil {
		return DiffSummary{}, fmt.Errorf("git diff --cached --numstat: %w", err)
	}
	return parseNumstat(unstaged, staged), nil
}

func parseNumstat(chunks ...string) DiffSummary {
	files := map[string]struct{}{}
	var added, deleted int
	for _, chunk := range chunks {
		for _, line := range strings.Split(chunk, "\n") {
			parts := strings.Fields(line)
			if len(parts) < 3 {
				continue
			}
			// Binary files report "-" for both counts.
			if add, err := strconv.Atoi(parts[0]); err == nil {
				added += add
			}
			if del, err := strconv.Atoi(parts[1]); err == nil {
				deleted += del
			}
			files[parts[2]] = struct{}{}
		}
	}

	outFiles := make([]string, 0, len(files))
	for file := range files {
		outFiles = append(outFiles, file)
	}
	sort.Strings(outFiles)

	return DiffSummary{
		ChangedFiles: outFiles,
		AddedLines:   added,
		DeletedLines: deleted,
	}
}

// Attributes describes the repository containing dir as activity
// attributes under a "git" key. Outside a repository, or without git on
// PATH, it returns nil.
func Attributes(ctx context.Context, dir string) map[string]any {
	root, err := DetectRepoRoot(ctx, dir)
	if err != nil || root == "" {
		return nil
	}
	meta, err := Metadata(ctx, root)
	if err != nil {
		return nil
	}
	attrs := map[string]any{
		"root":   meta.Root,
		"commit": meta.Commit,
		"branch": meta.Branch,
		"dirty":  meta.Dirty,
	}
	if meta.Dirty {
		if diff, err := SummarizeDiff(ctx, root); err == nil {
			attrs["changed_files"] = len(diff.ChangedFiles)
			attrs["added_lines"] = diff.AddedLines
			attrs["deleted_lines"] = diff.DeletedLines
		}
	}
	return map[string]any{"git": attrs}
}

func runGit(ctx context.Context, repoRoot string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	if strings.TrimSpace(repoRoot) != "" {
		cmd.Dir = repoRoot
	}

	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("%w (stderr: %s)", err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}
