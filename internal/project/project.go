// Package project derives the project name and VCS branch for a file.
package project

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/kate-wakatime/wakatime-agent/internal/binpath"
)

// DefaultBranchTimeout bounds the git invocation.
const DefaultBranchTimeout = 5 * time.Second

// VCS markers, checked in order in every directory on the way up.
var markers = []struct {
	name string
	vcs  string
}{
	{".git", "git"},
	{".svn", "svn"},
}

// Info describes the project a file belongs to.
type Info struct {
	Name   string
	Root   string
	VCS    string
	Branch string
}

// Detect walks up from the file's directory to the first directory that
// contains a .git or .svn entry. The zero Info means no project.
func Detect(file string) Info {
	if file == "" {
		return Info{}
	}
	abs, err := filepath.Abs(file)
	if err != nil {
		return Info{}
	}

	dir := filepath.Dir(abs)
	for {
		for _, m := range markers {
			if _, err := os.Stat(filepath.Join(dir, m.name)); err == nil {
				return Info{Name: filepath.Base(dir), Root: dir, VCS: m.vcs}
			}
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return Info{}
		}
		dir = parent
	}
}

// Resolver adds branch detection on top of Detect.
type Resolver struct {
	bins    *binpath.Cache
	timeout time.Duration
	logger  *slog.Logger
}

// NewResolver creates a Resolver. git is looked up through bins.
func NewResolver(bins *binpath.Cache, timeout time.Duration, logger *slog.Logger) *Resolver {
	if timeout <= 0 {
		timeout = DefaultBranchTimeout
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Resolver{bins: bins, timeout: timeout, logger: logger.With("component", "project")}
}

// Resolve detects the project of file and, when withBranch is set and the
// project is a git checkout, its current branch.
func (r *Resolver) Resolve(ctx context.Context, file string, withBranch bool) Info {
	info := Detect(file)
	if withBranch && info.VCS == "git" {
		branch, err := r.Branch(ctx, info.Root)
		if err != nil {
			r.logger.Debug("branch detection failed", "root", info.Root, "error", err)
		}
		info.Branch = branch
	}
	return info
}

// Branch returns the short name of HEAD in the repository at root.
func (r *Resolver) Branch(ctx context.Context, root string) (string, error) {
	gitPath, ok := r.bins.Lookup("git")
	if !ok {
		return "", fmt.Errorf("project: git not found")
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	args := []string{"symbolic-ref", "--short", "HEAD"}
	var stdout, stderr bytes.Buffer
	command := exec.CommandContext(ctx, gitPath, append([]string{"-C", root}, args...)...)
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		return "", fmt.Errorf("git %s in %s: %w (stderr: %s)",
			strings.Join(args, " "), root, err, strings.TrimSpace(stderr.String()))
	}
	return strings.TrimSpace(stdout.String()), nil
}
