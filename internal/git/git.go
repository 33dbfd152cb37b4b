package git

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/schaermu/projectctl/internal/model"
)

const remoteName = "origin"

// Client provides git operations for template repositories and projects
type Client interface {
	// EnsureCheckout clones or opens destDir, fetches the ref for rev and
	// checks it out. It returns the checked out commit hash.
	EnsureCheckout(ctx context.Context, url string, rev model.Revision, destDir string) (string, error)
	// OriginURL returns the URL of the origin remote of the repository at dir
	OriginURL(ctx context.Context, dir string) (string, error)
	// Config returns the git configuration applying to dir with dots in
	// key names replaced by underscores
	Config(ctx context.Context, dir string) (map[string]string, error)
}

// ShellClient implements Client by shelling out to the git command
type ShellClient struct {
	sshKeyFile     string
	httpsTokenFile string
}

// NewShellClient creates a new git client that uses the git command
func NewShellClient(sshKeyFile, httpsTokenFile string) *ShellClient {
	return &ShellClient{
		sshKeyFile:     sshKeyFile,
		httpsTokenFile: httpsTokenFile,
	}
}

// EnsureCheckout clones destDir when it is absent and opens it otherwise.
// The single ref required by rev is always fetched (tags included), so an
// interrupted earlier clone or fetch is repaired on the next call.
func (c *ShellClient) EnsureCheckout(ctx context.Context, url string, rev model.Revision, destDir string) (string, error) {
	rev = rev.Normalize()
	if err := rev.Validate(); err != nil {
		return "", fmt.Errorf("%w: %w", model.ErrGit, err)
	}
	if strings.HasPrefix(url, "-") {
		return "", fmt.Errorf("%w: invalid repository url %q", model.ErrGit, url)
	}

	if _, err := os.Stat(destDir); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return "", model.IOError("stat", destDir, err)
		}
		if err := os.MkdirAll(filepath.Dir(destDir), 0755); err != nil {
			return "", model.IOError("create directory", filepath.Dir(destDir), err)
		}

		cmd := exec.CommandContext(ctx, "git", "clone", "--no-checkout", "--", url, destDir)
		if err := c.configureAuth(cmd, url); err != nil {
			return "", err
		}
		if err := c.runCommand(cmd); err != nil {
			return "", fmt.Errorf("%w: clone %s into %s: %w", model.ErrGit, url, destDir, err)
		}
	} else if _, err := c.output(ctx, destDir, "rev-parse", "--git-dir"); err != nil {
		return "", fmt.Errorf("%w: open repository %s: %w", model.ErrGit, destDir, err)
	}

	ref, fetchSpec, err := c.refspec(ctx, rev, destDir)
	if err != nil {
		return "", err
	}

	cmd := exec.CommandContext(ctx, "git", "-C", destDir, "fetch", "--tags", "--force", remoteName, fetchSpec)
	if err := c.configureAuth(cmd, url); err != nil {
		return "", err
	}
	if err := c.runCommand(cmd); err != nil {
		return "", fmt.Errorf("%w: fetch %s from %s: %w", model.ErrGit, fetchSpec, url, err)
	}

	// Checkout forcibly overwrites the work tree and moves HEAD (detached)
	// to the fetched ref.
	cmd = exec.CommandContext(ctx, "git", "-C", destDir, "checkout", "--force", "--detach", ref)
	if err := c.runCommand(cmd); err != nil {
		return "", fmt.Errorf("%w: checkout %s: %w", model.ErrGit, ref, err)
	}

	commit, err := c.output(ctx, destDir, "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("%w: rev-parse HEAD: %w", model.ErrGit, err)
	}
	return strings.TrimSpace(commit), nil
}

// refspec returns the local ref to check out and the refspec fetching it
func (c *ShellClient) refspec(ctx context.Context, rev model.Revision, dir string) (string, string, error) {
	switch rev.Kind {
	case model.RevisionTag:
		ref := "refs/tags/" + rev.Name
		return ref, "+" + ref + ":" + ref, nil
	case model.RevisionBranch:
		return remoteBranchSpec(rev.Name)
	default:
		branch, err := c.firstLocalBranch(ctx, dir)
		if err != nil {
			return "", "", err
		}
		return remoteBranchSpec(branch)
	}
}

func remoteBranchSpec(branch string) (string, string, error) {
	ref := "refs/remotes/" + remoteName + "/" + branch
	return ref, "+refs/heads/" + branch + ":" + ref, nil
}

// firstLocalBranch returns the first local branch in the order git lists
// them. Right after a clone this is the remote's default branch.
func (c *ShellClient) firstLocalBranch(ctx context.Context, dir string) (string, error) {
	out, err := c.output(ctx, dir, "for-each-ref", "--format=%(refname:short)", "refs/heads/")
	if err != nil {
		return "", fmt.Errorf("%w: list branches: %w", model.ErrGit, err)
	}
	for _, line := range strings.Split(out, "\n") {
		if branch := strings.TrimSpace(line); branch != "" {
			return branch, nil
		}
	}
	return "", model.ErrNoDefaultBranch
}

// IsRepoRoot reports whether dir is the top level of a git work tree
func (c *ShellClient) IsRepoRoot(ctx context.Context, dir string) bool {
	out, err := c.output(ctx, dir, "rev-parse", "--show-toplevel")
	if err != nil {
		return false
	}
	top, err := filepath.EvalSymlinks(strings.TrimSpace(out))
	if err != nil {
		return false
	}
	want, err := filepath.EvalSymlinks(dir)
	if err != nil {
		return false
	}
	return top == want
}

// OriginURL returns the origin remote URL of the repository rooted at dir
func (c *ShellClient) OriginURL(ctx context.Context, dir string) (string, error) {
	if !c.IsRepoRoot(ctx, dir) {
		return "", fmt.Errorf("%w: %s is not a repository", model.ErrGit, dir)
	}
	out, err := c.output(ctx, dir, "remote", "get-url", remoteName)
	if err != nil {
		return "", fmt.Errorf("%w: get %s url: %w", model.ErrGit, remoteName, err)
	}
	return strings.TrimSpace(out), nil
}

// Config reads the configuration of the repository rooted at dir, or the
// global configuration when dir is not a repository. A missing global
// configuration yields an empty map.
func (c *ShellClient) Config(ctx context.Context, dir string) (map[string]string, error) {
	var (
		out string
		err error
	)
	if c.IsRepoRoot(ctx, dir) {
		out, err = c.output(ctx, dir, "config", "--list", "--null")
		if err != nil {
			return nil, fmt.Errorf("%w: read repository config: %w", model.ErrGit, err)
		}
	} else {
		out, err = c.output(ctx, "", "config", "--global", "--list", "--null")
		if err != nil {
			return map[string]string{}, nil
		}
	}
	return parseConfigList(out), nil
}

// parseConfigList parses `git config --list --null` output. Each entry is
// "key\nvalue\x00"; later entries win.
func parseConfigList(out string) map[string]string {
	cfg := make(map[string]string)
	for _, entry := range strings.Split(out, "\x00") {
		if entry == "" {
			continue
		}
		key, value, _ := strings.Cut(entry, "\n")
		cfg[strings.ReplaceAll(key, ".", "_")] = value
	}
	return cfg
}

// configureAuth sets up authentication for git operations
func (c *ShellClient) configureAuth(cmd *exec.Cmd, url string) error {
	if cmd.Env == nil {
		cmd.Env = os.Environ()
	}
	cmd.Env = append(cmd.Env, "GIT_TERMINAL_PROMPT=0")

	// SSH authentication
	if c.sshKeyFile != "" && (strings.HasPrefix(url, "git@") || strings.HasPrefix(url, "ssh://")) {
		// The path is shell-quoted to prevent injection via crafted filenames.
		sshCmd := fmt.Sprintf("ssh -i %s -o StrictHostKeyChecking=accept-new -F /dev/null", shellQuote(c.sshKeyFile))
		cmd.Env = append(cmd.Env, "GIT_SSH_COMMAND="+sshCmd)
		return nil
	}

	// HTTPS authentication with token
	if c.httpsTokenFile != "" && strings.HasPrefix(url, "https://") {
		token, err := os.ReadFile(c.httpsTokenFile)
		if err != nil {
			return model.IOError("read HTTPS token file", c.httpsTokenFile, err)
		}

		// The token is passed through the environment and read by a
		// credential helper instead of being embedded in the command line.
		cmd.Env = append(cmd.Env, "PROJECTCTL_GIT_TOKEN="+strings.TrimSpace(string(token)))
		cmd.Args = insertGitFlags(cmd.Args,
			"-c", `credential.helper=!f() { echo "username=x-access-token"; echo "password=$PROJECTCTL_GIT_TOKEN"; }; f`,
		)
	}

	return nil
}

// insertGitFlags inserts flags immediately after the "git" command name,
// before the subcommand (e.g. "clone", "fetch").
func insertGitFlags(args []string, flags ...string) []string {
	if len(args) == 0 {
		return flags
	}
	result := make([]string, 0, len(args)+len(flags))
	result = append(result, args[0])
	result = append(result, flags...)
	result = append(result, args[1:]...)
	return result
}

// shellQuote wraps s in single quotes, escaping any embedded single quotes.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// runCommand executes a command and returns an error with output on failure
func (c *ShellClient) runCommand(cmd *exec.Cmd) error {
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: %s", err, strings.TrimSpace(string(output)))
	}
	return nil
}

// output runs a git subcommand in dir (the process directory when empty)
// and returns its stdout
func (c *ShellClient) output(ctx context.Context, dir string, args ...string) (string, error) {
	if dir != "" {
		args = append([]string{"-C", dir}, args...)
	}
	cmd := exec.CommandContext(ctx, "git", args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("%w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return string(out), nil
}
