// Package vcs fetches remote repositories into local working copies
// using the git CLI.
package vcs

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"codeforge/internal/domain"
	"codeforge/internal/secrets"
)

// FetchResult reports a successful clone or pull.
type FetchResult struct {
	LocalPath  string
	CommitHash string
	CommitDate *string
	SizeBytes  int64
}

// Fetcher produces local working copies under WorkDir. Each repository
// owns the subdirectory named by its ID for the duration of one
// clone+scan cycle.
type Fetcher struct {
	WorkDir      string
	CloneTimeout time.Duration
	PullTimeout  time.Duration
	Decryptor    secrets.Decryptor
	Log          *slog.Logger
}

func New(workDir string, cloneTimeout, pullTimeout time.Duration, dec secrets.Decryptor, log *slog.Logger) *Fetcher {
	if log == nil {
		log = slog.Default()
	}
	if dec == nil {
		dec = secrets.Static{}
	}
	return &Fetcher{
		WorkDir:      workDir,
		CloneTimeout: cloneTimeout,
		PullTimeout:  pullTimeout,
		Decryptor:    dec,
		Log:          log,
	}
}

// LocalPath returns the deterministic working directory for a repository.
func (f *Fetcher) LocalPath(repoID string) string {
	return filepath.Join(f.WorkDir, repoID)
}

// BuildAuthURL injects the decrypted credential into the remote URL in
// the form each provider expects. Wrong placement fails silently at the
// remote, so each branch is covered by tests.
func BuildAuthURL(rawURL string, provider domain.Provider, credential string) (string, error) {
	if credential == "" {
		return rawURL, nil
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse remote url: %w", err)
	}
	switch provider {
	case domain.ProviderGitHub, domain.ProviderGitLab, domain.ProviderBitbucket:
		u.User = url.UserPassword("oauth2", credential)
	case domain.ProviderAzureDevOps:
		u.User = url.User(credential)
	default:
		user, pass, found := strings.Cut(credential, ":")
		if found {
			u.User = url.UserPassword(user, pass)
		} else {
			u.User = url.User(credential)
		}
	}
	return u.String(), nil
}

func (f *Fetcher) remoteURL(rp domain.Repository) (string, error) {
	if rp.CredentialRef == "" {
		return rp.URL, nil
	}
	credential, err := f.Decryptor.Decrypt(rp.CredentialRef)
	if err != nil {
		return "", fmt.Errorf("resolve credential: %w", err)
	}
	return BuildAuthURL(rp.URL, rp.Provider, credential)
}

func runGit(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	if dir != "" {
		cmd.Dir = dir
	}
	var out, stderr bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return "", fmt.Errorf("git %s timed out", args[0])
		}
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return "", fmt.Errorf("git %s: %s", args[0], msg)
	}
	return strings.TrimSpace(out.String()), nil
}

// Clone performs a shallow single-branch clone into the repository's
// working directory, forcibly removing any previous copy first.
func (f *Fetcher) Clone(ctx context.Context, rp domain.Repository) (FetchResult, error) {
	dest := f.LocalPath(rp.ID)
	if err := os.RemoveAll(dest); err != nil {
		return FetchResult{}, fmt.Errorf("remove stale working copy: %w", err)
	}
	if err := os.MkdirAll(f.WorkDir, 0o755); err != nil {
		return FetchResult{}, fmt.Errorf("create work dir: %w", err)
	}
	remote, err := f.remoteURL(rp)
	if err != nil {
		return FetchResult{}, err
	}
	branch := rp.Branch
	if branch == "" {
		branch = "main"
	}
	ctx, cancel := context.WithTimeout(ctx, f.CloneTimeout)
	defer cancel()
	f.Log.Info("cloning repository", "repo_id", rp.ID, "branch", branch)
	if _, err := runGit(ctx, "", "clone", "--depth", "1", "--branch", branch, remote, dest); err != nil {
		_ = os.RemoveAll(dest)
		return FetchResult{}, err
	}
	return f.describe(ctx, dest)
}

// Pull refreshes an existing working copy to the remote head. A shorter
// timeout than Clone applies. Falls back to Clone when no working copy
// exists yet.
func (f *Fetcher) Pull(ctx context.Context, rp domain.Repository) (FetchResult, error) {
	dest := f.LocalPath(rp.ID)
	if _, err := os.Stat(filepath.Join(dest, ".git")); err != nil {
		return f.Clone(ctx, rp)
	}
	ctx, cancel := context.WithTimeout(ctx, f.PullTimeout)
	defer cancel()
	f.Log.Info("refreshing repository", "repo_id", rp.ID)
	if _, err := runGit(ctx, dest, "fetch", "--depth", "1", "origin"); err != nil {
		return FetchResult{}, err
	}
	if _, err := runGit(ctx, dest, "reset", "--hard", "FETCH_HEAD"); err != nil {
		return FetchResult{}, err
	}
	return f.describe(ctx, dest)
}

func (f *Fetcher) describe(ctx context.Context, dest string) (FetchResult, error) {
	out, err := runGit(ctx, dest, "log", "-1", "--format=%H|%cI")
	if err != nil {
		return FetchResult{}, err
	}
	res := FetchResult{LocalPath: dest}
	hash, date, _ := strings.Cut(out, "|")
	res.CommitHash = hash
	if date != "" {
		res.CommitDate = &date
	}
	res.SizeBytes = dirSize(dest)
	return res, nil
}

func dirSize(root string) int64 {
	var total int64
	_ = filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if !info.IsDir() {
			total += info.Size()
		}
		return nil
	})
	return total
}

// Cleanup removes a working copy. Tolerates the path already being absent.
func (f *Fetcher) Cleanup(repoID string) error {
	return os.RemoveAll(f.LocalPath(repoID))
}
