// Package publish pushes the generated report and the static frontend files
// to the git remote the dashboard is served from. A publish failure after a
// successful reconciliation is only a partial-sync condition: the report is
// already valid and written locally, so callers log it and move on.
package publish

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	gogit "github.com/go-git/go-git/v5"
	gogitcfg "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	gogithttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	"go.uber.org/zap"

	"github.com/msv-stihl/limpeza/internal/config"
)

// PartialSyncError wraps a publish failure that followed a successful
// reconciliation. It is a warning condition, not a run failure.
type PartialSyncError struct {
	Err error
}

func (e *PartialSyncError) Error() string {
	return fmt.Sprintf("report published locally but git sync failed: %v", e.Err)
}

func (e *PartialSyncError) Unwrap() error { return e.Err }

// Identity used for automated commits when the repo has none configured.
const (
	commitName  = "Coletor Automático"
	commitEmail = "coletor@manserv.com.br"
)

// Manager synchronizes the publication repository: add, commit, push.
type Manager struct {
	cfg      config.PublishConfig
	repoPath string
	log      *zap.Logger
}

// NewManager builds a publish manager rooted at repoPath.
func NewManager(cfg config.PublishConfig, repoPath string, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{cfg: cfg, repoPath: repoPath, log: log}
}

// Sync stages the configured artifacts, commits them with the given message
// and pushes to the remote. Missing files are skipped with a warning; a
// missing token skips the push (local commit still lands). Any failure is
// returned as a PartialSyncError.
func (m *Manager) Sync(message string) error {
	repo, err := m.openOrInit()
	if err != nil {
		return &PartialSyncError{Err: err}
	}

	wt, err := repo.Worktree()
	if err != nil {
		return &PartialSyncError{Err: fmt.Errorf("failed to get worktree: %w", err)}
	}

	// Tokenless mode is local-only; without credentials neither the pull
	// nor the push can reach the remote.
	if m.cfg.Token != "" {
		m.pull(wt)
	}

	staged := 0
	for _, file := range m.cfg.Files {
		if _, err := os.Stat(filepath.Join(m.repoPath, file)); err != nil {
			m.log.Warn("publish artifact missing, skipping", zap.String("file", file))
			continue
		}
		if _, err := wt.Add(file); err != nil {
			return &PartialSyncError{Err: fmt.Errorf("failed to stage %s: %w", file, err)}
		}
		staged++
	}
	if staged == 0 {
		m.log.Warn("no publish artifacts found, nothing to sync")
		return nil
	}

	status, err := wt.Status()
	if err != nil {
		return &PartialSyncError{Err: fmt.Errorf("failed to read status: %w", err)}
	}
	if status.IsClean() {
		m.log.Info("publication repo already up to date")
		return nil
	}

	commit, err := wt.Commit(message, &gogit.CommitOptions{
		Author: &object.Signature{Name: commitName, Email: commitEmail, When: time.Now()},
	})
	if err != nil {
		return &PartialSyncError{Err: fmt.Errorf("failed to commit: %w", err)}
	}
	m.log.Info("publication commit created",
		zap.String("commit", commit.String()[:8]),
		zap.Int("files", staged))

	if m.cfg.Token == "" {
		m.log.Warn("no publish token configured, skipping push")
		return nil
	}
	if err := m.push(repo); err != nil {
		return &PartialSyncError{Err: err}
	}
	m.log.Info("publication pushed", zap.String("branch", m.cfg.Branch))
	return nil
}

// Status summarizes the publication repo for the status subcommand.
func (m *Manager) Status() (string, error) {
	repo, err := gogit.PlainOpen(m.repoPath)
	if err != nil {
		return "", fmt.Errorf("failed to open repo at %s: %w", m.repoPath, err)
	}
	head, err := repo.Head()
	if err != nil {
		return "", fmt.Errorf("failed to read HEAD: %w", err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return "", fmt.Errorf("failed to get worktree: %w", err)
	}
	status, err := wt.Status()
	if err != nil {
		return "", fmt.Errorf("failed to read status: %w", err)
	}
	state := "clean"
	if !status.IsClean() {
		state = fmt.Sprintf("%d pending change(s)", len(status))
	}
	return fmt.Sprintf("branch %s at %s, %s",
		head.Name().Short(), head.Hash().String()[:8], state), nil
}

// openOrInit opens the publication repo, initializing it with the token
// remote on first use.
func (m *Manager) openOrInit() (*gogit.Repository, error) {
	repo, err := gogit.PlainOpen(m.repoPath)
	if err == nil {
		return repo, nil
	}
	if err != gogit.ErrRepositoryNotExists {
		return nil, fmt.Errorf("failed to open repo at %s: %w", m.repoPath, err)
	}

	m.log.Info("initializing publication repo", zap.String("path", m.repoPath))
	repo, err = gogit.PlainInitWithOptions(m.repoPath, &gogit.PlainInitOptions{
		InitOptions: gogit.InitOptions{
			DefaultBranch: plumbing.NewBranchReferenceName(m.cfg.Branch),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to init repo: %w", err)
	}
	if m.cfg.RepoSlug != "" {
		remoteURL := fmt.Sprintf("https://github.com/%s.git", m.cfg.RepoSlug)
		_, err = repo.CreateRemote(&gogitcfg.RemoteConfig{
			Name: m.cfg.Remote,
			URLs: []string{remoteURL},
		})
		if err != nil {
			return nil, fmt.Errorf("failed to configure remote: %w", err)
		}
	}
	return repo, nil
}

// pull is best effort: a fresh repo or an unreachable remote must not block
// publishing what we have.
func (m *Manager) pull(wt *gogit.Worktree) {
	opts := &gogit.PullOptions{
		RemoteName:    m.cfg.Remote,
		ReferenceName: plumbing.NewBranchReferenceName(m.cfg.Branch),
		SingleBranch:  true,
	}
	if m.cfg.Token != "" {
		opts.Auth = m.auth()
	}
	if err := wt.Pull(opts); err != nil && err != gogit.NoErrAlreadyUpToDate {
		m.log.Warn("pull before publish failed", zap.Error(err))
	}
}

func (m *Manager) push(repo *gogit.Repository) error {
	refSpec := gogitcfg.RefSpec(fmt.Sprintf("refs/heads/%s:refs/heads/%s", m.cfg.Branch, m.cfg.Branch))
	err := repo.Push(&gogit.PushOptions{
		RemoteName: m.cfg.Remote,
		RefSpecs:   []gogitcfg.RefSpec{refSpec},
		Auth:       m.auth(),
	})
	if err == gogit.NoErrAlreadyUpToDate {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to push: %w", err)
	}
	return nil
}

func (m *Manager) auth() *gogithttp.BasicAuth {
	// Username is ignored for token auth.
	return &gogithttp.BasicAuth{Username: "git", Password: m.cfg.Token}
}
