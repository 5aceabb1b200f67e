package publish

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	gogit "github.com/go-git/go-git/v5"
	"github.com/stretchr/testify/require"

	"github.com/msv-stihl/limpeza/internal/config"
)

func testPublishConfig() config.PublishConfig {
	return config.PublishConfig{
		Enabled:  true,
		Remote:   "origin",
		Branch:   "main",
		RepoSlug: "msv-stihl/limpeza",
		Files:    []string{"frontend/faltando.json"},
	}
}

func writeArtifact(t *testing.T, repoPath, rel, content string) {
	t.Helper()
	path := filepath.Join(repoPath, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestSyncInitializesAndCommits(t *testing.T) {
	repoPath := t.TempDir()
	writeArtifact(t, repoPath, "frontend/faltando.json", `{"T1": []}`)

	// No token configured: commit locally, skip the push.
	m := NewManager(testPublishConfig(), repoPath, nil)
	require.NoError(t, m.Sync("Atualiza faltando.json (2024-01-08 12:00)"))

	repo, err := gogit.PlainOpen(repoPath)
	require.NoError(t, err)

	head, err := repo.Head()
	require.NoError(t, err)
	commit, err := repo.CommitObject(head.Hash())
	require.NoError(t, err)
	require.Equal(t, "Atualiza faltando.json (2024-01-08 12:00)", commit.Message)
	require.Equal(t, commitName, commit.Author.Name)

	remote, err := repo.Remote("origin")
	require.NoError(t, err)
	require.Contains(t, remote.Config().URLs[0], "msv-stihl/limpeza")
}

func TestSyncSkipsWhenClean(t *testing.T) {
	repoPath := t.TempDir()
	writeArtifact(t, repoPath, "frontend/faltando.json", `{"T1": []}`)

	m := NewManager(testPublishConfig(), repoPath, nil)
	require.NoError(t, m.Sync("first"))
	// Unchanged artifact: no second commit.
	require.NoError(t, m.Sync("second"))

	repo, err := gogit.PlainOpen(repoPath)
	require.NoError(t, err)
	head, err := repo.Head()
	require.NoError(t, err)
	commit, err := repo.CommitObject(head.Hash())
	require.NoError(t, err)
	require.Equal(t, "first", commit.Message)
}

func TestSyncCommitsChangedArtifact(t *testing.T) {
	repoPath := t.TempDir()
	writeArtifact(t, repoPath, "frontend/faltando.json", `{"T1": []}`)

	m := NewManager(testPublishConfig(), repoPath, nil)
	require.NoError(t, m.Sync("first"))

	writeArtifact(t, repoPath, "frontend/faltando.json", `{"T1": [], "T2": []}`)
	require.NoError(t, m.Sync("second"))

	repo, err := gogit.PlainOpen(repoPath)
	require.NoError(t, err)
	head, err := repo.Head()
	require.NoError(t, err)
	commit, err := repo.CommitObject(head.Hash())
	require.NoError(t, err)
	require.Equal(t, "second", commit.Message)
}

func TestSyncWithNoArtifactsIsNoop(t *testing.T) {
	repoPath := t.TempDir()

	m := NewManager(testPublishConfig(), repoPath, nil)
	require.NoError(t, m.Sync("nothing"))

	repo, err := gogit.PlainOpen(repoPath)
	require.NoError(t, err)
	_, err = repo.Head()
	require.Error(t, err, "no commit should exist without artifacts")
}

func TestStatus(t *testing.T) {
	repoPath := t.TempDir()
	writeArtifact(t, repoPath, "frontend/faltando.json", `{"T1": []}`)

	m := NewManager(testPublishConfig(), repoPath, nil)
	require.NoError(t, m.Sync("first"))

	summary, err := m.Status()
	require.NoError(t, err)
	require.Contains(t, summary, "clean")

	// Dirty the worktree.
	writeArtifact(t, repoPath, "frontend/faltando.json", `{"T2": []}`)
	summary, err = m.Status()
	require.NoError(t, err)
	require.Contains(t, summary, "pending")
}

func TestStatusWithoutRepo(t *testing.T) {
	m := NewManager(testPublishConfig(), t.TempDir(), nil)
	_, err := m.Status()
	require.Error(t, err)
}

func TestPartialSyncErrorUnwraps(t *testing.T) {
	cause := fmt.Errorf("remote unreachable")
	err := &PartialSyncError{Err: cause}
	if !errors.Is(err, cause) {
		t.Error("cause not reachable through the chain")
	}
}
