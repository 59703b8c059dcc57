// Package audit keeps a per-calendar history of tag settings. Every settings
// mutation (tag rename, deletion, rebuild) becomes one commit in a small git
// repository, giving users an inspectable trail of how their tag taxonomy
// evolved.
package audit

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"tradebook/api/internal/store"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

const settingsFile = "settings.json"

// Settings is the calendar-level tag state snapshotted per commit.
type Settings struct {
	Tags              []string            `json:"tags"`
	RequiredTagGroups []string            `json:"requiredTagGroups"`
	ScoreSettings     store.ScoreSettings `json:"scoreSettings"`
}

type Service struct {
	baseDir string
	lockMu  sync.Mutex
	locks   map[string]*sync.Mutex
}

func New(baseDir string) *Service {
	return &Service{
		baseDir: baseDir,
		locks:   make(map[string]*sync.Mutex),
	}
}

// EnsureCalendarRepo initializes the history repo for a calendar if missing.
func (s *Service) EnsureCalendarRepo(calendarID string, initial Settings, author string) error {
	lock := s.calendarLock(calendarID)
	lock.Lock()
	defer lock.Unlock()

	path := s.repoPath(calendarID)
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("stat repo path: %w", err)
	}

	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("create repo dir: %w", err)
	}

	repo, err := git.PlainInit(path, false)
	if err != nil {
		return fmt.Errorf("init repo: %w", err)
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("open worktree: %w", err)
	}
	if err := writeSettingsFile(path, initial); err != nil {
		return err
	}
	if _, err := worktree.Add(settingsFile); err != nil {
		return fmt.Errorf("git add initial settings: %w", err)
	}
	hash, err := worktree.Commit("Calendar created", &git.CommitOptions{
		Author: signature(author),
	})
	if err != nil {
		return fmt.Errorf("commit initial settings: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewHashReference(plumbing.NewBranchReferenceName("main"), hash)); err != nil {
		return fmt.Errorf("set main branch ref: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName("main"))); err != nil {
		return fmt.Errorf("set HEAD to main: %w", err)
	}
	return nil
}

// CommitSettings records a settings snapshot. An unchanged snapshot is not an
// error; it simply produces no new commit.
func (s *Service) CommitSettings(calendarID string, settings Settings, author, message string) (store.CommitInfo, error) {
	lock := s.calendarLock(calendarID)
	lock.Lock()
	defer lock.Unlock()

	path := s.repoPath(calendarID)
	repo, err := git.PlainOpen(path)
	if err != nil {
		return store.CommitInfo{}, fmt.Errorf("open repo: %w", err)
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return store.CommitInfo{}, fmt.Errorf("open worktree: %w", err)
	}
	if err := writeSettingsFile(path, settings); err != nil {
		return store.CommitInfo{}, err
	}
	if _, err := worktree.Add(settingsFile); err != nil {
		return store.CommitInfo{}, fmt.Errorf("git add settings: %w", err)
	}

	status, err := worktree.Status()
	if err != nil {
		return store.CommitInfo{}, fmt.Errorf("read worktree status: %w", err)
	}
	if status.IsClean() {
		return s.head(repo)
	}

	hash, err := worktree.Commit(message, &git.CommitOptions{
		Author: signature(author),
	})
	if err != nil {
		return store.CommitInfo{}, fmt.Errorf("commit settings: %w", err)
	}
	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return store.CommitInfo{}, fmt.Errorf("read commit object: %w", err)
	}
	return toCommitInfo(commitObj), nil
}

// History lists the most recent settings commits, newest first.
func (s *Service) History(calendarID string, limit int) ([]store.CommitInfo, error) {
	lock := s.calendarLock(calendarID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(calendarID))
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}

	head, err := repo.Head()
	if err != nil {
		return nil, fmt.Errorf("resolve head: %w", err)
	}

	iter, err := repo.Log(&git.LogOptions{From: head.Hash()})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]store.CommitInfo, 0, limit)
	count := 0
	err = iter.ForEach(func(commitObj *object.Commit) error {
		items = append(items, toCommitInfo(commitObj))
		count++
		if limit > 0 && count >= limit {
			return io.EOF
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	return items, nil
}

// SettingsAt returns the settings snapshot recorded by a commit.
func (s *Service) SettingsAt(calendarID, hash string) (Settings, error) {
	lock := s.calendarLock(calendarID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(calendarID))
	if err != nil {
		return Settings{}, fmt.Errorf("open repo: %w", err)
	}
	resolved, err := repo.ResolveRevision(plumbing.Revision(hash))
	if err != nil {
		return Settings{}, fmt.Errorf("resolve hash %s: %w", hash, err)
	}
	commitObj, err := repo.CommitObject(*resolved)
	if err != nil {
		return Settings{}, fmt.Errorf("read commit %s: %w", hash, err)
	}

	file, err := commitObj.File(settingsFile)
	if err != nil {
		return Settings{}, fmt.Errorf("load settings from commit: %w", err)
	}
	reader, err := file.Reader()
	if err != nil {
		return Settings{}, fmt.Errorf("open settings reader: %w", err)
	}
	defer reader.Close()

	raw, err := io.ReadAll(reader)
	if err != nil {
		return Settings{}, fmt.Errorf("read settings bytes: %w", err)
	}
	var settings Settings
	if err := json.Unmarshal(raw, &settings); err != nil {
		return Settings{}, fmt.Errorf("decode settings: %w", err)
	}
	return settings, nil
}

// RemoveRepo deletes a calendar's history entirely (calendar deletion).
func (s *Service) RemoveRepo(calendarID string) error {
	lock := s.calendarLock(calendarID)
	lock.Lock()
	defer lock.Unlock()

	if err := os.RemoveAll(s.repoPath(calendarID)); err != nil {
		return fmt.Errorf("remove repo: %w", err)
	}
	return nil
}

func (s *Service) head(repo *git.Repository) (store.CommitInfo, error) {
	head, err := repo.Head()
	if err != nil {
		return store.CommitInfo{}, fmt.Errorf("resolve head: %w", err)
	}
	commitObj, err := repo.CommitObject(head.Hash())
	if err != nil {
		return store.CommitInfo{}, fmt.Errorf("read head commit: %w", err)
	}
	return toCommitInfo(commitObj), nil
}

func (s *Service) repoPath(calendarID string) string {
	return filepath.Join(s.baseDir, calendarID)
}

func (s *Service) calendarLock(calendarID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[calendarID]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.locks[calendarID] = lock
	return lock
}

func writeSettingsFile(repoPath string, settings Settings) error {
	if settings.Tags == nil {
		settings.Tags = []string{}
	}
	if settings.RequiredTagGroups == nil {
		settings.RequiredTagGroups = []string{}
	}
	payload, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	if err := os.WriteFile(filepath.Join(repoPath, settingsFile), append(payload, '\n'), 0o644); err != nil {
		return fmt.Errorf("write settings file: %w", err)
	}
	return nil
}

func signature(author string) *object.Signature {
	if author == "" {
		author = "tradebook"
	}
	return &object.Signature{
		Name:  author,
		Email: "journal@tradebook.local",
		When:  time.Now(),
	}
}

func toCommitInfo(commitObj *object.Commit) store.CommitInfo {
	return store.CommitInfo{
		Hash:      commitObj.Hash.String()[:7],
		Message:   commitObj.Message,
		Author:    commitObj.Author.Name,
		CreatedAt: commitObj.Author.When,
	}
}
