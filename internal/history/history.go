// Package history keeps one git repository per project holding the most
// recently approved snapshot of every section, one commit per approval.
package history

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"funnelsync/api/internal/content"
	"funnelsync/api/internal/store"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

const sectionsDir = "sections"

type Commit struct {
	Hash      string    `json:"hash"`
	Message   string    `json:"message"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"createdAt"`
	Sections  []string  `json:"sections"`
	Added     int       `json:"added"`
	Removed   int       `json:"removed"`
}

type Service struct {
	baseDir string
	author  string
	lockMu  sync.Mutex
	locks   map[string]*sync.Mutex
}

func New(baseDir string) *Service {
	return &Service{
		baseDir: baseDir,
		author:  "funnelsync",
		locks:   make(map[string]*sync.Mutex),
	}
}

// RecordApproved commits the given approved snapshots. Snapshots identical to
// the ones already committed produce no commit.
func (s *Service) RecordApproved(_ context.Context, projectID string, docs []store.SectionDocument) error {
	if len(docs) == 0 {
		return nil
	}
	lock := s.projectLock(projectID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.ensureRepo(projectID)
	if err != nil {
		return err
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("open worktree: %w", err)
	}

	root := worktree.Filesystem.Root()
	if err := os.MkdirAll(filepath.Join(root, sectionsDir), 0o755); err != nil {
		return fmt.Errorf("create sections dir: %w", err)
	}
	ids := make([]string, 0, len(docs))
	for _, doc := range docs {
		payload, err := snapshotBytes(doc.Content)
		if err != nil {
			return err
		}
		name := path.Join(sectionsDir, doc.SectionID+".json")
		if err := os.WriteFile(filepath.Join(root, filepath.FromSlash(name)), payload, 0o644); err != nil {
			return fmt.Errorf("write %s: %w", name, err)
		}
		if _, err := worktree.Add(name); err != nil {
			return fmt.Errorf("git add %s: %w", name, err)
		}
		ids = append(ids, doc.SectionID)
	}

	status, err := worktree.Status()
	if err != nil {
		return fmt.Errorf("read worktree status: %w", err)
	}
	if status.IsClean() {
		return nil
	}

	sort.Strings(ids)
	_, err = worktree.Commit("Approve "+strings.Join(ids, ", "), &git.CommitOptions{
		Author: &object.Signature{
			Name:  s.author,
			Email: s.author + "@local.funnelsync.dev",
			When:  time.Now(),
		},
	})
	if err != nil {
		return fmt.Errorf("commit approval: %w", err)
	}
	return nil
}

// History lists approval commits newest first. Projects without approvals
// have an empty history.
func (s *Service) History(projectID string, limit int) ([]Commit, error) {
	lock := s.projectLock(projectID)
	lock.Lock()
	defer lock.Unlock()

	items := make([]Commit, 0)
	repo, err := git.PlainOpen(s.repoPath(projectID))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return items, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	head, err := repo.Head()
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return items, nil
	}
	if err != nil {
		return nil, fmt.Errorf("resolve head: %w", err)
	}

	iter, err := repo.Log(&git.LogOptions{From: head.Hash()})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	err = iter.ForEach(func(commitObj *object.Commit) error {
		item, err := toCommit(commitObj)
		if err != nil {
			return err
		}
		items = append(items, item)
		if limit > 0 && len(items) >= limit {
			return io.EOF
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	return items, nil
}

// SectionAt returns a section snapshot as of the given commit.
func (s *Service) SectionAt(projectID, hash, sectionID string) (content.Record, error) {
	lock := s.projectLock(projectID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(projectID))
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	resolved, err := repo.ResolveRevision(plumbing.Revision(hash))
	if err != nil {
		return nil, fmt.Errorf("resolve hash %s: %w", hash, err)
	}
	commitObj, err := repo.CommitObject(*resolved)
	if err != nil {
		return nil, fmt.Errorf("read commit %s: %w", hash, err)
	}
	file, err := commitObj.File(path.Join(sectionsDir, sectionID+".json"))
	if err != nil {
		return nil, fmt.Errorf("load %s from commit: %w", sectionID, err)
	}
	raw, err := file.Contents()
	if err != nil {
		return nil, fmt.Errorf("read %s snapshot: %w", sectionID, err)
	}
	doc, ok := content.DecodeDocument([]byte(raw))
	if !ok {
		return nil, fmt.Errorf("decode %s snapshot", sectionID)
	}
	return doc, nil
}

func (s *Service) ensureRepo(projectID string) (*git.Repository, error) {
	repoPath := s.repoPath(projectID)
	repo, err := git.PlainOpen(repoPath)
	if err == nil {
		return repo, nil
	}
	if !errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, fmt.Errorf("open repo: %w", err)
	}

	if err := os.MkdirAll(repoPath, 0o755); err != nil {
		return nil, fmt.Errorf("create repo dir: %w", err)
	}
	repo, err = git.PlainInit(repoPath, false)
	if err != nil {
		return nil, fmt.Errorf("init repo: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName("main"))); err != nil {
		return nil, fmt.Errorf("set HEAD to main: %w", err)
	}
	return repo, nil
}

func (s *Service) repoPath(projectID string) string {
	return filepath.Join(s.baseDir, projectID)
}

func (s *Service) projectLock(projectID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[projectID]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.locks[projectID] = lock
	return lock
}

func snapshotBytes(doc content.Record) ([]byte, error) {
	encoded, err := content.EncodeDocument(doc)
	if err != nil {
		return nil, err
	}
	var out bytes.Buffer
	if err := json.Indent(&out, encoded, "", "  "); err != nil {
		return nil, fmt.Errorf("indent snapshot: %w", err)
	}
	out.WriteByte('\n')
	return out.Bytes(), nil
}

func toCommit(commitObj *object.Commit) (Commit, error) {
	item := Commit{
		Hash:      commitObj.Hash.String()[:7],
		Message:   strings.TrimSpace(commitObj.Message),
		Author:    commitObj.Author.Name,
		CreatedAt: commitObj.Author.When,
		Sections:  []string{},
	}
	stats, err := commitObj.Stats()
	if err != nil {
		return Commit{}, fmt.Errorf("commit stats %s: %w", item.Hash, err)
	}
	for _, stat := range stats {
		item.Added += stat.Addition
		item.Removed += stat.Deletion
		if name, ok := strings.CutPrefix(stat.Name, sectionsDir+"/"); ok {
			item.Sections = append(item.Sections, strings.TrimSuffix(name, ".json"))
		}
	}
	sort.Strings(item.Sections)
	return item, nil
}
