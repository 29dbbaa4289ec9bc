// Package gitrepo keeps one git repository per document and commits every
// persisted body to it, giving each document an auditable save history.
package gitrepo

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"chronicle/collab/internal/util"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

const contentFile = "content.md"

var (
	ErrInvalidDocumentID = errors.New("invalid document id")
	ErrNoHistory         = errors.New("document has no history")
)

type Commit struct {
	Hash      string    `json:"hash"`
	Message   string    `json:"message"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"createdAt"`
}

type Service struct {
	baseDir string
	now     func() time.Time
	lockMu  sync.Mutex
	locks   map[string]*sync.Mutex
}

func New(baseDir string) *Service {
	return &Service{
		baseDir: baseDir,
		now:     time.Now,
		locks:   make(map[string]*sync.Mutex),
	}
}

// Commit writes body as the document's content and commits it on main. The
// repository is created on first use. A body identical to HEAD produces no
// commit; the HEAD commit is returned with changed=false.
func (s *Service) Commit(documentID, body, author, message string) (Commit, bool, error) {
	if !util.ValidDocumentID(documentID) {
		return Commit{}, false, ErrInvalidDocumentID
	}
	lock := s.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.openOrInit(documentID)
	if err != nil {
		return Commit{}, false, err
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return Commit{}, false, fmt.Errorf("open worktree: %w", err)
	}

	root := worktree.Filesystem.Root()
	if err := os.WriteFile(filepath.Join(root, contentFile), []byte(body), 0o644); err != nil {
		return Commit{}, false, fmt.Errorf("write %s: %w", contentFile, err)
	}
	if _, err := worktree.Add(contentFile); err != nil {
		return Commit{}, false, fmt.Errorf("git add content: %w", err)
	}

	status, err := worktree.Status()
	if err != nil {
		return Commit{}, false, fmt.Errorf("worktree status: %w", err)
	}
	if status.IsClean() {
		head, err := headCommit(repo)
		if err != nil {
			return Commit{}, false, err
		}
		return toCommit(head), false, nil
	}

	if author == "" {
		author = "collab"
	}
	if message == "" {
		message = "Save document content"
	}
	hash, err := worktree.Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  author,
			Email: fmt.Sprintf("%s@collab.local", sanitizeEmail(author)),
			When:  s.now(),
		},
	})
	if err != nil {
		return Commit{}, false, fmt.Errorf("commit content: %w", err)
	}
	obj, err := repo.CommitObject(hash)
	if err != nil {
		return Commit{}, false, fmt.Errorf("read commit object: %w", err)
	}
	return toCommit(obj), true, nil
}

// History lists commits from HEAD backwards. limit <= 0 means all.
func (s *Service) History(documentID string, limit int) ([]Commit, error) {
	repo, unlock, err := s.open(documentID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	head, err := headCommit(repo)
	if err != nil {
		return nil, err
	}
	iter, err := repo.Log(&git.LogOptions{From: head.Hash})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	var items []Commit
	err = iter.ForEach(func(c *object.Commit) error {
		items = append(items, toCommit(c))
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

// ContentAt returns the body as of the given commit (full or abbreviated hash).
func (s *Service) ContentAt(documentID, hash string) (string, error) {
	repo, unlock, err := s.open(documentID)
	if err != nil {
		return "", err
	}
	defer unlock()

	resolved, err := repo.ResolveRevision(plumbing.Revision(hash))
	if err != nil {
		return "", fmt.Errorf("resolve hash %s: %w", hash, err)
	}
	obj, err := repo.CommitObject(*resolved)
	if err != nil {
		return "", fmt.Errorf("read commit %s: %w", hash, err)
	}
	file, err := obj.File(contentFile)
	if err != nil {
		return "", fmt.Errorf("load %s from commit: %w", contentFile, err)
	}
	return file.Contents()
}

func (s *Service) open(documentID string) (*git.Repository, func(), error) {
	if !util.ValidDocumentID(documentID) {
		return nil, nil, ErrInvalidDocumentID
	}
	lock := s.documentLock(documentID)
	lock.Lock()

	repo, err := git.PlainOpen(s.repoPath(documentID))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		lock.Unlock()
		return nil, nil, ErrNoHistory
	}
	if err != nil {
		lock.Unlock()
		return nil, nil, fmt.Errorf("open repo: %w", err)
	}
	return repo, lock.Unlock, nil
}

func (s *Service) openOrInit(documentID string) (*git.Repository, error) {
	path := s.repoPath(documentID)
	repo, err := git.PlainOpen(path)
	if err == nil {
		return repo, nil
	}
	if !errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, fmt.Errorf("open repo: %w", err)
	}

	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create repo dir: %w", err)
	}
	repo, err = git.PlainInit(path, false)
	if err != nil {
		return nil, fmt.Errorf("init repo: %w", err)
	}
	main := plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName("main"))
	if err := repo.Storer.SetReference(main); err != nil {
		return nil, fmt.Errorf("set HEAD to main: %w", err)
	}
	return repo, nil
}

func (s *Service) repoPath(documentID string) string {
	return filepath.Join(s.baseDir, documentID)
}

func (s *Service) documentLock(documentID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[documentID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[documentID] = lock
	}
	return lock
}

func headCommit(repo *git.Repository) (*object.Commit, error) {
	ref, err := repo.Head()
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return nil, ErrNoHistory
	}
	if err != nil {
		return nil, fmt.Errorf("resolve HEAD: %w", err)
	}
	obj, err := repo.CommitObject(ref.Hash())
	if err != nil {
		return nil, fmt.Errorf("load head commit: %w", err)
	}
	return obj, nil
}

func toCommit(c *object.Commit) Commit {
	return Commit{
		Hash:      c.Hash.String()[:7],
		Message:   c.Message,
		Author:    c.Author.Name,
		CreatedAt: c.Author.When,
	}
}

func sanitizeEmail(input string) string {
	out := make([]rune, 0, len(input))
	for _, r := range input {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'):
			out = append(out, r)
		case r == ' ' || r == '-' || r == '_':
			out = append(out, '.')
		}
	}
	if len(out) == 0 {
		return "user"
	}
	return string(out)
}
