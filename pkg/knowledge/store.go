// Package knowledge is the durable side of capture: a git-backed item store
// where every write is a commit, plus the markdown/front-matter layout of the
// items themselves. Commit hashes are the revision ids the rest of the
// pipeline references.
package knowledge

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// ErrRevisionMismatch means the repository moved past the revision the caller
// read before writing. The caller re-reads the latest revision and retries.
var ErrRevisionMismatch = errors.New("knowledge: parent revision is not HEAD")

// ErrExists means a create-mode write targeted a path that already exists.
var ErrExists = errors.New("knowledge: item already exists")

// ErrContentMismatch means an existing item's content differs from what the
// caller meant to write, so it cannot be adopted as that write's outcome.
var ErrContentMismatch = errors.New("knowledge: existing item content differs")

const (
	commitAuthorName  = "inklet"
	commitAuthorEmail = "inklet@localhost"
)

// Store wraps a local git repository holding the knowledge items.
type Store struct {
	root  string
	repo  *git.Repository
	nowFn func() time.Time
}

// OpenStore opens the repository at root, initializing one if none exists.
func OpenStore(root string) (*Store, error) {
	repo, err := git.PlainOpen(root)
	if err == git.ErrRepositoryNotExists {
		if mkErr := os.MkdirAll(root, 0755); mkErr != nil {
			return nil, fmt.Errorf("create knowledge root: %w", mkErr)
		}
		repo, err = git.PlainInit(root, false)
	}
	if err != nil {
		return nil, fmt.Errorf("open knowledge repo: %w", err)
	}
	return &Store{root: root, repo: repo, nowFn: time.Now}, nil
}

func (s *Store) withNow(nowFn func() time.Time) *Store {
	if nowFn != nil {
		s.nowFn = nowFn
	}
	return s
}

// Root returns the repository root path.
func (s *Store) Root() string {
	return s.root
}

// LatestRevision returns the current HEAD commit hash. An empty repository
// yields an empty revision.
func (s *Store) LatestRevision() (string, error) {
	head, err := s.repo.Head()
	if err == plumbing.ErrReferenceNotFound {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read HEAD: %w", err)
	}
	return head.Hash().String(), nil
}

// WriteMode selects create/append/update semantics for Write.
type WriteMode string

const (
	WriteCreate WriteMode = "create"
	WriteAppend WriteMode = "append"
	WriteUpdate WriteMode = "update"
)

// Write stores content at the repo-relative path and commits, returning the
// new revision id. parentRevision is the revision the caller observed before
// writing; a stale value fails with ErrRevisionMismatch before anything is
// staged. Append re-reads the current file so concurrent captures interleave
// rather than clobber.
func (s *Store) Write(path, content string, mode WriteMode, parentRevision string) (string, error) {
	rel, err := s.cleanPath(path)
	if err != nil {
		return "", err
	}

	head, err := s.LatestRevision()
	if err != nil {
		return "", err
	}
	if parentRevision != head {
		return "", fmt.Errorf("%w: have %s, HEAD is %s", ErrRevisionMismatch, short(parentRevision), short(head))
	}

	abs := filepath.Join(s.root, rel)
	final := content

	switch mode {
	case WriteCreate:
		if _, statErr := os.Stat(abs); statErr == nil {
			return "", fmt.Errorf("%w: %s", ErrExists, rel)
		}
	case WriteAppend:
		existing, readErr := os.ReadFile(abs)
		if readErr != nil && !os.IsNotExist(readErr) {
			return "", fmt.Errorf("read %s for append: %w", rel, readErr)
		}
		if len(existing) > 0 {
			base := strings.TrimRight(string(existing), "\n")
			final = base + "\n" + content
		}
	case WriteUpdate:
		// Overwrite; the revision check above already guards staleness.
	default:
		return "", fmt.Errorf("unknown write mode: %q", mode)
	}

	if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
		return "", fmt.Errorf("create item dir: %w", err)
	}
	if !strings.HasSuffix(final, "\n") {
		final += "\n"
	}
	if err := os.WriteFile(abs, []byte(final), 0644); err != nil {
		return "", fmt.Errorf("write %s: %w", rel, err)
	}

	return s.commit(rel, mode)
}

// Adopt commits an item file already present in the worktree, for writes
// interrupted between the file write and the commit. content is what the
// caller meant to write; a file with different content is refused with
// ErrContentMismatch. Returns the revision containing the item: HEAD when it
// was already committed unchanged, otherwise a fresh commit.
func (s *Store) Adopt(path, content string) (string, error) {
	rel, err := s.cleanPath(path)
	if err != nil {
		return "", err
	}

	existing, err := os.ReadFile(filepath.Join(s.root, rel))
	if err != nil {
		return "", fmt.Errorf("read %s for adopt: %w", rel, err)
	}
	want := content
	if !strings.HasSuffix(want, "\n") {
		want += "\n"
	}
	if string(existing) != want {
		return "", fmt.Errorf("%w: %s", ErrContentMismatch, rel)
	}

	rev, err := s.commit(rel, WriteCreate)
	if errors.Is(err, git.ErrEmptyCommit) {
		// Already committed as-is; the item lives at HEAD.
		return s.LatestRevision()
	}
	return rev, err
}

// Append adds content at the end of path, reading the latest revision itself
// immediately before the write.
func (s *Store) Append(path, content string) (string, error) {
	head, err := s.LatestRevision()
	if err != nil {
		return "", err
	}
	return s.Write(path, content, WriteAppend, head)
}

// Read returns the working-tree content of a repo-relative path.
func (s *Store) Read(path string) (string, error) {
	rel, err := s.cleanPath(path)
	if err != nil {
		return "", err
	}
	b, err := os.ReadFile(filepath.Join(s.root, rel))
	if err != nil {
		return "", fmt.Errorf("read %s: %w", rel, err)
	}
	return string(b), nil
}

func (s *Store) commit(rel string, mode WriteMode) (string, error) {
	wt, err := s.repo.Worktree()
	if err != nil {
		return "", fmt.Errorf("worktree: %w", err)
	}
	if _, err := wt.Add(filepath.ToSlash(rel)); err != nil {
		return "", fmt.Errorf("stage %s: %w", rel, err)
	}

	now := s.nowFn()
	hash, err := wt.Commit(fmt.Sprintf("%s %s", mode, filepath.ToSlash(rel)), &git.CommitOptions{
		Author: &object.Signature{
			Name:  commitAuthorName,
			Email: commitAuthorEmail,
			When:  now,
		},
	})
	if err != nil {
		return "", fmt.Errorf("commit %s: %w", rel, err)
	}
	return hash.String(), nil
}

func (s *Store) cleanPath(path string) (string, error) {
	rel := filepath.Clean(filepath.FromSlash(strings.TrimSpace(path)))
	if rel == "." || rel == "" {
		return "", fmt.Errorf("empty item path")
	}
	if filepath.IsAbs(rel) || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("item path escapes repo: %q", path)
	}
	return rel, nil
}

func short(rev string) string {
	if rev == "" {
		return "(empty)"
	}
	if len(rev) > 8 {
		return rev[:8]
	}
	return rev
}
