// Package remotetest provides an in-memory remote.Client for tests.
package remotetest

import (
	"context"
	"fmt"
	"sync"

	"github.com/schaermu/horsyncd/internal/remote"
)

// Write records a CreateRef or UpdateRef call
type Write struct {
	Method string
	Repo   string
	Ref    string
	SHA    string
	Force  bool
}

// Fake is an in-memory hosting provider. Refs are keyed by fully qualified
// ref path. It is safe for concurrent use.
type Fake struct {
	mu sync.Mutex

	defaultBranch map[string]string
	refs          map[string]map[string]remote.ResolvedRef
	tagObjects    map[string]remote.ResolvedRef

	// Err maps "<method> <owner/repo>" to an error returned instead of the
	// normal result, e.g. "ResolveRef acme/api refs/tags/deployment".
	Err map[string]error

	Calls  map[string]int
	Writes []Write
}

// New returns an empty fake
func New() *Fake {
	return &Fake{
		defaultBranch: make(map[string]string),
		refs:          make(map[string]map[string]remote.ResolvedRef),
		tagObjects:    make(map[string]remote.ResolvedRef),
		Err:           make(map[string]error),
		Calls:         make(map[string]int),
	}
}

// AddRepo registers a repository with the given default branch; an empty
// branch models a repository without one.
func (f *Fake) AddRepo(fullName, defaultBranch string) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.defaultBranch[fullName] = defaultBranch
	if f.refs[fullName] == nil {
		f.refs[fullName] = make(map[string]remote.ResolvedRef)
	}
	return f
}

// SetRef points ref at a commit
func (f *Fake) SetRef(fullName, ref, sha string) *Fake {
	return f.setRef(fullName, ref, remote.ResolvedRef{Kind: remote.ObjectCommit, SHA: sha})
}

// SetAnnotatedTag points ref at a tag object which in turn points at commit
func (f *Fake) SetAnnotatedTag(fullName, ref, tagSHA, commit string) *Fake {
	f.mu.Lock()
	f.tagObjects[tagSHA] = remote.ResolvedRef{Kind: remote.ObjectCommit, SHA: commit}
	f.mu.Unlock()
	return f.setRef(fullName, ref, remote.ResolvedRef{Kind: remote.ObjectTag, SHA: tagSHA})
}

func (f *Fake) setRef(fullName, ref string, target remote.ResolvedRef) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.refs[fullName] == nil {
		f.refs[fullName] = make(map[string]remote.ResolvedRef)
	}
	f.refs[fullName][ref] = target
	return f
}

// Ref returns the current target of ref
func (f *Fake) Ref(fullName, ref string) (remote.ResolvedRef, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.refs[fullName][ref]
	return r, ok
}

// CallCount returns how often method was called
func (f *Fake) CallCount(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Calls[method]
}

// WriteCount returns the number of CreateRef and UpdateRef calls
func (f *Fake) WriteCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Writes)
}

// SetErr makes calls matching key fail with err
func (f *Fake) SetErr(key string, err error) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Err[key] = err
	return f
}

func (f *Fake) fail(key string) error {
	if err, ok := f.Err[key]; ok {
		return err
	}
	return nil
}

// GetRepository returns the repository registered with AddRepo
func (f *Fake) GetRepository(_ context.Context, owner, repo string) (*remote.Repository, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls["GetRepository"]++

	fullName := owner + "/" + repo
	if err := f.fail("GetRepository " + fullName); err != nil {
		return nil, err
	}
	branch, ok := f.defaultBranch[fullName]
	if !ok {
		return nil, fmt.Errorf("%w: repository %s", remote.ErrNotFound, fullName)
	}
	return &remote.Repository{FullName: fullName, DefaultBranch: branch}, nil
}

// ResolveRef looks up a ref set with SetRef or SetAnnotatedTag
func (f *Fake) ResolveRef(ctx context.Context, owner, repo string, kind remote.RefKind, name string) (*remote.ResolvedRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls["ResolveRef"]++

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	fullName := owner + "/" + repo
	ref := kind.Qualify(name)
	if err := f.fail("ResolveRef " + fullName + " " + ref); err != nil {
		return nil, err
	}
	target, ok := f.refs[fullName][ref]
	if !ok {
		return nil, fmt.Errorf("%w: %s", remote.ErrNotFound, ref)
	}
	return &target, nil
}

// PeelTag returns the commit an annotated tag object points at
func (f *Fake) PeelTag(_ context.Context, owner, repo, sha string) (*remote.ResolvedRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls["PeelTag"]++

	if err := f.fail("PeelTag " + owner + "/" + repo); err != nil {
		return nil, err
	}
	target, ok := f.tagObjects[sha]
	if !ok {
		return nil, fmt.Errorf("%w: tag object %s", remote.ErrNotFound, sha)
	}
	return &target, nil
}

// CreateRef records the write and points ref at sha
func (f *Fake) CreateRef(_ context.Context, owner, repo, ref, sha string, force bool) (*remote.ResolvedRef, error) {
	return f.write("CreateRef", owner, repo, ref, sha, force)
}

// UpdateRef records the write and moves ref to sha
func (f *Fake) UpdateRef(_ context.Context, owner, repo, ref, sha string, force bool) (*remote.ResolvedRef, error) {
	return f.write("UpdateRef", owner, repo, ref, sha, force)
}

func (f *Fake) write(method, owner, repo, ref, sha string, force bool) (*remote.ResolvedRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls[method]++

	fullName := owner + "/" + repo
	f.Writes = append(f.Writes, Write{Method: method, Repo: fullName, Ref: ref, SHA: sha, Force: force})
	if err := f.fail(method + " " + fullName); err != nil {
		return nil, err
	}

	target := remote.ResolvedRef{Kind: remote.ObjectCommit, SHA: sha}
	if f.refs[fullName] == nil {
		f.refs[fullName] = make(map[string]remote.ResolvedRef)
	}
	f.refs[fullName][ref] = target
	return &target, nil
}

var _ remote.Client = (*Fake)(nil)
