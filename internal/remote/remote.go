package remote

import (
	"context"
	"errors"
)

// ErrNotFound is returned when the remote reports that a repository or ref
// does not exist
var ErrNotFound = errors.New("not found")

// RefKind selects the namespace a ref name is resolved in
type RefKind int

const (
	RefBranch RefKind = iota
	RefTag
)

// Qualify returns the fully qualified ref path for name
func (k RefKind) Qualify(name string) string {
	if k == RefTag {
		return "refs/tags/" + name
	}
	return "refs/heads/" + name
}

func (k RefKind) String() string {
	if k == RefTag {
		return "tag"
	}
	return "branch"
}

// ObjectKind is the type of git object a ref points at
type ObjectKind string

const (
	ObjectCommit ObjectKind = "commit"
	ObjectTag    ObjectKind = "tag"
)

// ResolvedRef is a ref resolved to the object it points at
type ResolvedRef struct {
	Kind ObjectKind
	SHA  string
}

// Repository holds the repository metadata needed for reconciliation
type Repository struct {
	FullName string
	// DefaultBranch is empty when the repository has none configured
	DefaultBranch string
}

// Client is the hosted repository API used to inspect and move refs
type Client interface {
	// GetRepository fetches repository metadata
	GetRepository(ctx context.Context, owner, repo string) (*Repository, error)
	// ResolveRef resolves a branch or tag name. Returns an error wrapping
	// ErrNotFound when the ref does not exist.
	ResolveRef(ctx context.Context, owner, repo string, kind RefKind, name string) (*ResolvedRef, error)
	// PeelTag resolves an annotated tag object to the object it points at.
	// Only one level is followed.
	PeelTag(ctx context.Context, owner, repo, sha string) (*ResolvedRef, error)
	// CreateRef creates ref (fully qualified) pointing at sha
	CreateRef(ctx context.Context, owner, repo, ref, sha string, force bool) (*ResolvedRef, error)
	// UpdateRef moves an existing ref (fully qualified) to sha
	UpdateRef(ctx context.Context, owner, repo, ref, sha string, force bool) (*ResolvedRef, error)
}
