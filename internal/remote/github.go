package remote

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/go-github/v61/github"
	"golang.org/x/oauth2"
)

// DefaultTimeout bounds every API call when no timeout is configured
const DefaultTimeout = 30 * time.Second

// GitHubOptions configures the GitHub client
type GitHubOptions struct {
	// APIURL is the GitHub Enterprise base URL; empty means api.github.com
	APIURL string
	// TokenFile contains a personal access token; empty means anonymous access
	TokenFile string
	// Timeout bounds each API call
	Timeout time.Duration
}

// GitHubClient implements Client against the GitHub REST API
type GitHubClient struct {
	gh      *github.Client
	timeout time.Duration
}

// NewGitHubClient builds an authenticated client. It fails if the token file
// cannot be read or the API URL is invalid.
func NewGitHubClient(opts GitHubOptions) (*GitHubClient, error) {
	httpClient := &http.Client{}
	if opts.TokenFile != "" {
		token, err := os.ReadFile(opts.TokenFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read GitHub token file: %w", err)
		}
		tokenStr := strings.TrimSpace(string(token))
		if tokenStr == "" {
			return nil, fmt.Errorf("GitHub token file %s is empty", opts.TokenFile)
		}
		src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: tokenStr})
		httpClient = oauth2.NewClient(context.Background(), src)
	}

	c := newGitHubClient(httpClient, opts.Timeout)
	if opts.APIURL != "" {
		gh, err := c.gh.WithEnterpriseURLs(opts.APIURL, opts.APIURL)
		if err != nil {
			return nil, fmt.Errorf("invalid GitHub API URL %q: %w", opts.APIURL, err)
		}
		c.gh = gh
	}

	return c, nil
}

func newGitHubClient(httpClient *http.Client, timeout time.Duration) *GitHubClient {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &GitHubClient{
		gh:      github.NewClient(httpClient),
		timeout: timeout,
	}
}

// GetRepository fetches repository metadata
func (c *GitHubClient) GetRepository(ctx context.Context, owner, repo string) (*Repository, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	r, _, err := c.gh.Repositories.Get(ctx, owner, repo)
	if err != nil {
		return nil, classify(err)
	}

	return &Repository{
		FullName:      r.GetFullName(),
		DefaultBranch: r.GetDefaultBranch(),
	}, nil
}

// ResolveRef resolves a branch or tag to the object it points at
func (c *GitHubClient) ResolveRef(ctx context.Context, owner, repo string, kind RefKind, name string) (*ResolvedRef, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	ref, _, err := c.gh.Git.GetRef(ctx, owner, repo, kind.Qualify(name))
	if err != nil {
		return nil, classify(err)
	}

	return fromObject(ref.GetObject())
}

// PeelTag reads an annotated tag object and returns its target
func (c *GitHubClient) PeelTag(ctx context.Context, owner, repo, sha string) (*ResolvedRef, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	tag, _, err := c.gh.Git.GetTag(ctx, owner, repo, sha)
	if err != nil {
		return nil, classify(err)
	}

	return fromObject(tag.GetObject())
}

// createRefRequest mirrors the create-ref payload. go-github's CreateRef does
// not send force, so the request is built by hand.
type createRefRequest struct {
	Ref   string `json:"ref"`
	SHA   string `json:"sha"`
	Force bool   `json:"force"`
}

// CreateRef creates ref pointing at sha
func (c *GitHubClient) CreateRef(ctx context.Context, owner, repo, ref, sha string, force bool) (*ResolvedRef, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	u := fmt.Sprintf("repos/%v/%v/git/refs", owner, repo)
	req, err := c.gh.NewRequest(http.MethodPost, u, &createRefRequest{Ref: ref, SHA: sha, Force: force})
	if err != nil {
		return nil, err
	}

	created := new(github.Reference)
	if _, err := c.gh.Do(ctx, req, created); err != nil {
		return nil, classify(err)
	}

	return fromObject(created.GetObject())
}

// UpdateRef moves ref to sha
func (c *GitHubClient) UpdateRef(ctx context.Context, owner, repo, ref, sha string, force bool) (*ResolvedRef, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	updated, _, err := c.gh.Git.UpdateRef(ctx, owner, repo, &github.Reference{
		Ref:    github.String(ref),
		Object: &github.GitObject{SHA: github.String(sha)},
	}, force)
	if err != nil {
		return nil, classify(err)
	}

	return fromObject(updated.GetObject())
}

func fromObject(obj *github.GitObject) (*ResolvedRef, error) {
	if obj == nil || obj.GetSHA() == "" {
		return nil, fmt.Errorf("ref response has no object")
	}

	switch kind := ObjectKind(obj.GetType()); kind {
	case ObjectCommit, ObjectTag:
		return &ResolvedRef{Kind: kind, SHA: obj.GetSHA()}, nil
	case "":
		// create/update responses may omit the type; refs we write point at commits
		return &ResolvedRef{Kind: ObjectCommit, SHA: obj.GetSHA()}, nil
	default:
		return nil, fmt.Errorf("unexpected ref object type %q", kind)
	}
}

// classify maps GitHub "Not Found" responses onto ErrNotFound. GitHub also
// answers 404 for repositories the token cannot see, so callers decide
// whether absence is meaningful.
func classify(err error) error {
	var errResp *github.ErrorResponse
	if errors.As(err, &errResp) {
		if errResp.Message == "Not Found" ||
			(errResp.Response != nil && errResp.Response.StatusCode == http.StatusNotFound) {
			return fmt.Errorf("%w: %v", ErrNotFound, err)
		}
	}
	return err
}
