//go:build integration

package tier1

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
)

const defaultTimeout = 5 * time.Minute

// Harness builds the horsyncd binary and runs it against a fake GitHub API
type Harness struct {
	t       *testing.T
	binary  string
	workDir string
	API     *FakeAPI
}

// NewHarness creates a new test harness
func NewHarness(t *testing.T) *Harness {
	t.Helper()

	api := NewFakeAPI()
	t.Cleanup(api.Close)

	return &Harness{
		t:       t,
		workDir: t.TempDir(),
		API:     api,
	}
}

// BuildBinary compiles cmd/horsyncd into the harness work directory
func (h *Harness) BuildBinary(ctx context.Context) error {
	h.t.Helper()

	projectRoot, err := findProjectRoot()
	if err != nil {
		return fmt.Errorf("get project root: %w", err)
	}

	h.binary = filepath.Join(h.workDir, "horsyncd")
	h.t.Logf("Building %s", h.binary)

	cmd := exec.CommandContext(ctx, "go", "build", "-o", h.binary, "./cmd/horsyncd")
	cmd.Dir = projectRoot
	cmd.Stdout = &testWriter{t: h.t, prefix: "[build] "}
	cmd.Stderr = &testWriter{t: h.t, prefix: "[build] "}

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("go build: %w", err)
	}
	return nil
}

// WriteConfig writes a config file pointing at the fake API and returns its path
func (h *Harness) WriteConfig(body string) string {
	h.t.Helper()

	path := filepath.Join(h.workDir, "config.yaml")
	content := fmt.Sprintf("github:\n  api_url: %s\n  timeout: 5s\n%s", h.API.URL(), body)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		h.t.Fatalf("write config: %v", err)
	}
	return path
}

// Run executes the binary and returns its output and exit code
func (h *Harness) Run(ctx context.Context, args ...string) (string, string, int, error) {
	h.t.Helper()
	if h.binary == "" {
		return "", "", 0, fmt.Errorf("binary not built")
	}

	cmd := exec.CommandContext(ctx, h.binary, args...)
	cmd.Env = append(os.Environ(), "NO_COLOR=1")

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return "", "", 0, fmt.Errorf("exec failed: %w", err)
		}
	}

	return stdout.String(), stderr.String(), exitCode, nil
}

// MustRun runs the binary and fails the test if it exits non-zero
func (h *Harness) MustRun(ctx context.Context, args ...string) (string, string) {
	h.t.Helper()
	stdout, stderr, exitCode, err := h.Run(ctx, args...)
	if err != nil {
		h.t.Fatalf("run failed: %v", err)
	}
	if exitCode != 0 {
		h.t.Fatalf("command failed with exit code %d\nstdout: %s\nstderr: %s\nargs: %v",
			exitCode, stdout, stderr, args)
	}
	return stdout, stderr
}

// FakeAPI serves the subset of the GitHub REST API used by horsyncd
type FakeAPI struct {
	mu            sync.Mutex
	server        *httptest.Server
	defaultBranch map[string]string
	refs          map[string]map[string]string // owner/repo -> heads/main -> sha
	failures      map[string]int               // owner/repo -> status code
	writes        []WriteEntry
}

// WriteEntry records a ref write received by the fake API
type WriteEntry struct {
	Method string
	Repo   string
	Ref    string
	SHA    string
	Force  bool
}

// String returns a human-readable representation
func (e WriteEntry) String() string {
	return fmt.Sprintf("%s %s %s -> %s (force=%t)", e.Method, e.Repo, e.Ref, e.SHA, e.Force)
}

// NewFakeAPI starts the fake API server
func NewFakeAPI() *FakeAPI {
	f := &FakeAPI{
		defaultBranch: make(map[string]string),
		refs:          make(map[string]map[string]string),
		failures:      make(map[string]int),
	}

	r := chi.NewRouter()
	r.Get("/api/v3/repos/{owner}/{repo}", f.getRepository)
	r.Get("/api/v3/repos/{owner}/{repo}/git/ref/*", f.getRef)
	r.Post("/api/v3/repos/{owner}/{repo}/git/refs", f.createRef)
	r.Patch("/api/v3/repos/{owner}/{repo}/git/refs/*", f.updateRef)

	f.server = httptest.NewServer(r)
	return f
}

// URL returns the base URL to configure as github.api_url
func (f *FakeAPI) URL() string {
	return f.server.URL
}

// Close stops the server
func (f *FakeAPI) Close() {
	f.server.Close()
}

// AddRepo registers a repository whose default branch points at sha
func (f *FakeAPI) AddRepo(fullName, branch, sha string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.defaultBranch[fullName] = branch
	f.refs[fullName] = map[string]string{"heads/" + branch: sha}
}

// SetRef points a ref (e.g. heads/main) at sha
func (f *FakeAPI) SetRef(fullName, ref, sha string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refs[fullName][ref] = sha
}

// Ref returns the sha a ref points at
func (f *FakeAPI) Ref(fullName, ref string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sha, ok := f.refs[fullName][ref]
	return sha, ok
}

// Fail makes every request for the repository answer with status
func (f *FakeAPI) Fail(fullName string, status int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if status == 0 {
		delete(f.failures, fullName)
		return
	}
	f.failures[fullName] = status
}

// Writes returns the writes received so far
func (f *FakeAPI) Writes() []WriteEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]WriteEntry(nil), f.writes...)
}

func fullName(r *http.Request) string {
	return chi.URLParam(r, "owner") + "/" + chi.URLParam(r, "repo")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func notFound(w http.ResponseWriter) {
	writeJSON(w, http.StatusNotFound, map[string]string{"message": "Not Found"})
}

func refBody(ref, sha string) map[string]any {
	return map[string]any{
		"ref":    "refs/" + ref,
		"object": map[string]string{"sha": sha, "type": "commit"},
	}
}

// failed answers with the configured failure status; callers hold f.mu
func (f *FakeAPI) failed(w http.ResponseWriter, repo string) bool {
	status, ok := f.failures[repo]
	if !ok {
		return false
	}
	writeJSON(w, status, map[string]string{"message": "Server Error"})
	return true
}

func (f *FakeAPI) getRepository(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	repo := fullName(r)
	if f.failed(w, repo) {
		return
	}
	branch, ok := f.defaultBranch[repo]
	if !ok {
		notFound(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"full_name": repo, "default_branch": branch})
}

func (f *FakeAPI) getRef(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	repo := fullName(r)
	if f.failed(w, repo) {
		return
	}
	ref := chi.URLParam(r, "*")
	sha, ok := f.refs[repo][ref]
	if !ok {
		notFound(w)
		return
	}
	writeJSON(w, http.StatusOK, refBody(ref, sha))
}

func (f *FakeAPI) createRef(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Ref   string `json:"ref"`
		SHA   string `json:"sha"`
		Force bool   `json:"force"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": err.Error()})
		return
	}

	f.write(w, r, http.MethodPost, strings.TrimPrefix(req.Ref, "refs/"), req.SHA, req.Force, http.StatusCreated)
}

func (f *FakeAPI) updateRef(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SHA   string `json:"sha"`
		Force bool   `json:"force"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": err.Error()})
		return
	}

	f.write(w, r, http.MethodPatch, chi.URLParam(r, "*"), req.SHA, req.Force, http.StatusOK)
}

func (f *FakeAPI) write(w http.ResponseWriter, r *http.Request, method, ref, sha string, force bool, status int) {
	f.mu.Lock()
	defer f.mu.Unlock()

	repo := fullName(r)
	if f.failed(w, repo) {
		return
	}
	if _, ok := f.refs[repo]; !ok {
		notFound(w)
		return
	}

	f.writes = append(f.writes, WriteEntry{Method: method, Repo: repo, Ref: ref, SHA: sha, Force: force})
	f.refs[repo][ref] = sha
	writeJSON(w, status, refBody(ref, sha))
}

// testWriter wraps test logging for command output
type testWriter struct {
	t      *testing.T
	prefix string
}

func (w *testWriter) Write(p []byte) (n int, err error) {
	lines := strings.Split(string(p), "\n")
	for _, line := range lines {
		if line != "" {
			w.t.Log(w.prefix + line)
		}
	}
	return len(p), nil
}

var _ io.Writer = (*testWriter)(nil)

// findProjectRoot walks up the directory tree from the current file to find go.mod
func findProjectRoot() (string, error) {
	// Get the directory of this source file
	_, filename, _, ok := runtime.Caller(0)
	if !ok {
		return "", fmt.Errorf("failed to get caller information")
	}

	dir := filepath.Dir(filename)

	// Walk up the directory tree looking for go.mod
	for {
		goModPath := filepath.Join(dir, "go.mod")
		if _, err := os.Stat(goModPath); err == nil {
			return dir, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached the root without finding go.mod
			return "", fmt.Errorf("go.mod not found in any parent directory")
		}
		dir = parent
	}
}
