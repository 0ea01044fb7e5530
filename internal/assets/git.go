package assets

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/funnyzak/recproxy/internal/logger"
	"github.com/funnyzak/recproxy/internal/proxyerr"
)

var (
	// ErrUnsupportedDriver indicates the configured assets driver is not available.
	ErrUnsupportedDriver = errors.New("unsupported assets driver")
	// ErrPushRejected indicates the remote refused the pushed branch.
	ErrPushRejected = errors.New("push rejected by remote")
)

const commitMessage = "Automatic asset update from recproxy."

// Clone locations and their locks are shared by every GitStore in the
// process; both start empty.
var (
	cloneLocations sync.Map // cache key -> clone directory
	repoLocks      sync.Map // clone directory -> *sync.Mutex
)

func lockFor(location string) *sync.Mutex {
	mu, _ := repoLocks.LoadOrStore(location, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// Runner executes git. dir is the working directory.
type Runner interface {
	Run(ctx context.Context, dir string, args ...string) (string, error)
}

// GitError carries the failed command and its stderr.
type GitError struct {
	Args   []string
	Stderr string
	Err    error
}

func (e *GitError) Error() string {
	return fmt.Sprintf("git %s: %v: %s", strings.Join(redactArgs(e.Args), " "), e.Err, strings.TrimSpace(e.Stderr))
}

func (e *GitError) Unwrap() error { return e.Err }

type execRunner struct{}

func (execRunner) Run(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return stdout.String(), &GitError{Args: args, Stderr: stderr.String(), Err: err}
	}
	return strings.TrimSpace(stdout.String()), nil
}

// Options configures a GitStore.
type Options struct {
	StorageLocation string
	Folder          string
	GitHost         string
	APIBaseURL      string
	DefaultBranch   string
	AutoBranch      string
	UserName        string
	UserEmail       string
	Token           string
	MaxRetries      int
	Timeout         time.Duration
	// RetryBackoff is the first backoff step; defaults to one second.
	RetryBackoff time.Duration
	HTTPClient   *http.Client
}

// GitStore keeps fixtures in shared clones of remote asset repositories.
type GitStore struct {
	opts   Options
	log    logger.Logger
	runner Runner
	branch singleflight.Group
}

// NewGitStore creates a git backed store. A nil runner shells out to git.
func NewGitStore(opts Options, log logger.Logger, runner Runner) *GitStore {
	if runner == nil {
		runner = execRunner{}
	}
	if log == nil {
		log = logger.Nop()
	}
	if opts.Folder == "" {
		opts.Folder = filepath.Join(opts.StorageLocation, ".assets")
	}
	if opts.DefaultBranch == "" {
		opts.DefaultBranch = "main"
	}
	if opts.AutoBranch == "" {
		opts.AutoBranch = "auto/test-proxy"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Minute
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = time.Second
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &GitStore{opts: opts, log: log.With("component", "assets"), runner: runner}
}

// CloneLocation returns the directory holding the clone for cfg.
func (s *GitStore) CloneLocation(cfg *Configuration) string {
	key := s.opts.Folder + "|" + cfg.AssetsRepo
	if loc, ok := cloneLocations.Load(key); ok {
		return loc.(string)
	}
	loc := filepath.Join(s.opts.Folder, strings.ReplaceAll(cfg.AssetsRepo, "/", "-"))
	actual, _ := cloneLocations.LoadOrStore(key, loc)
	return actual.(string)
}

// Root implements Store
func (s *GitStore) Root(ctx context.Context, assetsJSON string) (string, error) {
	if strings.TrimSpace(assetsJSON) == "" {
		return s.opts.StorageLocation, nil
	}
	cfg, err := loadConfiguration(s.opts.StorageLocation, assetsJSON)
	if err != nil {
		return "", err
	}
	return s.checkoutDir(cfg), nil
}

func (s *GitStore) checkoutDir(cfg *Configuration) string {
	return filepath.Join(s.CloneLocation(cfg), filepath.FromSlash(ResolveCheckoutPaths(cfg)))
}

// Restore implements Store. It clones on first use and checks out the
// pinned SHA, or the default branch tip when no SHA is pinned.
func (s *GitStore) Restore(ctx context.Context, assetsJSON string) (string, error) {
	if strings.TrimSpace(assetsJSON) == "" {
		return s.opts.StorageLocation, nil
	}
	cfg, err := loadConfiguration(s.opts.StorageLocation, assetsJSON)
	if err != nil {
		return "", err
	}
	location := s.CloneLocation(cfg)
	mu := lockFor(location)
	mu.Lock()
	defer mu.Unlock()
	return s.restoreLocked(ctx, cfg, location)
}

// Checkout implements Store. The clone stays locked until read returns, so
// a concurrent restore of another SHA cannot move files underneath it.
func (s *GitStore) Checkout(ctx context.Context, assetsJSON string, read func(dir string) error) error {
	if strings.TrimSpace(assetsJSON) == "" {
		return read(s.opts.StorageLocation)
	}
	cfg, err := loadConfiguration(s.opts.StorageLocation, assetsJSON)
	if err != nil {
		return err
	}
	location := s.CloneLocation(cfg)
	mu := lockFor(location)
	mu.Lock()
	defer mu.Unlock()

	dir, err := s.restoreLocked(ctx, cfg, location)
	if err != nil {
		return err
	}
	return read(dir)
}

// Update implements Store. write and the optional push run under one hold
// of the clone lock.
func (s *GitStore) Update(ctx context.Context, assetsJSON string, publish bool, write func(dir string) error) error {
	if strings.TrimSpace(assetsJSON) == "" {
		return write(s.opts.StorageLocation)
	}
	cfg, err := loadConfiguration(s.opts.StorageLocation, assetsJSON)
	if err != nil {
		return err
	}
	location := s.CloneLocation(cfg)
	mu := lockFor(location)
	mu.Lock()
	defer mu.Unlock()

	dir := s.checkoutDir(cfg)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return proxyerr.AssetIO(dir, err, "unable to prepare %s", dir)
	}
	if err := write(dir); err != nil {
		return err
	}
	if !publish {
		return nil
	}
	return s.pushLocked(ctx, cfg, location)
}

func (s *GitStore) restoreLocked(ctx context.Context, cfg *Configuration, location string) (string, error) {
	if !isGitDir(location) {
		if err := s.retry(ctx, "clone", func(ctx context.Context) error {
			return s.clone(ctx, cfg, location)
		}); err != nil {
			return "", proxyerr.AssetIO(location, err, "unable to clone %s", cfg.AssetsRepo)
		}
	}

	if cfg.SHA == "" {
		if err := s.checkoutDefault(ctx, cfg, location); err != nil {
			return "", err
		}
	} else if err := s.checkoutSHA(ctx, cfg, location); err != nil {
		return "", err
	}

	dir := s.checkoutDir(cfg)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", proxyerr.AssetIO(dir, err, "unable to prepare %s", dir)
	}
	s.log.Debug("Assets restored", "repo", cfg.AssetsRepo, "sha", cfg.SHA, "dir", dir)
	return dir, nil
}

func (s *GitStore) clone(ctx context.Context, cfg *Configuration, location string) error {
	// A partial clone from an earlier attempt is discarded.
	if err := os.RemoveAll(location); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(location), 0o755); err != nil {
		return err
	}
	_, err := s.runner.Run(ctx, filepath.Dir(location), "clone", "--no-checkout", s.remoteURL(cfg.AssetsRepo), location)
	return err
}

func (s *GitStore) checkoutSHA(ctx context.Context, cfg *Configuration, location string) error {
	head, _ := s.runner.Run(ctx, location, "rev-parse", "HEAD")
	if head == cfg.SHA {
		return nil
	}
	if _, err := s.runner.Run(ctx, location, "cat-file", "-e", cfg.SHA+"^{commit}"); err != nil {
		if err := s.retry(ctx, "fetch", func(ctx context.Context) error {
			if _, err := s.runner.Run(ctx, location, "fetch", "origin", cfg.SHA); err == nil {
				return nil
			}
			// Not every remote serves unadvertised commits.
			_, err := s.runner.Run(ctx, location, "fetch", "origin")
			return err
		}); err != nil {
			return proxyerr.AssetIO(location, err, "unable to fetch %s from %s", cfg.SHA, cfg.AssetsRepo)
		}
	}
	if _, err := s.runner.Run(ctx, location, "-c", "advice.detachedHead=false", "checkout", "--force", cfg.SHA); err != nil {
		return proxyerr.AssetIO(location, err, "unable to check out %s", cfg.SHA)
	}
	return nil
}

func (s *GitStore) checkoutDefault(ctx context.Context, cfg *Configuration, location string) error {
	branch := s.GetDefaultBranch(ctx, cfg)
	if err := s.retry(ctx, "fetch", func(ctx context.Context) error {
		_, err := s.runner.Run(ctx, location, "fetch", "origin")
		return err
	}); err != nil {
		return proxyerr.AssetIO(location, err, "unable to fetch %s", cfg.AssetsRepo)
	}
	ref := "refs/remotes/origin/" + branch
	if _, err := s.runner.Run(ctx, location, "rev-parse", "--verify", "--quiet", ref); err != nil {
		// Nothing published yet.
		return nil
	}
	if _, err := s.runner.Run(ctx, location, "-c", "advice.detachedHead=false", "checkout", "--force", "origin/"+branch); err != nil {
		return proxyerr.AssetIO(location, err, "unable to check out %s", branch)
	}
	return nil
}

// Push implements Store. Nothing happens when the clone has no changes.
func (s *GitStore) Push(ctx context.Context, assetsJSON string) error {
	if strings.TrimSpace(assetsJSON) == "" {
		return nil
	}
	cfg, err := loadConfiguration(s.opts.StorageLocation, assetsJSON)
	if err != nil {
		return err
	}
	location := s.CloneLocation(cfg)
	mu := lockFor(location)
	mu.Lock()
	defer mu.Unlock()
	return s.pushLocked(ctx, cfg, location)
}

func (s *GitStore) pushLocked(ctx context.Context, cfg *Configuration, location string) error {
	if !isGitDir(location) {
		return proxyerr.AssetIO(location, nil, "no clone of %s exists at %s; restore it first", cfg.AssetsRepo, location)
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()

	status, err := s.runner.Run(ctx, location, "status", "--porcelain")
	if err != nil {
		return proxyerr.AssetIO(location, err, "unable to read status of %s", location)
	}
	if strings.TrimSpace(status) == "" {
		s.log.Info("No asset changes to push", "repo", cfg.AssetsRepo)
		return nil
	}

	branch := cfg.AssetsRepoBranch
	if branch == "" {
		branch = s.opts.AutoBranch
	}
	if _, err := s.runner.Run(ctx, location, "rev-parse", "--verify", "--quiet", "HEAD"); err != nil {
		// Unborn history: point HEAD at the branch so the first commit lands there.
		_, err = s.runner.Run(ctx, location, "symbolic-ref", "HEAD", "refs/heads/"+branch)
		if err != nil {
			return proxyerr.AssetIO(location, err, "unable to create branch %s", branch)
		}
	} else if _, err := s.runner.Run(ctx, location, "checkout", "-B", branch); err != nil {
		return proxyerr.AssetIO(location, err, "unable to create branch %s", branch)
	}

	steps := [][]string{
		{"add", "-A"},
		{"-c", "user.name=" + s.opts.UserName, "-c", "user.email=" + s.opts.UserEmail, "commit", "--no-verify", "-m", commitMessage},
	}
	for _, args := range steps {
		if _, err := s.runner.Run(ctx, location, args...); err != nil {
			return proxyerr.AssetIO(location, err, "unable to commit asset changes")
		}
	}

	if _, err := s.runner.Run(ctx, location, "push", "origin", branch); err != nil {
		if isRejection(err) {
			return proxyerr.AssetIO(location, fmt.Errorf("%w: %v", ErrPushRejected, err), "unable to push %s to %s", branch, cfg.AssetsRepo)
		}
		return proxyerr.AssetIO(location, err, "unable to push %s to %s", branch, cfg.AssetsRepo)
	}

	sha, err := s.runner.Run(ctx, location, "rev-parse", "HEAD")
	if err != nil {
		return proxyerr.AssetIO(location, err, "unable to read pushed commit")
	}
	if err := UpdateAssetsJson(sha, cfg); err != nil {
		return err
	}
	s.log.Info("Assets pushed", "repo", cfg.AssetsRepo, "branch", branch, "sha", sha)
	return nil
}

// Reset implements Store
func (s *GitStore) Reset(ctx context.Context, assetsJSON string) error {
	if strings.TrimSpace(assetsJSON) == "" {
		return nil
	}
	cfg, err := loadConfiguration(s.opts.StorageLocation, assetsJSON)
	if err != nil {
		return err
	}
	location := s.CloneLocation(cfg)
	mu := lockFor(location)
	mu.Lock()
	defer mu.Unlock()

	if !isGitDir(location) {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()
	if _, err := s.runner.Run(ctx, location, "rev-parse", "--verify", "--quiet", "HEAD"); err == nil {
		if _, err := s.runner.Run(ctx, location, "checkout", "--force", "."); err != nil {
			return proxyerr.AssetIO(location, err, "unable to discard changes in %s", location)
		}
	}
	if _, err := s.runner.Run(ctx, location, "clean", "-fd"); err != nil {
		return proxyerr.AssetIO(location, err, "unable to clean %s", location)
	}
	return nil
}

// GetDefaultBranch asks the hosting API for the repository's default
// branch, falling back to the configured one on any failure.
func (s *GitStore) GetDefaultBranch(ctx context.Context, cfg *Configuration) string {
	if s.opts.APIBaseURL == "" {
		return s.opts.DefaultBranch
	}
	// The lookup is shared, so one caller giving up must not cancel it for
	// the others waiting on it.
	ch := s.branch.DoChan(cfg.AssetsRepo, func() (interface{}, error) {
		lookupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.Timeout)
		defer cancel()
		return s.fetchDefaultBranch(lookupCtx, cfg.AssetsRepo), nil
	})
	select {
	case res := <-ch:
		return res.Val.(string)
	case <-ctx.Done():
		return s.opts.DefaultBranch
	}
}

func (s *GitStore) fetchDefaultBranch(ctx context.Context, repo string) string {
	endpoint := strings.TrimRight(s.opts.APIBaseURL, "/") + "/repos/" + repo
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return s.opts.DefaultBranch
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("User-Agent", "recproxy")
	if s.opts.Token != "" {
		req.Header.Set("Authorization", "Bearer "+s.opts.Token)
	}
	resp, err := s.opts.HTTPClient.Do(req)
	if err != nil {
		s.log.Warn("Default branch lookup failed", "repo", repo, "error", err)
		return s.opts.DefaultBranch
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		s.log.Warn("Default branch lookup failed", "repo", repo, "status", resp.StatusCode)
		return s.opts.DefaultBranch
	}
	var body struct {
		DefaultBranch string `json:"default_branch"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body.DefaultBranch == "" {
		return s.opts.DefaultBranch
	}
	return body.DefaultBranch
}

// retry runs fn with exponential backoff, each attempt bounded by the
// configured timeout.
func (s *GitStore) retry(ctx context.Context, op string, fn func(context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt <= s.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(math.Pow(2, float64(attempt-1))) * s.opts.RetryBackoff
			if backoff > 30*time.Second {
				backoff = 30 * time.Second
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
		lastErr = fn(attemptCtx)
		cancel()
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return lastErr
		}
		s.log.Warn("Git operation failed",
			"op", op,
			"attempt", attempt+1,
			"error", lastErr.Error(),
		)
	}
	return lastErr
}

// remoteURL builds the clone URL, embedding the token for https hosts.
func (s *GitStore) remoteURL(repo string) string {
	raw := strings.TrimRight(s.opts.GitHost, "/") + "/" + strings.Trim(repo, "/")
	if s.opts.Token == "" {
		return raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme != "https" {
		return raw
	}
	u.User = url.UserPassword("x-access-token", s.opts.Token)
	return u.String()
}

func isGitDir(location string) bool {
	return exists(filepath.Join(location, ".git"))
}

func isRejection(err error) bool {
	var gitErr *GitError
	if !errors.As(err, &gitErr) {
		return false
	}
	stderr := strings.ToLower(gitErr.Stderr)
	for _, marker := range []string{"[rejected]", "non-fast-forward", "fetch first", "failed to push some refs"} {
		if strings.Contains(stderr, marker) {
			return true
		}
	}
	return false
}

func redactArgs(args []string) []string {
	out := make([]string, len(args))
	for i, a := range args {
		if u, err := url.Parse(a); err == nil && u.User != nil {
			if _, ok := u.User.Password(); ok {
				u.User = url.UserPassword(u.User.Username(), "***")
				a = u.String()
			}
		}
		out[i] = a
	}
	return out
}
