package storage

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"gitmesh/internal/crypto"
)

const (
	DefaultFetchTimeout = 10 * time.Minute
	// DefaultLookupTimeout bounds the git calls made from the service loop.
	DefaultLookupTimeout = 2 * time.Second
	// DefaultAllowProtocols is GIT_ALLOW_PROTOCOL for fetches from peers.
	DefaultAllowProtocols = "https:http:git:ssh"
)

var fetchRefspecs = []string{"+refs/heads/*:refs/heads/*", "+refs/tags/*:refs/tags/*"}

// Git keeps one bare SHA-256 repository per RepoID under Root and drives
// the git binary for every operation.
type Git struct {
	Root           string
	Binary         string
	FetchTimeout   time.Duration
	LookupTimeout  time.Duration
	AllowProtocols string

	// Serializes fetches into the same repository.
	locks sync.Map
	// Objects known present. Git never drops a reachable object, so
	// positive answers stay valid.
	present sync.Map
}

type objectKey struct {
	repo   crypto.RepoID
	target crypto.Digest
}

func NewGit(root string) (*Git, error) {
	if err := os.MkdirAll(root, 0700); err != nil {
		return nil, err
	}
	bin, err := exec.LookPath("git")
	if err != nil {
		return nil, fmt.Errorf("git binary: %w", err)
	}
	return &Git{
		Root:           root,
		Binary:         bin,
		FetchTimeout:   DefaultFetchTimeout,
		LookupTimeout:  DefaultLookupTimeout,
		AllowProtocols: DefaultAllowProtocols,
	}, nil
}

func (g *Git) dir(repo crypto.RepoID) string {
	return filepath.Join(g.Root, repo.String()+".git")
}

func (g *Git) run(ctx context.Context, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, g.Binary, args...)
	allow := g.AllowProtocols
	if allow == "" {
		allow = DefaultAllowProtocols
	}
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0", "GIT_ALLOW_PROTOCOL="+allow)
	cmd.WaitDelay = time.Second
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return out, fmt.Errorf("git %s: %w: %s", args[0], err, msg)
		}
		return out, fmt.Errorf("git %s: %w", args[0], err)
	}
	return out, nil
}

func (g *Git) gitDir(repo crypto.RepoID) string { return "--git-dir=" + g.dir(repo) }

// Init creates the bare repository if it does not exist.
func (g *Git) Init(ctx context.Context, repo crypto.RepoID) error {
	if g.HasRepo(repo) {
		return nil
	}
	_, err := g.run(ctx, "init", "--bare", "--quiet", "--object-format=sha256", g.dir(repo))
	return err
}

func (g *Git) HasRepo(repo crypto.RepoID) bool {
	info, err := os.Stat(g.dir(repo))
	return err == nil && info.IsDir()
}

// lookup bounds a git call made on behalf of the caller's goroutine.
func (g *Git) lookup() (context.Context, context.CancelFunc) {
	d := g.LookupTimeout
	if d <= 0 {
		d = DefaultLookupTimeout
	}
	return context.WithTimeout(context.Background(), d)
}

// HasObject reports false when git does not answer within LookupTimeout.
func (g *Git) HasObject(repo crypto.RepoID, target crypto.Digest) bool {
	key := objectKey{repo: repo, target: target}
	if _, ok := g.present.Load(key); ok {
		return true
	}
	if !g.HasRepo(repo) {
		return false
	}
	ctx, cancel := g.lookup()
	defer cancel()
	if _, err := g.run(ctx, g.gitDir(repo), "cat-file", "-e", target.String()); err != nil {
		return false
	}
	g.present.Store(key, struct{}{})
	return true
}

func (g *Git) LocalRefs(repo crypto.RepoID) ([]Ref, error) {
	ctx, cancel := g.lookup()
	defer cancel()
	return g.localRefs(ctx, repo)
}

func (g *Git) localRefs(ctx context.Context, repo crypto.RepoID) ([]Ref, error) {
	if !g.HasRepo(repo) {
		return nil, ErrNotFound
	}
	out, err := g.run(ctx, g.gitDir(repo), "for-each-ref", "--format=%(objectname) %(refname)")
	if err != nil {
		return nil, err
	}
	refs, err := parseRefs(out)
	if err != nil {
		return nil, err
	}
	for _, r := range refs {
		g.present.Store(objectKey{repo: repo, target: r.Target}, struct{}{})
	}
	return refs, nil
}

func parseRefs(out []byte) ([]Ref, error) {
	var refs []Ref
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		hash, name, ok := strings.Cut(line, " ")
		if !ok {
			return nil, fmt.Errorf("unexpected ref line %q", line)
		}
		d, err := crypto.ParseDigest(hash)
		if err != nil {
			// SHA-1 repositories cannot be named by a Digest.
			return nil, fmt.Errorf("ref %s: %w", name, err)
		}
		refs = append(refs, Ref{Name: name, Target: d})
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].Name < refs[j].Name })
	return refs, sc.Err()
}

func (g *Git) Repos() ([]crypto.RepoID, error) {
	ents, err := os.ReadDir(g.Root)
	if err != nil {
		return nil, err
	}
	var out []crypto.RepoID
	for _, e := range ents {
		name, ok := strings.CutSuffix(e.Name(), ".git")
		if !ok || !e.IsDir() {
			continue
		}
		id, err := crypto.ParseRepoID(name)
		if err != nil {
			continue
		}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Compare(out[j]) < 0 })
	return out, nil
}

func (g *Git) lock(repo crypto.RepoID) *sync.Mutex {
	mu, _ := g.locks.LoadOrStore(repo, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

func (g *Git) Fetch(req FetchRequest, done func(FetchResult)) FetchHandle {
	timeout := g.FetchTimeout
	if timeout <= 0 {
		timeout = DefaultFetchTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	go func() {
		defer cancel()
		res := FetchResult{ID: req.ID, Repo: req.Repo, Peer: req.Peer}
		res.Updates, res.Err = g.fetch(ctx, req)
		if errors.Is(ctx.Err(), context.Canceled) {
			res.Err = ErrCanceled
		}
		done(res)
	}()
	return cancelFunc(cancel)
}

func (g *Git) fetch(ctx context.Context, req FetchRequest) ([]RefUpdate, error) {
	if req.Remote == "" {
		return nil, ErrNoRemote
	}
	mu := g.lock(req.Repo)
	mu.Lock()
	defer mu.Unlock()
	if err := g.Init(ctx, req.Repo); err != nil {
		return nil, err
	}
	before, err := g.localRefs(ctx, req.Repo)
	if err != nil {
		return nil, err
	}
	args := append([]string{g.gitDir(req.Repo), "fetch", "--quiet", "--no-write-fetch-head", "--", req.Remote}, fetchRefspecs...)
	if _, err := g.run(ctx, args...); err != nil {
		return nil, err
	}
	after, err := g.localRefs(ctx, req.Repo)
	if err != nil {
		return nil, err
	}
	return Diff(before, after), nil
}
