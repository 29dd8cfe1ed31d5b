package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"gitmesh/internal/addrbook"
	"gitmesh/internal/crypto"
	"gitmesh/internal/inventory"
	"gitmesh/internal/metrics"
	"gitmesh/internal/node"
)

// SessionInfo is a point-in-time view of one connection.
type SessionInfo struct {
	Handle uint64
	Peer   crypto.PeerID
	Addr   string
	Link   node.Link
	State  node.State
	RTT    time.Duration
	Since  time.Time
}

// do runs fn on the service goroutine and waits for it.
func (s *Service) do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	cmd := func() {
		defer close(finished)
		fn()
	}
	select {
	case s.commands <- cmd:
	case <-s.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-finished:
		return nil
	case <-s.done:
		return ErrStopped
	}
}

// Connect dials addr now and remembers it as a configured address.
func (s *Service) Connect(ctx context.Context, raw string) error {
	a, err := addrbook.ParseAddress(raw)
	if err != nil {
		return err
	}
	var cerr error
	if err := s.do(ctx, func() { cerr = s.connectNow(a) }); err != nil {
		return err
	}
	return cerr
}

func (s *Service) connectNow(a addrbook.Address) error {
	now := s.clock.Now()
	a.Source = addrbook.SourceConfig
	if _, err := s.book.Observe(a, now); err != nil {
		return err
	}
	for _, c := range s.conns {
		if c.key == a.Key() {
			return nil
		}
	}
	s.connect(a, now)
	return nil
}

// AnnounceRefs signs and gossips the current local refs of repo.
func (s *Service) AnnounceRefs(ctx context.Context, repo crypto.RepoID) error {
	var aerr error
	if err := s.do(ctx, func() { aerr = s.announceRepo(repo) }); err != nil {
		return err
	}
	return aerr
}

func (s *Service) announceRepo(repo crypto.RepoID) error {
	now := s.clock.Now()
	refs, err := s.storage.LocalRefs(repo)
	if err != nil {
		return err
	}
	results := make([]inventory.Result, 0, len(refs))
	for _, ref := range refs {
		r, err := s.engine.Observe(s.key, repo, ref.Name, ref.Target, now)
		if err != nil {
			return err
		}
		results = append(results, r)
	}
	s.handleResults(crypto.PeerID{}, results, now)
	return nil
}

// Track starts replicating repo and reports whether the policy changed.
func (s *Service) Track(ctx context.Context, repo crypto.RepoID) (bool, error) {
	var changed bool
	err := s.do(ctx, func() { changed = s.track(repo) })
	return changed, err
}

func (s *Service) track(repo crypto.RepoID) bool {
	if !s.engine.Policy().Track(repo) {
		return false
	}
	s.log.Info("tracking", zap.String("repo", repo.String()))
	s.resubscribe()
	if s.storage.HasRepo(repo) {
		if err := s.announceRepo(repo); err != nil {
			s.log.Debug("announce tracked repo", zap.String("repo", repo.String()), zap.Error(err))
		}
	}
	return true
}

// Untrack stops replicating repo, drops its claims and cancels its fetches.
func (s *Service) Untrack(ctx context.Context, repo crypto.RepoID) (bool, error) {
	var changed bool
	err := s.do(ctx, func() { changed = s.untrack(repo) })
	return changed, err
}

func (s *Service) untrack(repo crypto.RepoID) bool {
	if !s.engine.Policy().Untrack(repo) {
		return false
	}
	fetches := s.engine.Fetches()
	for _, f := range fetches.OfRepo(repo) {
		if f.Active {
			s.cancelTransfer(f.ID)
			fetches.Stop(f)
		}
		fetches.Forget(f.Key)
	}
	n := s.engine.Forget(repo)
	s.metrics.SetRefs(s.engine.Len())
	s.log.Info("untracked", zap.String("repo", repo.String()), zap.Int("refs", n))
	s.resubscribe()
	return true
}

// Sessions lists every connection, including those still handshaking.
func (s *Service) Sessions(ctx context.Context) ([]SessionInfo, error) {
	var out []SessionInfo
	err := s.do(ctx, func() { out = s.sessions() })
	return out, err
}

func (s *Service) sessions() []SessionInfo {
	conns := s.sortedConns()
	out := make([]SessionInfo, 0, len(conns))
	for _, c := range conns {
		since := c.EstablishedAt()
		if since.IsZero() {
			since = c.Created()
		}
		out = append(out, SessionInfo{
			Handle: c.Handle(),
			Peer:   c.PeerID(),
			Addr:   c.Addr(),
			Link:   c.Link(),
			State:  c.State(),
			RTT:    c.RTT(),
			Since:  since,
		})
	}
	return out
}

func (s *Service) publishPeers() {
	list := s.sessions()
	peers := make([]metrics.PeerInfo, 0, len(list))
	for _, in := range list {
		peers = append(peers, metrics.PeerInfo{
			Peer:  in.Peer.String(),
			Addr:  in.Addr,
			Link:  in.Link.String(),
			State: in.State.String(),
			RTT:   in.RTT,
			Since: in.Since,
		})
	}
	s.metrics.SetPeers(peers)
}

// Learn records discovered addresses as seeds and reports how many changed
// the book.
func (s *Service) Learn(ctx context.Context, addrs []addrbook.Address) (int, error) {
	var added int
	err := s.do(ctx, func() { added = s.learn(addrs) })
	return added, err
}

func (s *Service) learn(addrs []addrbook.Address) int {
	now := s.clock.Now()
	added := 0
	for _, a := range addrs {
		if a.Peer == s.local {
			continue
		}
		a.Source = addrbook.SourceSeed
		changed, err := s.book.Observe(a, now)
		if err != nil {
			if !errors.Is(err, addrbook.ErrFull) {
				s.log.Debug("learn address", zap.String("addr", a.String()), zap.Error(err))
			}
			continue
		}
		if changed {
			added++
		}
	}
	return added
}
