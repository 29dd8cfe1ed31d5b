package service

import (
	"errors"
	"time"

	"go.uber.org/zap"

	"gitmesh/internal/crypto"
	"gitmesh/internal/inventory"
	"gitmesh/internal/proto"
	"gitmesh/internal/storage"
)

func (s *Service) usable(p crypto.PeerID) bool {
	_, ok := s.byPeer[p]
	return ok
}

// startFetch runs f against the next connected provider. With none
// connected it waits for one; once every provider was tried it is dropped
// until a later announcement brings it back.
func (s *Service) startFetch(f *inventory.Fetch, now time.Time) {
	fetches := s.engine.Fetches()
	if f.Active {
		return
	}
	if s.storage.HasObject(f.Key.Repo, f.Key.Target) {
		fetches.Forget(f.Key)
		return
	}
	peer, ok := s.engine.Candidate(f, s.usable)
	if !ok {
		if f.Exhausted() {
			s.log.Debug("fetch abandoned",
				zap.String("repo", f.Key.Repo.String()),
				zap.String("target", f.Key.Target.String()),
				zap.Int("providers", len(f.Providers)))
			s.metrics.Fetch("abandoned")
			fetches.Forget(f.Key)
		}
		return
	}
	c := s.byPeer[peer]
	id := fetches.Start(f, peer, now)
	req := storage.FetchRequest{
		ID:     id,
		Repo:   f.Key.Repo,
		Peer:   peer,
		Remote: storage.RemoteURL(c.Remote().GitURL, f.Key.Repo),
	}
	s.send(c, proto.FetchRequest{Repo: f.Key.Repo})
	s.transfers[id] = s.storage.Fetch(req, s.postCompletion)
	s.metrics.Fetch("started")
	s.log.Debug("fetch started",
		zap.Uint64("id", id),
		zap.String("repo", f.Key.Repo.String()),
		zap.String("target", f.Key.Target.String()),
		zap.String("peer", peer.String()))
}

func (s *Service) postCompletion(res storage.FetchResult) {
	select {
	case s.completions <- res:
	case <-s.done:
	}
}

// retryFetches restarts idle fetches, oldest first.
func (s *Service) retryFetches(now time.Time) {
	for _, f := range s.engine.Fetches().Idle() {
		s.startFetch(f, now)
	}
}

func (s *Service) cancelTransfer(id uint64) {
	if h, ok := s.transfers[id]; ok {
		h.Cancel()
		delete(s.transfers, id)
	}
}

// reassignFetches hands transfers owned by a departed peer to another
// connected provider without restarting them. A transfer nobody else can
// own is cancelled and its fetch waits until a provider is back.
func (s *Service) reassignFetches(peer crypto.PeerID, now time.Time) {
	fetches := s.engine.Fetches()
	for _, f := range fetches.AssignedTo(peer) {
		if next, ok := s.engine.Candidate(f, s.usable); ok {
			fetches.Reassign(f, next)
			s.metrics.Fetch("reassigned")
			s.log.Debug("fetch reassigned",
				zap.Uint64("id", f.ID),
				zap.String("from", peer.String()),
				zap.String("to", next.String()))
			continue
		}
		s.cancelTransfer(f.ID)
		fetches.Release(f)
		s.metrics.Fetch("cancelled")
	}
}

// HandleFetchResult applies a storage completion. Ref updates are announced
// even when the fetch they belong to is no longer current.
func (s *Service) HandleFetchResult(res storage.FetchResult) {
	now := s.clock.Now()
	delete(s.transfers, res.ID)
	if res.Err == nil && len(res.Updates) > 0 {
		s.announceUpdates(res.Repo, res.Updates, now)
	}

	fetches := s.engine.Fetches()
	f, ok := fetches.ByID(res.ID)
	if !ok {
		return
	}
	owner := f.Assigned
	if res.Err == nil && s.storage.HasObject(f.Key.Repo, f.Key.Target) {
		fetches.Forget(f.Key)
		s.metrics.Fetch("ok")
		if c, ok := s.byPeer[owner]; ok {
			s.send(c, proto.FetchComplete{Repo: res.Repo, Status: proto.FetchOK})
		}
		// The same transfer may have brought other wanted objects.
		for _, other := range fetches.OfRepo(res.Repo) {
			if !other.Active && s.storage.HasObject(other.Key.Repo, other.Key.Target) {
				fetches.Forget(other.Key)
			}
		}
		return
	}

	err := res.Err
	if err == nil {
		err = errors.New("object still missing after fetch")
	}
	s.metrics.Fetch("failed")
	s.log.Debug("fetch failed",
		zap.Uint64("id", res.ID),
		zap.String("repo", res.Repo.String()),
		zap.String("peer", owner.String()),
		zap.Error(err))
	if c, ok := s.byPeer[owner]; ok && !errors.Is(err, storage.ErrCanceled) {
		s.send(c, proto.FetchComplete{Repo: res.Repo, Status: proto.FetchFailed})
	}
	fetches.Stop(f)
	s.startFetch(f, now)
}

// announceUpdates signs our own view of refs a fetch moved and gossips it.
func (s *Service) announceUpdates(repo crypto.RepoID, updates []storage.RefUpdate, now time.Time) {
	if !s.engine.Policy().Tracks(repo) {
		return
	}
	results := make([]inventory.Result, 0, len(updates))
	for _, u := range updates {
		if u.New.IsZero() {
			continue
		}
		r, err := s.engine.Observe(s.key, repo, u.Name, u.New, now)
		if err != nil {
			s.log.Warn("sign ref update", zap.String("repo", repo.String()), zap.String("ref", u.Name), zap.Error(err))
			continue
		}
		results = append(results, r)
	}
	s.handleResults(crypto.PeerID{}, results, now)
}
