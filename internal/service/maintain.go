package service

import (
	"time"

	"go.uber.org/zap"

	"gitmesh/internal/addrbook"
	"gitmesh/internal/clock"
	"gitmesh/internal/crypto"
	"gitmesh/internal/inventory"
	"gitmesh/internal/network"
	"gitmesh/internal/node"
	"gitmesh/internal/proto"
)

// Timer kinds. Service-wide timers use owner 0; the rest are keyed by
// connection handle, which is never 0.
const (
	kindMaintain clock.Kind = iota + 1
	kindRotate
	kindPrune
	kindAnnounce
	kindHandshake
	kindKeepalive
	kindLinger
)

// Tick fires every expired timer.
func (s *Service) Tick() {
	now := s.clock.Now()
	for _, k := range s.wheel.Expired(now) {
		switch k.Kind {
		case kindHandshake, kindKeepalive:
			if c, ok := s.conns[network.Handle(k.Owner)]; ok {
				s.tickSession(c, now)
			}
		case kindLinger:
			if c, ok := s.conns[network.Handle(k.Owner)]; ok {
				s.log.Debug("linger expired", zap.String("addr", c.Addr()))
				_ = s.reactor.Close(network.Handle(k.Owner))
			}
		case kindMaintain:
			s.maintain(now)
		case kindRotate:
			s.engine.Rotate()
		case kindPrune:
			s.prune(now)
		case kindAnnounce:
			s.announceLocal(now)
		}
	}
}

func (s *Service) tickSession(c *conn, now time.Time) {
	if c.State() >= node.Disconnecting {
		return
	}
	if err := c.Tick(now); err != nil {
		s.fail(c, err)
		return
	}
	s.flush(c)
}

// maintain is the slow housekeeping round: liveness, dials, fetch retries
// and the metrics snapshot.
func (s *Service) maintain(now time.Time) {
	for _, c := range s.sortedConns() {
		s.tickSession(c, now)
	}
	s.topUp(now)
	s.retryFetches(now)
	s.updateSessionGauges()
	s.metrics.SetAddresses(s.book.Len())
	s.metrics.SetRefs(s.engine.Len())
	s.publishPeers()
	if err := s.metrics.WriteSnapshot(s.cfg.SnapshotPath); err != nil {
		s.limited.Warn(s.log, "snapshot", "write metrics snapshot", zap.Error(err))
	}
}

func (s *Service) prune(now time.Time) {
	routes, fetches := s.engine.Prune(now, s.cfg.PruneAge)
	// Penalties are forgiven on the prune cadence.
	clear(s.penalties)
	if routes > 0 || len(fetches) > 0 {
		s.log.Debug("pruned", zap.Int("routes", routes), zap.Int("fetches", len(fetches)))
	}
}

// topUp dials book candidates until the outbound target is met, and keeps
// persistent addresses connected.
func (s *Service) topUp(now time.Time) {
	busy := make(map[string]bool, len(s.conns))
	outbound := 0
	for _, c := range s.conns {
		if c.key != "" {
			busy[c.key] = true
		}
		if c.Link() == node.Outbound && c.State() < node.Disconnecting {
			outbound++
		}
	}
	skip := func(a addrbook.Address) bool {
		if busy[a.Key()] {
			return true
		}
		if a.Peer.IsZero() {
			return false
		}
		if a.Peer == s.local {
			return true
		}
		_, connected := s.byPeer[a.Peer]
		return connected
	}
	for _, a := range s.book.Persistent(now) {
		if skip(a) {
			continue
		}
		busy[a.Key()] = true
		s.connect(a, now)
		outbound++
	}
	want := s.cfg.TargetOutbound - outbound
	if want <= 0 {
		return
	}
	for _, a := range s.book.NextCandidates(want, now, skip) {
		s.connect(a, now)
	}
}

// announceLocal signs entries for local refs the engine does not already
// hold at the same target.
func (s *Service) announceLocal(now time.Time) {
	repos, err := s.storage.Repos()
	if err != nil {
		s.limited.Warn(s.log, "repos", "list local repositories", zap.Error(err))
		return
	}
	var results []inventory.Result
	for _, repo := range repos {
		if !s.engine.Policy().Tracks(repo) {
			continue
		}
		refs, err := s.storage.LocalRefs(repo)
		if err != nil {
			s.log.Debug("local refs", zap.String("repo", repo.String()), zap.Error(err))
			continue
		}
		for _, ref := range refs {
			if cur, ok := s.engine.Get(repo, ref.Name); ok && cur.Target == ref.Target {
				continue
			}
			r, err := s.engine.Observe(s.key, repo, ref.Name, ref.Target, now)
			if err != nil {
				s.log.Warn("sign local ref", zap.String("repo", repo.String()), zap.String("ref", ref.Name), zap.Error(err))
				continue
			}
			results = append(results, r)
		}
	}
	if len(results) > 0 {
		s.handleResults(crypto.PeerID{}, results, now)
	}
}

// resubscribe tells every established peer about a policy change.
func (s *Service) resubscribe() {
	f := s.engine.Policy().Filter()
	for _, c := range s.established() {
		s.send(c, proto.Subscribe{Filter: f})
	}
}
