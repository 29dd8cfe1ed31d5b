package service

import (
	"errors"
	"time"

	"go.uber.org/zap"

	"gitmesh/internal/addrbook"
	"gitmesh/internal/clock"
	"gitmesh/internal/crypto"
	"gitmesh/internal/inventory"
	"gitmesh/internal/metrics"
	"gitmesh/internal/node"
	"gitmesh/internal/proto"
)

// dispatch handles one message the session passed up. Every variant is
// listed; ping traffic never reaches here but keeps the switch exhaustive.
func (s *Service) dispatch(c *conn, m proto.Message, now time.Time) {
	switch m := m.(type) {
	case proto.HandshakeAck, proto.HandshakeFinish:
		s.onEstablished(c, now)
	case proto.Handshake:
		// Answered inside the session.
	case proto.Disconnect:
		s.log.Debug("peer disconnected", zap.String("peer", c.PeerID().String()), zap.String("reason", m.Reason))
	case proto.Subscribe:
		s.onSubscribe(c, m)
	case proto.InventoryAnnounce:
		s.onAnnounce(c, m, now)
	case proto.FetchRequest:
		s.onFetchRequest(c, m)
	case proto.FetchComplete:
		s.onFetchComplete(c, m, now)
	case proto.Ping, proto.Pong:
	default:
		s.log.Warn("unhandled message", zap.String("type", m.Type().String()))
	}
}

func (s *Service) onEstablished(c *conn, now time.Time) {
	if c.State() >= node.Disconnecting {
		return
	}
	peer := c.PeerID()
	if other, ok := s.byPeer[peer]; ok && other != c {
		winner, loser := other, c
		if node.Prefer(s.local, c.Session, other.Session) {
			winner, loser = c, other
		}
		s.log.Debug("duplicate session",
			zap.String("peer", peer.String()),
			zap.Uint64("kept", winner.Handle()),
			zap.Uint64("dropped", loser.Handle()))
		if loser == c {
			s.hangUp(c, proto.ReasonDuplicate)
			return
		}
		// Indexing the winner first keeps the peer's transfers running.
		s.byPeer[peer] = c
		s.hangUp(other, proto.ReasonDuplicate)
	}
	s.byPeer[peer] = c
	h := uint64(c.Handle())
	s.wheel.Cancel(clock.Key{Owner: h, Kind: kindHandshake})
	every := keepaliveEvery(s.cfg.Session.PingInterval)
	s.wheel.Every(clock.Key{Owner: h, Kind: kindKeepalive}, now.Add(every), every)
	s.updateSessionGauges()
	s.learnAddress(c, now)

	s.send(c, proto.Subscribe{Filter: s.engine.Policy().Filter()})
	s.log.Debug("session established",
		zap.String("peer", peer.String()),
		zap.String("addr", c.Addr()),
		zap.String("link", c.Link().String()))
	// Fetches waiting for this peer can start now.
	s.retryFetches(now)
}

func keepaliveEvery(ping time.Duration) time.Duration {
	if ping <= 0 {
		ping = node.DefaultPingInterval
	}
	return ping / 2
}

// learnAddress records where the peer can be dialed.
func (s *Service) learnAddress(c *conn, now time.Time) {
	if c.key != "" {
		if a, ok := s.book.Get(c.key); ok && a.Peer != c.PeerID() {
			a.Peer = c.PeerID()
			if _, err := s.book.Observe(a, now); err != nil {
				s.log.Debug("observe peer hint", zap.String("addr", c.key), zap.Error(err))
			}
		}
		return
	}
	a, ok := advertised(c.Remote().ListenAddr, c.Addr())
	if !ok {
		return
	}
	a.Peer = c.PeerID()
	a.Source = addrbook.SourceInbound
	if _, err := s.book.Observe(a, now); err != nil {
		s.log.Debug("observe inbound address", zap.String("addr", a.Key()), zap.Error(err))
	}
}

// onSubscribe replays stored entries the peer asked for and has not seen.
func (s *Service) onSubscribe(c *conn, m proto.Subscribe) {
	var batch []proto.InventoryEntry
	for _, en := range s.engine.Entries(m.Filter) {
		if !m.Covers(en.Timestamp) {
			continue
		}
		id := en.ID()
		if c.Knows(id) || en.Signer == c.PeerID() {
			continue
		}
		c.MarkKnown(id)
		batch = append(batch, en)
		if len(batch) == proto.MaxEntries {
			s.send(c, proto.InventoryAnnounce{Entries: batch})
			batch = nil
		}
	}
	if len(batch) > 0 {
		s.send(c, proto.InventoryAnnounce{Entries: batch})
	}
}

func (s *Service) onAnnounce(c *conn, m proto.InventoryAnnounce, now time.Time) {
	results := s.engine.Apply(c.PeerID(), m, now)
	s.handleResults(c.PeerID(), results, now)
	for _, r := range results {
		if r.Penalize() {
			s.penalize(c, r)
		}
	}
}

// handleResults counts outcomes, relays accepted entries and starts
// fetches. from is zero for entries authored here.
func (s *Service) handleResults(from crypto.PeerID, results []inventory.Result, now time.Time) {
	peers := s.established()
	relay := make(map[*conn][]proto.InventoryEntry)
	for _, r := range results {
		s.metrics.Outcome(r.Outcome.String())
		if r.Outcome == inventory.Rejected {
			s.metrics.Rejected(r.Reason.String())
			s.limited.Debug(s.log, "reject-"+from.String()+r.Reason.String(), "entry rejected",
				zap.String("from", from.String()),
				zap.String("entry", r.Entry.String()),
				zap.String("reason", r.Reason.String()))
		}
		if r.Outcome != inventory.Accepted {
			continue
		}
		s.metrics.Recent().Add(metrics.RecentEntry{
			Repo:   r.Entry.Repo.String(),
			Ref:    r.Entry.Ref,
			Target: r.Entry.Target.String(),
			Signer: r.Entry.Signer.String(),
			At:     now,
		})
		for _, t := range inventory.Targets(r, from, peers) {
			t.MarkKnown(r.ID)
			relay[t] = append(relay[t], r.Entry)
		}
		if r.Fetch != nil {
			s.startFetch(r.Fetch, now)
		}
	}
	s.metrics.SetRefs(s.engine.Len())
	for _, t := range peers {
		entries := relay[t]
		for len(entries) > 0 {
			n := min(len(entries), proto.MaxEntries)
			s.send(t, proto.InventoryAnnounce{Entries: entries[:n]})
			s.metrics.Relayed(n)
			entries = entries[n:]
		}
	}
}

func (s *Service) penalize(c *conn, r inventory.Result) {
	if c.State() >= node.Disconnecting {
		return
	}
	peer := c.PeerID()
	s.penalties[peer]++
	if s.penalties[peer] < s.cfg.MaxPenalty {
		return
	}
	s.log.Info("disconnecting misbehaving peer",
		zap.String("peer", peer.String()),
		zap.Int("penalties", s.penalties[peer]),
		zap.String("last", r.Reason.String()))
	c.failed = true
	s.hangUp(c, proto.ReasonMisbehave)
}

// onFetchRequest answers a peer about to fetch from our git endpoint. Only
// refusals are sent; the transfer itself runs outside this protocol.
func (s *Service) onFetchRequest(c *conn, m proto.FetchRequest) {
	switch {
	case !s.engine.Policy().Tracks(m.Repo):
		s.send(c, proto.FetchComplete{Repo: m.Repo, Status: proto.FetchDenied})
	case !s.storage.HasRepo(m.Repo):
		s.send(c, proto.FetchComplete{Repo: m.Repo, Status: proto.FetchNotFound})
	}
}

// onFetchComplete handles a provider refusing our fetch. The running
// transfer would fail anyway; it is cancelled and the next provider tried.
func (s *Service) onFetchComplete(c *conn, m proto.FetchComplete, now time.Time) {
	if m.Status == proto.FetchOK {
		return
	}
	for _, f := range s.engine.Fetches().AssignedTo(c.PeerID()) {
		if f.Key.Repo != m.Repo {
			continue
		}
		s.log.Debug("provider refused fetch",
			zap.String("peer", c.PeerID().String()),
			zap.String("repo", m.Repo.String()),
			zap.String("status", m.Status.String()))
		s.cancelTransfer(f.ID)
		s.engine.Fetches().Stop(f)
		s.startFetch(f, now)
	}
}

// send queues m; a full queue ends the session.
func (s *Service) send(c *conn, m proto.Message) {
	if err := c.Send(m); err != nil {
		if !errors.Is(err, node.ErrClosed) {
			s.fail(c, err)
		}
		return
	}
	s.flush(c)
}
