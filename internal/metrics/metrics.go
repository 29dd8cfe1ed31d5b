// Package metrics counts what the node does. Counters live in a private
// Prometheus registry, served on /metrics and folded into a JSON snapshot
// file for the status command.
package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
)

const namespace = "gitmesh"

// RecentEntry is an accepted inventory claim, kept for status output.
type RecentEntry struct {
	Repo   string    `json:"repo"`
	Ref    string    `json:"ref"`
	Target string    `json:"target"`
	Signer string    `json:"signer"`
	At     time.Time `json:"at"`
}

// PeerInfo describes one live session.
type PeerInfo struct {
	Peer  string        `json:"peer"`
	Addr  string        `json:"addr"`
	Link  string        `json:"link"`
	State string        `json:"state"`
	RTT   time.Duration `json:"rtt_ns"`
	Since time.Time     `json:"since"`
}

type Snapshot struct {
	GeneratedAt time.Time         `json:"generated_at"`
	Peer        string            `json:"peer,omitempty"`
	Listen      string            `json:"listen,omitempty"`
	Sessions    map[string]int    `json:"sessions"`
	Inventory   map[string]uint64 `json:"inventory"`
	Rejected    map[string]uint64 `json:"rejected"`
	Fetches     map[string]uint64 `json:"fetches"`
	Disconnects map[string]uint64 `json:"disconnects"`
	Relayed     uint64            `json:"relayed"`
	Dials       uint64            `json:"dials"`
	BytesIn     uint64            `json:"bytes_in"`
	BytesOut    uint64            `json:"bytes_out"`
	Refs        int               `json:"refs"`
	Addresses   int               `json:"addresses"`
	Recent      []RecentEntry     `json:"recent"`
	Peers       []PeerInfo        `json:"peers"`
}

type Metrics struct {
	reg *prometheus.Registry

	sessions    *prometheus.GaugeVec
	inventory   *prometheus.CounterVec
	rejected    *prometheus.CounterVec
	fetches     *prometheus.CounterVec
	disconnects *prometheus.CounterVec
	relayed     prometheus.Counter
	dials       prometheus.Counter
	bytesIn     prometheus.Counter
	bytesOut    prometheus.Counter
	refs        prometheus.Gauge
	addresses   prometheus.Gauge

	mu     sync.Mutex
	peer   string
	listen string
	peers  []PeerInfo
	recent *Recent
}

func counterVec(name, help, label string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help}, []string{label})
}

func counter(name, help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help})
}

func gauge(name, help string) prometheus.Gauge {
	return prometheus.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help})
}

func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		sessions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions",
			Help:      "Established sessions by link direction.",
		}, []string{"link"}),
		inventory:   counterVec("inventory_entries_total", "Inventory entries judged, by outcome.", "outcome"),
		rejected:    counterVec("inventory_rejected_total", "Rejected inventory entries, by reason.", "reason"),
		fetches:     counterVec("fetches_total", "Storage fetches, by result.", "result"),
		disconnects: counterVec("disconnects_total", "Closed sessions, by reason.", "reason"),
		relayed:     counter("relayed_total", "Inventory entries relayed to peers."),
		dials:       counter("dials_total", "Outbound connection attempts."),
		bytesIn:     counter("received_bytes_total", "Bytes received from peers."),
		bytesOut:    counter("sent_bytes_total", "Bytes handed to the transport."),
		refs:        gauge("inventory_refs", "Refs held in the inventory."),
		addresses:   gauge("addresses", "Addresses in the address book."),
		recent:      NewRecent(64),
	}
	m.reg.MustRegister(
		m.sessions, m.inventory, m.rejected, m.fetches, m.disconnects,
		m.relayed, m.dials, m.bytesIn, m.bytesOut, m.refs, m.addresses,
		collectors.NewGoCollector(),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

func (m *Metrics) Recent() *Recent { return m.recent }

// SetIdentity labels the snapshot file.
func (m *Metrics) SetIdentity(peer, listen string) {
	m.mu.Lock()
	m.peer, m.listen = peer, listen
	m.mu.Unlock()
}

// SetPeers replaces the session list written to the snapshot.
func (m *Metrics) SetPeers(peers []PeerInfo) {
	m.mu.Lock()
	m.peers = peers
	m.mu.Unlock()
}

func (m *Metrics) SetSessions(link string, n int) { m.sessions.WithLabelValues(link).Set(float64(n)) }
func (m *Metrics) Outcome(outcome string) { m.inventory.WithLabelValues(outcome).Inc() }
func (m *Metrics) Rejected(reason string) { m.rejected.WithLabelValues(reason).Inc() }
func (m *Metrics) Fetch(result string) { m.fetches.WithLabelValues(result).Inc() }
func (m *Metrics) Disconnect(reason string) { m.disconnects.WithLabelValues(reason).Inc() }
func (m *Metrics) Relayed(n int) { m.relayed.Add(float64(n)) }
func (m *Metrics) Dial() { m.dials.Inc() }
func (m *Metrics) BytesIn(n int) { m.bytesIn.Add(float64(n)) }
func (m *Metrics) BytesOut(n int) { m.bytesOut.Add(float64(n)) }
func (m *Metrics) SetRefs(n int) { m.refs.Set(float64(n)) }
func (m *Metrics) SetAddresses(n int) { m.addresses.Set(float64(n)) }

func (m *Metrics) Snapshot() Snapshot {
	m.mu.Lock()
	snap := Snapshot{
		GeneratedAt: time.Now().UTC(),
		Peer:        m.peer,
		Listen:      m.listen,
		Sessions:    map[string]int{},
		Inventory:   map[string]uint64{},
		Rejected:    map[string]uint64{},
		Fetches:     map[string]uint64{},
		Disconnects: map[string]uint64{},
		Recent:      m.recent.List(),
		Peers:       append([]PeerInfo(nil), m.peers...),
	}
	m.mu.Unlock()

	fams, err := m.reg.Gather()
	if err != nil {
		return snap
	}
	for _, f := range fams {
		for _, mt := range f.GetMetric() {
			v := value(mt)
			l := label(mt)
			switch f.GetName() {
			case namespace + "_sessions":
				snap.Sessions[l] = int(v)
			case namespace + "_inventory_entries_total":
				snap.Inventory[l] = uint64(v)
			case namespace + "_inventory_rejected_total":
				snap.Rejected[l] = uint64(v)
			case namespace + "_fetches_total":
				snap.Fetches[l] = uint64(v)
			case namespace + "_disconnects_total":
				snap.Disconnects[l] = uint64(v)
			case namespace + "_relayed_total":
				snap.Relayed = uint64(v)
			case namespace + "_dials_total":
				snap.Dials = uint64(v)
			case namespace + "_received_bytes_total":
				snap.BytesIn = uint64(v)
			case namespace + "_sent_bytes_total":
				snap.BytesOut = uint64(v)
			case namespace + "_inventory_refs":
				snap.Refs = int(v)
			case namespace + "_addresses":
				snap.Addresses = int(v)
			}
		}
	}
	return snap
}

func value(mt *dto.Metric) float64 {
	switch {
	case mt.GetCounter() != nil:
		return mt.GetCounter().GetValue()
	case mt.GetGauge() != nil:
		return mt.GetGauge().GetValue()
	default:
		return 0
	}
}

func label(mt *dto.Metric) string {
	if ls := mt.GetLabel(); len(ls) > 0 {
		return ls[0].GetValue()
	}
	return ""
}

func (m *Metrics) WriteSnapshot(path string) error {
	if path == "" {
		return nil
	}
	data, err := json.MarshalIndent(m.Snapshot(), "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func ReadSnapshot(path string) (Snapshot, error) {
	var snap Snapshot
	data, err := os.ReadFile(path)
	if err != nil {
		return snap, err
	}
	err = json.Unmarshal(data, &snap)
	return snap, err
}

// Serve exposes /metrics on addr until ctx ends.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return m.serve(ctx, ln)
}

func (m *Metrics) serve(ctx context.Context, ln net.Listener) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutCtx)
	}()
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Recent is a bounded list, oldest first.
type Recent struct {
	mu   sync.Mutex
	cap  int
	list []RecentEntry
}

func NewRecent(capacity int) *Recent {
	if capacity <= 0 {
		capacity = 64
	}
	return &Recent{cap: capacity}
}

func (r *Recent) Add(e RecentEntry) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.list) >= r.cap {
		copy(r.list, r.list[1:])
		r.list[len(r.list)-1] = e
		return
	}
	r.list = append(r.list, e)
}

func (r *Recent) List() []RecentEntry {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]RecentEntry, len(r.list))
	copy(out, r.list)
	return out
}
