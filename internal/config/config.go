// Package config reads the node's TOML configuration and its GITMESH_*
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"gitmesh/internal/addrbook"
	"gitmesh/internal/crypto"
	"gitmesh/internal/inventory"
	"gitmesh/internal/node"
	"gitmesh/internal/proto"
	"gitmesh/internal/service"
)

const (
	FileName        = "config.toml"
	DefaultListen   = "0.0.0.0:8776"
	TransportTCP    = "tcp"
	TransportQUIC   = "quic"
	PolicyAll       = "all"
	PolicyAllowlist = "allowlist"
	BackendMemory   = "memory"
	BackendFile     = "file"
	BackendSQLite   = "sqlite"
	DefaultPrefix   = "/gitmesh/nodes/"
	DefaultLeaseTTL = 30 * time.Second
)

var ErrInvalid = errors.New("invalid config")

// Duration reads "30s" style strings.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(b)))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

type Config struct {
	Listen      string `toml:"listen"`
	Advertise   string `toml:"advertise,omitempty"`
	Transport   string `toml:"transport"`
	GitURL      string `toml:"git_url,omitempty"`
	MetricsAddr string `toml:"metrics_addr,omitempty"`
	Debug       bool   `toml:"debug,omitempty"`

	Peers    Peers    `toml:"peers"`
	Session  Session  `toml:"session"`
	Tracking Tracking `toml:"tracking"`
	AddrBook AddrBook `toml:"addrbook"`
	Storage  Storage  `toml:"storage"`
	Etcd     Etcd     `toml:"etcd"`
}

type Peers struct {
	TargetOutbound int      `toml:"target_outbound"`
	MaxInbound     int      `toml:"max_inbound"`
	MaxPerIP       int      `toml:"max_per_ip"`
	Seeds          []string `toml:"seeds,omitempty"`
	Connect        []string `toml:"connect,omitempty"`
}

type Session struct {
	ProtocolVersion  uint32   `toml:"protocol_version"`
	HandshakeTimeout Duration `toml:"handshake_timeout"`
	PingInterval     Duration `toml:"ping_interval"`
}

// Tracking is either "all" with a block list or "allowlist" with the
// tracked repositories.
type Tracking struct {
	Policy string   `toml:"policy"`
	Repos  []string `toml:"repos,omitempty"`
}

type AddrBook struct {
	Backend string `toml:"backend"`
	Cap     int    `toml:"cap"`
}

type Storage struct {
	// Root holds the bare repositories; relative paths are under the home.
	Root string `toml:"root"`
}

type Etcd struct {
	Endpoints []string `toml:"endpoints,omitempty"`
	Prefix    string   `toml:"prefix"`
	LeaseTTL  Duration `toml:"lease_ttl"`
}

func Default() Config {
	return Config{
		Listen:    DefaultListen,
		Transport: TransportTCP,
		Peers: Peers{
			TargetOutbound: service.DefaultTargetOutbound,
			MaxInbound:     service.DefaultMaxInbound,
			MaxPerIP:       8,
		},
		Session: Session{
			ProtocolVersion:  proto.ProtocolVersion,
			HandshakeTimeout: Duration{node.DefaultHandshakeTimeout},
			PingInterval:     Duration{node.DefaultPingInterval},
		},
		Tracking: Tracking{Policy: PolicyAll},
		AddrBook: AddrBook{Backend: BackendSQLite, Cap: addrbook.DefaultCap},
		Storage:  Storage{Root: "repos"},
		Etcd:     Etcd{Prefix: DefaultPrefix, LeaseTTL: Duration{DefaultLeaseTTL}},
	}
}

// Path is where the config lives under home.
func Path(home string) string { return filepath.Join(home, FileName) }

// Load reads path over the defaults. A missing file yields the defaults;
// unknown keys are an error.
func Load(path string) (Config, error) {
	cfg := Default()
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Default(), nil
		}
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return cfg, fmt.Errorf("%w: unknown keys in %s: %s", ErrInvalid, path, strings.Join(keys, ", "))
	}
	return cfg, nil
}

// Save writes cfg to path, replacing it atomically.
func Save(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func envInt(key string) (int, bool) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return 0, false
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envString(key string) (string, bool) {
	v := strings.TrimSpace(os.Getenv(key))
	return v, v != ""
}

func envList(key string) ([]string, bool) {
	v, ok := envString(key)
	if !ok {
		return nil, false
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out, true
}

// ApplyEnv overrides fields from GITMESH_* variables. Malformed numbers are
// ignored.
func (c *Config) ApplyEnv() {
	if v, ok := envString("GITMESH_LISTEN"); ok {
		c.Listen = v
	}
	if v, ok := envString("GITMESH_ADVERTISE"); ok {
		c.Advertise = v
	}
	if v, ok := envString("GITMESH_TRANSPORT"); ok {
		c.Transport = strings.ToLower(v)
	}
	if v, ok := envString("GITMESH_GIT_URL"); ok {
		c.GitURL = v
	}
	if v, ok := envString("GITMESH_METRICS_ADDR"); ok {
		c.MetricsAddr = v
	}
	if os.Getenv("GITMESH_DEBUG") == "1" {
		c.Debug = true
	}
	if v, ok := envInt("GITMESH_TARGET_OUTBOUND"); ok && v > 0 {
		c.Peers.TargetOutbound = v
	}
	if v, ok := envInt("GITMESH_MAX_INBOUND"); ok && v > 0 {
		c.Peers.MaxInbound = v
	}
	if v, ok := envInt("GITMESH_MAX_PER_IP"); ok && v > 0 {
		c.Peers.MaxPerIP = v
	}
	if v, ok := envList("GITMESH_SEEDS"); ok {
		c.Peers.Seeds = v
	}
	if v, ok := envList("GITMESH_CONNECT"); ok {
		c.Peers.Connect = v
	}
	if v, ok := envInt("GITMESH_PROTOCOL_VERSION"); ok && v > 0 {
		c.Session.ProtocolVersion = uint32(v)
	}
	if v, ok := envInt("GITMESH_HANDSHAKE_TIMEOUT_MS"); ok && v > 0 {
		c.Session.HandshakeTimeout = Duration{time.Duration(v) * time.Millisecond}
	}
	if v, ok := envInt("GITMESH_PING_INTERVAL_MS"); ok && v > 0 {
		c.Session.PingInterval = Duration{time.Duration(v) * time.Millisecond}
	}
	if v, ok := envString("GITMESH_ADDRBOOK_BACKEND"); ok {
		c.AddrBook.Backend = strings.ToLower(v)
	}
	if v, ok := envInt("GITMESH_ADDRBOOK_CAP"); ok && v > 0 {
		c.AddrBook.Cap = v
	}
	if v, ok := envList("GITMESH_ETCD_ENDPOINTS"); ok {
		c.Etcd.Endpoints = v
	}
	if v, ok := envString("GITMESH_ETCD_PREFIX"); ok {
		c.Etcd.Prefix = v
	}
}

// Validate reports every problem at once.
func (c Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}
	switch c.Transport {
	case TransportTCP, TransportQUIC:
	default:
		bad("transport %q", c.Transport)
	}
	if c.Peers.TargetOutbound <= 0 {
		bad("peers.target_outbound must be positive")
	}
	if c.Peers.MaxInbound <= 0 {
		bad("peers.max_inbound must be positive")
	}
	for _, s := range append(append([]string(nil), c.Peers.Seeds...), c.Peers.Connect...) {
		if _, err := addrbook.ParseAddress(s); err != nil {
			bad("peer address %q: %v", s, err)
		}
	}
	if c.Session.ProtocolVersion == 0 {
		bad("session.protocol_version must be set")
	}
	if c.Session.HandshakeTimeout.Duration <= 0 || c.Session.PingInterval.Duration <= 0 {
		bad("session timeouts must be positive")
	}
	switch c.Tracking.Policy {
	case PolicyAll, PolicyAllowlist:
	default:
		bad("tracking.policy %q", c.Tracking.Policy)
	}
	if _, err := c.repos(); err != nil {
		bad("%v", err)
	}
	switch c.AddrBook.Backend {
	case BackendMemory, BackendFile, BackendSQLite:
	default:
		bad("addrbook.backend %q", c.AddrBook.Backend)
	}
	if len(c.Etcd.Endpoints) > 0 && c.Etcd.LeaseTTL.Duration < time.Second {
		bad("etcd.lease_ttl must be at least 1s")
	}
	return errors.Join(errs...)
}

func (c Config) repos() ([]crypto.RepoID, error) {
	out := make([]crypto.RepoID, 0, len(c.Tracking.Repos))
	for _, raw := range c.Tracking.Repos {
		id, err := crypto.ParseRepoID(raw)
		if err != nil {
			return nil, fmt.Errorf("tracking repo %q: %w", raw, err)
		}
		out = append(out, id)
	}
	return out, nil
}

// Policy builds the tracking policy the engine enforces.
func (c Config) Policy() (*inventory.Policy, error) {
	repos, err := c.repos()
	if err != nil {
		return nil, err
	}
	if c.Tracking.Policy == PolicyAllowlist {
		return inventory.AllowOnly(repos...), nil
	}
	return inventory.TrackAllExcept(repos...), nil
}

// Track edits the tracking section so repo is replicated. It reports
// whether anything changed.
func (c *Config) Track(repo crypto.RepoID) bool {
	if c.Tracking.Policy == PolicyAllowlist {
		return c.addRepo(repo)
	}
	return c.removeRepo(repo)
}

// Untrack is the inverse of Track.
func (c *Config) Untrack(repo crypto.RepoID) bool {
	if c.Tracking.Policy == PolicyAllowlist {
		return c.removeRepo(repo)
	}
	return c.addRepo(repo)
}

func (c *Config) addRepo(repo crypto.RepoID) bool {
	s := repo.String()
	for _, r := range c.Tracking.Repos {
		if r == s {
			return false
		}
	}
	c.Tracking.Repos = append(c.Tracking.Repos, s)
	sort.Strings(c.Tracking.Repos)
	return true
}

func (c *Config) removeRepo(repo crypto.RepoID) bool {
	s := repo.String()
	for i, r := range c.Tracking.Repos {
		if r == s {
			c.Tracking.Repos = append(c.Tracking.Repos[:i], c.Tracking.Repos[i+1:]...)
			return true
		}
	}
	return false
}

// ServiceConfig maps the file onto the service's settings.
func (c Config) ServiceConfig(home string) service.Config {
	return service.Config{
		Listen:         c.Listen,
		Advertise:      c.Advertise,
		GitURL:         c.GitURL,
		TargetOutbound: c.Peers.TargetOutbound,
		MaxInbound:     c.Peers.MaxInbound,
		Seeds:          c.Peers.Seeds,
		Connect:        c.Peers.Connect,
		SnapshotPath:   SnapshotPath(home),
		Session: node.Config{
			Version:          c.Session.ProtocolVersion,
			HandshakeTimeout: c.Session.HandshakeTimeout.Duration,
			PingInterval:     c.Session.PingInterval.Duration,
		},
	}
}

// StorageRoot resolves the repository directory against home.
func (c Config) StorageRoot(home string) string {
	if filepath.IsAbs(c.Storage.Root) {
		return c.Storage.Root
	}
	return filepath.Join(home, c.Storage.Root)
}

func SnapshotPath(home string) string { return filepath.Join(home, "metrics.json") }

// AddrBookPath is the store file for the configured backend, empty for
// memory.
func (c Config) AddrBookPath(home string) string {
	switch c.AddrBook.Backend {
	case BackendFile:
		return filepath.Join(home, "addrbook.jsonl")
	case BackendSQLite:
		return filepath.Join(home, "addrbook.db")
	default:
		return ""
	}
}

// OpenAddrBook opens the book on the configured backend.
func (c Config) OpenAddrBook(home string) (*addrbook.Book, error) {
	var st addrbook.Store
	switch c.AddrBook.Backend {
	case BackendFile:
		fs, err := addrbook.NewFileStore(c.AddrBookPath(home))
		if err != nil {
			return nil, err
		}
		st = fs
	case BackendSQLite:
		db, err := addrbook.OpenSQLite(c.AddrBookPath(home))
		if err != nil {
			return nil, err
		}
		st = db
	default:
		st = addrbook.NewMemoryStore()
	}
	return addrbook.Open(addrbook.Options{Cap: c.AddrBook.Cap, Store: st})
}
