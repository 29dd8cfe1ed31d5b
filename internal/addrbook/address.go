// Package addrbook tracks known peer endpoints, their connection history
// and the backoff that decides when each may be dialed again.
package addrbook

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"gitmesh/internal/crypto"
)

var ErrBadAddress = errors.New("bad address")

// Source is how an address was learned. Lower values are more trusted and
// win when the same endpoint is learned twice.
type Source uint8

const (
	SourceConfig Source = iota
	SourceSeed
	SourceInbound
)

func (s Source) String() string {
	switch s {
	case SourceConfig:
		return "config"
	case SourceSeed:
		return "seed"
	case SourceInbound:
		return "inbound"
	default:
		return fmt.Sprintf("source(%d)", uint8(s))
	}
}

func parseSource(s string) (Source, error) {
	switch s {
	case "config":
		return SourceConfig, nil
	case "seed":
		return SourceSeed, nil
	case "inbound":
		return SourceInbound, nil
	default:
		return 0, fmt.Errorf("%w: source %q", ErrBadAddress, s)
	}
}

// Address is one dialable endpoint and its outcome history.
type Address struct {
	Host string
	Port uint16
	// Peer is the identity expected at the endpoint, when known.
	Peer       crypto.PeerID
	Source     Source
	Persistent bool

	Discovered   time.Time
	LastSuccess  time.Time
	LastAttempt  time.Time
	Attempts     int
	Failures     int
	BackoffUntil time.Time

	seq uint64
}

func (a Address) Key() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(int(a.Port)))
}

func (a Address) String() string {
	if a.Peer.IsZero() {
		return a.Key()
	}
	return a.Peer.String() + "@" + a.Key()
}

// ParseAddress reads "host:port" or "peerid@host:port".
func ParseAddress(s string) (Address, error) {
	var a Address
	if at := strings.IndexByte(s, '@'); at >= 0 {
		id, err := crypto.ParsePeerID(s[:at])
		if err != nil {
			return a, fmt.Errorf("%w: %q: %v", ErrBadAddress, s, err)
		}
		a.Peer = id
		s = s[at+1:]
	}
	host, port, err := net.SplitHostPort(s)
	if err != nil {
		return a, fmt.Errorf("%w: %v", ErrBadAddress, err)
	}
	if host == "" {
		return a, fmt.Errorf("%w: %q: missing host", ErrBadAddress, s)
	}
	p, err := strconv.ParseUint(port, 10, 16)
	if err != nil || p == 0 {
		return a, fmt.Errorf("%w: %q: bad port", ErrBadAddress, s)
	}
	a.Host = host
	a.Port = uint16(p)
	return a, nil
}

// diskAddress is the persisted form, shared by every Store backend.
type diskAddress struct {
	Key          string `json:"key"`
	Host         string `json:"host,omitempty"`
	Port         uint16 `json:"port,omitempty"`
	Peer         string `json:"peer,omitempty"`
	Source       string `json:"source,omitempty"`
	Persistent   bool   `json:"persistent,omitempty"`
	Discovered   int64  `json:"discovered,omitempty"`
	LastSuccess  int64  `json:"last_success,omitempty"`
	LastAttempt  int64  `json:"last_attempt,omitempty"`
	Attempts     int    `json:"attempts,omitempty"`
	Failures     int    `json:"failures,omitempty"`
	BackoffUntil int64  `json:"backoff_until,omitempty"`
	Deleted      bool   `json:"deleted,omitempty"`
}

func unixMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMilli(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func toDisk(a Address) diskAddress {
	d := diskAddress{
		Key:          a.Key(),
		Host:         a.Host,
		Port:         a.Port,
		Source:       a.Source.String(),
		Persistent:   a.Persistent,
		Discovered:   unixMilli(a.Discovered),
		LastSuccess:  unixMilli(a.LastSuccess),
		LastAttempt:  unixMilli(a.LastAttempt),
		Attempts:     a.Attempts,
		Failures:     a.Failures,
		BackoffUntil: unixMilli(a.BackoffUntil),
	}
	if !a.Peer.IsZero() {
		d.Peer = a.Peer.String()
	}
	return d
}

func fromDisk(d diskAddress) (Address, error) {
	src, err := parseSource(d.Source)
	if err != nil {
		return Address{}, err
	}
	a := Address{
		Host:         d.Host,
		Port:         d.Port,
		Source:       src,
		Persistent:   d.Persistent,
		Discovered:   fromMilli(d.Discovered),
		LastSuccess:  fromMilli(d.LastSuccess),
		LastAttempt:  fromMilli(d.LastAttempt),
		Attempts:     d.Attempts,
		Failures:     d.Failures,
		BackoffUntil: fromMilli(d.BackoffUntil),
	}
	if d.Peer != "" {
		id, err := crypto.ParsePeerID(d.Peer)
		if err != nil {
			return a, err
		}
		a.Peer = id
	}
	if a.Host == "" || a.Port == 0 {
		return a, fmt.Errorf("%w: %q", ErrBadAddress, d.Key)
	}
	return a, nil
}
