package addrbook

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

const (
	DefaultCap            = 2048
	DefaultBackoffFloor   = 2 * time.Second
	DefaultBackoffCeiling = 5 * time.Minute
)

var (
	ErrUnknown = errors.New("unknown address")
	ErrFull    = errors.New("address book full")
)

type Outcome uint8

const (
	Success Outcome = iota
	Failure
)

func (o Outcome) String() string {
	if o == Success {
		return "success"
	}
	return "failure"
}

type Options struct {
	Cap     int
	Floor   time.Duration
	Ceiling time.Duration
	// Store persists every change. Nil keeps the book in memory.
	Store Store
}

// Book is owned by one goroutine and does not lock.
type Book struct {
	cap     int
	floor   time.Duration
	ceiling time.Duration
	store   Store
	addrs   map[string]*Address
	seq     uint64
}

// Open builds a book and loads whatever opts.Store holds.
func Open(opts Options) (*Book, error) {
	if opts.Cap <= 0 {
		opts.Cap = DefaultCap
	}
	if opts.Floor <= 0 {
		opts.Floor = DefaultBackoffFloor
	}
	if opts.Ceiling < opts.Floor {
		opts.Ceiling = DefaultBackoffCeiling
		if opts.Ceiling < opts.Floor {
			opts.Ceiling = opts.Floor
		}
	}
	if opts.Store == nil {
		opts.Store = NewMemoryStore()
	}
	b := &Book{
		cap:     opts.Cap,
		floor:   opts.Floor,
		ceiling: opts.Ceiling,
		store:   opts.Store,
		addrs:   make(map[string]*Address),
	}
	loaded, err := opts.Store.Load()
	if err != nil {
		return nil, fmt.Errorf("load address book: %w", err)
	}
	sort.Slice(loaded, func(i, j int) bool {
		if !loaded[i].Discovered.Equal(loaded[j].Discovered) {
			return loaded[i].Discovered.Before(loaded[j].Discovered)
		}
		return loaded[i].Key() < loaded[j].Key()
	})
	for _, a := range loaded {
		b.seq++
		a.seq = b.seq
		b.addrs[a.Key()] = &a
	}
	for len(b.addrs) > b.cap {
		key, ok := b.evict()
		if !ok {
			break
		}
		if err := b.store.Delete(key); err != nil {
			return nil, err
		}
	}
	return b, nil
}

// Backoff is the wait after the given number of consecutive failures:
// floor doubling per failure, capped at ceiling.
func Backoff(failures int, floor, ceiling time.Duration) time.Duration {
	d := floor
	for i := 1; i < failures && d < ceiling; i++ {
		d *= 2
	}
	if d > ceiling {
		d = ceiling
	}
	return d
}

// Observe merges a learned endpoint. Counters of a known entry are kept;
// the peer hint, persistence and a more trusted source are taken from a.
// It reports whether the book changed.
func (b *Book) Observe(a Address, now time.Time) (bool, error) {
	if a.Host == "" || a.Port == 0 {
		return false, fmt.Errorf("%w: %q", ErrBadAddress, a.Key())
	}
	key := a.Key()
	if cur, ok := b.addrs[key]; ok {
		changed := false
		if !a.Peer.IsZero() && cur.Peer != a.Peer {
			cur.Peer = a.Peer
			changed = true
		}
		if a.Source < cur.Source {
			cur.Source = a.Source
			changed = true
		}
		if a.Persistent && !cur.Persistent {
			cur.Persistent = true
			changed = true
		}
		if !changed {
			return false, nil
		}
		return true, b.store.Save(*cur)
	}
	if len(b.addrs) >= b.cap {
		victim, ok := b.evict()
		if !ok {
			return false, ErrFull
		}
		if err := b.store.Delete(victim); err != nil {
			return false, err
		}
	}
	fresh := Address{
		Host:       a.Host,
		Port:       a.Port,
		Peer:       a.Peer,
		Source:     a.Source,
		Persistent: a.Persistent,
		Discovered: now,
	}
	b.seq++
	fresh.seq = b.seq
	b.addrs[key] = &fresh
	return true, b.store.Save(fresh)
}

// evict drops the least valuable non-persistent entry: oldest last success
// first, never-succeeded counting as oldest; then the most failures; then
// the earliest discovered.
func (b *Book) evict() (string, bool) {
	var victim *Address
	for _, a := range b.addrs {
		if a.Persistent {
			continue
		}
		if victim == nil || evictBefore(a, victim) {
			victim = a
		}
	}
	if victim == nil {
		return "", false
	}
	key := victim.Key()
	delete(b.addrs, key)
	return key, true
}

func evictBefore(a, b *Address) bool {
	if !a.LastSuccess.Equal(b.LastSuccess) {
		return a.LastSuccess.Before(b.LastSuccess)
	}
	if a.Failures != b.Failures {
		return a.Failures > b.Failures
	}
	return a.seq < b.seq
}

// RecordAttempt notes that a dial to key started.
func (b *Book) RecordAttempt(key string, now time.Time) error {
	a, ok := b.addrs[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknown, key)
	}
	a.Attempts++
	a.LastAttempt = now
	return b.store.Save(*a)
}

// RecordOutcome updates backoff. A failure pushes BackoffUntil out by the
// next step; a success resets it to the floor.
func (b *Book) RecordOutcome(key string, o Outcome, now time.Time) error {
	a, ok := b.addrs[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknown, key)
	}
	switch o {
	case Success:
		a.LastSuccess = now
		a.Failures = 0
		a.BackoffUntil = now.Add(b.floor)
	case Failure:
		a.Failures++
		a.BackoffUntil = now.Add(Backoff(a.Failures, b.floor, b.ceiling))
	}
	return b.store.Save(*a)
}

// NextCandidates returns up to n addresses outside their backoff window,
// earliest BackoffUntil first, then most recent success, then key. skip may
// exclude addresses that are already connected or being dialed.
func (b *Book) NextCandidates(n int, now time.Time, skip func(Address) bool) []Address {
	var out []Address
	for _, a := range b.addrs {
		if now.Before(a.BackoffUntil) {
			continue
		}
		if skip != nil && skip(*a) {
			continue
		}
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].BackoffUntil.Equal(out[j].BackoffUntil) {
			return out[i].BackoffUntil.Before(out[j].BackoffUntil)
		}
		if !out[i].LastSuccess.Equal(out[j].LastSuccess) {
			return out[i].LastSuccess.After(out[j].LastSuccess)
		}
		return out[i].Key() < out[j].Key()
	})
	if n >= 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

// Persistent lists configured addresses that are due for a dial.
func (b *Book) Persistent(now time.Time) []Address {
	var out []Address
	for _, a := range b.addrs {
		if a.Persistent && !now.Before(a.BackoffUntil) {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

func (b *Book) Get(key string) (Address, bool) {
	a, ok := b.addrs[key]
	if !ok {
		return Address{}, false
	}
	return *a, true
}

// List returns every address ordered by key.
func (b *Book) List() []Address {
	out := make([]Address, 0, len(b.addrs))
	for _, a := range b.addrs {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

func (b *Book) Len() int { return len(b.addrs) }

func (b *Book) Floor() time.Duration { return b.floor }

func (b *Book) Close() error { return b.store.Close() }
