package inventory

import (
	"container/list"

	"gitmesh/internal/crypto"
)

const DefaultKnownCap = 4096

// KnownSet is one peer's record of entry ids it already has, either because
// it sent them or because they were sent to it. Oldest ids fall out first
// once the cap is reached.
type KnownSet struct {
	cap   int
	hot   map[crypto.Digest]*list.Element
	order *list.List
}

func NewKnownSet(capacity int) *KnownSet {
	if capacity <= 0 {
		capacity = DefaultKnownCap
	}
	return &KnownSet{
		cap:   capacity,
		hot:   make(map[crypto.Digest]*list.Element),
		order: list.New(),
	}
}

func (k *KnownSet) Has(id crypto.Digest) bool {
	_, ok := k.hot[id]
	return ok
}

func (k *KnownSet) Add(id crypto.Digest) {
	if el, ok := k.hot[id]; ok {
		k.order.MoveToFront(el)
		return
	}
	if len(k.hot) >= k.cap {
		k.evict(len(k.hot) - k.cap + 1)
	}
	k.hot[id] = k.order.PushFront(id)
}

func (k *KnownSet) Len() int { return len(k.hot) }

func (k *KnownSet) evict(n int) {
	for n > 0 {
		el := k.order.Back()
		if el == nil {
			return
		}
		delete(k.hot, el.Value.(crypto.Digest))
		k.order.Remove(el)
		n--
	}
}
