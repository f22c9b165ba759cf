// Package memory is an in-process LRU of recently seen webhook events.
package memory

import (
	"container/list"
	"context"
	"sync"
	"time"

	"yookassa/internal/repository/inbox_repo"
)

type entry struct {
	id      string
	expires time.Time
}

// Deduplicator keeps at most size ids, each for ttl. The oldest claim is
// evicted first when the bound is hit.
type Deduplicator struct {
	mu    sync.Mutex
	ttl   time.Duration
	size  int
	order *list.List
	items map[string]*list.Element
	now   func() time.Time
}

var _ inbox_repo.Deduplicator = (*Deduplicator)(nil)

func New(ttl time.Duration, size int) *Deduplicator {
	if ttl <= 0 {
		ttl = inbox_repo.DefaultTTL
	}
	if size <= 0 {
		size = inbox_repo.DefaultSize
	}
	return &Deduplicator{
		ttl:   ttl,
		size:  size,
		order: list.New(),
		items: make(map[string]*list.Element),
		now:   time.Now,
	}
}

func (d *Deduplicator) Claim(_ context.Context, id string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	d.expireLocked(now)

	if _, ok := d.items[id]; ok {
		return false, nil
	}
	d.items[id] = d.order.PushFront(&entry{id: id, expires: now.Add(d.ttl)})
	for d.order.Len() > d.size {
		d.removeLocked(d.order.Back())
	}
	return true, nil
}

func (d *Deduplicator) Release(_ context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if el, ok := d.items[id]; ok {
		d.removeLocked(el)
	}
	return nil
}

func (d *Deduplicator) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.order.Len()
}

// expireLocked drops entries from the back while they are past their deadline;
// all entries share one ttl so the list is ordered by expiry.
func (d *Deduplicator) expireLocked(now time.Time) {
	for el := d.order.Back(); el != nil; el = d.order.Back() {
		if now.Before(el.Value.(*entry).expires) {
			return
		}
		d.removeLocked(el)
	}
}

func (d *Deduplicator) removeLocked(el *list.Element) {
	d.order.Remove(el)
	delete(d.items, el.Value.(*entry).id)
}
