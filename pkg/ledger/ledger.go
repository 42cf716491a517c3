// Package ledger keeps the results of rounds that have finished on this
// node, bounded by size and optionally by age.
package ledger

import (
	"container/list"
	"encoding/json"
	"sync"
	"time"
)

// Record describes a finalized round.
type Record struct {
	Round      string          `json:"round"`
	Kind       string          `json:"kind"`
	Initiator  bool            `json:"initiator"`
	Result     json.RawMessage `json:"result,omitempty"`
	FinishedAt time.Time       `json:"finished_at"`

	expireAt time.Time
}

func (r *Record) size() int { return len(r.Round) + len(r.Kind) + len(r.Result) }

// Store is an in-memory record set bounded by bytes, evicting least recently
// used records first. Records older than the TTL are dropped on access;
// a zero TTL keeps them until evicted.
type Store struct {
	mu   sync.RWMutex
	data map[string]*list.Element
	ll   *list.List
	used int
	cap  int
	ttl  time.Duration
	now  func() time.Time
}

func NewStore(capacityBytes int, ttl time.Duration) *Store {
	return &Store{
		data: make(map[string]*list.Element),
		ll:   list.New(),
		cap:  capacityBytes,
		ttl:  ttl,
		now:  time.Now,
	}
}

// Put stores rec under rec.Round, replacing any earlier record.
func (s *Store) Put(rec Record) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ttl > 0 {
		rec.expireAt = s.now().Add(s.ttl)
	}
	rec.Result = append(json.RawMessage(nil), rec.Result...)

	if el, ok := s.data[rec.Round]; ok {
		old := el.Value.(*Record)
		s.used -= old.size()
		*old = rec
		s.used += old.size()
		s.ll.MoveToFront(el)
	} else {
		r := &rec
		s.data[rec.Round] = s.ll.PushFront(r)
		s.used += r.size()
	}
	s.evictIfNeeded()
}

func (s *Store) Get(round string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	el, ok := s.data[round]
	if !ok {
		return Record{}, false
	}
	r := el.Value.(*Record)
	if !r.expireAt.IsZero() && s.now().After(r.expireAt) {
		s.removeElement(el)
		return Record{}, false
	}
	s.ll.MoveToFront(el)
	out := *r
	out.Result = append(json.RawMessage(nil), r.Result...)
	return out, true
}

func (s *Store) Delete(round string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if el, ok := s.data[round]; ok {
		s.removeElement(el)
		return true
	}
	return false
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

func (s *Store) evictIfNeeded() {
	for s.cap > 0 && s.used > s.cap && s.ll.Back() != nil {
		s.removeElement(s.ll.Back())
	}
}

func (s *Store) removeElement(el *list.Element) {
	r := el.Value.(*Record)
	delete(s.data, r.Round)
	s.used -= r.size()
	s.ll.Remove(el)
}
