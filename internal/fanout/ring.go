package fanout

import (
	"time"

	"github.com/cuongbtq/charisma-jobs/internal/domain"
)

// ring keeps the most recent updates, evicting the oldest when full
type ring struct {
	items     []domain.Update
	start     int
	size      int
	lastWrite time.Time
}

func newRing(capacity int) *ring {
	if capacity < 1 {
		capacity = 1
	}
	return &ring{items: make([]domain.Update, capacity)}
}

func (r *ring) push(u domain.Update) {
	capacity := len(r.items)
	if r.size < capacity {
		r.items[(r.start+r.size)%capacity] = u
		r.size++
	} else {
		r.items[r.start] = u
		r.start = (r.start + 1) % capacity
	}
	r.lastWrite = u.Timestamp
}

// since returns retained updates newer than t, oldest first
func (r *ring) since(t time.Time) []domain.Update {
	out := make([]domain.Update, 0, r.size)
	for i := 0; i < r.size; i++ {
		u := r.items[(r.start+i)%len(r.items)]
		if u.Timestamp.After(t) {
			out = append(out, u)
		}
	}
	return out
}

func (r *ring) len() int {
	return r.size
}
