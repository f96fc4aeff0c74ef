package fanout

import (
	"testing"
	"time"

	"github.com/cuongbtq/charisma-jobs/internal/domain"
	"github.com/stretchr/testify/assert"
)

func TestRing(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	at := func(i int) time.Time { return base.Add(time.Duration(i) * time.Second) }

	r := newRing(3)
	assert.Empty(t, r.since(time.Time{}))

	for i := 1; i <= 5; i++ {
		r.push(domain.Update{JobID: "j", Timestamp: at(i)})
	}

	assert.Equal(t, 3, r.len())

	got := r.since(time.Time{})
	assert.Equal(t, []time.Time{at(3), at(4), at(5)}, []time.Time{got[0].Timestamp, got[1].Timestamp, got[2].Timestamp})

	got = r.since(at(4))
	assert.Len(t, got, 1)
	assert.Equal(t, at(5), got[0].Timestamp)

	assert.Empty(t, r.since(at(5)))
	assert.Equal(t, at(5), r.lastWrite)
}

func TestRing_MinimumCapacity(t *testing.T) {
	r := newRing(0)
	r.push(domain.Update{JobID: "a", Timestamp: time.Unix(1, 0)})
	r.push(domain.Update{JobID: "b", Timestamp: time.Unix(2, 0)})

	got := r.since(time.Time{})
	assert.Len(t, got, 1)
	assert.Equal(t, "b", got[0].JobID)
}
