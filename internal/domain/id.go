package domain

import (
	"math/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

// NewRunID returns a lexically sortable run identifier for time t.
func NewRunID(t time.Time) string {
	entropy := ulid.Monotonic(rand.New(rand.NewSource(t.UnixNano())), 0)
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}
