package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffSchedule(t *testing.T) {
	assert.Equal(t, 60*time.Second, Backoff(1))
	assert.Equal(t, 5*time.Minute, Backoff(2))
	assert.Equal(t, 15*time.Minute, Backoff(3))
	// Beyond the table, the schedule holds at its last (longest) entry
	// rather than growing unbounded or panicking on index out of range.
	assert.Equal(t, 15*time.Minute, Backoff(10))
	assert.Equal(t, 60*time.Second, Backoff(0))
}
