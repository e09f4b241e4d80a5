package heartbeat

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestExponentialBackoff(t *testing.T) {
	b := &ExponentialBackoff{InitialDelay: 5 * time.Second, MaxDelay: 2 * time.Minute, Multiplier: 2}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 5 * time.Second},
		{1, 10 * time.Second},
		{2, 20 * time.Second},
		{3, 40 * time.Second},
		{4, 80 * time.Second},
		{5, 2 * time.Minute},
		{50, 2 * time.Minute},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, b.NextRetry(tt.attempt), "attempt %d", tt.attempt)
	}
}
