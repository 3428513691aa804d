package circuitbreaker

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

// ---------------------------------------------------------------------------
// DefaultConfig / New
// ---------------------------------------------------------------------------

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 3, cfg.Threshold)
	assert.Equal(t, 60*time.Second, cfg.Cooldown)
	assert.Nil(t, cfg.OnOpen)
}

func TestNew_ValidatesConfig(t *testing.T) {
	tests := []struct {
		name          string
		cfg           *Config
		wantThreshold int
		wantCooldown  time.Duration
	}{
		{
			name:          "nil config uses defaults",
			cfg:           nil,
			wantThreshold: 3,
			wantCooldown:  60 * time.Second,
		},
		{
			name:          "zero values corrected to defaults",
			cfg:           &Config{Threshold: 0, Cooldown: -1},
			wantThreshold: 3,
			wantCooldown:  60 * time.Second,
		},
		{
			name:          "custom values preserved",
			cfg:           &Config{Threshold: 5, Cooldown: 10 * time.Second},
			wantThreshold: 5,
			wantCooldown:  10 * time.Second,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := New(tt.cfg, zap.NewNop())
			assert.Equal(t, tt.wantThreshold, b.config.Threshold)
			assert.Equal(t, tt.wantCooldown, b.config.Cooldown)
		})
	}
}

// ---------------------------------------------------------------------------
// Open / close behavior
// ---------------------------------------------------------------------------

func TestBreaker_OpensAtThreshold(t *testing.T) {
	b := New(&Config{Threshold: 3, Cooldown: time.Minute}, zap.NewNop())

	b.RecordFailure("openai")
	b.RecordFailure("openai")
	assert.False(t, b.IsOpen("openai"))

	b.RecordFailure("openai")
	assert.True(t, b.IsOpen("openai"))
}

func TestBreaker_SuccessResetsCounter(t *testing.T) {
	b := New(&Config{Threshold: 3, Cooldown: time.Minute}, zap.NewNop())

	b.RecordFailure("openai")
	b.RecordFailure("openai")
	b.RecordSuccess("openai")

	// The run of failures was interrupted, so two more do not open it.
	b.RecordFailure("openai")
	b.RecordFailure("openai")
	assert.False(t, b.IsOpen("openai"))

	b.RecordFailure("openai")
	assert.True(t, b.IsOpen("openai"))
}

func TestBreaker_ClosesAfterCooldown(t *testing.T) {
	b := New(&Config{Threshold: 1, Cooldown: 20 * time.Millisecond}, zap.NewNop())

	b.RecordFailure("openai")
	assert.True(t, b.IsOpen("openai"))

	time.Sleep(30 * time.Millisecond)
	assert.False(t, b.IsOpen("openai"))

	// Closing cleared the counter; re-opening needs a fresh run.
	assert.False(t, b.IsOpen("openai"))
	b.RecordFailure("openai")
	assert.True(t, b.IsOpen("openai"))
}

func TestBreaker_KeysAreIndependent(t *testing.T) {
	b := New(&Config{Threshold: 1, Cooldown: time.Minute}, zap.NewNop())

	b.RecordFailure("openai")
	assert.True(t, b.IsOpen("openai"))
	assert.False(t, b.IsOpen("anthropic"))
}

func TestBreaker_OnOpenCallback(t *testing.T) {
	var opened []string
	b := New(&Config{
		Threshold: 2,
		Cooldown:  time.Minute,
		OnOpen:    func(key string) { opened = append(opened, key) },
	}, zap.NewNop())

	b.RecordFailure("openai")
	b.RecordFailure("openai")
	b.RecordFailure("openai")

	assert.Equal(t, []string{"openai"}, opened)
}

func TestBreaker_ConcurrentAccess(t *testing.T) {
	b := New(&Config{Threshold: 3, Cooldown: time.Minute}, zap.NewNop())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			key := fmt.Sprintf("provider-%d", n%2)
			for j := 0; j < 100; j++ {
				b.RecordFailure(key)
				b.IsOpen(key)
				b.RecordSuccess(key)
			}
		}(i)
	}
	wg.Wait()
}
