package ratelimit

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
)

var base = time.Date(2024, 3, 1, 9, 15, 0, 0, time.UTC)

func TestAcquire_Cooldown(t *testing.T) {
	l := New()
	p := Policy{Cooldown: 5 * time.Minute}

	ok, _ := l.Acquire("a", p, base)
	assert.True(t, ok)

	ok, d := l.Acquire("a", p, base.Add(time.Second))
	assert.False(t, ok)
	assert.Equal(t, DeniedCooldown, d)

	ok, _ = l.Acquire("a", p, base.Add(5*time.Minute+time.Second))
	assert.True(t, ok)
}

func TestAcquire_NoPolicyAlwaysAllows(t *testing.T) {
	l := New()
	for i := 0; i < 100; i++ {
		ok, _ := l.Acquire("a", Policy{}, base)
		assert.True(t, ok)
	}
	assert.Equal(t, 100, l.Snapshot("a", base).InWindow)
}

func TestAcquire_HourlyCapRollingWindow(t *testing.T) {
	l := New()
	p := Policy{MaxPerHour: 3}

	for i := 0; i < 3; i++ {
		ok, _ := l.Acquire("a", p, base.Add(time.Duration(i)*10*time.Minute))
		assert.True(t, ok)
	}

	ok, d := l.Acquire("a", p, base.Add(30*time.Minute))
	assert.False(t, ok)
	assert.Equal(t, DeniedHourlyCap, d)

	// the first trigger leaves the window after 60 minutes
	ok, _ = l.Acquire("a", p, base.Add(60*time.Minute+time.Second))
	assert.True(t, ok)

	ok, _ = l.Acquire("a", p, base.Add(61*time.Minute))
	assert.False(t, ok)
}

func TestAllowDoesNotRecord(t *testing.T) {
	l := New()
	p := Policy{Cooldown: time.Minute}

	assert.True(t, l.Allow("a", p, base))
	assert.True(t, l.Allow("a", p, base))

	l.Record("a", base)
	assert.False(t, l.Allow("a", p, base.Add(30*time.Second)))
}

func TestKeysAreIndependent(t *testing.T) {
	l := New()
	p := Policy{Cooldown: time.Hour, MaxPerHour: 1}

	ok, _ := l.Acquire("a", p, base)
	assert.True(t, ok)
	ok, _ = l.Acquire("b", p, base)
	assert.True(t, ok)
}

func TestForgetAndSeed(t *testing.T) {
	l := New()
	p := Policy{Cooldown: 10 * time.Minute}

	l.Seed("a", base)
	assert.False(t, l.Allow("a", p, base.Add(time.Minute)))

	l.Forget("a")
	assert.True(t, l.Allow("a", p, base.Add(time.Minute)))
	assert.Equal(t, Snapshot{}, l.Snapshot("missing", base))
}

func TestAcquire_ConcurrentSameKey(t *testing.T) {
	l := New()
	p := Policy{Cooldown: time.Minute, MaxPerHour: 10}

	var passed atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := l.Acquire("hot", p, base); ok {
				passed.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), passed.Load())
}

// Property: with MaxPerHour=N and no cooldown, any sequence of triggers inside
// one hour delivers exactly min(count, N).
func TestProperty_HourlyCap(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	properties.Property("N+1th trigger in a rolling hour is suppressed", prop.ForAll(
		func(maxPerHour, attempts int, stepSeconds int) bool {
			l := New()
			p := Policy{MaxPerHour: maxPerHour}

			passed := 0
			for i := 0; i < attempts; i++ {
				now := base.Add(time.Duration(i*stepSeconds) * time.Second)
				if ok, _ := l.Acquire("a", p, now); ok {
					passed++
				}
			}

			want := attempts
			if want > maxPerHour {
				want = maxPerHour
			}
			return passed == want
		},
		gen.IntRange(1, 10),
		gen.IntRange(1, 30),
		gen.IntRange(0, 120), // 30 attempts * 120s stays inside one hour
	))

	properties.Property("cooldown suppresses triggers closer than the cooldown", prop.ForAll(
		func(cooldownMinutes int, offsetSeconds int) bool {
			l := New()
			p := Policy{Cooldown: time.Duration(cooldownMinutes) * time.Minute}

			if ok, _ := l.Acquire("a", p, base); !ok {
				return false
			}
			next := base.Add(time.Duration(offsetSeconds) * time.Second)
			ok, _ := l.Acquire("a", p, next)
			return ok == (next.Sub(base) >= p.Cooldown)
		},
		gen.IntRange(1, 120),
		gen.IntRange(0, 3*3600),
	))

	properties.TestingRun(t)
}
