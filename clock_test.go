package voltstream

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFakeClockTicker(t *testing.T) {
	clock := NewFakeClock(t0)
	ticker := clock.NewTicker(time.Second)
	defer ticker.Stop()

	clock.Advance(500 * time.Millisecond)
	select {
	case <-ticker.C():
		t.Fatal("ticker fired before its period")
	default:
	}

	clock.Advance(500 * time.Millisecond)
	select {
	case got := <-ticker.C():
		assert.True(t, got.Equal(t0.Add(time.Second)))
	default:
		t.Fatal("ticker did not fire")
	}

	clock.Set(t0.Add(time.Minute))
	assert.True(t, clock.Now().Equal(t0.Add(time.Minute)))
	select {
	case <-ticker.C():
	default:
		t.Fatal("ticker did not fire after Set")
	}
	select {
	case <-ticker.C():
		t.Fatal("missed ticks must be dropped")
	default:
	}
}

func TestRealClock(t *testing.T) {
	c := RealClock()
	before := time.Now()
	assert.False(t, c.Now().Before(before))
	ticker := c.NewTicker(time.Millisecond)
	defer ticker.Stop()
	<-ticker.C()
}
