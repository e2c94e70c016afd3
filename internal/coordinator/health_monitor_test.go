package coordinator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// TestNewHealthMonitor verifies that NewHealthMonitor keeps its settings.
func TestNewHealthMonitor(t *testing.T) {
	r := NewRegistry()
	monitor := NewHealthMonitor(r, 10*time.Second, 15*time.Second)
	defer monitor.Stop()

	assert.Same(t, r, monitor.registry)
	assert.Equal(t, 10*time.Second, monitor.interval)
	assert.Equal(t, 15*time.Second, monitor.timeout)
	assert.NotNil(t, monitor.ctx)
	assert.NotNil(t, monitor.cancel)
}

// TestHealthMonitorSweep verifies that only nodes silent for longer than the
// timeout are demoted, and that each demotion is reported once.
func TestHealthMonitorSweep(t *testing.T) {
	clock := newFakeClock()
	r := NewRegistry()
	r.now = clock.Now
	r.Register(registration(1, 1))
	r.Register(registration(2, 1))

	monitor := NewHealthMonitor(r, time.Second, 15*time.Second)
	defer monitor.Stop()

	var mu sync.Mutex
	var unhealthy []int
	notified := make(chan struct{}, 4)
	monitor.SetOnUnhealthy(func(id int) {
		mu.Lock()
		unhealthy = append(unhealthy, id)
		mu.Unlock()
		notified <- struct{}{}
	})

	clock.Advance(10 * time.Second)
	assert.Empty(t, monitor.Sweep())

	r.Heartbeat(2)
	clock.Advance(6 * time.Second)
	assert.Equal(t, []int{1}, monitor.Sweep())
	assert.Empty(t, monitor.Sweep(), "an inactive node is not demoted twice")

	select {
	case <-notified:
	case <-time.After(time.Second):
		t.Fatal("callback not invoked")
	}
	mu.Lock()
	assert.Equal(t, []int{1}, unhealthy)
	mu.Unlock()

	assert.False(t, active(&Coordinator{registry: r}, 1))
	assert.True(t, active(&Coordinator{registry: r}, 2))
}

// TestHealthMonitorStart verifies the periodic loop demotes a node that
// stops sending heartbeats while heartbeating nodes stay active.
func TestHealthMonitorStart(t *testing.T) {
	r := NewRegistry()
	r.Register(registration(1, 2))
	r.Register(registration(2, 2))

	monitor := NewHealthMonitor(r, 20*time.Millisecond, 100*time.Millisecond)
	defer monitor.Stop()
	demoted := make(chan int, 4)
	monitor.SetOnUnhealthy(func(id int) { demoted <- id })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go monitor.Start(ctx)

	stopBeats := make(chan struct{})
	go func() {
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.Heartbeat(2)
			case <-stopBeats:
				return
			}
		}
	}()
	defer close(stopBeats)

	select {
	case id := <-demoted:
		assert.Equal(t, 1, id)
	case <-time.After(2 * time.Second):
		t.Fatal("silent node was not demoted")
	}
	rec, _ := r.Node(2)
	assert.True(t, rec.Active())
}

// TestHealthMonitorStop verifies Stop returns once the loop has exited.
func TestHealthMonitorStop(t *testing.T) {
	monitor := NewHealthMonitor(NewRegistry(), 10*time.Millisecond, time.Second)

	done := make(chan struct{})
	go func() {
		monitor.Start(context.Background())
		close(done)
	}()
	time.Sleep(30 * time.Millisecond)
	monitor.Stop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Start did not return after Stop")
	}
}
