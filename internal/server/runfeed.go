package server

import (
	"context"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/clubhouse/backend/internal/reconcile"
)

const (
	runFeedEventPass      = "reconcile-pass"
	runFeedEventHeartbeat = "heartbeat"
	runFeedBufferSize     = 16
)

// RunFeedMessage is one finished reconcile pass as seen by staff dashboards.
type RunFeedMessage struct {
	Result    reconcile.Result
	Elapsed   time.Duration
	Timestamp time.Time
}

// RunFeed fans finished passes out to connected staff streams. It satisfies
// reconcile.Observer; slow subscribers drop messages rather than block a pass.
type RunFeed struct {
	mu          sync.RWMutex
	subscribers map[int64]chan RunFeedMessage
	nextID      int64
	clock       func() time.Time
}

// NewRunFeed constructs an empty feed.
func NewRunFeed(clock func() time.Time) *RunFeed {
	if clock == nil {
		clock = time.Now
	}
	return &RunFeed{subscribers: make(map[int64]chan RunFeedMessage), clock: clock}
}

// Subscribe registers a stream that lives until ctx is done or the returned
// cleanup runs.
func (f *RunFeed) Subscribe(ctx context.Context) (<-chan RunFeedMessage, func()) {
	stream := make(chan RunFeedMessage, runFeedBufferSize)
	f.mu.Lock()
	f.nextID++
	id := f.nextID
	f.subscribers[id] = stream
	f.mu.Unlock()

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.subscribers, id)
			f.mu.Unlock()
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return stream, cleanup
}

// ObservePass publishes result to every subscriber.
func (f *RunFeed) ObservePass(result reconcile.Result, elapsed time.Duration) {
	message := RunFeedMessage{Result: result, Elapsed: elapsed, Timestamp: f.clock().UTC()}
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, stream := range f.subscribers {
		select {
		case stream <- message:
		default:
		}
	}
}

// Subscribers reports the number of connected streams.
func (f *RunFeed) Subscribers() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subscribers)
}
