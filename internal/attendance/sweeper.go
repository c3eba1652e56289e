package attendance

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"rollcall/internal/metrics"
)

// SweeperState is IDLE between ticks and SCANNING during one.
type SweeperState int32

const (
	SweeperIdle SweeperState = iota
	SweeperScanning
)

func (s SweeperState) String() string {
	if s == SweeperScanning {
		return "SCANNING"
	}
	return "IDLE"
}

var (
	ErrSweeperRunning    = errors.New("sweeper already running")
	ErrSweeperNotRunning = errors.New("sweeper not running")
)

// FinalizeFunc receives each session the sweeper expires, with its final
// roster. It runs outside every lock.
type FinalizeFunc func(ctx context.Context, sess *Session, roster []Entry) error

// Sweeper evicts expired sessions on a fixed interval. Tick may be called
// directly; Start schedules it.
type Sweeper struct {
	store      *Store
	publisher  Publisher
	metrics    *metrics.Metrics
	now        func() time.Time
	interval   time.Duration
	onFinalize FinalizeFunc

	state atomic.Int32

	mu   sync.Mutex
	cron *cron.Cron
	done chan struct{}
}

// SweeperOptions configures NewSweeper.
type SweeperOptions struct {
	Interval   time.Duration
	Publisher  Publisher
	Metrics    *metrics.Metrics
	Now        func() time.Time
	OnFinalize FinalizeFunc
}

// NewSweeper creates a sweeper over store.
func NewSweeper(store *Store, opts SweeperOptions) *Sweeper {
	if opts.Interval < time.Second {
		opts.Interval = time.Second
	}
	if opts.Publisher == nil {
		opts.Publisher = nopPublisher{}
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Sweeper{
		store:      store,
		publisher:  opts.Publisher,
		metrics:    opts.Metrics,
		now:        opts.Now,
		interval:   opts.Interval,
		onFinalize: opts.OnFinalize,
	}
}

// State reports whether a tick is in progress.
func (sw *Sweeper) State() SweeperState {
	return SweeperState(sw.state.Load())
}

// Running reports whether ticks are scheduled.
func (sw *Sweeper) Running() bool {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	return sw.cron != nil
}

// Tick runs one sweep and returns the number of sessions evicted. Each course
// is handled on its own; a failure in one never stops the others.
func (sw *Sweeper) Tick(ctx context.Context) int {
	sw.state.Store(int32(SweeperScanning))
	defer sw.state.Store(int32(SweeperIdle))

	start := time.Now()
	evicted := 0
	for _, courseID := range sw.store.CourseIDs() {
		if ctx.Err() != nil {
			break
		}
		ok, err := sw.sweepCourse(ctx, courseID)
		if err != nil {
			log.Printf("sweeper: course %s: %v", courseID, err)
		}
		if ok {
			evicted++
		}
	}
	sw.metrics.ObserveSweep(time.Since(start))
	sw.metrics.SetOpenSessions(sw.store.Len())
	return evicted
}

func (sw *Sweeper) sweepCourse(ctx context.Context, courseID string) (evicted bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	now := sw.now()
	sess, ok := sw.store.RemoveIfExpired(courseID, now)
	if !ok {
		return false, nil
	}
	roster := sess.Entries()
	sw.metrics.SessionClosed("expired")
	log.Printf("sweeper: expired session %s for course %s (%d entries)", sess.ID, courseID, len(roster))

	if perr := sw.publisher.Publish(ctx, Event{
		Type:      EventClosed,
		CourseID:  courseID,
		SessionID: sess.ID,
		At:        now,
	}); perr != nil {
		err = fmt.Errorf("publish closed: %w", perr)
	}
	if sw.onFinalize != nil {
		if ferr := sw.onFinalize(ctx, sess, roster); ferr != nil {
			err = errors.Join(err, fmt.Errorf("finalize: %w", ferr))
		}
	}
	return true, err
}

// Start schedules Tick every interval until ctx is cancelled or Stop is
// called. Overlapping ticks are skipped. Each run watches only its own ctx.
func (sw *Sweeper) Start(ctx context.Context) error {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	if sw.cron != nil {
		return ErrSweeperRunning
	}

	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", sw.interval), func() { sw.Tick(ctx) }); err != nil {
		return fmt.Errorf("schedule sweep: %w", err)
	}
	done := make(chan struct{})
	c.Start()
	sw.cron, sw.done = c, done
	log.Printf("sweeper: started, interval %s", sw.interval)

	go func() {
		select {
		case <-ctx.Done():
			_ = sw.stop(c)
		case <-done:
		}
	}()
	return nil
}

// Stop halts scheduling and waits for a running tick to finish.
func (sw *Sweeper) Stop() error {
	return sw.stop(nil)
}

// stop ends the current run. A non-nil run only stops if it is still the
// current one.
func (sw *Sweeper) stop(run *cron.Cron) error {
	sw.mu.Lock()
	c, done := sw.cron, sw.done
	if c == nil || (run != nil && run != c) {
		sw.mu.Unlock()
		return ErrSweeperNotRunning
	}
	sw.cron, sw.done = nil, nil
	sw.mu.Unlock()

	close(done)
	<-c.Stop().Done()
	log.Println("sweeper: stopped")
	return nil
}
