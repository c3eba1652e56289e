package attendance

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"rollcall/internal/otp"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, evt Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evt)
	return p.err
}

func (p *recordingPublisher) Events() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Event(nil), p.events...)
}

func (p *recordingPublisher) Count(typ EventType) int {
	n := 0
	for _, e := range p.Events() {
		if e.Type == typ {
			n++
		}
	}
	return n
}

type recordingDeliverer struct {
	mu        sync.Mutex
	delivered map[string]Delivery
	failFor   map[string]bool
}

func newRecordingDeliverer(failFor ...string) *recordingDeliverer {
	d := &recordingDeliverer{delivered: map[string]Delivery{}, failFor: map[string]bool{}}
	for _, id := range failFor {
		d.failFor[id] = true
	}
	return d
}

func (d *recordingDeliverer) Deliver(_ context.Context, del Delivery) error {
	if d.failFor[del.StudentID] {
		return errors.New("mailbox unavailable")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.delivered[del.StudentID] = del
	return nil
}

func (d *recordingDeliverer) Get(studentID string) (Delivery, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	del, ok := d.delivered[studentID]
	return del, ok
}

type fixture struct {
	clock     *testClock
	store     *Store
	publisher *recordingPublisher
	deliverer *recordingDeliverer
	service   *Service
}

func newFixture(t *testing.T, mutate ...func(*Options)) *fixture {
	t.Helper()
	f := &fixture{
		clock:     newTestClock(),
		store:     NewStore(),
		publisher: &recordingPublisher{},
		deliverer: newRecordingDeliverer(),
	}
	opts := Options{
		Secret:    "test-secret",
		Publisher: f.publisher,
		Deliverer: f.deliverer,
		Now:       f.clock.Now,
	}
	for _, m := range mutate {
		m(&opts)
	}
	if d, ok := opts.Deliverer.(*recordingDeliverer); ok {
		f.deliverer = d
	}
	f.service = NewService(f.store, otp.NewIssuer(6, f.clock.Now), opts)
	return f
}

func students(ids ...string) []Student {
	out := make([]Student, len(ids))
	for i, id := range ids {
		out[i] = Student{ID: id, Email: id + "@school.test", Name: "Student " + id}
	}
	return out
}

func entryFor(t *testing.T, s *Session, studentID string) Entry {
	t.Helper()
	for _, e := range s.Entries() {
		if e.StudentID == studentID {
			return e
		}
	}
	t.Fatalf("no entry for %s", studentID)
	return Entry{}
}
