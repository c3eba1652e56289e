package attendance

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// Store holds at most one live Session per course. Map operations touch a
// single key; all entry mutation happens under the owning session's lock, so
// unrelated courses never contend. Construct one Store at process start and
// share it between the Service and the Sweeper.
type Store struct {
	sessions sync.Map // courseID -> *Session
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{}
}

// Register inserts s as the live session of its course. A previous session
// for the course is closed and returned; its entries are discarded. The swap
// happens under the previous session's lock, so a check-in holding that
// session either completes before the replacement or observes it closed.
func (st *Store) Register(s *Session) *Session {
	for {
		v, ok := st.sessions.Load(s.CourseID)
		if !ok {
			if _, loaded := st.sessions.LoadOrStore(s.CourseID, s); !loaded {
				return nil
			}
			continue
		}
		old := v.(*Session)
		old.mu.Lock()
		swapped := st.sessions.CompareAndSwap(s.CourseID, old, s)
		if swapped {
			old.closed = true
		}
		old.mu.Unlock()
		if swapped {
			return old
		}
	}
}

// Get returns the live session of a course. The session's entries keep
// changing after Get returns; use Session.Entries for a consistent copy.
func (st *Store) Get(courseID string) (*Session, bool) {
	v, ok := st.sessions.Load(courseID)
	if !ok {
		return nil, false
	}
	return v.(*Session), true
}

// FindEntryByEmail returns a copy of the entry whose email matches,
// ignoring case.
func (st *Store) FindEntryByEmail(courseID, email string) (Entry, bool) {
	s, ok := st.Get(courseID)
	if !ok {
		return Entry{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if strings.EqualFold(e.Email, email) {
			return e.clone(), true
		}
	}
	return Entry{}, false
}

// RemoveIfExpired finalizes and evicts the course's session only when its
// window has elapsed at now. A session registered concurrently under the
// same course is never touched.
func (st *Store) RemoveIfExpired(courseID string, now time.Time) (*Session, bool) {
	return st.evict(courseID, func(s *Session) bool { return s.Expired(now) })
}

// Remove finalizes and evicts the course's session regardless of expiry.
func (st *Store) Remove(courseID string) (*Session, bool) {
	return st.evict(courseID, func(*Session) bool { return true })
}

func (st *Store) evict(courseID string, cond func(*Session) bool) (*Session, bool) {
	s, ok := st.Get(courseID)
	if !ok {
		return nil, false
	}
	s.mu.Lock()
	if s.closed || !cond(s) {
		s.mu.Unlock()
		return nil, false
	}
	s.finalize()
	s.mu.Unlock()

	st.sessions.CompareAndDelete(courseID, s)
	return s, true
}

// CourseIDs lists the courses with a registered session, sorted.
func (st *Store) CourseIDs() []string {
	var ids []string
	st.sessions.Range(func(k, _ any) bool {
		ids = append(ids, k.(string))
		return true
	})
	sort.Strings(ids)
	return ids
}

// Len returns the number of registered sessions.
func (st *Store) Len() int {
	n := 0
	st.sessions.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
