package smtpd

import (
	"sync"

	"github.com/smtpgate/smtpgate/smtp"
)

// registry tracks every session currently between "spawned" and "session-ended callback fired". Its lock is never
// held while invoking a session method: Shutdown copies the set under the lock, releases it, then calls Quit on
// each entry, which avoids a deadlock against the session-ended callback that also needs the lock to remove
// itself.
type registry struct {
	mu       sync.Mutex
	sessions map[string]*smtp.Session
}

func newRegistry() *registry {
	return &registry{sessions: make(map[string]*smtp.Session)}
}

func (r *registry) add(s *smtp.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.SessionID()] = s
}

func (r *registry) remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

func (r *registry) snapshot() []*smtp.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*smtp.Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

func (r *registry) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
