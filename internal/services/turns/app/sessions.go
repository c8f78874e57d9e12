package app

import (
	"sync"

	"github.com/meterline/turnstile/internal/services/turns/relay"
)

// sessionKey identifies a live stream session within this process.
type sessionKey struct {
	conversationID string
	requestID      string
}

// sessionRegistry tracks in-flight relay sessions for best-effort cancel.
// It is process-local by design: cancellation only needs to reach a session
// hosted here, while turns orphaned on other instances fall to the
// reconciler's timeout sweep.
type sessionRegistry struct {
	mu       sync.Mutex
	sessions map[sessionKey]*relay.Session
}

func newSessionRegistry() *sessionRegistry {
	return &sessionRegistry{sessions: make(map[sessionKey]*relay.Session)}
}

func (r *sessionRegistry) add(conversationID, requestID string, session *relay.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[sessionKey{conversationID, requestID}] = session
}

func (r *sessionRegistry) remove(conversationID, requestID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, sessionKey{conversationID, requestID})
}

// cancel severs the named session's upstream connection. It reports whether
// a live session was found here.
func (r *sessionRegistry) cancel(conversationID, requestID string) bool {
	r.mu.Lock()
	session, ok := r.sessions[sessionKey{conversationID, requestID}]
	r.mu.Unlock()
	if !ok {
		return false
	}
	session.Cancel()
	return true
}
