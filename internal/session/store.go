package session

// Store is the durable persistence abstraction the daemon writes through.
// Save must be durable before it returns: a turn is not done from the
// caller's perspective until it is recoverable.
type Store interface {
	// Save durably writes the session journal and its index entry.
	Save(sess *Session) error

	// Load reads a session's full journal by id, returning ErrNotFound
	// when the index does not know the id.
	Load(id string) (*Session, error)

	// Contains reports whether the index knows the given session id.
	Contains(id string) bool

	// Recent returns up to limit summaries, most recently active first.
	Recent(limit int) []Summary

	// Count returns the number of indexed sessions.
	Count() int
}

var _ Store = (*JournalStore)(nil)
