package cache

import "fmt"

// Key identifies a cache entry: deployed unit, request fingerprint and,
// for session-scoped results, the session id.
type Key struct {
	Unit        string
	Fingerprint string
	Session     string
	Scoped      bool // Session is part of the key
}

// ComputeKey builds a key. A nil session yields a key shared across
// sessions; a non-nil one (even empty) yields a session-scoped key.
func ComputeKey(unit, fingerprint string, session *string) Key {
	k := Key{Unit: unit, Fingerprint: fingerprint}
	if session != nil {
		k.Session = *session
		k.Scoped = true
	}
	return k
}

func (k Key) String() string {
	if k.Scoped {
		return fmt.Sprintf("%s/%s@%s", k.Unit, shortFingerprint(k.Fingerprint), k.Session)
	}
	return fmt.Sprintf("%s/%s", k.Unit, shortFingerprint(k.Fingerprint))
}

func shortFingerprint(fp string) string {
	if len(fp) > 12 {
		return fp[:12]
	}
	return fp
}

// Scope declares whether a command's result depends on session context.
type Scope uint8

const (
	// ScopeUnknown means nothing is known; treated as session-scoped.
	ScopeUnknown Scope = iota
	// ScopeSession results depend on session attributes (e.g. row policies).
	ScopeSession
	// ScopeShared results are identical for every session.
	ScopeShared
)

func (s Scope) String() string {
	switch s {
	case ScopeSession:
		return "session"
	case ScopeShared:
		return "shared"
	default:
		return "unknown"
	}
}

// ParseScope parses the String form of a Scope.
func ParseScope(s string) (Scope, error) {
	switch s {
	case "", "unknown":
		return ScopeUnknown, nil
	case "session":
		return ScopeSession, nil
	case "shared":
		return ScopeShared, nil
	}
	return ScopeUnknown, fmt.Errorf("unknown cache scope %q", s)
}

// ResultSession returns the session component for a result-cache key.
// Only results declared shared omit the session.
func ResultSession(scope Scope, sessionID string) *string {
	if scope == ScopeShared {
		return nil
	}
	return &sessionID
}
