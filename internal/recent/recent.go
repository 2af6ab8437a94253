// Package recent keeps each session's last few searched cities, newest first.
package recent

import (
	"context"
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"
)

// MaxEntries is how many cities a session keeps.
const MaxEntries = 4

// Store records and lists recent searches per session.
type Store interface {
	Add(ctx context.Context, sessionID, city string) ([]string, error)
	List(ctx context.Context, sessionID string) ([]string, error)
	Clear(ctx context.Context, sessionID string) error
}

// Capitalize trims city and upper-cases its first letter, leaving the rest as typed.
func Capitalize(city string) string {
	city = strings.Join(strings.Fields(city), " ")
	r, size := utf8.DecodeRuneInString(city)
	if r == utf8.RuneError {
		return city
	}
	return string(unicode.ToUpper(r)) + city[size:]
}

func dedupeKey(city string) string {
	return strings.ToLower(city)
}

// MemoryStore keeps lists in process memory.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string][]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string][]string)}
}

// Add puts city at the front of the session's list, removing any earlier
// entry that differs only in case, and returns the updated list.
func (s *MemoryStore) Add(ctx context.Context, sessionID, city string) ([]string, error) {
	city = Capitalize(city)
	if city == "" {
		return s.List(ctx, sessionID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	list := make([]string, 0, MaxEntries)
	list = append(list, city)
	for _, c := range s.sessions[sessionID] {
		if dedupeKey(c) == dedupeKey(city) {
			continue
		}
		if len(list) == MaxEntries {
			break
		}
		list = append(list, c)
	}
	s.sessions[sessionID] = list
	return append([]string(nil), list...), nil
}

// List returns the session's cities, newest first. Unknown sessions yield an empty list.
func (s *MemoryStore) List(ctx context.Context, sessionID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string{}, s.sessions[sessionID]...), nil
}

// Clear forgets the session's list.
func (s *MemoryStore) Clear(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
	return nil
}
