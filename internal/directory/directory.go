// Package directory implements the Directory Service: an LDAP-like entry
// store addressable by distinguished name and searchable by attribute,
// adapted from the teacher's generic repository-over-a-map pattern.
package directory

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/radek-zitek-cloud/iam-core/internal/apierr"
	"github.com/radek-zitek-cloud/iam-core/internal/models"
	"github.com/radek-zitek-cloud/iam-core/pkg/logger"
)

// Listener receives "entryCreated" / "entryUpdated" / "entryDeleted" events.
type Listener func(event string, payload map[string]interface{})

// Store owns the directory entries, keyed by distinguished name.
type Store struct {
	mu        sync.RWMutex
	entries   map[string]models.DirectoryEntry
	log       *logger.Logger
	listeners []Listener
}

// New constructs an empty Directory Service.
func New(log *logger.Logger) *Store {
	return &Store{entries: make(map[string]models.DirectoryEntry), log: log}
}

// OnEvent registers a listener.
func (s *Store) OnEvent(l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

func (s *Store) fire(event string, payload map[string]interface{}) {
	for _, l := range s.listeners {
		func() {
			defer s.log.ListenerPanic(event)
			l(event, payload)
		}()
	}
}

// Put creates or replaces an entry at the given distinguished name.
func (s *Store) Put(ctx context.Context, entry models.DirectoryEntry) error {
	if entry.DN == "" {
		return fmt.Errorf("put entry: %w", apierr.New(apierr.InvalidInput, "directory_entry", "dn is required"))
	}
	s.mu.Lock()
	_, existed := s.entries[entry.DN]
	s.entries[entry.DN] = entry.Clone()
	s.mu.Unlock()

	if existed {
		s.fire("entryUpdated", map[string]interface{}{"dn": entry.DN})
	} else {
		s.fire("entryCreated", map[string]interface{}{"dn": entry.DN})
	}
	return nil
}

// Get returns a defensive copy of the entry at dn.
func (s *Store) Get(ctx context.Context, dn string) (models.DirectoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[dn]
	if !ok {
		return models.DirectoryEntry{}, fmt.Errorf("get entry: %w", apierr.New(apierr.NotFound, "directory_entry", dn))
	}
	return e.Clone(), nil
}

// Delete removes the entry at dn.
func (s *Store) Delete(ctx context.Context, dn string) error {
	s.mu.Lock()
	_, ok := s.entries[dn]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("delete entry: %w", apierr.New(apierr.NotFound, "directory_entry", dn))
	}
	delete(s.entries, dn)
	s.mu.Unlock()

	s.fire("entryDeleted", map[string]interface{}{"dn": dn})
	return nil
}

// Search returns every entry whose DN is under baseDN (suffix match) and
// whose attribute values, converted to string, contain the given filter
// substring for the named attribute (empty attribute matches any attribute).
func (s *Store) Search(ctx context.Context, baseDN, attribute, filter string) []models.DirectoryEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.DirectoryEntry
	for dn, e := range s.entries {
		if baseDN != "" && !strings.HasSuffix(dn, baseDN) {
			continue
		}
		if filter == "" {
			out = append(out, e.Clone())
			continue
		}
		if matchesAttribute(e, attribute, filter) {
			out = append(out, e.Clone())
		}
	}
	return out
}

func matchesAttribute(e models.DirectoryEntry, attribute, filter string) bool {
	if attribute != "" {
		v, ok := e.Attributes[attribute]
		return ok && strings.Contains(fmt.Sprintf("%v", v), filter)
	}
	for _, v := range e.Attributes {
		if strings.Contains(fmt.Sprintf("%v", v), filter) {
			return true
		}
	}
	return false
}
