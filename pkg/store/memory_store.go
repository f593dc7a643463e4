package store

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"morphingbook/pkg/domain"
)

// MemoryStore keeps everything in-process. It backs tests and local runs
// without Postgres, behind the same Store interface production uses.
type MemoryStore struct {
	mu       sync.RWMutex
	books    map[string]domain.Book
	order    []string
	personas map[string]domain.Persona // key: book ID
	messages map[string][]domain.ChatMessage
	users    map[string]domain.User // key: user ID
	emails   map[string]string      // email -> user ID
	library  map[string][]domain.LibraryEntry
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		books:    make(map[string]domain.Book),
		personas: make(map[string]domain.Persona),
		messages: make(map[string][]domain.ChatMessage),
		users:    make(map[string]domain.User),
		emails:   make(map[string]string),
		library:  make(map[string][]domain.LibraryEntry),
	}
}

// SaveBook stores or replaces a book record and tracks insertion order.
func (m *MemoryStore) SaveBook(b domain.Book) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	if _, exists := m.books[b.ID]; !exists {
		m.order = append(m.order, b.ID)
	}
	m.books[b.ID] = b
	return nil
}

// GetBook retrieves a book.
func (m *MemoryStore) GetBook(id string) (domain.Book, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.books[id]
	return b, ok, nil
}

// ListBooks returns books in insertion order.
func (m *MemoryStore) ListBooks() ([]domain.Book, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Book, 0, len(m.order))
	for _, id := range m.order {
		if b, ok := m.books[id]; ok {
			res = append(res, b)
		}
	}
	return res, nil
}

// ListBooksByOwner returns books filtered by owner ID.
func (m *MemoryStore) ListBooksByOwner(ownerID string) ([]domain.Book, error) {
	all, _ := m.ListBooks()
	res := make([]domain.Book, 0, len(all))
	for _, b := range all {
		if b.OwnerID == ownerID {
			res = append(res, b)
		}
	}
	return res, nil
}

// SetReady marks a book ready with its fingerprint.
func (m *MemoryStore) SetReady(id, fileHash string) error {
	if strings.TrimSpace(fileHash) == "" {
		return fmt.Errorf("file hash required for ready transition")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.books[id]
	if !ok {
		return fmt.Errorf("book %s not found", id)
	}
	b.Status = domain.StatusReady
	b.FileHash = fileHash
	b.ErrorMessage = ""
	b.UpdatedAt = time.Now().UTC()
	m.books[id] = b
	return nil
}

// SetFailed marks a book failed.
func (m *MemoryStore) SetFailed(id, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.books[id]
	if !ok {
		return fmt.Errorf("book %s not found", id)
	}
	b.Status = domain.StatusFailed
	b.ErrorMessage = errMsg
	b.UpdatedAt = time.Now().UTC()
	m.books[id] = b
	return nil
}

// CountBooksByFileHash counts books referencing a fingerprint.
func (m *MemoryStore) CountBooksByFileHash(fileHash string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, b := range m.books {
		if b.FileHash == fileHash {
			count++
		}
	}
	return count, nil
}

// DeleteBook removes a book and its dependent records.
func (m *MemoryStore) DeleteBook(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.books, id)
	delete(m.personas, id)
	delete(m.messages, id)
	for userID, entries := range m.library {
		kept := entries[:0]
		for _, e := range entries {
			if e.BookID != id {
				kept = append(kept, e)
			}
		}
		m.library[userID] = kept
	}
	return nil
}

// SavePersona creates or replaces the persona for a book.
func (m *MemoryStore) SavePersona(p domain.Persona) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if existing, ok := m.personas[p.BookID]; ok {
		p.ID = existing.ID
		p.CreatedAt = existing.CreatedAt
	}
	m.personas[p.BookID] = p
	return nil
}

// GetPersonaByBook returns the persona for a book, if any.
func (m *MemoryStore) GetPersonaByBook(bookID string) (domain.Persona, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.personas[bookID]
	return p, ok, nil
}

// AppendMessage records a chat message.
func (m *MemoryStore) AppendMessage(msg domain.ChatMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	m.messages[msg.BookID] = append(m.messages[msg.BookID], msg)
	return nil
}

// ListMessages returns messages for a book in chronological order.
func (m *MemoryStore) ListMessages(bookID string, limit int) ([]domain.ChatMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	msgs := make([]domain.ChatMessage, len(m.messages[bookID]))
	copy(msgs, m.messages[bookID])
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
	})
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[:limit]
	}
	return msgs, nil
}

// SaveUser registers or updates a user.
func (m *MemoryStore) SaveUser(u domain.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	m.users[u.ID] = u
	m.emails[u.Email] = u.ID
	return nil
}

// GetUserByEmail looks up a user by email.
func (m *MemoryStore) GetUserByEmail(email string) (domain.User, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.emails[email]
	if !ok {
		return domain.User{}, false, nil
	}
	u, ok := m.users[id]
	return u, ok, nil
}

// AddToLibrary links a user to a book.
func (m *MemoryStore) AddToLibrary(entry domain.LibraryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries := m.library[entry.UserID]
	for i, e := range entries {
		if e.BookID == entry.BookID {
			entries[i].AccessLevel = entry.AccessLevel
			return nil
		}
	}
	m.library[entry.UserID] = append(entries, entry)
	return nil
}

// ListLibrary returns the library entries of a user.
func (m *MemoryStore) ListLibrary(userID string) ([]domain.LibraryEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entries := make([]domain.LibraryEntry, len(m.library[userID]))
	copy(entries, m.library[userID])
	return entries, nil
}

// RemoveFromLibrary unlinks a user from a book.
func (m *MemoryStore) RemoveFromLibrary(userID, bookID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries := m.library[userID]
	kept := entries[:0]
	for _, e := range entries {
		if e.BookID != bookID {
			kept = append(kept, e)
		}
	}
	m.library[userID] = kept
	return nil
}
