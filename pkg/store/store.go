package store

import "morphingbook/pkg/domain"

// Store defines persistence operations for books, personas, chat history,
// users, and library membership.
//
// SetReady and SetFailed are the only book mutators after creation; each run
// of the ingestion pipeline calls exactly one of them.
type Store interface {
	// books
	SaveBook(book domain.Book) error
	GetBook(id string) (domain.Book, bool, error)
	ListBooks() ([]domain.Book, error)
	ListBooksByOwner(ownerID string) ([]domain.Book, error)
	SetReady(id, fileHash string) error
	SetFailed(id, errMsg string) error
	CountBooksByFileHash(fileHash string) (int, error)
	DeleteBook(id string) error

	// personas
	SavePersona(persona domain.Persona) error
	GetPersonaByBook(bookID string) (domain.Persona, bool, error)

	// chat history (append-only)
	AppendMessage(msg domain.ChatMessage) error
	ListMessages(bookID string, limit int) ([]domain.ChatMessage, error)

	// users and library
	SaveUser(user domain.User) error
	GetUserByEmail(email string) (domain.User, bool, error)
	AddToLibrary(entry domain.LibraryEntry) error
	ListLibrary(userID string) ([]domain.LibraryEntry, error)
	RemoveFromLibrary(userID, bookID string) error
}
