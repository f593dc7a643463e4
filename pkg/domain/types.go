package domain

import "time"

type BookStatus string

const (
	StatusProcessing BookStatus = "processing"
	StatusReady      BookStatus = "ready"
	StatusFailed     BookStatus = "failed"
)

type AccessLevel string

const (
	AccessOwner     AccessLevel = "owner"
	AccessPurchased AccessLevel = "purchased"
)

// Book tracks one uploaded document through its processing lifecycle.
// FileHash is set exactly when Status is StatusReady.
type Book struct {
	ID           string     `json:"id"`
	OwnerID      string     `json:"ownerId,omitempty"`
	Title        string     `json:"title"`
	FileHash     string     `json:"fileHash,omitempty"`
	Status       BookStatus `json:"status"`
	ErrorMessage string     `json:"errorMessage,omitempty"`
	IsOfficial   bool       `json:"isOfficial"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
}

// Persona is the synthesized voice the assistant adopts for one book.
type Persona struct {
	ID           string    `json:"id"`
	BookID       string    `json:"bookId"`
	RoleName     string    `json:"roleName"`
	SystemPrompt string    `json:"systemPrompt"`
	CreatedAt    time.Time `json:"createdAt"`
}

// ChatMessage is one row of the append-only chat log.
type ChatMessage struct {
	ID        string    `json:"id"`
	BookID    string    `json:"bookId"`
	UserID    string    `json:"userId,omitempty"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

// Chunk is the unit of indexed and retrieved text. HeaderPath records the
// heading hierarchy the text falls under, outermost first. FileHash ties the
// chunk to a content fingerprint rather than to a single book row, so
// byte-identical uploads share one chunk set.
type Chunk struct {
	Text       string   `json:"text"`
	HeaderPath []string `json:"headerPath"`
	FileHash   string   `json:"fileHash"`
}

type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	IsAdmin      bool      `json:"isAdmin"`
	CreatedAt    time.Time `json:"createdAt"`
}

// LibraryEntry links a user to a book they own or purchased.
type LibraryEntry struct {
	UserID      string      `json:"userId"`
	BookID      string      `json:"bookId"`
	AccessLevel AccessLevel `json:"accessLevel"`
	CreatedAt   time.Time   `json:"createdAt"`
}
