package store

import "time"

// GORM models used for persistence.
type BookModel struct {
	ID           string  `gorm:"primaryKey"`
	OwnerID      string  `gorm:"index"`
	Title        string  `gorm:"not null"`
	FileHash     *string `gorm:"uniqueIndex"`
	Status       string  `gorm:"not null"`
	ErrorMessage string
	IsOfficial   bool      `gorm:"not null;default:false"`
	CreatedAt    time.Time `gorm:"not null"`
	UpdatedAt    time.Time `gorm:"not null"`
}

type PersonaModel struct {
	ID           string    `gorm:"primaryKey"`
	BookID       string    `gorm:"uniqueIndex;not null"`
	RoleName     string    `gorm:"not null"`
	SystemPrompt string    `gorm:"type:text;not null"`
	CreatedAt    time.Time `gorm:"not null"`
}

type ChatMessageModel struct {
	ID        string `gorm:"primaryKey"`
	BookID    string `gorm:"not null;index"`
	UserID    string
	Role      string    `gorm:"not null"`
	Content   string    `gorm:"type:text;not null"`
	CreatedAt time.Time `gorm:"not null;index"`
}

type UserModel struct {
	ID           string    `gorm:"primaryKey"`
	Email        string    `gorm:"uniqueIndex;not null"`
	PasswordHash string    `gorm:"not null"`
	IsAdmin      bool      `gorm:"not null;default:false"`
	CreatedAt    time.Time `gorm:"not null"`
}

type UserLibraryModel struct {
	UserID      string    `gorm:"primaryKey"`
	BookID      string    `gorm:"primaryKey"`
	AccessLevel string    `gorm:"not null"`
	CreatedAt   time.Time `gorm:"not null"`
}
