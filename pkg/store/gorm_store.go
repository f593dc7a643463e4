package store

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
	"morphingbook/pkg/domain"
)

const migrateLockID int64 = 84218421

// GormStore implements Store using GORM + Postgres.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB and runs auto-migrations.
func NewGormStore(dsn string) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, func(tx *gorm.DB) error {
		if err := tx.Exec("CREATE EXTENSION IF NOT EXISTS vector").Error; err != nil {
			return fmt.Errorf("create pgvector extension: %w", err)
		}
		if err := tx.AutoMigrate(&UserModel{}, &BookModel{}, &PersonaModel{}, &ChatMessageModel{}, &UserLibraryModel{}); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

// DB exposes the underlying connection so the vector index can share it.
func (s *GormStore) DB() *gorm.DB {
	return s.db
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// SaveBook stores or updates a book.
func (s *GormStore) SaveBook(b domain.Book) error {
	model := bookToModel(b)
	if model.ID == "" {
		model.ID = uuid.NewString()
	}
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"owner_id", "title", "is_official", "updated_at"}),
	}).Create(&model).Error
}

// GetBook retrieves a book.
func (s *GormStore) GetBook(id string) (domain.Book, bool, error) {
	var model BookModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.Book{}, false, nil
		}
		return domain.Book{}, false, err
	}
	return bookFromModel(model), true, nil
}

// ListBooks returns all books ordered by created_at.
func (s *GormStore) ListBooks() ([]domain.Book, error) {
	return s.listBooks("created_at ASC")
}

// ListBooksByOwner returns books filtered by owner.
func (s *GormStore) ListBooksByOwner(ownerID string) ([]domain.Book, error) {
	return s.listBooks("created_at ASC", "owner_id = ?", ownerID)
}

func (s *GormStore) listBooks(order string, conds ...any) ([]domain.Book, error) {
	var models []BookModel
	tx := s.db.Order(order)
	if len(conds) > 0 {
		tx = tx.Where(conds[0], conds[1:]...)
	}
	if err := tx.Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Book, 0, len(models))
	for _, m := range models {
		res = append(res, bookFromModel(m))
	}
	return res, nil
}

// SetReady marks a book ready and records its content fingerprint in the
// same single-row update, keeping the status/fingerprint invariant.
func (s *GormStore) SetReady(id, fileHash string) error {
	if strings.TrimSpace(fileHash) == "" {
		return fmt.Errorf("file hash required for ready transition")
	}
	return s.db.Model(&BookModel{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":        string(domain.StatusReady),
			"file_hash":     fileHash,
			"error_message": "",
			"updated_at":    time.Now().UTC(),
		}).Error
}

// SetFailed marks a book failed with a human-readable message.
func (s *GormStore) SetFailed(id, errMsg string) error {
	return s.db.Model(&BookModel{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":        string(domain.StatusFailed),
			"error_message": errMsg,
			"updated_at":    time.Now().UTC(),
		}).Error
}

// CountBooksByFileHash counts books that reference a fingerprint.
func (s *GormStore) CountBooksByFileHash(fileHash string) (int, error) {
	var count int64
	if err := s.db.Model(&BookModel{}).Where("file_hash = ?", fileHash).Count(&count).Error; err != nil {
		return 0, err
	}
	return int(count), nil
}

// DeleteBook removes a book with its persona, messages, and library rows.
// Indexed chunks are keyed by fingerprint and cleaned up by the caller when
// the last referencing book goes away.
func (s *GormStore) DeleteBook(id string) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&PersonaModel{}, "book_id = ?", id).Error; err != nil {
			return err
		}
		if err := tx.Delete(&ChatMessageModel{}, "book_id = ?", id).Error; err != nil {
			return err
		}
		if err := tx.Delete(&UserLibraryModel{}, "book_id = ?", id).Error; err != nil {
			return err
		}
		return tx.Delete(&BookModel{}, "id = ?", id).Error
	})
}

// SavePersona creates or replaces the persona for a book. Re-ingestion
// replaces the previous persona instead of violating the 1:1 constraint.
func (s *GormStore) SavePersona(p domain.Persona) error {
	model := personaToModel(p)
	if model.ID == "" {
		model.ID = uuid.NewString()
	}
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "book_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"role_name", "system_prompt"}),
	}).Create(&model).Error
}

// GetPersonaByBook returns the persona created for a book, if any.
func (s *GormStore) GetPersonaByBook(bookID string) (domain.Persona, bool, error) {
	var model PersonaModel
	if err := s.db.First(&model, "book_id = ?", bookID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.Persona{}, false, nil
		}
		return domain.Persona{}, false, err
	}
	return personaFromModel(model), true, nil
}

// AppendMessage records a chat message.
func (s *GormStore) AppendMessage(msg domain.ChatMessage) error {
	model := messageToModel(msg)
	if model.ID == "" {
		model.ID = uuid.NewString()
	}
	return s.db.Create(&model).Error
}

// ListMessages returns messages for a book in chronological order.
func (s *GormStore) ListMessages(bookID string, limit int) ([]domain.ChatMessage, error) {
	query := s.db.Where("book_id = ?", bookID).Order("created_at ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var models []ChatMessageModel
	if err := query.Find(&models).Error; err != nil {
		return nil, err
	}
	msgs := make([]domain.ChatMessage, 0, len(models))
	for _, m := range models {
		msgs = append(msgs, messageFromModel(m))
	}
	return msgs, nil
}

// SaveUser registers or updates a user.
func (s *GormStore) SaveUser(u domain.User) error {
	model := userToModel(u)
	if model.ID == "" {
		model.ID = uuid.NewString()
	}
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"email", "password_hash", "is_admin"}),
	}).Create(&model).Error
}

// GetUserByEmail looks up a user by email.
func (s *GormStore) GetUserByEmail(email string) (domain.User, bool, error) {
	var model UserModel
	if err := s.db.Where("email = ?", email).First(&model).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	return userFromModel(model), true, nil
}

// AddToLibrary links a user to a book.
func (s *GormStore) AddToLibrary(entry domain.LibraryEntry) error {
	model := libraryToModel(entry)
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "book_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"access_level"}),
	}).Create(&model).Error
}

// ListLibrary returns the library entries of a user.
func (s *GormStore) ListLibrary(userID string) ([]domain.LibraryEntry, error) {
	var models []UserLibraryModel
	if err := s.db.Where("user_id = ?", userID).Order("created_at ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	entries := make([]domain.LibraryEntry, 0, len(models))
	for _, m := range models {
		entries = append(entries, libraryFromModel(m))
	}
	return entries, nil
}

// RemoveFromLibrary unlinks a user from a book.
func (s *GormStore) RemoveFromLibrary(userID, bookID string) error {
	return s.db.Delete(&UserLibraryModel{}, "user_id = ? AND book_id = ?", userID, bookID).Error
}

func bookToModel(b domain.Book) BookModel {
	var fileHash *string
	if strings.TrimSpace(b.FileHash) != "" {
		value := b.FileHash
		fileHash = &value
	}
	return BookModel{
		ID:           b.ID,
		OwnerID:      b.OwnerID,
		Title:        b.Title,
		FileHash:     fileHash,
		Status:       string(b.Status),
		ErrorMessage: b.ErrorMessage,
		IsOfficial:   b.IsOfficial,
		CreatedAt:    b.CreatedAt,
		UpdatedAt:    b.UpdatedAt,
	}
}

func bookFromModel(m BookModel) domain.Book {
	fileHash := ""
	if m.FileHash != nil {
		fileHash = *m.FileHash
	}
	return domain.Book{
		ID:           m.ID,
		OwnerID:      m.OwnerID,
		Title:        m.Title,
		FileHash:     fileHash,
		Status:       domain.BookStatus(m.Status),
		ErrorMessage: m.ErrorMessage,
		IsOfficial:   m.IsOfficial,
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
	}
}

func personaToModel(p domain.Persona) PersonaModel {
	return PersonaModel{
		ID:           p.ID,
		BookID:       p.BookID,
		RoleName:     p.RoleName,
		SystemPrompt: p.SystemPrompt,
		CreatedAt:    p.CreatedAt,
	}
}

func personaFromModel(m PersonaModel) domain.Persona {
	return domain.Persona{
		ID:           m.ID,
		BookID:       m.BookID,
		RoleName:     m.RoleName,
		SystemPrompt: m.SystemPrompt,
		CreatedAt:    m.CreatedAt,
	}
}

func messageToModel(msg domain.ChatMessage) ChatMessageModel {
	return ChatMessageModel{
		ID:        msg.ID,
		BookID:    msg.BookID,
		UserID:    msg.UserID,
		Role:      msg.Role,
		Content:   msg.Content,
		CreatedAt: msg.CreatedAt,
	}
}

func messageFromModel(m ChatMessageModel) domain.ChatMessage {
	return domain.ChatMessage{
		ID:        m.ID,
		BookID:    m.BookID,
		UserID:    m.UserID,
		Role:      m.Role,
		Content:   m.Content,
		CreatedAt: m.CreatedAt,
	}
}

func userToModel(u domain.User) UserModel {
	return UserModel{
		ID:           u.ID,
		Email:        u.Email,
		PasswordHash: u.PasswordHash,
		IsAdmin:      u.IsAdmin,
		CreatedAt:    u.CreatedAt,
	}
}

func userFromModel(m UserModel) domain.User {
	return domain.User{
		ID:           m.ID,
		Email:        m.Email,
		PasswordHash: m.PasswordHash,
		IsAdmin:      m.IsAdmin,
		CreatedAt:    m.CreatedAt,
	}
}

func libraryToModel(e domain.LibraryEntry) UserLibraryModel {
	level := e.AccessLevel
	if level == "" {
		level = domain.AccessPurchased
	}
	return UserLibraryModel{
		UserID:      e.UserID,
		BookID:      e.BookID,
		AccessLevel: string(level),
		CreatedAt:   e.CreatedAt,
	}
}

func libraryFromModel(m UserLibraryModel) domain.LibraryEntry {
	return domain.LibraryEntry{
		UserID:      m.UserID,
		BookID:      m.BookID,
		AccessLevel: domain.AccessLevel(m.AccessLevel),
		CreatedAt:   m.CreatedAt,
	}
}
