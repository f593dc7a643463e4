package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strings"

	"morphingbook/internal/chat"
	"morphingbook/internal/util"
	"morphingbook/pkg/domain"
	"morphingbook/pkg/index"
	"morphingbook/pkg/queue"
	"morphingbook/pkg/store"
)

const maxBodyBytes = 1 << 20
const defaultMessageLimit = 50

// ChatStreamer answers a question about a book through incremental deltas
// and lists past turns.
type ChatStreamer interface {
	Stream(ctx context.Context, bookID, userID, question string, onDelta func(string) error) error
	Messages(bookID string, limit int) ([]domain.ChatMessage, error)
}

// JobQueue enqueues processing requests and reports job status.
type JobQueue interface {
	Enqueue(ctx context.Context, bookID, bucket, path string) (queue.Job, error)
	GetJob(ctx context.Context, jobID string) (queue.Job, bool, error)
}

// Config wires required dependencies for the HTTP server.
type Config struct {
	Store  store.Store
	Queue  JobQueue
	Chat   ChatStreamer
	Index  index.VectorIndex
	Logger *slog.Logger
}

// Server exposes the book-processing and chat endpoints.
type Server struct {
	store  store.Store
	queue  JobQueue
	chat   ChatStreamer
	index  index.VectorIndex
	logger *slog.Logger
	mux    *http.ServeMux
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store required")
	}
	if cfg.Queue == nil {
		return nil, fmt.Errorf("queue required")
	}
	if cfg.Chat == nil {
		return nil, fmt.Errorf("chat service required")
	}
	if cfg.Index == nil {
		return nil, fmt.Errorf("vector index required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		store:  cfg.Store,
		queue:  cfg.Queue,
		chat:   cfg.Chat,
		index:  cfg.Index,
		logger: logger,
		mux:    http.NewServeMux(),
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithCORS(s.mux)
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)
	s.mux.HandleFunc("/api/v1/books/process-book", s.handleProcessBook)
	s.mux.HandleFunc("/api/v1/books", s.handleBooks)
	s.mux.HandleFunc("/api/v1/books/", s.handleBookByID)
	s.mux.HandleFunc("/api/v1/jobs/", s.handleJobByID)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type processRequest struct {
	BookID     string `json:"bookId"`
	BucketName string `json:"bucketName"`
	FilePath   string `json:"filePath"`
}

// handleProcessBook accepts a processing trigger, ensures the book row
// exists, and enqueues a durable job. It answers 202 immediately; progress
// is visible through the jobs endpoint and the book's status.
func (s *Server) handleProcessBook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req processRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	req.BookID = strings.TrimSpace(req.BookID)
	req.BucketName = strings.TrimSpace(req.BucketName)
	req.FilePath = strings.TrimSpace(req.FilePath)
	if req.BookID == "" || req.BucketName == "" || req.FilePath == "" {
		writeError(w, http.StatusBadRequest, "bookId, bucketName and filePath are required")
		return
	}

	_, found, err := s.store.GetBook(req.BookID)
	if err != nil {
		s.logger.Error("load book", "bookId", req.BookID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !found {
		if err := s.store.SaveBook(domain.Book{
			ID:     req.BookID,
			Title:  strings.TrimSuffix(path.Base(req.FilePath), path.Ext(req.FilePath)),
			Status: domain.StatusProcessing,
		}); err != nil {
			s.logger.Error("create book", "bookId", req.BookID, "err", err)
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
	}

	job, err := s.queue.Enqueue(r.Context(), req.BookID, req.BucketName, req.FilePath)
	if err != nil {
		s.logger.Error("enqueue job", "bookId", req.BookID, "err", err)
		writeError(w, http.StatusInternalServerError, "failed to enqueue processing job")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"status": "processing",
		"jobId":  job.ID,
		"bookId": req.BookID,
	})
}

func (s *Server) handleBooks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	books, err := s.store.ListBooks()
	if err != nil {
		s.logger.Error("list books", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if books == nil {
		books = []domain.Book{}
	}
	writeJSON(w, http.StatusOK, books)
}

// handleBookByID dispatches /api/v1/books/{id}[/chat|/messages].
func (s *Server) handleBookByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/books/")
	parts := strings.SplitN(strings.Trim(rest, "/"), "/", 2)
	bookID := parts[0]
	if bookID == "" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	sub := ""
	if len(parts) == 2 {
		sub = parts[1]
	}
	switch sub {
	case "":
		switch r.Method {
		case http.MethodGet:
			s.handleGetBook(w, bookID)
		case http.MethodDelete:
			s.handleDeleteBook(w, r, bookID)
		default:
			methodNotAllowed(w)
		}
	case "chat":
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		s.handleChat(w, r, bookID)
	case "messages":
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		s.handleMessages(w, bookID)
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

func (s *Server) handleGetBook(w http.ResponseWriter, bookID string) {
	book, found, err := s.store.GetBook(bookID)
	if err != nil {
		s.logger.Error("load book", "bookId", bookID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "book not found")
		return
	}
	writeJSON(w, http.StatusOK, book)
}

// handleDeleteBook removes the book row and, when it held the last reference
// to its fingerprint, that fingerprint's vectors. Vector cleanup failure is
// logged rather than surfaced; the row deletion already succeeded.
func (s *Server) handleDeleteBook(w http.ResponseWriter, r *http.Request, bookID string) {
	book, found, err := s.store.GetBook(bookID)
	if err != nil {
		s.logger.Error("load book", "bookId", bookID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "book not found")
		return
	}
	if err := s.store.DeleteBook(bookID); err != nil {
		s.logger.Error("delete book", "bookId", bookID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if book.FileHash != "" {
		remaining, err := s.store.CountBooksByFileHash(book.FileHash)
		if err != nil {
			s.logger.Error("count fingerprint references", "fingerprint", book.FileHash, "err", err)
		} else if remaining == 0 {
			if err := s.index.DeleteByFingerprint(r.Context(), book.FileHash); err != nil {
				s.logger.Error("delete vectors", "fingerprint", book.FileHash, "err", err)
			}
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "bookId": bookID})
}

func (s *Server) handleMessages(w http.ResponseWriter, bookID string) {
	msgs, err := s.chat.Messages(bookID, defaultMessageLimit)
	if err != nil {
		s.logger.Error("list messages", "bookId", bookID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if msgs == nil {
		msgs = []domain.ChatMessage{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

type chatRequest struct {
	Message string `json:"message"`
	UserID  string `json:"userId"`
}

// handleChat streams the answer as Server-Sent Events. Errors before the
// first delta become normal JSON error responses; once streaming has begun
// they are delivered as a terminal error event instead.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request, bookID string) {
	var req chatRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	streamed := false
	onDelta := func(delta string) error {
		if delta == "" {
			return nil
		}
		if !streamed {
			startEventStream(w)
			streamed = true
		}
		if err := writeEvent(w, map[string]string{"content": delta}); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	err := s.chat.Stream(r.Context(), bookID, strings.TrimSpace(req.UserID), req.Message, onDelta)
	if err != nil {
		if !streamed {
			switch {
			case errors.Is(err, chat.ErrBookNotFound):
				writeError(w, http.StatusNotFound, "book not found")
			case errors.Is(err, chat.ErrBookNotReady):
				writeError(w, http.StatusConflict, err.Error())
			default:
				s.logger.Error("chat stream", "bookId", bookID, "err", err)
				writeError(w, http.StatusInternalServerError, "internal error")
			}
			return
		}
		s.logger.Error("chat stream interrupted", "bookId", bookID, "err", err)
		_ = writeEvent(w, map[string]string{"error": err.Error()})
		flusher.Flush()
		return
	}
	if !streamed {
		startEventStream(w)
	}
	_, _ = io.WriteString(w, "data: [DONE]\n\n")
	flusher.Flush()
}

func (s *Server) handleJobByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	jobID := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/v1/jobs/"), "/")
	if jobID == "" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	job, found, err := s.queue.GetJob(r.Context(), jobID)
	if err != nil {
		s.logger.Error("load job", "jobId", jobID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func startEventStream(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
}

func writeEvent(w http.ResponseWriter, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
