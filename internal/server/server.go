package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"grimoire/internal/app"
	"grimoire/internal/auth"
	"grimoire/internal/imaging"
	"grimoire/internal/storage"
	"grimoire/internal/store"
	"grimoire/internal/util"
)

const defaultMaxUploadBytes = 10 * 1024 * 1024

// Config wires required dependencies for the HTTP server.
type Config struct {
	App      *app.App
	Sessions store.SessionStore
	// Uploads enables static serving of cover files when the filesystem
	// storage backend is active. Nil when MinIO serves the images itself.
	Uploads        *storage.FileStore
	MaxUploadBytes int64
}

// Server exposes the HTTP endpoints of the catalog API.
type Server struct {
	app            *app.App
	sessions       store.SessionStore
	uploads        *storage.FileStore
	mux            *http.ServeMux
	maxUploadBytes int64
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, errors.New("app is required")
	}
	if cfg.Sessions == nil {
		return nil, errors.New("session store is required")
	}
	maxUploadBytes := cfg.MaxUploadBytes
	if maxUploadBytes <= 0 {
		maxUploadBytes = defaultMaxUploadBytes
	}
	s := &Server{
		app:            cfg.App,
		sessions:       cfg.Sessions,
		uploads:        cfg.Uploads,
		mux:            http.NewServeMux(),
		maxUploadBytes: maxUploadBytes,
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler with the middleware chain applied.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog(util.WithSecurityHeaders(util.WithCORS(s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)

	// auth
	s.mux.HandleFunc("/api/auth/signup", s.handleSignup)
	s.mux.HandleFunc("/api/auth/login", s.handleLogin)
	s.mux.Handle("/api/auth/logout", s.authenticated(s.handleLogout))

	// books
	s.mux.HandleFunc("/api/books", s.handleBooks)
	s.mux.HandleFunc("/api/books/", s.handleBookSubtree)

	// static cover files for the filesystem storage backend
	if s.uploads != nil {
		prefix := s.uploads.Prefix() + "/"
		s.mux.Handle(prefix, http.StripPrefix(prefix, http.FileServer(http.Dir(s.uploads.Dir()))))
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// authHandler receives the identity extracted from the validated token.
type authHandler func(http.ResponseWriter, *http.Request, string)

func (s *Server) authenticated(next authHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "authentication invalid")
			return
		}
		userID, ok, err := s.sessions.GetUserIDByToken(token)
		if err != nil || !ok {
			writeError(w, http.StatusUnauthorized, "authentication invalid")
			return
		}
		next(w, r, userID)
	})
}

// auth handlers

type authRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (s *Server) handleSignup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req authRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if _, err := s.app.SignUp(req.Email, req.Password); err != nil {
		s.writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"message": "user created successfully"})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req authRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	user, err := s.app.Login(req.Email, req.Password)
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	token, err := s.sessions.NewSession(user.ID)
	if err != nil {
		s.writeAppError(w, fmt.Errorf("issue token: %w", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"userId": user.ID,
		"token":  token,
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request, _ string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	token, _ := bearerToken(r)
	if err := s.sessions.DeleteSession(token); err != nil {
		s.writeAppError(w, fmt.Errorf("revoke token: %w", err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// /api/books
func (s *Server) handleBooks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		books, err := s.app.ListBooks()
		if err != nil {
			s.writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, books)
	case http.MethodPost:
		s.authenticated(s.handleCreateBook).ServeHTTP(w, r)
	default:
		methodNotAllowed(w)
	}
}

// /api/books/bestrating, /api/books/{id}, /api/books/{id}/rating
func (s *Server) handleBookSubtree(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/books/")
	parts := strings.SplitN(path, "/", 2)
	id := parts[0]
	if id == "" {
		http.NotFound(w, r)
		return
	}

	if id == "bestrating" && len(parts) == 1 {
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		books, err := s.app.TopRatedBooks()
		if err != nil {
			s.writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, books)
		return
	}

	if len(parts) == 2 {
		if parts[1] != "rating" {
			http.NotFound(w, r)
			return
		}
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		s.authenticated(func(w http.ResponseWriter, r *http.Request, userID string) {
			s.handleAddRating(w, r, id, userID)
		}).ServeHTTP(w, r)
		return
	}

	switch r.Method {
	case http.MethodGet:
		book, err := s.app.GetBook(id)
		if err != nil {
			s.writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, book)
	case http.MethodPut:
		s.authenticated(func(w http.ResponseWriter, r *http.Request, userID string) {
			s.handleUpdateBook(w, r, id, userID)
		}).ServeHTTP(w, r)
	case http.MethodDelete:
		s.authenticated(func(w http.ResponseWriter, r *http.Request, userID string) {
			s.handleDeleteBook(w, r, id, userID)
		}).ServeHTTP(w, r)
	default:
		methodNotAllowed(w)
	}
}

// flexInt accepts a JSON number or a numeric string, the way the web
// clients have historically sent the year field.
type flexInt int

func (f *flexInt) UnmarshalJSON(data []byte) error {
	raw := strings.TrimSpace(string(data))
	if strings.HasPrefix(raw, `"`) {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		raw = strings.TrimSpace(str)
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fmt.Errorf("not an integer: %q", raw)
	}
	*f = flexInt(n)
	return nil
}

type bookPayload struct {
	Title  string  `json:"title"`
	Author string  `json:"author"`
	Year   flexInt `json:"year"`
	Genre  string  `json:"genre"`
}

type bookPatchPayload struct {
	Title  *string  `json:"title"`
	Author *string  `json:"author"`
	Year   *flexInt `json:"year"`
	Genre  *string  `json:"genre"`
}

type ratingRequest struct {
	UserID string  `json:"userId"`
	Rating flexInt `json:"rating"`
}

func (s *Server) handleCreateBook(w http.ResponseWriter, r *http.Request, userID string) {
	var payload bookPayload
	upload, err := s.decodeBookForm(w, r, &payload)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	book, err := s.app.CreateBook(r.Context(), userID, app.BookInput{
		Title:  payload.Title,
		Author: payload.Author,
		Year:   int(payload.Year),
		Genre:  payload.Genre,
	}, upload)
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, book)
}

func (s *Server) handleUpdateBook(w http.ResponseWriter, r *http.Request, id, userID string) {
	var payload bookPatchPayload
	upload, err := s.decodeBookForm(w, r, &payload)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	patch := app.BookPatch{
		Title:  payload.Title,
		Author: payload.Author,
		Genre:  payload.Genre,
	}
	if payload.Year != nil {
		year := int(*payload.Year)
		patch.Year = &year
	}
	book, err := s.app.UpdateBook(r.Context(), userID, id, patch, upload)
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, book)
}

func (s *Server) handleDeleteBook(w http.ResponseWriter, r *http.Request, id, userID string) {
	if err := s.app.DeleteBook(r.Context(), userID, id); err != nil {
		s.writeAppError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAddRating(w http.ResponseWriter, r *http.Request, id, userID string) {
	var req ratingRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	// The body's userId is accepted for wire compatibility but the verified
	// token subject is authoritative.
	book, err := s.app.AddRating(r.Context(), id, userID, int(req.Rating))
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, book)
}

// decodeBookForm reads the book payload from either a multipart form (field
// "book" plus optional "image" file) or a plain JSON body.
func (s *Server) decodeBookForm(w http.ResponseWriter, r *http.Request, payload any) (*app.ImageUpload, error) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)

	contentType := r.Header.Get("Content-Type")
	if !strings.HasPrefix(contentType, "multipart/form-data") {
		if err := json.NewDecoder(r.Body).Decode(payload); err != nil {
			return nil, errors.New("invalid JSON body")
		}
		return nil, nil
	}

	if err := r.ParseMultipartForm(s.maxUploadBytes); err != nil {
		return nil, errors.New("invalid form data")
	}
	raw := r.FormValue("book")
	if strings.TrimSpace(raw) == "" {
		return nil, errors.New("book field is required")
	}
	if err := json.Unmarshal([]byte(raw), payload); err != nil {
		return nil, fmt.Errorf("invalid book payload: %v", err)
	}

	file, header, err := r.FormFile("image")
	if err != nil {
		if errors.Is(err, http.ErrMissingFile) {
			return nil, nil
		}
		return nil, errors.New("invalid image upload")
	}
	defer file.Close()
	data, err := io.ReadAll(io.LimitReader(file, s.maxUploadBytes+1))
	if err != nil {
		return nil, errors.New("failed to read image upload")
	}
	if int64(len(data)) > s.maxUploadBytes {
		return nil, errors.New("image exceeds the upload size limit")
	}
	return &app.ImageUpload{
		Data:        data,
		ContentType: header.Header.Get("Content-Type"),
	}, nil
}

func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", false
	}
	return token, true
}

// writeAppError translates domain errors into the uniform error envelope.
func (s *Server) writeAppError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, app.ErrEmailAndPasswordRequired),
		errors.Is(err, app.ErrEmailAlreadyExists),
		errors.Is(err, app.ErrInvalidBook),
		errors.Is(err, app.ErrInvalidRating),
		errors.Is(err, app.ErrDuplicateRating),
		errors.Is(err, auth.ErrPasswordPolicy),
		errors.Is(err, imaging.ErrUnsupportedType):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, app.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, app.ErrForbidden):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, app.ErrBookNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		slog.Error("request failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type errorEnvelope struct {
	Success bool   `json:"success"`
	Status  int    `json:"status"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorEnvelope{Success: false, Status: status, Message: msg})
}
