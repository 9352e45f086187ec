package app

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"net/url"
	"path"
	"strings"
	"time"

	"grimoire/internal/auth"
	"grimoire/internal/domain"
	"grimoire/internal/imaging"
	"grimoire/internal/storage"
	"grimoire/internal/store"
	"grimoire/internal/util"
)

const (
	defaultRatingMin     = 0
	defaultRatingMax     = 5
	defaultTopRatedLimit = 3
)

// Config holds collaborators and tunables for the core application.
type Config struct {
	Store   store.Store
	Objects storage.ObjectStore
	Images  *imaging.Processor

	RatingMin     int
	RatingMax     int
	TopRatedLimit int
}

// App wires the book catalog's domain operations: account management,
// book CRUD with ownership checks, cover intake, and rating aggregation.
type App struct {
	store   store.Store
	objects storage.ObjectStore
	images  *imaging.Processor

	ratingMin     int
	ratingMax     int
	topRatedLimit int
}

// New constructs the application.
func New(cfg Config) (*App, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if cfg.Objects == nil {
		return nil, fmt.Errorf("object store is required")
	}
	if cfg.Images == nil {
		cfg.Images = imaging.NewProcessor(0, 0, 0)
	}
	if cfg.RatingMax <= cfg.RatingMin {
		cfg.RatingMin = defaultRatingMin
		cfg.RatingMax = defaultRatingMax
	}
	if cfg.TopRatedLimit <= 0 {
		cfg.TopRatedLimit = defaultTopRatedLimit
	}
	return &App{
		store:         cfg.Store,
		objects:       cfg.Objects,
		images:        cfg.Images,
		ratingMin:     cfg.RatingMin,
		ratingMax:     cfg.RatingMax,
		topRatedLimit: cfg.TopRatedLimit,
	}, nil
}

// SignUp registers a new user.
func (a *App) SignUp(email, password string) (domain.User, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" || password == "" {
		return domain.User{}, ErrEmailAndPasswordRequired
	}
	if err := auth.ValidatePassword(password); err != nil {
		return domain.User{}, err
	}
	exists, err := a.store.HasUserEmail(email)
	if err != nil {
		return domain.User{}, fmt.Errorf("check email: %w", err)
	}
	if exists {
		return domain.User{}, ErrEmailAlreadyExists
	}
	passwordHash, err := auth.HashPassword(password)
	if err != nil {
		return domain.User{}, err
	}
	now := time.Now().UTC()
	user := domain.User{
		ID:           util.NewID(),
		Email:        email,
		PasswordHash: passwordHash,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := a.store.SaveUser(user); err != nil {
		return domain.User{}, fmt.Errorf("save user: %w", err)
	}
	return user, nil
}

// Login validates credentials and returns the account.
func (a *App) Login(email, password string) (domain.User, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" || password == "" {
		return domain.User{}, ErrEmailAndPasswordRequired
	}
	user, ok, err := a.store.GetUserByEmail(email)
	if err != nil {
		return domain.User{}, fmt.Errorf("fetch user: %w", err)
	}
	if !ok {
		return domain.User{}, ErrInvalidCredentials
	}
	if !auth.CheckPassword(password, user.PasswordHash) {
		return domain.User{}, ErrInvalidCredentials
	}
	return user, nil
}

// BookInput carries the fields a caller supplies when creating a book.
type BookInput struct {
	Title  string
	Author string
	Year   int
	Genre  string
}

// BookPatch carries the optional fields of a partial update. Nil means
// "leave untouched".
type BookPatch struct {
	Title  *string
	Author *string
	Year   *int
	Genre  *string
}

// ImageUpload is a validated multipart upload handed down from the server.
type ImageUpload struct {
	Data        []byte
	ContentType string
}

// CreateBook stores a new book owned by callerID, with an optional cover.
// Ratings always start empty; any client-supplied ratings or average are
// ignored so the derived value cannot be spoofed.
func (a *App) CreateBook(ctx context.Context, callerID string, in BookInput, image *ImageUpload) (domain.Book, error) {
	if err := validateBookInput(in); err != nil {
		return domain.Book{}, err
	}
	now := time.Now().UTC()
	book := domain.Book{
		ID:            util.NewID(),
		UserID:        callerID,
		Title:         strings.TrimSpace(in.Title),
		Author:        strings.TrimSpace(in.Author),
		Year:          in.Year,
		Genre:         strings.TrimSpace(in.Genre),
		Ratings:       []domain.Rating{},
		AverageRating: 0,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	var imageKey string
	if image != nil {
		key, err := a.storeImage(ctx, *image)
		if err != nil {
			return domain.Book{}, err
		}
		imageKey = key
		book.ImageURL = a.objects.URL(key)
	}
	if err := a.store.SaveBook(book); err != nil {
		// Compensating cleanup: the cover was stored before the record.
		if imageKey != "" {
			a.releaseImage(ctx, imageKey)
		}
		return domain.Book{}, fmt.Errorf("save book: %w", err)
	}
	return book, nil
}

// GetBook retrieves a book by ID.
func (a *App) GetBook(id string) (domain.Book, error) {
	book, ok, err := a.store.GetBook(id)
	if err != nil {
		return domain.Book{}, fmt.Errorf("fetch book: %w", err)
	}
	if !ok {
		return domain.Book{}, ErrBookNotFound
	}
	return book, nil
}

// ListBooks returns the whole catalog.
func (a *App) ListBooks() ([]domain.Book, error) {
	return a.store.ListBooks()
}

// TopRatedBooks returns the best-rated books, capped at the configured limit.
func (a *App) TopRatedBooks() ([]domain.Book, error) {
	return a.store.ListTopRated(a.topRatedLimit)
}

// UpdateBook merges the patch into the stored record after the ownership
// check. A new cover replaces and releases the previous one.
func (a *App) UpdateBook(ctx context.Context, callerID, id string, patch BookPatch, image *ImageUpload) (domain.Book, error) {
	book, err := a.authorizeOwner(id, callerID)
	if err != nil {
		return domain.Book{}, err
	}
	if patch.Title != nil {
		if strings.TrimSpace(*patch.Title) == "" {
			return domain.Book{}, fmt.Errorf("%w: title must not be empty", ErrInvalidBook)
		}
		book.Title = strings.TrimSpace(*patch.Title)
	}
	if patch.Author != nil {
		if strings.TrimSpace(*patch.Author) == "" {
			return domain.Book{}, fmt.Errorf("%w: author must not be empty", ErrInvalidBook)
		}
		book.Author = strings.TrimSpace(*patch.Author)
	}
	if patch.Year != nil {
		book.Year = *patch.Year
	}
	if patch.Genre != nil {
		if strings.TrimSpace(*patch.Genre) == "" {
			return domain.Book{}, fmt.Errorf("%w: genre must not be empty", ErrInvalidBook)
		}
		book.Genre = strings.TrimSpace(*patch.Genre)
	}

	oldImageURL := book.ImageURL
	var newImageKey string
	if image != nil {
		key, err := a.storeImage(ctx, *image)
		if err != nil {
			return domain.Book{}, err
		}
		newImageKey = key
		book.ImageURL = a.objects.URL(key)
	}
	book.UpdatedAt = time.Now().UTC()
	if err := a.store.SaveBook(book); err != nil {
		if newImageKey != "" {
			a.releaseImage(ctx, newImageKey)
		}
		return domain.Book{}, fmt.Errorf("update book: %w", err)
	}
	if newImageKey != "" && oldImageURL != "" {
		a.releaseImage(ctx, imageKeyFromURL(oldImageURL))
	}
	return book, nil
}

// DeleteBook removes the record and releases its cover image.
func (a *App) DeleteBook(ctx context.Context, callerID, id string) error {
	book, err := a.authorizeOwner(id, callerID)
	if err != nil {
		return err
	}
	if err := a.store.DeleteBook(id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrBookNotFound
		}
		return fmt.Errorf("delete book: %w", err)
	}
	if book.ImageURL != "" {
		a.releaseImage(ctx, imageKeyFromURL(book.ImageURL))
	}
	return nil
}

// AddRating records one user's grade for a book and recomputes the average.
// A user may rate any book, but only once; the ratings list and the derived
// average are persisted in a single store write.
func (a *App) AddRating(ctx context.Context, bookID, callerID string, grade int) (domain.Book, error) {
	if strings.TrimSpace(callerID) == "" {
		return domain.Book{}, ErrInvalidCredentials
	}
	if grade < a.ratingMin || grade > a.ratingMax {
		return domain.Book{}, fmt.Errorf("%w: grade must be between %d and %d", ErrInvalidRating, a.ratingMin, a.ratingMax)
	}
	book, ok, err := a.store.GetBook(bookID)
	if err != nil {
		return domain.Book{}, fmt.Errorf("fetch book: %w", err)
	}
	if !ok {
		return domain.Book{}, ErrBookNotFound
	}
	if book.RatedBy(callerID) {
		return domain.Book{}, ErrDuplicateRating
	}
	ratings := append(append([]domain.Rating(nil), book.Ratings...), domain.Rating{UserID: callerID, Grade: grade})
	average := averageGrade(ratings)
	if err := a.store.SetBookRatings(bookID, ratings, average); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.Book{}, ErrBookNotFound
		}
		return domain.Book{}, fmt.Errorf("save ratings: %w", err)
	}
	book.Ratings = ratings
	book.AverageRating = average
	book.UpdatedAt = time.Now().UTC()
	return book, nil
}

// RatingBounds reports the configured inclusive grade range.
func (a *App) RatingBounds() (min, max int) {
	return a.ratingMin, a.ratingMax
}

func (a *App) authorizeOwner(bookID, callerID string) (domain.Book, error) {
	book, ok, err := a.store.GetBook(bookID)
	if err != nil {
		return domain.Book{}, fmt.Errorf("fetch book: %w", err)
	}
	if !ok {
		return domain.Book{}, ErrBookNotFound
	}
	if book.UserID != callerID {
		return domain.Book{}, ErrForbidden
	}
	return book, nil
}

func (a *App) storeImage(ctx context.Context, upload ImageUpload) (string, error) {
	res, err := a.images.Normalize(ctx, upload.Data, upload.ContentType)
	if err != nil {
		return "", err
	}
	key := util.NewID() + res.Ext
	if err := a.objects.Put(ctx, key, bytes.NewReader(res.Data), int64(len(res.Data)), res.ContentType); err != nil {
		return "", fmt.Errorf("store image: %w", err)
	}
	return key, nil
}

// releaseImage is best-effort compensation; a leaked file is logged, not fatal.
func (a *App) releaseImage(ctx context.Context, key string) {
	if key == "" {
		return
	}
	if err := a.objects.Delete(ctx, key); err != nil {
		util.LoggerFromContext(ctx).Warn("release image failed", "key", key, "err", err)
	}
}

func validateBookInput(in BookInput) error {
	if strings.TrimSpace(in.Title) == "" {
		return fmt.Errorf("%w: title is required", ErrInvalidBook)
	}
	if strings.TrimSpace(in.Author) == "" {
		return fmt.Errorf("%w: author is required", ErrInvalidBook)
	}
	if strings.TrimSpace(in.Genre) == "" {
		return fmt.Errorf("%w: genre is required", ErrInvalidBook)
	}
	if in.Year == 0 {
		return fmt.Errorf("%w: year is required", ErrInvalidBook)
	}
	return nil
}

func averageGrade(ratings []domain.Rating) float64 {
	if len(ratings) == 0 {
		return 0
	}
	sum := 0
	for _, r := range ratings {
		sum += r.Grade
	}
	mean := float64(sum) / float64(len(ratings))
	return math.Round(mean*100) / 100
}

func imageKeyFromURL(imageURL string) string {
	if parsed, err := url.Parse(imageURL); err == nil {
		return path.Base(parsed.Path)
	}
	return path.Base(imageURL)
}
