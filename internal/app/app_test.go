package app

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"sync"
	"testing"
	"time"

	"grimoire/internal/domain"
	"grimoire/internal/imaging"
	"grimoire/internal/store"
)

// memObjects is an in-memory ObjectStore used by tests.
type memObjects struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newMemObjects() *memObjects {
	return &memObjects{objects: make(map[string][]byte)}
}

func (m *memObjects) Put(_ context.Context, key string, r io.Reader, _ int64, _ string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.objects[key] = data
	m.mu.Unlock()
	return nil
}

func (m *memObjects) URL(key string) string {
	return "/uploads/" + key
}

func (m *memObjects) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.objects, key)
	m.mu.Unlock()
	return nil
}

func (m *memObjects) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.objects)
}

func (m *memObjects) has(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[key]
	return ok
}

func newTestApp(t *testing.T) (*App, *store.MemoryStore, *memObjects) {
	t.Helper()
	st := store.NewMemoryStore()
	objects := newMemObjects()
	a, err := New(Config{
		Store:   st,
		Objects: objects,
		Images:  imaging.NewProcessor(300, 90, time.Minute),
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	return a, st, objects
}

func pngUpload(t *testing.T) *ImageUpload {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 50, 50))
	for x := 0; x < 50; x++ {
		for y := 0; y < 50; y++ {
			img.Set(x, y, color.RGBA{R: 200, G: 40, B: 40, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return &ImageUpload{Data: buf.Bytes(), ContentType: "image/png"}
}

func mustCreateBook(t *testing.T, a *App, owner string) domain.Book {
	t.Helper()
	book, err := a.CreateBook(context.Background(), owner, BookInput{
		Title:  "A",
		Author: "B",
		Year:   2000,
		Genre:  "novel",
	}, nil)
	if err != nil {
		t.Fatalf("create book: %v", err)
	}
	return book
}

func TestSignUpAndLogin(t *testing.T) {
	a, _, _ := newTestApp(t)

	user, err := a.SignUp("Reader@Example.COM", "secret-password")
	if err != nil {
		t.Fatalf("signup: %v", err)
	}
	if user.Email != "reader@example.com" {
		t.Fatalf("expected lowercased email, got %q", user.Email)
	}

	if _, err := a.SignUp("reader@example.com", "another-password"); !errors.Is(err, ErrEmailAlreadyExists) {
		t.Fatalf("expected ErrEmailAlreadyExists, got %v", err)
	}

	logged, err := a.Login("reader@example.com", "secret-password")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if logged.ID != user.ID {
		t.Fatalf("expected user %s, got %s", user.ID, logged.ID)
	}

	if _, err := a.Login("reader@example.com", "wrong-password"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	if _, err := a.Login("nobody@example.com", "secret-password"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials for unknown email, got %v", err)
	}
}

func TestCreateBookStartsUnrated(t *testing.T) {
	a, _, _ := newTestApp(t)
	book := mustCreateBook(t, a, "u1")
	if book.AverageRating != 0 {
		t.Fatalf("new book average must be 0, got %v", book.AverageRating)
	}
	if len(book.Ratings) != 0 {
		t.Fatalf("new book must have no ratings, got %d", len(book.Ratings))
	}
	if book.UserID != "u1" {
		t.Fatalf("owner must be the caller, got %q", book.UserID)
	}
}

func TestCreateBookValidation(t *testing.T) {
	a, _, _ := newTestApp(t)
	cases := []BookInput{
		{Author: "B", Year: 2000, Genre: "novel"},
		{Title: "A", Year: 2000, Genre: "novel"},
		{Title: "A", Author: "B", Genre: "novel"},
		{Title: "A", Author: "B", Year: 2000},
	}
	for i, in := range cases {
		if _, err := a.CreateBook(context.Background(), "u1", in, nil); !errors.Is(err, ErrInvalidBook) {
			t.Fatalf("case %d: expected ErrInvalidBook, got %v", i, err)
		}
	}
}

func TestRatingAggregationScenario(t *testing.T) {
	a, _, _ := newTestApp(t)
	book := mustCreateBook(t, a, "u1")

	updated, err := a.AddRating(context.Background(), book.ID, "u2", 4)
	if err != nil {
		t.Fatalf("first rating: %v", err)
	}
	if updated.AverageRating != 4 {
		t.Fatalf("after one rating of 4, average = %v", updated.AverageRating)
	}

	updated, err = a.AddRating(context.Background(), book.ID, "u3", 2)
	if err != nil {
		t.Fatalf("second rating: %v", err)
	}
	if updated.AverageRating != 3 {
		t.Fatalf("after ratings 4 and 2, average = %v", updated.AverageRating)
	}

	if _, err := a.AddRating(context.Background(), book.ID, "u2", 5); !errors.Is(err, ErrDuplicateRating) {
		t.Fatalf("expected ErrDuplicateRating, got %v", err)
	}

	// Duplicate attempt must leave state unchanged.
	current, err := a.GetBook(book.ID)
	if err != nil {
		t.Fatalf("get book: %v", err)
	}
	if current.AverageRating != 3 {
		t.Fatalf("average changed after rejected duplicate: %v", current.AverageRating)
	}
	if len(current.Ratings) != 2 {
		t.Fatalf("ratings count changed after rejected duplicate: %d", len(current.Ratings))
	}
}

func TestRatingAverageRoundsToTwoDecimals(t *testing.T) {
	a, _, _ := newTestApp(t)
	book := mustCreateBook(t, a, "u1")

	for i, grade := range []int{1, 1, 2} {
		if _, err := a.AddRating(context.Background(), book.ID, fmt.Sprintf("rater-%d", i), grade); err != nil {
			t.Fatalf("rating %d: %v", i, err)
		}
	}
	current, err := a.GetBook(book.ID)
	if err != nil {
		t.Fatalf("get book: %v", err)
	}
	if current.AverageRating != 1.33 {
		t.Fatalf("expected 1.33, got %v", current.AverageRating)
	}
}

func TestAddRatingRejectsOutOfRangeGrades(t *testing.T) {
	a, _, _ := newTestApp(t)
	book := mustCreateBook(t, a, "u1")

	for _, grade := range []int{-1, 6, 42} {
		if _, err := a.AddRating(context.Background(), book.ID, "u2", grade); !errors.Is(err, ErrInvalidRating) {
			t.Fatalf("grade %d: expected ErrInvalidRating, got %v", grade, err)
		}
	}
	current, err := a.GetBook(book.ID)
	if err != nil {
		t.Fatalf("get book: %v", err)
	}
	if len(current.Ratings) != 0 {
		t.Fatal("rejected grades must not be stored")
	}
}

func TestAddRatingUnknownBook(t *testing.T) {
	a, _, _ := newTestApp(t)
	if _, err := a.AddRating(context.Background(), "missing", "u2", 3); !errors.Is(err, ErrBookNotFound) {
		t.Fatalf("expected ErrBookNotFound, got %v", err)
	}
}

func TestOwnershipGuardOnUpdateAndDelete(t *testing.T) {
	a, _, _ := newTestApp(t)
	book := mustCreateBook(t, a, "u1")

	title := "Hijacked"
	if _, err := a.UpdateBook(context.Background(), "u2", book.ID, BookPatch{Title: &title}, nil); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden on update, got %v", err)
	}
	if err := a.DeleteBook(context.Background(), "u2", book.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden on delete, got %v", err)
	}

	current, err := a.GetBook(book.ID)
	if err != nil {
		t.Fatalf("book must survive denied mutations: %v", err)
	}
	if current.Title != "A" {
		t.Fatalf("title changed despite denial: %q", current.Title)
	}
}

func TestUpdateBookMergesPartialFields(t *testing.T) {
	a, _, _ := newTestApp(t)
	book := mustCreateBook(t, a, "u1")

	year := 1984
	updated, err := a.UpdateBook(context.Background(), "u1", book.ID, BookPatch{Year: &year}, nil)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Year != 1984 {
		t.Fatalf("expected year 1984, got %d", updated.Year)
	}
	if updated.Title != "A" || updated.Author != "B" || updated.Genre != "novel" {
		t.Fatalf("unpatched fields changed: %+v", updated)
	}
}

func TestDeleteBookReleasesImage(t *testing.T) {
	a, _, objects := newTestApp(t)
	book, err := a.CreateBook(context.Background(), "u1", BookInput{
		Title:  "A",
		Author: "B",
		Year:   2000,
		Genre:  "novel",
	}, pngUpload(t))
	if err != nil {
		t.Fatalf("create book with image: %v", err)
	}
	if book.ImageURL == "" {
		t.Fatal("expected an image reference")
	}
	if objects.count() != 1 {
		t.Fatalf("expected 1 stored object, got %d", objects.count())
	}

	if err := a.DeleteBook(context.Background(), "u1", book.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if objects.count() != 0 {
		t.Fatalf("expected image to be released, %d objects remain", objects.count())
	}
	if _, err := a.GetBook(book.ID); !errors.Is(err, ErrBookNotFound) {
		t.Fatalf("expected ErrBookNotFound after delete, got %v", err)
	}
}

func TestDeleteUnknownBook(t *testing.T) {
	a, _, _ := newTestApp(t)
	if err := a.DeleteBook(context.Background(), "u1", "missing"); !errors.Is(err, ErrBookNotFound) {
		t.Fatalf("expected ErrBookNotFound, got %v", err)
	}
}

func TestUpdateBookReplacesOldImage(t *testing.T) {
	a, _, objects := newTestApp(t)
	book, err := a.CreateBook(context.Background(), "u1", BookInput{
		Title:  "A",
		Author: "B",
		Year:   2000,
		Genre:  "novel",
	}, pngUpload(t))
	if err != nil {
		t.Fatalf("create book with image: %v", err)
	}
	oldKey := imageKeyFromURL(book.ImageURL)

	updated, err := a.UpdateBook(context.Background(), "u1", book.ID, BookPatch{}, pngUpload(t))
	if err != nil {
		t.Fatalf("update with new image: %v", err)
	}
	if updated.ImageURL == book.ImageURL {
		t.Fatal("expected a fresh image reference")
	}
	if objects.has(oldKey) {
		t.Fatal("expected the replaced image to be released")
	}
	if objects.count() != 1 {
		t.Fatalf("expected exactly the new object, got %d", objects.count())
	}
}

// failingStore wraps MemoryStore and fails SaveBook to exercise the
// compensating image cleanup on create.
type failingStore struct {
	*store.MemoryStore
}

func (f *failingStore) SaveBook(domain.Book) error {
	return errors.New("simulated write failure")
}

func TestCreateBookCleansUpImageWhenSaveFails(t *testing.T) {
	objects := newMemObjects()
	a, err := New(Config{
		Store:   &failingStore{MemoryStore: store.NewMemoryStore()},
		Objects: objects,
		Images:  imaging.NewProcessor(300, 90, time.Minute),
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	if _, err := a.CreateBook(context.Background(), "u1", BookInput{
		Title:  "A",
		Author: "B",
		Year:   2000,
		Genre:  "novel",
	}, pngUpload(t)); err == nil {
		t.Fatal("expected create to fail")
	}
	if objects.count() != 0 {
		t.Fatalf("expected stored image to be cleaned up, %d objects remain", objects.count())
	}
}

func TestTopRatedBooksOrderAndLimit(t *testing.T) {
	a, _, _ := newTestApp(t)

	titles := []string{"first", "second", "third", "fourth"}
	grades := [][]int{{2}, {5}, {4, 4}, {5}}
	ids := make([]string, len(titles))
	for i, title := range titles {
		book, err := a.CreateBook(context.Background(), "owner", BookInput{
			Title:  title,
			Author: "B",
			Year:   2000 + i,
			Genre:  "novel",
		}, nil)
		if err != nil {
			t.Fatalf("create %s: %v", title, err)
		}
		ids[i] = book.ID
		for j, grade := range grades[i] {
			if _, err := a.AddRating(context.Background(), book.ID, fmt.Sprintf("rater-%d-%d", i, j), grade); err != nil {
				t.Fatalf("rate %s: %v", title, err)
			}
		}
	}

	top, err := a.TopRatedBooks()
	if err != nil {
		t.Fatalf("top rated: %v", err)
	}
	if len(top) != 3 {
		t.Fatalf("expected 3 books, got %d", len(top))
	}
	// 5.0 ("second", created before "fourth"), 5.0 ("fourth"), 4.0 ("third").
	want := []string{"second", "fourth", "third"}
	for i, title := range want {
		if top[i].Title != title {
			t.Fatalf("position %d: expected %q, got %q", i, title, top[i].Title)
		}
	}
}
