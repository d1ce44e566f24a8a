package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/grimoireapp/grimoire-server/internal/domain"
	domainerrors "github.com/grimoireapp/grimoire-server/internal/errors"
	"github.com/grimoireapp/grimoire-server/internal/id"
	"github.com/grimoireapp/grimoire-server/internal/media/images"
	"github.com/grimoireapp/grimoire-server/internal/store"
	"github.com/grimoireapp/grimoire-server/internal/util"
)

// defaultRankingSize is how many books BestRated returns when the caller
// does not ask for a specific count.
const defaultRankingSize = 3

// BookService implements the catalog use cases: CRUD with cover images,
// ratings, and the best-rated ranking.
type BookService struct {
	store     *store.Store
	storage   images.Storage
	processor *images.Processor
	logger    *slog.Logger
}

// NewBookService creates a new book service.
func NewBookService(store *store.Store, storage images.Storage, processor *images.Processor, logger *slog.Logger) *BookService {
	return &BookService{
		store:     store,
		storage:   storage,
		processor: processor,
		logger:    logger,
	}
}

// Year unmarshals from either a JSON number or a quoted digit string.
// Browser clients serialize the publication year inconsistently.
type Year int

// UnmarshalJSON accepts 1954 and "1954" alike.
func (y *Year) UnmarshalJSON(data []byte) error {
	data = bytes.Trim(data, `"`)
	n, err := strconv.Atoi(string(data))
	if err != nil {
		return fmt.Errorf("year must be a number")
	}
	*y = Year(n)
	return nil
}

// RatingPayload is a client-supplied rating. Its user ID is never trusted:
// the authenticated identity always replaces it.
type RatingPayload struct {
	UserID string  `json:"user_id"`
	Grade  float64 `json:"grade"`
}

// CreateBookRequest contains the metadata part of a book upload.
type CreateBookRequest struct {
	Title         string          `json:"title" validate:"required"`
	Author        string          `json:"author" validate:"required"`
	Genre         string          `json:"genre" validate:"required"`
	Year          Year            `json:"year" validate:"required"`
	Ratings       []RatingPayload `json:"ratings"`
	AverageRating float64         `json:"average_rating"`
}

// UpdateBookRequest contains the replaceable metadata of a book.
type UpdateBookRequest struct {
	Title  string `json:"title" validate:"required"`
	Author string `json:"author" validate:"required"`
	Genre  string `json:"genre" validate:"required"`
	Year   Year   `json:"year" validate:"required"`
}

// CreateBook registers a new book owned by userID, with imageData as its
// cover. The owner identity and any initial rating's user ID come from
// the authenticated caller, never from the payload. An initial grade of
// zero is discarded so empty client placeholders don't skew averages.
func (s *BookService) CreateBook(ctx context.Context, userID string, req CreateBookRequest, imageData []byte) (*domain.Book, error) {
	if err := validate.Struct(req); err != nil {
		return nil, formatValidationError(err)
	}
	if !domain.ValidYear(int(req.Year)) {
		return nil, domainerrors.Validationf("year must be a plausible publication year")
	}
	if len(imageData) == 0 {
		return nil, domainerrors.Validation("image is required")
	}

	processed, err := s.processor.Process(imageData)
	if err != nil {
		if errors.Is(err, images.ErrUnsupportedFormat) {
			return nil, domainerrors.Validation("image must be a jpg, jpeg, or png file")
		}
		return nil, domainerrors.Validation("invalid image upload")
	}

	bookID, err := id.Generate("book")
	if err != nil {
		return nil, fmt.Errorf("generate book ID: %w", err)
	}

	now := time.Now()
	book := &domain.Book{
		ID:        bookID,
		Title:     req.Title,
		Author:    req.Author,
		Genre:     req.Genre,
		Year:      int(req.Year),
		OwnerID:   userID,
		BlurHash:  processed.BlurHash,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if len(req.Ratings) > 0 {
		// Only the first entry counts. Grade zero is a client placeholder.
		if grade := req.Ratings[0].Grade; grade != 0 {
			if err := book.AddRating(userID, grade); err != nil {
				return nil, err
			}
		}
	}

	ref, err := s.storage.Store(ctx, coverFilename(req.Author, req.Title, int(req.Year)), processed.Data)
	if err != nil {
		return nil, fmt.Errorf("store cover image: %w", err)
	}
	book.ImageRef = ref

	if err := s.store.CreateBook(ctx, book); err != nil {
		s.removeImage(ctx, ref)
		return nil, fmt.Errorf("create book: %w", err)
	}

	if s.logger != nil {
		s.logger.Info("Book created",
			"book_id", book.ID,
			"owner_id", userID,
			"title", book.Title,
		)
	}

	return book, nil
}

// GetBook returns a single book by ID.
func (s *BookService) GetBook(ctx context.Context, bookID string) (*domain.Book, error) {
	book, err := s.store.GetBook(ctx, bookID)
	if err != nil {
		return nil, mapBookStoreError(err)
	}
	return book, nil
}

// ListBooks returns the whole catalog.
func (s *BookService) ListBooks(ctx context.Context) ([]*domain.Book, error) {
	books, err := s.store.ListBooks(ctx)
	if err != nil {
		return nil, fmt.Errorf("list books: %w", err)
	}
	return books, nil
}

// UpdateBook replaces a book's metadata, and its cover when imageData is
// provided. Only the owner may update; a new cover uploaded on behalf of
// a denied or failed request is removed again before returning.
func (s *BookService) UpdateBook(ctx context.Context, userID, bookID string, req UpdateBookRequest, imageData []byte) (*domain.Book, error) {
	if err := validate.Struct(req); err != nil {
		return nil, formatValidationError(err)
	}
	if !domain.ValidYear(int(req.Year)) {
		return nil, domainerrors.Validationf("year must be a plausible publication year")
	}

	// The new cover lands in storage before authorization, mirroring how
	// uploads reach disk ahead of the handler. Every failure path below
	// must clean it up.
	var newRef, newBlurHash string
	if len(imageData) > 0 {
		processed, err := s.processor.Process(imageData)
		if err != nil {
			if errors.Is(err, images.ErrUnsupportedFormat) {
				return nil, domainerrors.Validation("image must be a jpg, jpeg, or png file")
			}
			return nil, domainerrors.Validation("invalid image upload")
		}

		newRef, err = s.storage.Store(ctx, coverFilename(req.Author, req.Title, int(req.Year)), processed.Data)
		if err != nil {
			return nil, fmt.Errorf("store cover image: %w", err)
		}
		newBlurHash = processed.BlurHash
	}

	book, err := s.store.GetBook(ctx, bookID)
	if err != nil {
		s.removeImage(ctx, newRef)
		return nil, mapBookStoreError(err)
	}

	if !book.OwnedBy(userID) {
		s.removeImage(ctx, newRef)
		return nil, domainerrors.Forbidden("only the owner can modify this book")
	}

	oldRef := book.ImageRef
	book.Title = req.Title
	book.Author = req.Author
	book.Genre = req.Genre
	book.Year = int(req.Year)
	if newRef != "" {
		book.ImageRef = newRef
		book.BlurHash = newBlurHash
	}

	if err := s.store.UpdateBook(ctx, book); err != nil {
		s.removeImage(ctx, newRef)
		if errors.Is(err, store.ErrBookNotFound) || errors.Is(err, store.ErrInvalidBookID) {
			return nil, mapBookStoreError(err)
		}
		return nil, domainerrors.Persistence("failed to update book").WithCause(err)
	}

	if newRef != "" {
		s.removeImage(ctx, oldRef)
	}

	if s.logger != nil {
		s.logger.Info("Book updated", "book_id", book.ID, "owner_id", userID)
	}

	return book, nil
}

// DeleteBook removes a book and its stored cover. Only the owner may delete.
func (s *BookService) DeleteBook(ctx context.Context, userID, bookID string) error {
	book, err := s.store.GetBook(ctx, bookID)
	if err != nil {
		return mapBookStoreError(err)
	}

	if !book.OwnedBy(userID) {
		return domainerrors.Forbidden("only the owner can delete this book")
	}

	if err := s.store.DeleteBook(ctx, bookID); err != nil {
		return mapBookStoreError(err)
	}

	s.removeImage(ctx, book.ImageRef)

	if s.logger != nil {
		s.logger.Info("Book deleted", "book_id", bookID, "owner_id", userID)
	}

	return nil
}

// RateBook records userID's one-time grade for a book and returns the book
// with its recomputed average.
func (s *BookService) RateBook(ctx context.Context, userID, bookID string, grade float64) (*domain.Book, error) {
	book, err := s.store.GetBook(ctx, bookID)
	if err != nil {
		return nil, mapBookStoreError(err)
	}

	if err := book.AddRating(userID, grade); err != nil {
		return nil, err
	}

	if err := s.store.UpdateBook(ctx, book); err != nil {
		return nil, mapBookStoreError(err)
	}

	if s.logger != nil {
		s.logger.Info("Book rated",
			"book_id", bookID,
			"user_id", userID,
			"grade", grade,
			"average", book.AverageRating,
		)
	}

	return book, nil
}

// BestRated returns the n highest-rated books, ties going to the most
// recently added. An empty catalog is a not-found condition, matching the
// surface contract of the ranking endpoint.
func (s *BookService) BestRated(ctx context.Context, n int) ([]*domain.Book, error) {
	if n <= 0 {
		n = defaultRankingSize
	}

	books, err := s.store.ListBooks(ctx)
	if err != nil {
		return nil, fmt.Errorf("list books: %w", err)
	}
	if len(books) == 0 {
		return nil, domainerrors.NotFound("no books")
	}

	sort.SliceStable(books, func(i, j int) bool {
		if books[i].AverageRating != books[j].AverageRating {
			return books[i].AverageRating > books[j].AverageRating
		}
		return books[i].CreatedAt.After(books[j].CreatedAt)
	})

	if len(books) > n {
		books = books[:n]
	}

	return books, nil
}

// removeImage deletes a stored cover, logging instead of failing.
// Rollback and cleanup must never mask the error that triggered them.
func (s *BookService) removeImage(ctx context.Context, ref string) {
	if ref == "" {
		return
	}
	if err := s.storage.Remove(ctx, ref); err != nil && s.logger != nil {
		s.logger.Warn("Failed to remove cover image", "ref", ref, "error", err)
	}
}

// coverFilename builds a unique, URL-safe filename for a cover image.
func coverFilename(author, title string, year int) string {
	return fmt.Sprintf("%s-%s-%d-%d.jpg", util.Slugify(author), util.Slugify(title), year, time.Now().UnixNano())
}

// mapBookStoreError converts store sentinels to application errors.
// Malformed and absent IDs both surface as not found.
func mapBookStoreError(err error) error {
	switch {
	case errors.Is(err, store.ErrBookNotFound), errors.Is(err, store.ErrInvalidBookID):
		return domainerrors.NotFound("book not found")
	case errors.Is(err, store.ErrBookExists):
		return domainerrors.AlreadyExists("book already exists")
	default:
		return err
	}
}
