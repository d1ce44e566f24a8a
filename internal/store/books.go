package store

import (
	"context"
	"encoding/json/v2"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/grimoireapp/grimoire-server/internal/domain"
	"github.com/grimoireapp/grimoire-server/internal/id"
)

const (
	bookPrefix   = "book:"
	bookIDPrefix = "book"
)

// CreateBook stores a new book record.
func (s *Store) CreateBook(ctx context.Context, book *domain.Book) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	key := []byte(bookPrefix + book.ID)

	data, err := json.Marshal(book)
	if err != nil {
		return fmt.Errorf("marshal book: %w", err)
	}

	return s.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(key)
		if err == nil {
			return ErrBookExists
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("check book exists: %w", err)
		}

		return txn.Set(key, data)
	})
}

// GetBook retrieves a book by ID.
// Returns ErrInvalidBookID for references this store could never have issued
// and ErrBookNotFound for well-formed IDs with no record.
func (s *Store) GetBook(ctx context.Context, bookID string) (*domain.Book, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if !id.HasPrefix(bookID, bookIDPrefix) {
		return nil, ErrInvalidBookID
	}

	var book domain.Book
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(bookPrefix + bookID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrBookNotFound
		}
		if err != nil {
			return fmt.Errorf("get book: %w", err)
		}

		return item.Value(func(val []byte) error {
			if err := json.Unmarshal(val, &book); err != nil {
				return fmt.Errorf("unmarshal book: %w", err)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	return &book, nil
}

// ListBooks returns every book record in key order.
func (s *Store) ListBooks(ctx context.Context) ([]*domain.Book, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var books []*domain.Book
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(bookPrefix)

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var book domain.Book
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &book)
			})
			if err != nil {
				return fmt.Errorf("unmarshal book: %w", err)
			}
			books = append(books, &book)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return books, nil
}

// UpdateBook replaces an existing book record in a single transaction.
// The whole record is written; the update touches UpdatedAt.
func (s *Store) UpdateBook(ctx context.Context, book *domain.Book) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if !id.HasPrefix(book.ID, bookIDPrefix) {
		return ErrInvalidBookID
	}

	key := []byte(bookPrefix + book.ID)
	book.UpdatedAt = time.Now()

	data, err := json.Marshal(book)
	if err != nil {
		return fmt.Errorf("marshal book: %w", err)
	}

	return s.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrBookNotFound
		}
		if err != nil {
			return fmt.Errorf("check book exists: %w", err)
		}

		return txn.Set(key, data)
	})
}

// DeleteBook removes a book record.
func (s *Store) DeleteBook(ctx context.Context, bookID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if !id.HasPrefix(bookID, bookIDPrefix) {
		return ErrInvalidBookID
	}

	key := []byte(bookPrefix + bookID)

	return s.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrBookNotFound
		}
		if err != nil {
			return fmt.Errorf("check book exists: %w", err)
		}

		return txn.Delete(key)
	})
}
