package api

import (
	"encoding/json/v2"
	"errors"
	"io"
	"mime"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/grimoireapp/grimoire-server/internal/http/response"
	"github.com/grimoireapp/grimoire-server/internal/service"
)

const (
	// maxBodyBytes caps uploads: a 10MB cover plus metadata and
	// multipart framing.
	maxBodyBytes = 12 << 20

	// multipartMemory is how much of a parsed form stays in memory
	// before spilling to temp files.
	multipartMemory = 16 << 20
)

// handleListBooks returns the whole catalog.
// GET /api/v1/books
func (s *Server) handleListBooks(w http.ResponseWriter, r *http.Request) {
	books, err := s.bookService.ListBooks(r.Context())
	if err != nil {
		response.HandleError(w, err, s.logger)
		return
	}

	response.Success(w, books, s.logger)
}

// handleBestRating returns the highest-rated books.
// GET /api/v1/books/bestrating
func (s *Server) handleBestRating(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			response.BadRequest(w, "limit must be a positive number", s.logger)
			return
		}
		limit = n
	}

	books, err := s.bookService.BestRated(r.Context(), limit)
	if err != nil {
		response.HandleError(w, err, s.logger)
		return
	}

	response.Success(w, books, s.logger)
}

// handleGetBook returns a single book.
// GET /api/v1/books/{id}
func (s *Server) handleGetBook(w http.ResponseWriter, r *http.Request) {
	book, err := s.bookService.GetBook(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		response.HandleError(w, err, s.logger)
		return
	}

	response.Success(w, book, s.logger)
}

// handleCreateBook registers a new book from a multipart form with a
// "book" JSON part and an "image" file part.
// POST /api/v1/books
func (s *Server) handleCreateBook(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFrom(r.Context())
	if !ok {
		response.Unauthorized(w, "authentication required", s.logger)
		return
	}

	bookJSON, imageData, err := parseBookForm(w, r)
	if err != nil {
		response.BadRequest(w, err.Error(), s.logger)
		return
	}

	var req service.CreateBookRequest
	if err := json.Unmarshal(bookJSON, &req); err != nil {
		response.BadRequest(w, "invalid book data", s.logger)
		return
	}

	book, err := s.bookService.CreateBook(r.Context(), userID, req, imageData)
	if err != nil {
		response.HandleError(w, err, s.logger)
		return
	}

	response.Created(w, book, s.logger)
}

// handleUpdateBook replaces a book's metadata, and its cover when the
// request is multipart. A plain JSON body keeps the existing cover.
// PUT /api/v1/books/{id}
func (s *Server) handleUpdateBook(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFrom(r.Context())
	if !ok {
		response.Unauthorized(w, "authentication required", s.logger)
		return
	}

	var (
		req       service.UpdateBookRequest
		imageData []byte
	)
	if isMultipart(r) {
		bookJSON, data, err := parseBookForm(w, r)
		if err != nil {
			response.BadRequest(w, err.Error(), s.logger)
			return
		}
		if err := json.Unmarshal(bookJSON, &req); err != nil {
			response.BadRequest(w, "invalid book data", s.logger)
			return
		}
		imageData = data
	} else {
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		if err := json.UnmarshalRead(r.Body, &req); err != nil {
			response.BadRequest(w, "invalid request body", s.logger)
			return
		}
	}

	book, err := s.bookService.UpdateBook(r.Context(), userID, chi.URLParam(r, "id"), req, imageData)
	if err != nil {
		response.HandleError(w, err, s.logger)
		return
	}

	response.Success(w, book, s.logger)
}

// handleDeleteBook removes a book and its cover.
// DELETE /api/v1/books/{id}
func (s *Server) handleDeleteBook(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFrom(r.Context())
	if !ok {
		response.Unauthorized(w, "authentication required", s.logger)
		return
	}

	if err := s.bookService.DeleteBook(r.Context(), userID, chi.URLParam(r, "id")); err != nil {
		response.HandleError(w, err, s.logger)
		return
	}

	response.Success(w, map[string]string{"message": "book deleted"}, s.logger)
}

// rateBookPayload is the body of a rating request.
type rateBookPayload struct {
	Grade *float64 `json:"grade"`
}

// handleRateBook records the caller's grade for a book.
// POST /api/v1/books/{id}/rating
func (s *Server) handleRateBook(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFrom(r.Context())
	if !ok {
		response.Unauthorized(w, "authentication required", s.logger)
		return
	}

	var payload rateBookPayload
	if err := json.UnmarshalRead(r.Body, &payload); err != nil {
		response.BadRequest(w, "invalid request body", s.logger)
		return
	}
	if payload.Grade == nil {
		response.BadRequest(w, "grade is required", s.logger)
		return
	}

	book, err := s.bookService.RateBook(r.Context(), userID, chi.URLParam(r, "id"), *payload.Grade)
	if err != nil {
		response.HandleError(w, err, s.logger)
		return
	}

	response.Success(w, book, s.logger)
}

// isMultipart reports whether the request carries a multipart form.
func isMultipart(r *http.Request) bool {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return err == nil && mediaType == "multipart/form-data"
}

// parseBookForm extracts the "book" JSON part and the optional "image"
// file part from a multipart request.
func parseBookForm(w http.ResponseWriter, r *http.Request) (bookJSON, imageData []byte, err error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		return nil, nil, errors.New("invalid multipart form")
	}

	raw := r.FormValue("book")
	if raw == "" {
		return nil, nil, errors.New("missing book data")
	}

	file, _, err := r.FormFile("image")
	if err != nil {
		if errors.Is(err, http.ErrMissingFile) {
			return []byte(raw), nil, nil
		}
		return nil, nil, errors.New("invalid image upload")
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return nil, nil, errors.New("failed to read image upload")
	}

	return []byte(raw), data, nil
}
