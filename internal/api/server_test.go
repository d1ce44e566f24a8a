package api

import (
	"bytes"
	"context"
	"encoding/json/jsontext"
	"encoding/json/v2"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grimoireapp/grimoire-server/internal/auth"
	"github.com/grimoireapp/grimoire-server/internal/domain"
	"github.com/grimoireapp/grimoire-server/internal/http/response"
	"github.com/grimoireapp/grimoire-server/internal/media/images"
	"github.com/grimoireapp/grimoire-server/internal/ratelimit"
	"github.com/grimoireapp/grimoire-server/internal/service"
	"github.com/grimoireapp/grimoire-server/internal/store"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	st, err := store.New(t.TempDir(), logger)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	imagesDir := t.TempDir()
	storage, err := images.NewLocalStorage(imagesDir)
	require.NoError(t, err)

	tokens, err := auth.NewTokenService(bytes.Repeat([]byte{0x17}, 32), auth.DefaultAccessTokenDuration)
	require.NoError(t, err)

	limiter := ratelimit.New(1000, 1000)
	t.Cleanup(limiter.Stop)

	authService := service.NewAuthService(st, tokens, logger)
	bookService := service.NewBookService(st, storage, images.NewProcessor(), logger)

	return NewServer(authService, bookService, tokens, limiter, imagesDir, logger)
}

// decodeData unmarshals the envelope's data field into out.
func decodeData(t *testing.T, body []byte, out any) {
	t.Helper()

	var envelope struct {
		Data    jsontext.Value `json:"data"`
		Error   string         `json:"error"`
		Success bool           `json:"success"`
	}
	require.NoError(t, json.Unmarshal(body, &envelope))
	require.NoError(t, json.Unmarshal(envelope.Data, out))
}

func errorMessage(t *testing.T, body []byte) string {
	t.Helper()

	var envelope response.Envelope
	require.NoError(t, json.Unmarshal(body, &envelope))
	return envelope.Error
}

// signupAndLogin registers an account and returns its user ID and token.
func signupAndLogin(t *testing.T, srv *Server, email string) (userID, token string) {
	t.Helper()

	ctx := context.Background()
	_, err := srv.authService.Signup(ctx, service.SignupRequest{Email: email, Password: "tres-secret-123"})
	require.NoError(t, err)

	resp, err := srv.authService.Login(ctx, service.LoginRequest{Email: email, Password: "tres-secret-123"})
	require.NoError(t, err)
	return resp.UserID, resp.Token
}

func coverBytes(t *testing.T) []byte {
	t.Helper()

	img := image.NewRGBA(image.Rect(0, 0, 30, 45))
	for y := 0; y < 45; y++ {
		for x := 0; x < 30; x++ {
			img.Set(x, y, color.RGBA{R: 120, G: 40, B: 40, A: 255})
		}
	}

	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

// bookForm builds a multipart body with a "book" JSON part and an
// optional "image" part.
func bookForm(t *testing.T, bookJSON string, imageData []byte) (*bytes.Buffer, string) {
	t.Helper()

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	require.NoError(t, writer.WriteField("book", bookJSON))
	if imageData != nil {
		part, err := writer.CreateFormFile("image", "cover.png")
		require.NoError(t, err)
		_, err = part.Write(imageData)
		require.NoError(t, err)
	}
	require.NoError(t, writer.Close())

	return &buf, writer.FormDataContentType()
}

func doRequest(srv *Server, method, path, token string, contentType string, body io.Reader) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	return w
}

// createBook uploads a book through the API and returns it.
func createBook(t *testing.T, srv *Server, token, title string, year int) domain.Book {
	t.Helper()

	bookJSON := fmt.Sprintf(`{"title":%q,"author":"Alain-Fournier","genre":"Fiction","year":%d}`, title, year)
	body, contentType := bookForm(t, bookJSON, coverBytes(t))

	w := doRequest(srv, http.MethodPost, "/api/v1/books", token, contentType, body)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var book domain.Book
	decodeData(t, w.Body.Bytes(), &book)
	return book
}

func TestHealthCheck(t *testing.T) {
	srv := newTestServer(t)

	w := doRequest(srv, http.MethodGet, "/health", "", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "ok")
}

func TestAuthEndpoints(t *testing.T) {
	t.Run("signup then login", func(t *testing.T) {
		srv := newTestServer(t)

		w := doRequest(srv, http.MethodPost, "/api/v1/auth/signup", "", "application/json",
			strings.NewReader(`{"email":"reader@example.com","password":"tres-secret-123"}`))
		require.Equal(t, http.StatusCreated, w.Code)

		var signup service.SignupResponse
		decodeData(t, w.Body.Bytes(), &signup)
		assert.True(t, strings.HasPrefix(signup.UserID, "user-"))

		w = doRequest(srv, http.MethodPost, "/api/v1/auth/login", "", "application/json",
			strings.NewReader(`{"email":"reader@example.com","password":"tres-secret-123"}`))
		require.Equal(t, http.StatusOK, w.Code)

		var login service.LoginResponse
		decodeData(t, w.Body.Bytes(), &login)
		assert.Equal(t, signup.UserID, login.UserID)
		assert.True(t, strings.HasPrefix(login.Token, "v4.local."))
	})

	t.Run("duplicate signup conflicts", func(t *testing.T) {
		srv := newTestServer(t)
		body := `{"email":"dup@example.com","password":"tres-secret-123"}`

		w := doRequest(srv, http.MethodPost, "/api/v1/auth/signup", "", "application/json", strings.NewReader(body))
		require.Equal(t, http.StatusCreated, w.Code)

		w = doRequest(srv, http.MethodPost, "/api/v1/auth/signup", "", "application/json", strings.NewReader(body))
		assert.Equal(t, http.StatusConflict, w.Code)
	})

	t.Run("bad credentials are 401", func(t *testing.T) {
		srv := newTestServer(t)
		signupAndLogin(t, srv, "present@example.com")

		w := doRequest(srv, http.MethodPost, "/api/v1/auth/login", "", "application/json",
			strings.NewReader(`{"email":"present@example.com","password":"wrong-password"}`))
		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Equal(t, "invalid credentials", errorMessage(t, w.Body.Bytes()))
	})

	t.Run("invalid signup body is 400", func(t *testing.T) {
		srv := newTestServer(t)

		w := doRequest(srv, http.MethodPost, "/api/v1/auth/signup", "", "application/json",
			strings.NewReader(`{"email":"nope","password":"short"}`))
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestRequireAuth(t *testing.T) {
	srv := newTestServer(t)

	t.Run("missing header", func(t *testing.T) {
		w := doRequest(srv, http.MethodPost, "/api/v1/books", "", "application/json", strings.NewReader("{}"))
		require.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Equal(t, "missing token", errorMessage(t, w.Body.Bytes()))
	})

	t.Run("malformed header", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/books", nil)
		req.Header.Set("Authorization", "Token abc")
		w := httptest.NewRecorder()
		srv.ServeHTTP(w, req)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("garbage token", func(t *testing.T) {
		w := doRequest(srv, http.MethodPost, "/api/v1/books", "v4.local.garbage", "application/json", nil)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("reads stay public", func(t *testing.T) {
		w := doRequest(srv, http.MethodGet, "/api/v1/books", "", "", nil)
		assert.Equal(t, http.StatusOK, w.Code)
	})
}

func TestBookEndpoints(t *testing.T) {
	t.Run("create and fetch", func(t *testing.T) {
		srv := newTestServer(t)
		_, token := signupAndLogin(t, srv, "ana@example.com")

		book := createBook(t, srv, token, "Le Grand Meaulnes", 1913)
		assert.True(t, strings.HasPrefix(book.ID, "book-"))
		assert.True(t, strings.HasPrefix(book.ImageRef, "/images/"))

		w := doRequest(srv, http.MethodGet, "/api/v1/books/"+book.ID, "", "", nil)
		require.Equal(t, http.StatusOK, w.Code)

		var fetched domain.Book
		decodeData(t, w.Body.Bytes(), &fetched)
		assert.Equal(t, book.Title, fetched.Title)

		// Stored password hashes never show up, and the cover is served.
		assert.NotContains(t, w.Body.String(), "password")
		w = doRequest(srv, http.MethodGet, book.ImageRef, "", "", nil)
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("create accepts a string year", func(t *testing.T) {
		srv := newTestServer(t)
		_, token := signupAndLogin(t, srv, "ana@example.com")

		body, contentType := bookForm(t,
			`{"title":"Vol de Nuit","author":"Saint-Exupéry","genre":"Fiction","year":"1931"}`,
			coverBytes(t))
		w := doRequest(srv, http.MethodPost, "/api/v1/books", token, contentType, body)
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

		var book domain.Book
		decodeData(t, w.Body.Bytes(), &book)
		assert.Equal(t, 1931, book.Year)
	})

	t.Run("create without image is 400", func(t *testing.T) {
		srv := newTestServer(t)
		_, token := signupAndLogin(t, srv, "ana@example.com")

		body, contentType := bookForm(t,
			`{"title":"Sans Image","author":"Personne","genre":"Fiction","year":2020}`, nil)
		w := doRequest(srv, http.MethodPost, "/api/v1/books", token, contentType, body)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("create without book part is 400", func(t *testing.T) {
		srv := newTestServer(t)
		_, token := signupAndLogin(t, srv, "ana@example.com")

		var buf bytes.Buffer
		writer := multipart.NewWriter(&buf)
		require.NoError(t, writer.Close())

		w := doRequest(srv, http.MethodPost, "/api/v1/books", token, writer.FormDataContentType(), &buf)
		require.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, "missing book data", errorMessage(t, w.Body.Bytes()))
	})

	t.Run("list returns all books", func(t *testing.T) {
		srv := newTestServer(t)
		_, token := signupAndLogin(t, srv, "ana@example.com")

		createBook(t, srv, token, "Premier", 2001)
		createBook(t, srv, token, "Deuxième", 2002)

		w := doRequest(srv, http.MethodGet, "/api/v1/books", "", "", nil)
		require.Equal(t, http.StatusOK, w.Code)

		var books []domain.Book
		decodeData(t, w.Body.Bytes(), &books)
		assert.Len(t, books, 2)
	})

	t.Run("unknown book is 404", func(t *testing.T) {
		srv := newTestServer(t)

		w := doRequest(srv, http.MethodGet, "/api/v1/books/book-doesnotexistatall000", "", "", nil)
		assert.Equal(t, http.StatusNotFound, w.Code)

		w = doRequest(srv, http.MethodGet, "/api/v1/books/garbage", "", "", nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestUpdateAndDeleteEndpoints(t *testing.T) {
	t.Run("owner updates with JSON body", func(t *testing.T) {
		srv := newTestServer(t)
		_, token := signupAndLogin(t, srv, "ana@example.com")
		book := createBook(t, srv, token, "Mutable", 2020)

		w := doRequest(srv, http.MethodPut, "/api/v1/books/"+book.ID, token, "application/json",
			strings.NewReader(`{"title":"Mutable","author":"Alain-Fournier","genre":"Fiction","year":2021}`))
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())

		var updated domain.Book
		decodeData(t, w.Body.Bytes(), &updated)
		assert.Equal(t, 2021, updated.Year)
		assert.Equal(t, book.ImageRef, updated.ImageRef)
	})

	t.Run("owner updates with a new cover", func(t *testing.T) {
		srv := newTestServer(t)
		_, token := signupAndLogin(t, srv, "ana@example.com")
		book := createBook(t, srv, token, "Recovered", 2020)

		body, contentType := bookForm(t,
			`{"title":"Recovered","author":"Alain-Fournier","genre":"Fiction","year":2020}`,
			coverBytes(t))
		w := doRequest(srv, http.MethodPut, "/api/v1/books/"+book.ID, token, contentType, body)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())

		var updated domain.Book
		decodeData(t, w.Body.Bytes(), &updated)
		assert.NotEqual(t, book.ImageRef, updated.ImageRef)

		// Old cover is gone, new one is served.
		w = doRequest(srv, http.MethodGet, book.ImageRef, "", "", nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
		w = doRequest(srv, http.MethodGet, updated.ImageRef, "", "", nil)
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("non-owner update is 403", func(t *testing.T) {
		srv := newTestServer(t)
		_, ownerToken := signupAndLogin(t, srv, "owner@example.com")
		_, otherToken := signupAndLogin(t, srv, "other@example.com")
		book := createBook(t, srv, ownerToken, "Guarded", 2020)

		w := doRequest(srv, http.MethodPut, "/api/v1/books/"+book.ID, otherToken, "application/json",
			strings.NewReader(`{"title":"Hijacked","author":"Autre","genre":"Fiction","year":2020}`))
		assert.Equal(t, http.StatusForbidden, w.Code)
	})

	t.Run("owner deletes", func(t *testing.T) {
		srv := newTestServer(t)
		_, token := signupAndLogin(t, srv, "ana@example.com")
		book := createBook(t, srv, token, "Ephemeral", 2020)

		w := doRequest(srv, http.MethodDelete, "/api/v1/books/"+book.ID, token, "", nil)
		require.Equal(t, http.StatusOK, w.Code)

		w = doRequest(srv, http.MethodGet, "/api/v1/books/"+book.ID, "", "", nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("non-owner delete is 403", func(t *testing.T) {
		srv := newTestServer(t)
		_, ownerToken := signupAndLogin(t, srv, "owner@example.com")
		_, otherToken := signupAndLogin(t, srv, "other@example.com")
		book := createBook(t, srv, ownerToken, "Guarded", 2020)

		w := doRequest(srv, http.MethodDelete, "/api/v1/books/"+book.ID, otherToken, "", nil)
		assert.Equal(t, http.StatusForbidden, w.Code)
	})
}

func TestRatingEndpoint(t *testing.T) {
	t.Run("rate and re-rate", func(t *testing.T) {
		srv := newTestServer(t)
		_, ownerToken := signupAndLogin(t, srv, "owner@example.com")
		_, raterToken := signupAndLogin(t, srv, "rater@example.com")
		book := createBook(t, srv, ownerToken, "Crowd Pleaser", 2020)

		w := doRequest(srv, http.MethodPost, "/api/v1/books/"+book.ID+"/rating", raterToken,
			"application/json", strings.NewReader(`{"grade":4}`))
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())

		var rated domain.Book
		decodeData(t, w.Body.Bytes(), &rated)
		assert.Equal(t, 4.0, rated.AverageRating)

		w = doRequest(srv, http.MethodPost, "/api/v1/books/"+book.ID+"/rating", raterToken,
			"application/json", strings.NewReader(`{"grade":2}`))
		assert.Equal(t, http.StatusConflict, w.Code)
	})

	t.Run("empty body is 400", func(t *testing.T) {
		srv := newTestServer(t)
		_, token := signupAndLogin(t, srv, "ana@example.com")
		book := createBook(t, srv, token, "Strict", 2020)

		w := doRequest(srv, http.MethodPost, "/api/v1/books/"+book.ID+"/rating", token, "application/json", nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)

		w = doRequest(srv, http.MethodPost, "/api/v1/books/"+book.ID+"/rating", token,
			"application/json", strings.NewReader(`{}`))
		require.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, "grade is required", errorMessage(t, w.Body.Bytes()))
	})

	t.Run("out-of-range grade is 400", func(t *testing.T) {
		srv := newTestServer(t)
		_, token := signupAndLogin(t, srv, "ana@example.com")
		book := createBook(t, srv, token, "Strict", 2020)

		w := doRequest(srv, http.MethodPost, "/api/v1/books/"+book.ID+"/rating", token,
			"application/json", strings.NewReader(`{"grade":9}`))
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestBestRatingEndpoint(t *testing.T) {
	t.Run("empty catalog is 404", func(t *testing.T) {
		srv := newTestServer(t)

		w := doRequest(srv, http.MethodGet, "/api/v1/books/bestrating", "", "", nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("returns the top three by average", func(t *testing.T) {
		srv := newTestServer(t)
		_, ownerToken := signupAndLogin(t, srv, "owner@example.com")

		titles := []string{"Quatre", "Un", "Trois", "Deux"}
		grades := map[string]float64{"Un": 1, "Deux": 2, "Trois": 3, "Quatre": 4}
		for _, title := range titles {
			book := createBook(t, srv, ownerToken, title, 2020)
			_, raterToken := signupAndLogin(t, srv, strings.ToLower(title)+"@example.com")
			w := doRequest(srv, http.MethodPost, "/api/v1/books/"+book.ID+"/rating", raterToken,
				"application/json", strings.NewReader(fmt.Sprintf(`{"grade":%v}`, grades[title])))
			require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		}

		w := doRequest(srv, http.MethodGet, "/api/v1/books/bestrating", "", "", nil)
		require.Equal(t, http.StatusOK, w.Code)

		var top []domain.Book
		decodeData(t, w.Body.Bytes(), &top)
		require.Len(t, top, 3)
		assert.Equal(t, "Quatre", top[0].Title)
		assert.Equal(t, "Trois", top[1].Title)
		assert.Equal(t, "Deux", top[2].Title)
	})

	t.Run("limit query narrows the ranking", func(t *testing.T) {
		srv := newTestServer(t)
		_, token := signupAndLogin(t, srv, "ana@example.com")
		createBook(t, srv, token, "Seul", 2020)
		createBook(t, srv, token, "Autre", 2021)

		w := doRequest(srv, http.MethodGet, "/api/v1/books/bestrating?limit=1", "", "", nil)
		require.Equal(t, http.StatusOK, w.Code)

		var top []domain.Book
		decodeData(t, w.Body.Bytes(), &top)
		assert.Len(t, top, 1)

		w = doRequest(srv, http.MethodGet, "/api/v1/books/bestrating?limit=zero", "", "", nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestRateLimiting(t *testing.T) {
	srv := newTestServer(t)
	// Swap in a tiny budget to trip the limiter deterministically.
	srv.limiter.Stop()
	srv.limiter = ratelimit.New(1, 2)
	t.Cleanup(srv.limiter.Stop)

	codes := make(map[int]int)
	for i := 0; i < 5; i++ {
		w := doRequest(srv, http.MethodGet, "/health", "", "", nil)
		codes[w.Code]++
	}

	assert.Equal(t, 2, codes[http.StatusOK])
	assert.Equal(t, 3, codes[http.StatusTooManyRequests])
}
