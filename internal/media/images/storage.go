// Package images provides cover image processing and storage.
package images

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// localRefPrefix is the public URL path prefix for locally stored images.
const localRefPrefix = "/images/"

// remoteTimeout is the maximum time for a remote blob operation.
const remoteTimeout = 30 * time.Second

// Storage persists processed cover images and hands back a reference
// that clients can resolve to a URL.
type Storage interface {
	// Store writes image data under the given filename and returns its reference.
	Store(ctx context.Context, filename string, data []byte) (string, error)
	// Remove deletes the image behind a previously returned reference.
	// Removing an unknown reference is not an error.
	Remove(ctx context.Context, ref string) error
}

// LocalStorage stores images on the local filesystem and serves them
// from the /images/ static route.
// Thread-safe for concurrent operations.
type LocalStorage struct {
	basePath string
	mu       sync.RWMutex // Protects file operations
}

// NewLocalStorage creates a LocalStorage rooted at basePath
// (e.g. ~/Grimoire/data/images). The directory is created if missing.
func NewLocalStorage(basePath string) (*LocalStorage, error) {
	if basePath == "" {
		return nil, fmt.Errorf("base path cannot be empty")
	}

	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create images directory: %w", err)
	}

	return &LocalStorage{basePath: basePath}, nil
}

// Store writes the image to disk and returns a "/images/{filename}" reference.
func (s *LocalStorage) Store(ctx context.Context, filename string, data []byte) (string, error) {
	if err := validateStoreArgs(filename, data); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.WriteFile(filepath.Join(s.basePath, filename), data, 0644); err != nil {
		return "", fmt.Errorf("failed to write image file: %w", err)
	}

	return localRefPrefix + filename, nil
}

// Remove deletes the image file behind ref. Missing files are ignored.
func (s *LocalStorage) Remove(ctx context.Context, ref string) error {
	filename, ok := strings.CutPrefix(ref, localRefPrefix)
	if !ok || filename == "" {
		return fmt.Errorf("not a local image reference: %q", ref)
	}
	// Reject references that escape the images directory.
	if filename != path.Base(filename) {
		return fmt.Errorf("invalid image reference: %q", ref)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(filepath.Join(s.basePath, filename)); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to delete image file: %w", err)
	}

	return nil
}

// Exists reports whether a local reference resolves to a file on disk.
func (s *LocalStorage) Exists(ref string) bool {
	filename, ok := strings.CutPrefix(ref, localRefPrefix)
	if !ok || filename == "" {
		return false
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	_, err := os.Stat(filepath.Join(s.basePath, filename))
	return err == nil
}

// Path returns the filesystem path a local reference resolves to.
func (s *LocalStorage) Path(ref string) string {
	filename := strings.TrimPrefix(ref, localRefPrefix)
	return filepath.Join(s.basePath, filename)
}

// RemoteStorage stores images in an external blob service via HTTP.
// The reference it returns is the absolute URL of the uploaded object.
type RemoteStorage struct {
	baseURL    string
	httpClient *http.Client
}

// NewRemoteStorage creates a RemoteStorage uploading to baseURL
// (e.g. https://blobs.example.com/covers).
func NewRemoteStorage(baseURL string) (*RemoteStorage, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid remote storage URL: %q", baseURL)
	}

	return &RemoteStorage{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: remoteTimeout},
	}, nil
}

// Store uploads the image with an HTTP PUT and returns its URL.
func (s *RemoteStorage) Store(ctx context.Context, filename string, data []byte) (string, error) {
	if err := validateStoreArgs(filename, data); err != nil {
		return "", err
	}

	objectURL := s.baseURL + "/" + filename

	reqCtx, cancel := context.WithTimeout(ctx, remoteTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPut, objectURL, bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("create upload request: %w", err)
	}
	req.Header.Set("Content-Type", "image/jpeg")
	req.ContentLength = int64(len(data))

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("upload image: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body) //nolint:errcheck // Drain for connection reuse

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("upload failed: status %d", resp.StatusCode)
	}

	return objectURL, nil
}

// Remove deletes the uploaded object with an HTTP DELETE.
// A 404 from the blob service is treated as already deleted.
func (s *RemoteStorage) Remove(ctx context.Context, ref string) error {
	if !strings.HasPrefix(ref, s.baseURL+"/") {
		return fmt.Errorf("not a remote image reference: %q", ref)
	}

	reqCtx, cancel := context.WithTimeout(ctx, remoteTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodDelete, ref, nil)
	if err != nil {
		return fmt.Errorf("create delete request: %w", err)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("delete image: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body) //nolint:errcheck // Drain for connection reuse

	if resp.StatusCode != http.StatusNotFound && (resp.StatusCode < 200 || resp.StatusCode >= 300) {
		return fmt.Errorf("delete failed: status %d", resp.StatusCode)
	}

	return nil
}

func validateStoreArgs(filename string, data []byte) error {
	if filename == "" {
		return fmt.Errorf("filename cannot be empty")
	}
	if filename != path.Base(filename) {
		return fmt.Errorf("invalid filename: %q", filename)
	}
	if len(data) == 0 {
		return fmt.Errorf("image data cannot be empty")
	}
	return nil
}
