package blobstore

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/billfold-app/billfold/internal/common"
)

// Store is the durable document store. This subsystem only reads; uploads
// come through the ingest surface.
type Store interface {
	Download(ctx context.Context, path string) ([]byte, error)
	SignedURL(path string, ttl time.Duration) (string, error)
}

// Writer is the upload side, consumed by the ingest handler only.
type Writer interface {
	Put(ctx context.Context, path string, data []byte) error
}

// FSStore keeps blobs on the local filesystem under a single root and signs
// expiring URLs with an HMAC so the static file surface can verify them.
type FSStore struct {
	root    string
	secret  []byte
	urlBase string
}

func NewFSStore(root, secret, urlBase string) (*FSStore, error) {
	if root == "" {
		return nil, fmt.Errorf("blob root is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create blob root: %w", err)
	}
	return &FSStore{root: root, secret: []byte(secret), urlBase: strings.TrimRight(urlBase, "/")}, nil
}

// resolve rejects paths that escape the root.
func (s *FSStore) resolve(path string) (string, error) {
	clean := filepath.Clean("/" + path)
	full := filepath.Join(s.root, clean)
	if !strings.HasPrefix(full, filepath.Clean(s.root)+string(os.PathSeparator)) {
		return "", fmt.Errorf("%w: blob path %q", common.ErrInvalidInput, path)
	}
	return full, nil
}

func (s *FSStore) Download(_ context.Context, path string) ([]byte, error) {
	full, err := s.resolve(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: blob %q", common.ErrNotFound, path)
	}
	if err != nil {
		return nil, fmt.Errorf("read blob: %w", err)
	}
	return data, nil
}

func (s *FSStore) Put(_ context.Context, path string, data []byte) error {
	full, err := s.resolve(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fmt.Errorf("create blob dir: %w", err)
	}
	if err := os.WriteFile(full, data, 0o644); err != nil {
		return fmt.Errorf("write blob: %w", err)
	}
	return nil
}

// SignedURL returns a time-limited URL of the form
// <base>/<path>?expires=<unix>&sig=<hmac(path|expires)>.
func (s *FSStore) SignedURL(path string, ttl time.Duration) (string, error) {
	if _, err := s.resolve(path); err != nil {
		return "", err
	}
	expires := time.Now().Add(ttl).Unix()
	sig := s.sign(path, expires)
	return fmt.Sprintf("%s/%s?expires=%d&sig=%s",
		s.urlBase, strings.TrimLeft(path, "/"), expires, sig), nil
}

// VerifySignedURL checks the signature and expiry of a previously issued URL.
func (s *FSStore) VerifySignedURL(path string, query url.Values) bool {
	expStr := query.Get("expires")
	sig := query.Get("sig")
	expires, err := strconv.ParseInt(expStr, 10, 64)
	if err != nil || sig == "" {
		return false
	}
	if time.Now().Unix() > expires {
		return false
	}
	return hmac.Equal([]byte(sig), []byte(s.sign(path, expires)))
}

func (s *FSStore) sign(path string, expires int64) string {
	mac := hmac.New(sha256.New, s.secret)
	fmt.Fprintf(mac, "%s|%d", path, expires)
	return hex.EncodeToString(mac.Sum(nil))
}
