package remote

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

// Uploader posts artifact files (screenshots, save bundles) to one
// remote service. The file's SHA-1 digest rides along as a query
// parameter so the server can deduplicate a retried upload whose
// earlier response was lost.
type Uploader struct {
	base   string
	client *Client

	// digest of the last hashed file, so a retry of the same path
	// doesn't rehash it.
	digestPath string
	digest     string
}

// NewUploader creates an uploader for the given base URL.
func NewUploader(base string, client *Client) *Uploader {
	if client == nil {
		client = NewClient()
	}
	return &Uploader{base: base, client: client}
}

// UploadFile posts the file at path into the named remote directory.
// contentType may be empty for opaque save data.
func (u *Uploader) UploadFile(ctx context.Context, path, directory, contentType string) error {
	digest, err := u.digestFor(path)
	if err != nil {
		return fmt.Errorf("failed to digest %s: %w", path, err)
	}

	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer file.Close()

	url := joinURL(u.base, directory) + "?digest=" + digest

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, file)
	if err != nil {
		return fmt.Errorf("failed to build upload request: %w", err)
	}
	req.Header.Set("X-Study-Basename", filepath.Base(path))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := u.client.upload.Do(req)
	if err != nil {
		return fmt.Errorf("failed to upload %s: %w", path, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	return classify(resp)
}

// Digest returns the SHA-1 hex digest of the file at path.
func (u *Uploader) Digest(path string) (string, error) {
	return u.digestFor(path)
}

func (u *Uploader) digestFor(path string) (string, error) {
	if u.digestPath == path && u.digest != "" {
		return u.digest, nil
	}

	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close()

	h := sha1.New()
	if _, err := io.Copy(h, file); err != nil {
		return "", err
	}

	u.digestPath = path
	u.digest = hex.EncodeToString(h.Sum(nil))
	return u.digest, nil
}

// ScreenshotContentType maps a screenshot file extension to its MIME
// type.
func ScreenshotContentType(path string) string {
	if strings.EqualFold(filepath.Ext(path), ".jpg") {
		return "image/jpeg"
	}
	return "image/png"
}
