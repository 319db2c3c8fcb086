// Package objectstore provides HTML report storage on the JetStream object
// store, returning immutable public URLs.
package objectstore

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"
	"golang.org/x/net/html"

	"github.com/taskmend/taskmend/config"
)

// UploadResult describes a stored report.
type UploadResult struct {
	PublicURL     string    `json:"public_url"`
	FilePath      string    `json:"file_path"`
	ContentLength int64     `json:"content_length"`
	UploadTime    time.Time `json:"upload_time"`
}

// Store uploads opaque blobs and returns public URLs.
type Store struct {
	bucket        jetstream.ObjectStore
	publicBaseURL string
	logger        *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// New creates a Store, provisioning the object store bucket if needed.
func New(ctx context.Context, js jetstream.JetStream, cfg config.ObjectStoreConfig, opts ...Option) (*Store, error) {
	bucket, err := js.ObjectStore(ctx, cfg.Bucket)
	if err != nil {
		bucket, err = js.CreateObjectStore(ctx, jetstream.ObjectStoreConfig{
			Bucket:      cfg.Bucket,
			Description: "Taskmend uploaded reports",
		})
		if err != nil {
			return nil, fmt.Errorf("create object store bucket: %w", err)
		}
	}

	s := &Store{
		bucket:        bucket,
		publicBaseURL: strings.TrimSuffix(cfg.PublicBaseURL, "/"),
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	return s, nil
}

// UploadHTML stores an HTML report under a unique object name derived from
// filename and returns its public URL. Object names are never reused, so
// public URLs are immutable.
func (s *Store) UploadHTML(ctx context.Context, content []byte, filename string, meta map[string]string) (*UploadResult, error) {
	if len(content) == 0 {
		return nil, fmt.Errorf("content is required")
	}

	filename = sanitizeFilename(filename)
	objectName := fmt.Sprintf("%s/%s", uuid.New().String(), filename)

	headers := make(map[string][]string, len(meta)+1)
	headers["Content-Type"] = []string{"text/html; charset=utf-8"}
	for k, v := range meta {
		headers["X-Meta-"+k] = []string{v}
	}
	if title := ExtractTitle(content); title != "" {
		headers["X-Report-Title"] = []string{title}
	}

	info, err := s.bucket.Put(ctx, jetstream.ObjectMeta{
		Name:    objectName,
		Headers: headers,
	}, bytes.NewReader(content))
	if err != nil {
		return nil, fmt.Errorf("upload report: %w", err)
	}

	result := &UploadResult{
		PublicURL:     s.publicBaseURL + "/" + objectName,
		FilePath:      objectName,
		ContentLength: int64(info.Size),
		UploadTime:    time.Now(),
	}

	s.logger.Debug("Uploaded report",
		"object", objectName,
		"bytes", result.ContentLength)

	return result, nil
}

// Get retrieves a stored report by its file path.
func (s *Store) Get(ctx context.Context, filePath string) ([]byte, error) {
	data, err := s.bucket.GetBytes(ctx, filePath)
	if err != nil {
		return nil, fmt.Errorf("get report: %w", err)
	}
	return data, nil
}

// sanitizeFilename strips path components and defaults empty names.
func sanitizeFilename(name string) string {
	name = path.Base(strings.TrimSpace(name))
	if name == "" || name == "." || name == "/" {
		name = "report.html"
	}
	return name
}

// ExtractTitle returns the text of the first <title> element, or "" when the
// document has none or fails to parse.
func ExtractTitle(content []byte) string {
	doc, err := html.Parse(bytes.NewReader(content))
	if err != nil {
		return ""
	}

	var title string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if title != "" {
			return
		}
		if n.Type == html.ElementNode && n.Data == "title" {
			if n.FirstChild != nil && n.FirstChild.Type == html.TextNode {
				title = strings.TrimSpace(n.FirstChild.Data)
			}
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	return title
}
