package repair

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	readability "github.com/go-shiori/go-readability"
)

// knowledgeByteLimit caps how much distilled text one source contributes to
// a repair prompt.
const knowledgeByteLimit = 8 * 1024

// KnowledgeFetcher pulls readable text from configured documentation pages
// for inclusion in repair prompts. It is read-only and best-effort: a
// failing source is skipped, never fatal.
type KnowledgeFetcher struct {
	sources []string
	client  *http.Client
	logger  *slog.Logger
}

// NewKnowledgeFetcher creates a fetcher over the configured source URLs.
func NewKnowledgeFetcher(sources []string, logger *slog.Logger) *KnowledgeFetcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &KnowledgeFetcher{
		sources: sources,
		client:  &http.Client{Timeout: 15 * time.Second},
		logger:  logger,
	}
}

// Fetch returns the concatenated readable text of all reachable sources.
func (k *KnowledgeFetcher) Fetch(ctx context.Context) string {
	if k == nil || len(k.sources) == 0 {
		return ""
	}

	var b strings.Builder
	for _, src := range k.sources {
		text, err := k.fetchOne(ctx, src)
		if err != nil {
			k.logger.Warn("Skipping knowledge source", "url", src, "error", err)
			continue
		}
		if text == "" {
			continue
		}
		fmt.Fprintf(&b, "--- %s ---\n%s\n\n", src, text)
	}
	return b.String()
}

func (k *KnowledgeFetcher) fetchOne(ctx context.Context, src string) (string, error) {
	pageURL, err := url.Parse(src)
	if err != nil {
		return "", fmt.Errorf("parse source url: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return "", err
	}

	resp, err := k.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("source returned %d", resp.StatusCode)
	}

	article, err := readability.FromReader(resp.Body, pageURL)
	if err != nil {
		return "", fmt.Errorf("extract readable text: %w", err)
	}

	text := strings.TrimSpace(article.TextContent)
	if len(text) > knowledgeByteLimit {
		text = text[:knowledgeByteLimit]
	}
	return text, nil
}
