package objectstore

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskmend/taskmend/config"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	opts := &server.Options{
		Port:      -1, // Random available port
		JetStream: true,
		StoreDir:  t.TempDir(),
		NoLog:     true,
		NoSigs:    true,
	}

	ns, err := server.NewServer(opts)
	require.NoError(t, err)

	go ns.Start()
	require.True(t, ns.ReadyForConnections(5*time.Second))
	t.Cleanup(func() {
		ns.Shutdown()
		ns.WaitForShutdown()
	})

	conn, err := nats.Connect(ns.ClientURL())
	require.NoError(t, err)
	t.Cleanup(conn.Close)

	js, err := jetstream.New(conn)
	require.NoError(t, err)

	s, err := New(context.Background(), js, config.ObjectStoreConfig{
		Bucket:        "TASKMEND_REPORTS",
		PublicBaseURL: "https://reports.example.com/",
	})
	require.NoError(t, err)

	return s
}

func TestUploadHTML(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	content := []byte(`<html><head><title>Widget Report</title></head><body>42 items</body></html>`)

	result, err := s.UploadHTML(ctx, content, "r.html", map[string]string{"task": "t1"})
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(result.PublicURL, "https://reports.example.com/"))
	assert.True(t, strings.HasSuffix(result.PublicURL, "/r.html"))
	assert.Equal(t, int64(len(content)), result.ContentLength)
	assert.False(t, result.UploadTime.IsZero())

	got, err := s.Get(ctx, result.FilePath)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestUploadHTMLUniqueURLs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	content := []byte(`<html><body>same name</body></html>`)

	first, err := s.UploadHTML(ctx, content, "r.html", nil)
	require.NoError(t, err)
	second, err := s.UploadHTML(ctx, content, "r.html", nil)
	require.NoError(t, err)

	assert.NotEqual(t, first.PublicURL, second.PublicURL,
		"same filename must yield distinct immutable URLs")
}

func TestUploadHTMLValidation(t *testing.T) {
	s := newTestStore(t)

	_, err := s.UploadHTML(context.Background(), nil, "r.html", nil)
	assert.ErrorContains(t, err, "content is required")
}

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"r.html", "r.html"},
		{"../../etc/passwd", "passwd"},
		{"dir/report.html", "report.html"},
		{"  ", "report.html"},
		{"", "report.html"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, sanitizeFilename(tt.in), "input %q", tt.in)
	}
}

func TestExtractTitle(t *testing.T) {
	assert.Equal(t, "Widget Report",
		ExtractTitle([]byte(`<html><head><title>Widget Report</title></head></html>`)))
	assert.Equal(t, "", ExtractTitle([]byte(`<html><body>no title</body></html>`)))
	assert.Equal(t, "", ExtractTitle(nil))
}
