package chainlog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Publisher pushes the log document to a distribution channel and returns
// the instant the publish completed. That instant is what the publish gate
// evaluates.
type Publisher interface {
	Publish(ctx context.Context, doc Document) (time.Time, error)
}

// Published document names.
const (
	PublishedLogName    = "log.json"
	PublishedLatestName = "latest.json"
)

func encodeDocument(doc Document) ([]byte, error) {
	return encodeJSON(doc)
}

func encodeJSON(v any) ([]byte, error) {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}
	return append(raw, '\n'), nil
}

// LocalPublisher keeps published documents in memory. Useful for tests or
// deployments where the log file is itself the public artifact.
type LocalPublisher struct {
	mu    sync.Mutex
	docs  []Document
	clock func() time.Time
}

// NewLocalPublisher creates an in-process publisher. A nil clock uses time.Now.
func NewLocalPublisher(clock func() time.Time) *LocalPublisher {
	if clock == nil {
		clock = time.Now
	}
	return &LocalPublisher{clock: clock}
}

// Publish records doc.
func (p *LocalPublisher) Publish(ctx context.Context, doc Document) (time.Time, error) {
	if err := ctx.Err(); err != nil {
		return time.Time{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.docs = append(p.docs, doc)
	return p.clock().UTC(), nil
}

// Published returns every document published so far.
func (p *LocalPublisher) Published() []Document {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Document(nil), p.docs...)
}

// FolderPublisher writes the document into a public directory, typically the
// web root served by a static site.
// Folder structure:
//
//	{dir}/log.json    - full Document
//	{dir}/latest.json - the latest Entry alone
type FolderPublisher struct {
	BaseDir string
	clock   func() time.Time
	mu      sync.Mutex
}

// NewFolderPublisher creates the directory if needed.
func NewFolderPublisher(dir string, clock func() time.Time) (*FolderPublisher, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	if clock == nil {
		clock = time.Now
	}
	return &FolderPublisher{BaseDir: dir, clock: clock}, nil
}

// Publish atomically replaces log.json and latest.json.
func (fp *FolderPublisher) Publish(ctx context.Context, doc Document) (time.Time, error) {
	if err := ctx.Err(); err != nil {
		return time.Time{}, err
	}
	fp.mu.Lock()
	defer fp.mu.Unlock()

	raw, err := encodeDocument(doc)
	if err != nil {
		return time.Time{}, err
	}
	if err := writeFileAtomic(filepath.Join(fp.BaseDir, PublishedLogName), raw, 0o644); err != nil {
		return time.Time{}, err
	}
	if doc.Latest != nil {
		latest, err := encodeJSON(doc.Latest)
		if err != nil {
			return time.Time{}, err
		}
		if err := writeFileAtomic(filepath.Join(fp.BaseDir, PublishedLatestName), latest, 0o644); err != nil {
			return time.Time{}, err
		}
	}
	return fp.clock().UTC(), nil
}

// LoadDocument reads a published log.json back, checking the closed schema.
func (fp *FolderPublisher) LoadDocument() (Document, error) {
	fp.mu.Lock()
	defer fp.mu.Unlock()

	raw, err := os.ReadFile(filepath.Join(fp.BaseDir, PublishedLogName))
	if err != nil {
		return Document{}, err
	}
	if err := ValidateDocument(raw); err != nil {
		return Document{}, err
	}
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return Document{}, fmt.Errorf("decode document: %w", err)
	}
	return doc, nil
}

// HTTPPublisher POSTs the document as JSON to a distribution endpoint.
type HTTPPublisher struct {
	URL    string       // Full endpoint URL (e.g., "https://publish.example.com/api/v1/log")
	Client *http.Client // HTTP client (can customize timeouts, TLS, etc.)
	clock  func() time.Time
}

// NewHTTPPublisher creates a JSON HTTP publisher.
func NewHTTPPublisher(url string) *HTTPPublisher {
	return &HTTPPublisher{
		URL:    url,
		Client: &http.Client{Timeout: 30 * time.Second},
		clock:  time.Now,
	}
}

// Publish sends doc and returns the instant the server acknowledged it.
func (p *HTTPPublisher) Publish(ctx context.Context, doc Document) (time.Time, error) {
	raw, err := encodeDocument(doc)
	if err != nil {
		return time.Time{}, err
	}
	return postBody(ctx, p.Client, p.URL, "application/json", raw, p.clock)
}

func postBody(ctx context.Context, client *http.Client, url, contentType string, body []byte, clock func() time.Time) (time.Time, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return time.Time{}, fmt.Errorf("build publish request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := client.Do(req)
	if err != nil {
		return time.Time{}, fmt.Errorf("post document: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return time.Time{}, fmt.Errorf("server returned %d: %s", resp.StatusCode, msg)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return clock().UTC(), nil
}
