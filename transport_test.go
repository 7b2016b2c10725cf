package chainlog

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

//revive:disable:cyclomatic High complexity acceptable in tests
//revive:disable:cognitive-complexity High complexity acceptable in tests
//revive:disable:function-length Long test functions are acceptable

func testDocument(t *testing.T) Document {
	t.Helper()
	return NewDocument(chainOf(t, "2026-01-01", "2026-01-02"), nil)
}

func TestLocalPublisher(t *testing.T) {
	at := time.Date(2026, 1, 2, 0, 3, 0, 0, time.UTC)
	p := NewLocalPublisher(func() time.Time { return at })

	doc := testDocument(t)
	got, err := p.Publish(context.Background(), doc)
	if err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if !got.Equal(at) {
		t.Errorf("publish instant = %v, want %v", got, at)
	}
	if n := len(p.Published()); n != 1 {
		t.Fatalf("expected 1 published document, got %d", n)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := p.Publish(ctx, doc); err == nil {
		t.Error("expected error on cancelled context")
	}
}

func TestFolderPublisher(t *testing.T) {
	tmpDir := filepath.Join(t.TempDir(), "public")
	at := time.Date(2026, 1, 2, 0, 4, 0, 0, time.UTC)

	fp, err := NewFolderPublisher(tmpDir, func() time.Time { return at })
	if err != nil {
		t.Fatalf("NewFolderPublisher failed: %v", err)
	}

	doc := testDocument(t)
	got, err := fp.Publish(context.Background(), doc)
	if err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if !got.Equal(at) {
		t.Errorf("publish instant = %v, want %v", got, at)
	}

	loaded, err := fp.LoadDocument()
	if err != nil {
		t.Fatalf("LoadDocument failed: %v", err)
	}
	if len(loaded.Entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(loaded.Entries))
	}
	if err := VerifyChain(loaded.Entries); err != nil {
		t.Errorf("published chain does not verify: %v", err)
	}

	latest, err := os.ReadFile(filepath.Join(tmpDir, PublishedLatestName))
	if err != nil {
		t.Fatalf("latest.json missing: %v", err)
	}
	if !VerifySerializedEntry(latest) {
		t.Error("latest.json does not verify in isolation")
	}
}

func TestFolderPublisher_EmptyDocument(t *testing.T) {
	tmpDir := t.TempDir()
	fp, err := NewFolderPublisher(tmpDir, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := fp.Publish(context.Background(), NewDocument(nil, nil)); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(tmpDir, PublishedLatestName)); !os.IsNotExist(err) {
		t.Error("latest.json should not exist for an empty log")
	}
	if _, err := fp.LoadDocument(); err != nil {
		t.Errorf("empty document should load: %v", err)
	}
}

func TestHTTPPublisher(t *testing.T) {
	var received Document
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type = %q", ct)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	p := NewHTTPPublisher(server.URL)
	if _, err := p.Publish(context.Background(), testDocument(t)); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if len(received.Entries) != 2 || received.Latest == nil {
		t.Fatalf("server received %+v", received)
	}
}

func TestHTTPPublisher_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "bucket unavailable", http.StatusBadGateway)
	}))
	defer server.Close()

	_, err := NewHTTPPublisher(server.URL).Publish(context.Background(), testDocument(t))
	if err == nil {
		t.Fatal("expected error for 502")
	}
	if !strings.Contains(err.Error(), "502") || !strings.Contains(err.Error(), "bucket unavailable") {
		t.Errorf("error lacks status or body: %v", err)
	}
}

func TestProtoHTTPPublisher(t *testing.T) {
	var entries int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ct := r.Header.Get("Content-Type"); ct != ProtoContentType {
			t.Errorf("Content-Type = %q", ct)
		}
		body, _ := io.ReadAll(r.Body)
		var msg structpb.Struct
		if err := proto.Unmarshal(body, &msg); err != nil {
			t.Errorf("unmarshal: %v", err)
		}
		entries = len(msg.Fields["entries"].GetListValue().GetValues())
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	if _, err := NewProtoHTTPPublisher(server.URL).Publish(context.Background(), testDocument(t)); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if entries != 2 {
		t.Errorf("server decoded %d entries, want 2", entries)
	}
}

// fakeS3 records PutObject calls.
type fakeS3 struct {
	puts    map[string][]byte
	inputs  []*s3.PutObjectInput
	failKey string
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if *in.Key == f.failKey {
		return nil, io.ErrUnexpectedEOF
	}
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	if f.puts == nil {
		f.puts = make(map[string][]byte)
	}
	f.puts[*in.Key] = body
	f.inputs = append(f.inputs, in)
	return &s3.PutObjectOutput{}, nil
}

func TestS3Publisher(t *testing.T) {
	fake := &fakeS3{}
	at := time.Date(2026, 1, 2, 0, 2, 0, 0, time.UTC)
	p := newS3Publisher(fake, "bucket", "public/", func() time.Time { return at })

	got, err := p.Publish(context.Background(), testDocument(t))
	if err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if !got.Equal(at) {
		t.Errorf("publish instant = %v", got)
	}
	if err := ValidateDocument(fake.puts["public/log.json"]); err != nil {
		t.Errorf("uploaded log.json invalid: %v", err)
	}
	if !VerifySerializedEntry(fake.puts["public/latest.json"]) {
		t.Error("uploaded latest.json does not verify")
	}
	for _, in := range fake.inputs {
		if *in.Bucket != "bucket" || *in.ContentType != "application/json" || *in.CacheControl != "no-cache" {
			t.Errorf("unexpected put input: bucket=%s ct=%s cc=%s", *in.Bucket, *in.ContentType, *in.CacheControl)
		}
	}
}

func TestS3Publisher_Failure(t *testing.T) {
	fake := &fakeS3{failKey: "latest.json"}
	p := newS3Publisher(fake, "bucket", "", time.Now)
	if _, err := p.Publish(context.Background(), testDocument(t)); err == nil {
		t.Fatal("expected error when latest.json upload fails")
	}
}

func TestNewS3Publisher_RequiresBucket(t *testing.T) {
	if _, err := NewS3Publisher(context.Background(), S3PublisherConfig{}); err == nil {
		t.Fatal("expected error without bucket")
	}
}
