package chainlog

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"google.golang.org/protobuf/proto"
)

// ProtoHTTPPublisher implements Publisher using Protocol Buffers over HTTP/HTTPS.
// The body is a google.protobuf.Struct carrying the document's JSON fields.
type ProtoHTTPPublisher struct {
	URL    string
	Client *http.Client
	clock  func() time.Time
}

// NewProtoHTTPPublisher creates a new Protocol Buffer HTTP publisher.
func NewProtoHTTPPublisher(url string) *ProtoHTTPPublisher {
	return &ProtoHTTPPublisher{
		URL:    url,
		Client: &http.Client{Timeout: 30 * time.Second},
		clock:  time.Now,
	}
}

// Publish sends the document via HTTP POST using protobuf.
func (p *ProtoHTTPPublisher) Publish(ctx context.Context, doc Document) (time.Time, error) {
	msg, err := DocumentToProto(doc)
	if err != nil {
		return time.Time{}, fmt.Errorf("convert document: %w", err)
	}
	data, err := proto.Marshal(msg)
	if err != nil {
		return time.Time{}, fmt.Errorf("marshal document: %w", err)
	}
	return postBody(ctx, p.Client, p.URL, ProtoContentType, data, p.clock)
}
