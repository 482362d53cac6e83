// Package mediasource resolves opaque media identifiers to ranged byte
// streams. The MediaProxy never talks to an upstream blob store directly —
// it only ever goes through this interface.
package mediasource

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"
)

// Metadata describes a media item without fetching its body.
type Metadata struct {
	ID               string
	Name             string
	MimeType         string
	Size             int64 // -1 if unknown
	NeedsTranscoding bool
	IsMKV            bool
}

// browserFriendlyMimeTypes never require transcoding to play in a <video> tag.
var browserFriendlyMimeTypes = map[string]bool{
	"video/mp4":  true,
	"video/webm": true,
	"video/ogg":  true,
}

// Range describes an inclusive byte range request; End == -1 means "to EOF".
type Range struct {
	Start int64
	End   int64
}

// OpenResult is the response to Open: a stream, whether the upstream honored
// the range (206) or returned the whole body (200), the Content-Range value
// to echo (empty if the upstream did not send one), and the total size.
type OpenResult struct {
	Body          io.ReadCloser
	StatusCode    int
	ContentRange  string
	ContentLength int64
	TotalSize     int64
	ContentType   string
}

// MediaSource resolves an opaque id (in this implementation, an upstream
// URL) to metadata and ranged byte streams.
type MediaSource interface {
	Metadata(ctx context.Context, id string) (Metadata, error)
	Open(ctx context.Context, id string, rng *Range) (*OpenResult, error)
}

// HTTPMediaSource treats id as an upstream HTTP(S) URL and issues ranged
// GET requests against it directly — the simplest possible MediaSource,
// grounded on the proxy-passthrough style used throughout the reference
// pack's HTTP handlers.
type HTTPMediaSource struct {
	client *http.Client
}

func NewHTTPMediaSource(client *http.Client) *HTTPMediaSource {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPMediaSource{client: client}
}

func (h *HTTPMediaSource) Metadata(ctx context.Context, id string) (Metadata, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, id, nil)
	if err != nil {
		return Metadata{}, fmt.Errorf("build HEAD request: %w", err)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return Metadata{}, fmt.Errorf("fetch media metadata: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return Metadata{}, fmt.Errorf("upstream returned %d for %s", resp.StatusCode, id)
	}

	mimeType := resp.Header.Get("Content-Type")
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	size := int64(-1)
	if cl := resp.Header.Get("Content-Length"); cl != "" {
		if n, err := strconv.ParseInt(cl, 10, 64); err == nil {
			size = n
		}
	}

	name := path.Base(id)
	isMKV := strings.HasSuffix(strings.ToLower(name), ".mkv") || mimeType == "video/x-matroska"

	return Metadata{
		ID:               id,
		Name:             name,
		MimeType:         mimeType,
		Size:             size,
		NeedsTranscoding: !browserFriendlyMimeTypes[mimeType] || isMKV,
		IsMKV:            isMKV,
	}, nil
}

// Open issues a GET to the upstream URL, forwarding rng as a Range header
// when provided.
func (h *HTTPMediaSource) Open(ctx context.Context, id string, rng *Range) (*OpenResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, id, nil)
	if err != nil {
		return nil, fmt.Errorf("build GET request: %w", err)
	}
	if rng != nil {
		if rng.End >= 0 {
			req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", rng.Start, rng.End))
		} else {
			req.Header.Set("Range", fmt.Sprintf("bytes=%d-", rng.Start))
		}
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("open upstream media: %w", err)
	}
	if resp.StatusCode >= 400 {
		resp.Body.Close()
		return nil, fmt.Errorf("upstream returned %d for %s", resp.StatusCode, id)
	}

	total := int64(-1)
	if cr := resp.Header.Get("Content-Range"); cr != "" {
		if idx := strings.LastIndex(cr, "/"); idx >= 0 && idx+1 < len(cr) {
			if n, err := strconv.ParseInt(cr[idx+1:], 10, 64); err == nil {
				total = n
			}
		}
	} else if cl := resp.Header.Get("Content-Length"); cl != "" {
		if n, err := strconv.ParseInt(cl, 10, 64); err == nil {
			total = n
		}
	}

	return &OpenResult{
		Body:          resp.Body,
		StatusCode:    resp.StatusCode,
		ContentRange:  resp.Header.Get("Content-Range"),
		ContentLength: resp.ContentLength,
		TotalSize:     total,
		ContentType:   resp.Header.Get("Content-Type"),
	}, nil
}
