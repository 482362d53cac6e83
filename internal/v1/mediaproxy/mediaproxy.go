// Package mediaproxy is the HTTP handler that fronts an upstream media
// source: it resolves metadata, decides between a direct Range passthrough
// and an on-demand transcode, and streams the result back to the client
// without ever buffering the whole body.
package mediaproxy

import (
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/watchparty/server/internal/v1/logging"
	"github.com/watchparty/server/internal/v1/mediasource"
	"github.com/watchparty/server/internal/v1/metrics"
	"github.com/watchparty/server/internal/v1/transcoder"
	"go.uber.org/zap"
)

var rangeRe = regexp.MustCompile(`^bytes=(\d*)-(\d*)$`)

// Proxy implements the /api/video/* endpoints.
type Proxy struct {
	source   mediasource.MediaSource
	registry *transcoder.Registry
}

func New(source mediasource.MediaSource, registry *transcoder.Registry) *Proxy {
	return &Proxy{source: source, registry: registry}
}

// Metadata handles GET /api/video/metadata?url=U.
func (p *Proxy) Metadata(c *gin.Context) {
	url := c.Query("url")
	if url == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "url is required"})
		return
	}
	meta, err := p.source.Metadata(c.Request.Context(), url)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": fmt.Sprintf("resolve media metadata: %v", err)})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"name":             meta.Name,
		"mimeType":         meta.MimeType,
		"size":             meta.Size,
		"needsTranscoding": meta.NeedsTranscoding,
		"isMKV":            meta.IsMKV,
	})
}

// Info handles GET /api/video/info?url=U.
func (p *Proxy) Info(c *gin.Context) {
	url := c.Query("url")
	if url == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "url is required"})
		return
	}
	meta, err := p.source.Metadata(c.Request.Context(), url)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": fmt.Sprintf("resolve media metadata: %v", err)})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"name":             meta.Name,
		"mimeType":         meta.MimeType,
		"size":             meta.Size,
		"needsTranscoding": meta.NeedsTranscoding,
		"isMKV":            meta.IsMKV,
		"streamUrl":        "/api/video/stream?url=" + url,
	})
}

// Stream handles GET /api/video/stream?url=U, branching between
// passthrough and encode mode per §4.3.
func (p *Proxy) Stream(c *gin.Context) {
	url := c.Query("url")
	if url == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "url is required"})
		return
	}

	ctx := c.Request.Context()
	meta, err := p.source.Metadata(ctx, url)
	if err != nil {
		metrics.MediaProxyRequests.WithLabelValues("unknown", "upstream_error").Inc()
		c.JSON(http.StatusBadGateway, gin.H{"error": fmt.Sprintf("resolve media metadata: %v", err)})
		return
	}

	if !meta.NeedsTranscoding {
		p.passthrough(c, url)
		return
	}
	p.encode(c, url, meta)
}

func (p *Proxy) passthrough(c *gin.Context, url string) {
	var rng *mediasource.Range
	if h := c.GetHeader("Range"); h != "" {
		if r, ok := parseRange(h); ok {
			rng = r
		}
	}

	result, err := p.source.Open(c.Request.Context(), url, rng)
	if err != nil {
		metrics.MediaProxyRequests.WithLabelValues("passthrough", "upstream_error").Inc()
		c.JSON(http.StatusBadGateway, gin.H{"error": fmt.Sprintf("open upstream media: %v", err)})
		return
	}
	defer result.Body.Close()

	w := c.Writer
	if result.ContentRange != "" {
		w.Header().Set("Content-Range", result.ContentRange)
	}
	w.Header().Set("Accept-Ranges", "bytes")
	if result.ContentType != "" {
		w.Header().Set("Content-Type", result.ContentType)
	}
	if result.ContentLength > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(result.ContentLength, 10))
	}
	w.WriteHeader(result.StatusCode)

	if _, err := io.Copy(w, result.Body); err != nil {
		logging.Warn(c.Request.Context(), "passthrough stream interrupted", zap.String("url", url), zap.Error(err))
	}
	metrics.MediaProxyRequests.WithLabelValues("passthrough", "ok").Inc()
}

func (p *Proxy) encode(c *gin.Context, url string, meta mediasource.Metadata) {
	ctx := c.Request.Context()

	result, err := p.source.Open(ctx, url, nil)
	if err != nil {
		metrics.MediaProxyRequests.WithLabelValues("encode", "upstream_error").Inc()
		c.JSON(http.StatusBadGateway, gin.H{"error": fmt.Sprintf("open upstream media: %v", err)})
		return
	}

	profile := transcoder.Select(meta.Size, 0, meta.IsMKV)
	_, ch, detach, err := p.registry.Attach(ctx, url, profile, result.Body)
	if err != nil {
		metrics.MediaProxyRequests.WithLabelValues("encode", "spawn_error").Inc()
		c.JSON(http.StatusBadGateway, gin.H{"error": fmt.Sprintf("start transcode: %v", err)})
		return
	}
	defer detach()

	var skip int64
	if h := c.GetHeader("Range"); h != "" {
		if r, ok := parseRange(h); ok {
			skip = r.Start
		}
	}

	// Peek-before-commit: block for the first chunk before writing any
	// response header, so a failed encoder spawn surfaces as a clean error
	// rather than a half-written 200.
	first, ok := <-ch
	if !ok {
		metrics.MediaProxyRequests.WithLabelValues("encode", "spawn_error").Inc()
		c.JSON(http.StatusBadGateway, gin.H{"error": "transcode produced no output"})
		return
	}

	w := c.Writer
	status := http.StatusOK
	if skip > 0 {
		status = http.StatusPartialContent
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-*/*", skip))
	}
	w.Header().Set("Content-Type", "video/mp4")
	w.Header().Set("Accept-Ranges", "bytes")
	w.WriteHeader(status)

	remaining := skip
	write := func(chunk []byte) bool {
		if remaining > 0 {
			if int64(len(chunk)) <= remaining {
				remaining -= int64(len(chunk))
				return true
			}
			chunk = chunk[remaining:]
			remaining = 0
		}
		if _, err := w.Write(chunk); err != nil {
			return false
		}
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		return true
	}

	if !write(first) {
		metrics.MediaProxyRequests.WithLabelValues("encode", "client_disconnect").Inc()
		return
	}

	for {
		select {
		case chunk, ok := <-ch:
			if !ok {
				metrics.MediaProxyRequests.WithLabelValues("encode", "ok").Inc()
				return
			}
			if !write(chunk) {
				metrics.MediaProxyRequests.WithLabelValues("encode", "client_disconnect").Inc()
				return
			}
		case <-ctx.Done():
			metrics.MediaProxyRequests.WithLabelValues("encode", "client_disconnect").Inc()
			return
		}
	}
}

// parseRange parses a single-range "bytes=a-b" header. End == -1 means
// "to EOF". Multi-range requests are not supported and fall back to no
// range (ok == false).
func parseRange(header string) (*mediasource.Range, bool) {
	m := rangeRe.FindStringSubmatch(header)
	if m == nil {
		return nil, false
	}
	start, end := m[1], m[2]
	if start == "" {
		return nil, false // suffix ranges ("bytes=-500") are not supported
	}
	s, err := strconv.ParseInt(start, 10, 64)
	if err != nil {
		return nil, false
	}
	e := int64(-1)
	if end != "" {
		if e, err = strconv.ParseInt(end, 10, 64); err != nil {
			return nil, false
		}
	}
	return &mediasource.Range{Start: s, End: e}, true
}
