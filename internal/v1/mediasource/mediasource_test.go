package mediasource

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newUpstream(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/video.mp4", func(w http.ResponseWriter, r *http.Request) {
		body := []byte("0123456789")
		w.Header().Set("Content-Type", "video/mp4")
		if rng := r.Header.Get("Range"); rng != "" {
			w.Header().Set("Content-Range", "bytes 2-5/10")
			w.WriteHeader(http.StatusPartialContent)
			_, _ = w.Write(body[2:6])
			return
		}
		w.Header().Set("Content-Length", "10")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(body)
	})
	mux.HandleFunc("/movie.mkv", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "video/x-matroska")
		w.Header().Set("Content-Length", "20")
		w.WriteHeader(http.StatusOK)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestHTTPMediaSource_Metadata_BrowserFriendly(t *testing.T) {
	srv := newUpstream(t)
	src := NewHTTPMediaSource(srv.Client())

	meta, err := src.Metadata(context.Background(), srv.URL+"/video.mp4")
	require.NoError(t, err)
	assert.Equal(t, "video/mp4", meta.MimeType)
	assert.False(t, meta.NeedsTranscoding)
	assert.False(t, meta.IsMKV)
	assert.EqualValues(t, 10, meta.Size)
}

func TestHTTPMediaSource_Metadata_MKVNeedsTranscoding(t *testing.T) {
	srv := newUpstream(t)
	src := NewHTTPMediaSource(srv.Client())

	meta, err := src.Metadata(context.Background(), srv.URL+"/movie.mkv")
	require.NoError(t, err)
	assert.True(t, meta.NeedsTranscoding)
	assert.True(t, meta.IsMKV)
}

func TestHTTPMediaSource_Open_ForwardsRange(t *testing.T) {
	srv := newUpstream(t)
	src := NewHTTPMediaSource(srv.Client())

	result, err := src.Open(context.Background(), srv.URL+"/video.mp4", &Range{Start: 2, End: 5})
	require.NoError(t, err)
	defer result.Body.Close()

	assert.Equal(t, http.StatusPartialContent, result.StatusCode)
	assert.Equal(t, "bytes 2-5/10", result.ContentRange)
	assert.EqualValues(t, 10, result.TotalSize)
}

func TestHTTPMediaSource_Open_NoRange(t *testing.T) {
	srv := newUpstream(t)
	src := NewHTTPMediaSource(srv.Client())

	result, err := src.Open(context.Background(), srv.URL+"/video.mp4", nil)
	require.NoError(t, err)
	defer result.Body.Close()

	assert.Equal(t, http.StatusOK, result.StatusCode)
	assert.EqualValues(t, 10, result.TotalSize)
}
