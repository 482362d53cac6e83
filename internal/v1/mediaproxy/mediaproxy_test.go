package mediaproxy

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/watchparty/server/internal/v1/mediasource"
	"github.com/watchparty/server/internal/v1/transcoder"
)

func newUpstream(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/video.mp4", func(w http.ResponseWriter, r *http.Request) {
		body := []byte("0123456789")
		w.Header().Set("Content-Type", "video/mp4")
		if rng := r.Header.Get("Range"); rng != "" {
			w.Header().Set("Content-Range", "bytes 2-9/10")
			w.WriteHeader(http.StatusPartialContent)
			_, _ = w.Write(body[2:])
			return
		}
		w.Header().Set("Content-Length", "10")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(body)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestRouter(t *testing.T, upstream *httptest.Server) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	src := mediasource.NewHTTPMediaSource(upstream.Client())
	proxy := New(src, transcoder.NewRegistry(nil))

	r := gin.New()
	r.GET("/api/video/metadata", proxy.Metadata)
	r.GET("/api/video/info", proxy.Info)
	r.GET("/api/video/stream", proxy.Stream)
	return r
}

func TestMetadata_ReturnsBrowserFriendlyInfo(t *testing.T) {
	upstream := newUpstream(t)
	router := newTestRouter(t, upstream)

	req := httptest.NewRequest(http.MethodGet, "/api/video/metadata?url="+upstream.URL+"/video.mp4", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"needsTranscoding":false`)
}

func TestStream_PassthroughForwardsRange(t *testing.T) {
	upstream := newUpstream(t)
	router := newTestRouter(t, upstream)

	req := httptest.NewRequest(http.MethodGet, "/api/video/stream?url="+upstream.URL+"/video.mp4", nil)
	req.Header.Set("Range", "bytes=2-9")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusPartialContent, w.Code)
	assert.Equal(t, "bytes 2-9/10", w.Header().Get("Content-Range"))
	assert.Equal(t, "23456789", w.Body.String())
}

func TestStream_MissingURLReturnsBadRequest(t *testing.T) {
	upstream := newUpstream(t)
	router := newTestRouter(t, upstream)

	req := httptest.NewRequest(http.MethodGet, "/api/video/stream", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestParseRange_RejectsSuffixRange(t *testing.T) {
	_, ok := parseRange("bytes=-500")
	assert.False(t, ok)
}

func TestParseRange_ParsesOpenEndedRange(t *testing.T) {
	r, ok := parseRange("bytes=100-")
	require.True(t, ok)
	assert.EqualValues(t, 100, r.Start)
	assert.EqualValues(t, -1, r.End)
}
