// Package compression gzips large JSON responses. Zone geometries dominate
// response sizes and compress well.
package compression

import (
	"bufio"
	"compress/gzip"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
)

const (
	// DefaultGzipLevel balances size and speed.
	DefaultGzipLevel = 6
	// DefaultMinSize is the body size below which responses stay plain.
	DefaultMinSize = 1024
)

var writerPool = sync.Pool{
	New: func() interface{} {
		w, _ := gzip.NewWriterLevel(nil, DefaultGzipLevel)
		return w
	},
}

// Middleware compresses responses of at least minSize bytes for clients
// that accept gzip. WebSocket upgrades pass through untouched.
func Middleware(minSize int) func(http.Handler) http.Handler {
	if minSize <= 0 {
		minSize = DefaultMinSize
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !acceptsGzip(r) || strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
				next.ServeHTTP(w, r)
				return
			}
			w.Header().Add("Vary", "Accept-Encoding")
			gw := &gzipResponseWriter{ResponseWriter: w, minSize: minSize, status: http.StatusOK}
			defer gw.Close()
			next.ServeHTTP(gw, r)
		})
	}
}

func acceptsGzip(r *http.Request) bool {
	for _, part := range strings.Split(r.Header.Get("Accept-Encoding"), ",") {
		enc, q, _ := strings.Cut(strings.TrimSpace(part), ";")
		if strings.EqualFold(strings.TrimSpace(enc), "gzip") {
			return strings.TrimSpace(q) != "q=0"
		}
	}
	return false
}

// gzipResponseWriter buffers the first minSize bytes to decide whether
// compression is worth it.
type gzipResponseWriter struct {
	http.ResponseWriter
	minSize     int
	status      int
	wroteHeader bool
	buf         []byte
	gz          *gzip.Writer
	passthrough bool
}

func (w *gzipResponseWriter) WriteHeader(status int) {
	if w.wroteHeader {
		return
	}
	w.wroteHeader = true
	w.status = status
	if status == http.StatusNoContent || status == http.StatusNotModified || w.Header().Get("Content-Encoding") != "" {
		w.passthrough = true
		w.ResponseWriter.WriteHeader(status)
	}
}

func (w *gzipResponseWriter) Write(p []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	if w.passthrough {
		return w.ResponseWriter.Write(p)
	}
	if w.gz != nil {
		return w.gz.Write(p)
	}
	w.buf = append(w.buf, p...)
	if len(w.buf) >= w.minSize {
		if err := w.startGzip(); err != nil {
			return 0, err
		}
	}
	return len(p), nil
}

func (w *gzipResponseWriter) startGzip() error {
	h := w.Header()
	h.Set("Content-Encoding", "gzip")
	h.Del("Content-Length")
	w.ResponseWriter.WriteHeader(w.status)

	w.gz = writerPool.Get().(*gzip.Writer)
	w.gz.Reset(w.ResponseWriter)
	buf := w.buf
	w.buf = nil
	_, err := w.gz.Write(buf)
	return err
}

// Close flushes the response: small bodies are written plain.
func (w *gzipResponseWriter) Close() {
	if w.passthrough {
		return
	}
	if w.gz != nil {
		_ = w.gz.Close()
		w.gz.Reset(nil)
		writerPool.Put(w.gz)
		w.gz = nil
		return
	}
	if !w.wroteHeader {
		// Handler wrote nothing.
		return
	}
	w.ResponseWriter.WriteHeader(w.status)
	if len(w.buf) > 0 {
		_, _ = w.ResponseWriter.Write(w.buf)
	}
}

func (w *gzipResponseWriter) Flush() {
	if w.gz != nil {
		_ = w.gz.Flush()
	}
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *gzipResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("hijacking not supported")
	}
	return h.Hijack()
}
