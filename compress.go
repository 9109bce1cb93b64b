package frpauth

import (
	"bytes"
	"net/http"
	"strconv"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// Compression encoding constants.
const (
	EncodingGzip   = "gzip"
	EncodingZstd   = "zstd"
	EncodingBrotli = "br"
)

// CompressionConfig controls response compression on the admin surface.
type CompressionConfig struct {
	// MinSize is the smallest body worth compressing.
	MinSize int

	// Level is the compression level for the chosen algorithm; 0 uses each
	// algorithm's default.
	Level int

	// PreferOrder is the server preference when the client accepts several
	// encodings.
	PreferOrder []string
}

// DefaultCompressionConfig returns a CompressionConfig with sensible defaults.
func DefaultCompressionConfig() CompressionConfig {
	return CompressionConfig{
		MinSize:     256,
		PreferOrder: []string{EncodingBrotli, EncodingZstd, EncodingGzip},
	}
}

var compressibleTypes = []string{
	"application/json",
	"text/",
}

// Compress returns middleware that buffers the response and compresses it
// with the best encoding the client accepts. Responses that are small,
// already encoded, or not text/JSON pass through unchanged. Admin responses
// are small and finite, so buffering the whole body is fine.
func Compress(cfg CompressionConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			enc := selectEncoding(r.Header.Get("Accept-Encoding"), cfg.PreferOrder)
			if enc == "" {
				next.ServeHTTP(w, r)
				return
			}
			bw := &bufferedResponse{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(bw, r)
			bw.finish(enc, cfg)
		})
	}
}

// selectEncoding picks the first preferred encoding the client accepts.
// Encodings with q=0 count as refused.
func selectEncoding(header string, prefer []string) string {
	if header == "" {
		return ""
	}
	accepted := make(map[string]bool)
	for part := range strings.SplitSeq(header, ",") {
		name, params, _ := strings.Cut(strings.TrimSpace(part), ";")
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" || name == "identity" {
			continue
		}
		if q, ok := strings.CutPrefix(strings.TrimSpace(params), "q="); ok {
			if v, err := strconv.ParseFloat(strings.TrimSpace(q), 64); err == nil && v == 0 {
				continue
			}
		}
		accepted[name] = true
	}

	if len(prefer) == 0 {
		prefer = DefaultCompressionConfig().PreferOrder
	}
	for _, enc := range prefer {
		if accepted[enc] || accepted["*"] {
			return enc
		}
	}
	return ""
}

type bufferedResponse struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
	buf         bytes.Buffer
}

func (b *bufferedResponse) WriteHeader(status int) {
	if b.wroteHeader {
		return
	}
	b.wroteHeader = true
	b.status = status
}

func (b *bufferedResponse) Write(p []byte) (int, error) {
	b.wroteHeader = true
	return b.buf.Write(p)
}

func (b *bufferedResponse) finish(enc string, cfg CompressionConfig) {
	h := b.ResponseWriter.Header()
	body := b.buf.Bytes()

	if b.status == http.StatusNoContent || b.status == http.StatusNotModified ||
		h.Get("Content-Encoding") != "" ||
		len(body) < cfg.MinSize ||
		!compressible(h.Get("Content-Type")) {
		b.ResponseWriter.WriteHeader(b.status)
		_, _ = b.ResponseWriter.Write(body)
		return
	}

	out, err := CompressBytes(body, enc, cfg.Level)
	if err != nil {
		b.ResponseWriter.WriteHeader(b.status)
		_, _ = b.ResponseWriter.Write(body)
		return
	}

	h.Set("Content-Encoding", enc)
	h.Add("Vary", "Accept-Encoding")
	h.Set("Content-Length", strconv.Itoa(len(out)))
	b.ResponseWriter.WriteHeader(b.status)
	_, _ = b.ResponseWriter.Write(out)
}

func compressible(contentType string) bool {
	ct := strings.ToLower(contentType)
	for _, t := range compressibleTypes {
		if strings.HasPrefix(ct, t) {
			return true
		}
	}
	return false
}

// CompressBytes compresses data with the given encoding. Unknown encodings
// return data unchanged.
func CompressBytes(data []byte, encoding string, level int) ([]byte, error) {
	var buf bytes.Buffer
	switch encoding {
	case EncodingGzip:
		if level == 0 {
			level = gzip.DefaultCompression
		}
		w, err := gzip.NewWriterLevel(&buf, level)
		if err != nil {
			return nil, err
		}
		if _, err := w.Write(data); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil

	case EncodingZstd:
		zl := zstd.SpeedDefault
		if level != 0 {
			zl = zstd.EncoderLevelFromZstd(level)
		}
		w, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zl))
		if err != nil {
			return nil, err
		}
		defer w.Close()
		return w.EncodeAll(data, nil), nil

	case EncodingBrotli:
		if level == 0 {
			level = brotli.DefaultCompression
		}
		w := brotli.NewWriterLevel(&buf, level)
		if _, err := w.Write(data); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil

	default:
		return data, nil
	}
}
