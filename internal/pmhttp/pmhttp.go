// Package pmhttp provides common methods to work with HTTP.
package pmhttp

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/AdguardTeam/golibs/httphdr"
	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/proxymon/proxymon/internal/version"
)

// HTTP scheme constants.
const (
	SchemeHTTP  = "http"
	SchemeHTTPS = "https"
)

// HTTP header value constants.
const (
	HdrValApplicationJSON = "application/json"
	HdrValTextHTML        = "text/html"
	HdrValClose           = "close"
)

// UserAgent returns the ID of the service as a User-Agent string.  It can
// also be used as the value of the Server HTTP header.
func UserAgent() (ua string) {
	return fmt.Sprintf("Proxymon/%s", version.Version())
}

// OK responds with word OK.
func OK(ctx context.Context, l *slog.Logger, w http.ResponseWriter) {
	if _, err := io.WriteString(w, "OK\n"); err != nil {
		l.ErrorContext(ctx, "writing ok body", slogutil.KeyError, err)
	}
}

// Error writes formatted message to w and also logs it.
func Error(l *slog.Logger, r *http.Request, w http.ResponseWriter, code int, format string, args ...any) {
	text := fmt.Sprintf(format, args...)
	l.ErrorContext(
		r.Context(),
		"http api error",
		"method", r.Method,
		"host", r.Host,
		"url", r.URL,
		"msg", text,
	)

	http.Error(w, text, code)
}

// setCommonHeaders sets the headers written on every API response.
func setCommonHeaders(h http.Header) {
	h.Set(httphdr.ContentType, HdrValApplicationJSON)
	h.Set(httphdr.Server, UserAgent())
}
