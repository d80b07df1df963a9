package middleware

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
)

const defaultBodyCap = 1 << 20

// BodyLimit caps the request body size. Intake payloads carry free-text
// complaints and structured questionnaires, never file content, so one cap
// covers every endpoint. Sizes read as "512K", "1M", "2G"; a bare number is
// bytes; anything unparseable falls back to 1M.
func BodyLimit(limit string) echo.MiddlewareFunc {
	capBytes := parseByteSize(limit)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if req.Body == nil || req.Body == http.NoBody {
				return next(c)
			}
			// A declared length over the cap is rejected before any read.
			if req.ContentLength > capBytes {
				return c.JSON(http.StatusRequestEntityTooLarge, map[string]string{
					"message": fmt.Sprintf("request body exceeds maximum allowed size of %d bytes", capBytes),
				})
			}
			// Chunked or lying clients are caught while streaming.
			req.Body = &cappedBody{src: req.Body, left: capBytes}
			return next(c)
		}
	}
}

// cappedBody fails the read that would push the total past the cap.
type cappedBody struct {
	src  io.ReadCloser
	left int64
	shut bool
}

var errBodyTooLarge = echo.NewHTTPError(http.StatusRequestEntityTooLarge, "request body too large")

func (b *cappedBody) Read(p []byte) (int, error) {
	if b.shut {
		return 0, errBodyTooLarge
	}
	// Read one byte past the remaining budget so overflow is observable.
	window := b.left + 1
	if int64(len(p)) < window {
		window = int64(len(p))
	}
	n, err := b.src.Read(p[:window])
	b.left -= int64(n)
	if b.left < 0 {
		b.shut = true
		return 0, errBodyTooLarge
	}
	return n, err
}

func (b *cappedBody) Close() error { return b.src.Close() }

// parseByteSize converts "1M"-style limits to bytes.
func parseByteSize(s string) int64 {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return defaultBodyCap
	}
	var unit int64 = 1
	for _, suf := range []struct {
		tag string
		mul int64
	}{
		{"GB", 1 << 30}, {"G", 1 << 30},
		{"MB", 1 << 20}, {"M", 1 << 20},
		{"KB", 1 << 10}, {"K", 1 << 10},
	} {
		if strings.HasSuffix(s, suf.tag) {
			unit = suf.mul
			s = strings.TrimSuffix(s, suf.tag)
			break
		}
	}
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || n <= 0 {
		return defaultBodyCap
	}
	return n * unit
}
