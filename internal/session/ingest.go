package session

import (
	"context"
	"errors"
	"io"
	"strings"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	apperrors "supportchat/internal/errors"
)

const ingestBufferSize = 4 << 10

// Ingest pulls the reply body until it ends, decoding it as UTF-8 across chunk boundaries.
// Every decoded fragment goes to onDelta in arrival order; the concatenation is returned.
// Read failures and cancellation come back as a StreamError together with the text so far.
func Ingest(ctx context.Context, r io.Reader, onDelta func(string) error) (string, error) {
	decoded := transform.NewReader(r, unicode.UTF8.NewDecoder())
	buf := make([]byte, ingestBufferSize)
	var acc strings.Builder
	for {
		if err := ctx.Err(); err != nil {
			return acc.String(), apperrors.NewStreamError(err)
		}
		n, err := decoded.Read(buf)
		if n > 0 {
			delta := string(buf[:n])
			acc.WriteString(delta)
			if onDelta != nil {
				if derr := onDelta(delta); derr != nil {
					return acc.String(), apperrors.NewStreamError(derr)
				}
			}
		}
		if errors.Is(err, io.EOF) {
			return acc.String(), nil
		}
		if err != nil {
			return acc.String(), apperrors.NewStreamError(err)
		}
	}
}
