package aspnet

import (
	"encoding/base64"
	"fmt"
	"strings"
)

// IsDataURI reports whether an image src is inline
// (`data:image/...;base64,...`) rather than a fetchable URL.
func IsDataURI(src string) bool {
	return strings.HasPrefix(src, "data:image")
}

// DecodeImageSource decodes a base64 image payload that may arrive either
// bare or wrapped in a data URI.
func DecodeImageSource(src string) ([]byte, error) {
	if i := strings.IndexByte(src, ','); i >= 0 {
		src = src[i+1:]
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(src))
	if err != nil {
		return nil, fmt.Errorf("decode image source: %w", err)
	}
	return raw, nil
}

// EncodeImage encodes raw image bytes the way the recognizer boundary
// expects them.
func EncodeImage(raw []byte) string {
	return base64.StdEncoding.EncodeToString(raw)
}

// ResolveImageURL resolves a possibly-relative img src against the site
// origin.
func ResolveImageURL(origin, src string) string {
	if strings.HasPrefix(src, "/") {
		return strings.TrimSuffix(origin, "/") + src
	}
	return src
}
