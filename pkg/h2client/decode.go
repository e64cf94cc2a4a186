package h2client

import (
	"strings"

	htmlcharset "golang.org/x/net/html/charset"
	"golang.org/x/text/encoding/charmap"
)

func bodyIsText(contentType string) bool {
	for _, keyword := range []string{"text", "json", "xml", "html", "java"} {
		if strings.Contains(contentType, keyword) {
			return true
		}
	}
	return false
}

// decodeText converts body to UTF-8. The charset comes from a BOM, the
// Content-Type parameter or an HTML meta tag, in that order. A
// Windows-1252 guess is the detector's fallback for "unknown" and is
// left alone.
func decodeText(body []byte, contentType string) ([]byte, string, bool) {
	if len(body) == 0 {
		return nil, "", false
	}
	enc, name, certain := htmlcharset.DetermineEncoding(body, contentType)
	if enc == nil || name == "utf-8" {
		return nil, "", false
	}
	if enc == charmap.Windows1252 && !certain {
		return nil, "", false
	}
	b, err := enc.NewDecoder().Bytes(body)
	if err != nil {
		return nil, "", false
	}
	return b, name, true
}
