// Package mediatype resolves MIME types of fetched resources and maps them to
// filesystem extensions.
package mediatype

import (
	"bytes"
	"mime"
	"net/http"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

const (
	HTML = "text/html"
	CSS  = "text/css"

	sniffWindow = 100
)

var extensions = map[string]string{
	"text/html":                     "html",
	"application/xhtml+xml":         "html",
	"text/css":                      "css",
	"text/javascript":               "js",
	"application/javascript":        "js",
	"application/x-javascript":      "js",
	"application/json":              "json",
	"application/ld+json":           "jsonld",
	"application/manifest+json":     "webmanifest",
	"application/xml":               "xml",
	"text/xml":                      "xml",
	"application/rss+xml":           "rss",
	"application/atom+xml":          "atom",
	"text/plain":                    "txt",
	"text/csv":                      "csv",
	"text/markdown":                 "md",
	"application/pdf":               "pdf",
	"application/zip":               "zip",
	"application/wasm":              "wasm",
	"image/jpeg":                    "jpg",
	"image/png":                     "png",
	"image/gif":                     "gif",
	"image/webp":                    "webp",
	"image/avif":                    "avif",
	"image/svg+xml":                 "svg",
	"image/x-icon":                  "ico",
	"image/vnd.microsoft.icon":      "ico",
	"image/bmp":                     "bmp",
	"image/tiff":                    "tiff",
	"font/woff":                     "woff",
	"font/woff2":                    "woff2",
	"font/ttf":                      "ttf",
	"font/otf":                      "otf",
	"application/font-woff":         "woff",
	"application/font-woff2":        "woff2",
	"application/vnd.ms-fontobject": "eot",
	"audio/mpeg":                    "mp3",
	"audio/ogg":                     "ogg",
	"audio/wav":                     "wav",
	"video/mp4":                     "mp4",
	"video/webm":                    "webm",
	"video/ogg":                     "ogv",
	"text/vtt":                      "vtt",
}

// equivalent groups extensions that name the same format.
var equivalent = map[string]string{
	"jpg":  "jpg",
	"jpeg": "jpg",
	"jpe":  "jpg",
	"htm":  "html",
	"html": "html",
	"tif":  "tiff",
	"tiff": "tiff",
	"js":   "js",
	"mjs":  "js",
}

// Normalize strips parameters and lowercases a Content-Type value.
func Normalize(contentType string) string {
	if contentType == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mt, _, _ = strings.Cut(contentType, ";")
	}
	return strings.ToLower(strings.TrimSpace(mt))
}

// Resolve returns the MIME type of a response, preferring the Content-Type
// header and falling back to sniffing the body.
func Resolve(header http.Header, body []byte) string {
	if mt := Normalize(header.Get("Content-Type")); mt != "" {
		return mt
	}
	return Detect(body)
}

func Detect(body []byte) string {
	head := body
	if len(head) > sniffWindow {
		head = head[:sniffWindow]
	}
	if bytes.Contains(bytes.ToLower(head), []byte("<html")) {
		return HTML
	}
	return Normalize(mimetype.Detect(body).String())
}

// Extension returns the filesystem extension for a MIME type, without dot,
// or "" when the type is not in the table. The host's MIME database is never
// consulted so output paths match on every machine.
func Extension(mimeType string) string {
	return extensions[Normalize(mimeType)]
}

// Equivalent reports whether two extensions name the same format.
func Equivalent(a, b string) bool {
	a, b = strings.ToLower(a), strings.ToLower(b)
	if a == b {
		return true
	}
	ca, okA := equivalent[a]
	cb, okB := equivalent[b]
	return okA && okB && ca == cb
}

func IsHTML(mimeType string) bool {
	mt := Normalize(mimeType)
	return mt == HTML || mt == "application/xhtml+xml"
}

func IsCSS(mimeType string) bool {
	return Normalize(mimeType) == CSS
}
