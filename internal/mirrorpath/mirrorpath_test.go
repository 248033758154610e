package mirrorpath

import (
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pathFor(t *testing.T, raw, mimeType string) string {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return ToMirrorPath(u, mimeType)
}

func TestToMirrorPath(t *testing.T) {
	tests := []struct {
		name string
		url  string
		mime string
		want string
	}{
		{"root becomes index", "https://example.com/", "text/html", "example.com/index.html"},
		{"directory index", "https://example.com/docs/", "text/html", "example.com/docs/index.html"},
		{"directory index defaults to html", "https://example.com/docs/", "", "example.com/docs/index.html"},
		{"extension appended from mime", "https://example.com/about", "text/html", "example.com/about.html"},
		{"equivalent extension kept", "https://example.com/img/a.jpeg", "image/jpeg", "example.com/img/a.jpeg"},
		{"htm kept for html", "https://example.com/old.htm", "text/html; charset=utf-8", "example.com/old.htm"},
		{"foreign extension gets mime extension", "https://example.com/index.php", "text/html", "example.com/index.php.html"},
		{"unknown mime keeps path", "https://example.com/blob", "", "example.com/blob"},
		{"query encoded into file name", "https://example.com/a?b=2&a=1", "text/html", "example.com/a%3Fa%3D1%26b%3D2.html"},
		{"query with slash stays in one segment", "https://example.com/go?next=/x/y", "text/html", "example.com/go%3Fnext%3D%252Fx%252Fy.html"},
		{"query keeps equivalent extension", "https://example.com/a.jpeg?v=1", "image/jpeg", "example.com/a%3Fv%3D1.jpeg"},
		{"query keeps foreign extension in name", "https://example.com/p.php?id=1", "text/html", "example.com/p.php%3Fid%3D1.html"},
		{"port in host directory", "http://example.com:8080/x.css", "text/css", "example.com_8080/x.css"},
		{"dot segments cannot escape", "https://example.com/../../etc/passwd", "", "example.com/etc/passwd"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, pathFor(t, tt.url, tt.mime))
		})
	}
}

func TestToMirrorPathQueryOrderInsensitive(t *testing.T) {
	a := pathFor(t, "https://x.com/a?b=2&a=1", "text/html")
	b := pathFor(t, "https://x.com/a?a=1&b=2", "text/html")
	assert.Equal(t, a, b)
	assert.NotEqual(t, pathFor(t, "https://x.com/page", "text/html"), pathFor(t, "https://x.com/page?x=1", "text/html"))
}

func TestToMirrorPathTruncates(t *testing.T) {
	long := strings.Repeat("é", 200)
	got := pathFor(t, "https://x.com/"+long, "text/html")

	segments := strings.Split(got, "/")
	last := segments[len(segments)-1]
	assert.LessOrEqual(t, len(last), MaxSegmentBytes)
	assert.True(t, strings.HasSuffix(last, ".html"))
	assert.True(t, strings.HasPrefix(last, "é"))
}

func TestRelativeRef(t *testing.T) {
	tests := []struct {
		from, to, want string
	}{
		{"example.com/index.html", "example.com/about.html", "about.html"},
		{"example.com/a/b/page.html", "example.com/img/x.png", "../../img/x.png"},
		{"example.com/index.html", "example.com/css/site.css", "css/site.css"},
		{"example.com/index.html", "cdn.example.com/lib.js", "../cdn.example.com/lib.js"},
		{"example.com/index.html", "example.com/index.html", "index.html"},
		{"example.com/index.html", "example.com/a%3Fx%3D1.html", "a%253Fx%253D1.html"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, RelativeRef(tt.from, tt.to))
		})
	}
}
