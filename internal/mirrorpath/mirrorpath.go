// Package mirrorpath derives where a canonical URL lives inside the mirror.
//
// Layout is <host>[_<port>]/<path>. The scheme is not part of the path, so
// http and https variants of a URL share one file.
package mirrorpath

import (
	"net/url"
	"path"
	"strings"
	"unicode/utf8"

	"go-mirror/internal/mediatype"
)

const (
	MaxSegmentBytes = 240

	indexName  = "index"
	defaultExt = "html"
)

// ToMirrorPath maps a canonical URL and its resolved MIME type to a relative
// slash-separated path. It is a pure function of its inputs.
func ToMirrorPath(u *url.URL, mimeType string) string {
	p := cleanPath(u.Path)
	mimeExt := mediatype.Extension(mimeType)

	dir, name := path.Split(p)
	var ext string
	if name == "" {
		name = indexName
		ext = mimeExt
		if ext == "" {
			ext = defaultExt
		}
	} else {
		fsExt := strings.TrimPrefix(path.Ext(name), ".")
		switch {
		case u.RawQuery != "":
			if fsExt != "" {
				name = strings.TrimSuffix(name, "."+fsExt)
			}
			ext = fsExt
			if mimeExt != "" && !mediatype.Equivalent(fsExt, mimeExt) {
				name += suffixOf(fsExt)
				ext = mimeExt
			}
		case fsExt != "" && mediatype.Equivalent(fsExt, mimeExt):
			name = strings.TrimSuffix(name, "."+fsExt)
			ext = fsExt
		case mimeExt != "":
			ext = mimeExt
		}
	}

	if q := sortedQuery(u.RawQuery); q != "" {
		name += "%3F" + q
	}
	name = truncate(name, ext)

	return hostDir(u) + dir + joinExt(name, ext)
}

// suffixOf keeps a non-equivalent original extension as part of the base
// name so /page.php?x=1 and /page?x=1 stay distinct.
func suffixOf(fsExt string) string {
	if fsExt == "" {
		return ""
	}
	return "." + fsExt
}

func joinExt(name, ext string) string {
	if ext == "" {
		return name
	}
	return name + "." + ext
}

func hostDir(u *url.URL) string {
	host := strings.ToLower(u.Hostname())
	if port := u.Port(); port != "" {
		host += "_" + port
	}
	return host
}

// cleanPath resolves dot segments so a path never escapes the host
// directory, keeping a trailing slash.
func cleanPath(p string) string {
	if p == "" {
		return "/"
	}
	trailing := strings.HasSuffix(p, "/")
	c := path.Clean("/" + p)
	if trailing && c != "/" {
		c += "/"
	}
	return c
}

// sortedQuery orders parameters by key and encodes the result so it cannot
// contain a path separator.
func sortedQuery(raw string) string {
	if raw == "" {
		return ""
	}
	values, err := url.ParseQuery(raw)
	if err != nil {
		return url.QueryEscape(raw)
	}
	return url.QueryEscape(values.Encode())
}

func truncate(name, ext string) string {
	limit := MaxSegmentBytes
	if ext != "" {
		limit -= len(ext) + 1
	}
	if len(name) <= limit {
		return name
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(name[cut]) {
		cut--
	}
	return name[:cut]
}

// RelativeRef returns a reference from the document stored at from to the
// file stored at to. Both are mirror paths. The result is URL-escaped so a
// browser decodes it back to the literal file name.
func RelativeRef(from, to string) string {
	fromDir := strings.Split(path.Dir(from), "/")
	toParts := strings.Split(to, "/")
	toDir, file := toParts[:len(toParts)-1], toParts[len(toParts)-1]

	common := 0
	for common < len(fromDir) && common < len(toDir) && fromDir[common] == toDir[common] {
		common++
	}

	var parts []string
	for i := common; i < len(fromDir); i++ {
		if fromDir[i] != "." {
			parts = append(parts, "..")
		}
	}
	parts = append(parts, toDir[common:]...)
	parts = append(parts, file)

	ref := &url.URL{Path: strings.Join(parts, "/")}
	return ref.String()
}
