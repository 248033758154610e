package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"
)

var ErrNotCached = errors.New("not cached")

const (
	metaSuffix = ".json"
	bodySuffix = ".body"
	rootName   = "---root"
	maxName    = 200
)

type Metadata struct {
	Header     http.Header `json:"headers"`
	Status     int         `json:"status"`
	URI        string      `json:"uri"`
	MIMEType   string      `json:"mimeType,omitempty"`
	Redirected string      `json:"redirected,omitempty"`
	Error      string      `json:"error,omitempty"`
	Timestamp  time.Time   `json:"timestamp"`
}

func (m Metadata) IsRedirect() bool { return m.Redirected != "" }
func (m Metadata) IsError() bool    { return m.Error != "" }

type Entry struct {
	Metadata Metadata
	Body     []byte
}

// Store is the content cache contract used by the pipeline.
type Store interface {
	Put(key string, meta Metadata, body []byte) error
	Has(key string) bool
	Get(key string) (*Entry, error)
	Stat(key string) (Metadata, error)
}

// Disk keeps one metadata record and one body blob per key below dir.
type Disk struct {
	dir string
}

func Open(dir string) (*Disk, error) {
	if dir == "" {
		return nil, errors.New("cache: directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cache: create %s: %w", dir, err)
	}
	return &Disk{dir: dir}, nil
}

func (d *Disk) Dir() string { return d.dir }

// Put writes the body first and the metadata last, each through a temp file
// and rename. A body-less entry removes any body left by an earlier fetch.
func (d *Disk) Put(key string, meta Metadata, body []byte) error {
	base, err := d.location(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(base), 0o755); err != nil {
		return fmt.Errorf("cache: put %s: %w", key, err)
	}

	if meta.URI == "" {
		meta.URI = key
	}
	if meta.Timestamp.IsZero() {
		meta.Timestamp = time.Now().UTC()
	}

	if body != nil {
		if err := writeAtomic(base+bodySuffix, body); err != nil {
			return fmt.Errorf("cache: put body %s: %w", key, err)
		}
	}

	raw, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("cache: encode metadata %s: %w", key, err)
	}
	if err := writeAtomic(base+metaSuffix, raw); err != nil {
		return fmt.Errorf("cache: put metadata %s: %w", key, err)
	}

	if body == nil {
		if err := os.Remove(base + bodySuffix); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("cache: drop stale body %s: %w", key, err)
		}
	}
	return nil
}

func (d *Disk) Has(key string) bool {
	base, err := d.location(key)
	if err != nil {
		return false
	}
	_, err = os.Stat(base + metaSuffix)
	return err == nil
}

func (d *Disk) Get(key string) (*Entry, error) {
	base, meta, err := d.readMeta(key)
	if err != nil {
		return nil, err
	}

	entry := &Entry{Metadata: meta}
	if meta.IsRedirect() || meta.IsError() {
		return entry, nil
	}

	body, err := os.ReadFile(base + bodySuffix)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("cache: read body %s: %w", key, err)
	}
	entry.Body = body
	return entry, nil
}

// Stat returns the metadata of key without loading its body.
func (d *Disk) Stat(key string) (Metadata, error) {
	_, meta, err := d.readMeta(key)
	return meta, err
}

func (d *Disk) readMeta(key string) (string, Metadata, error) {
	var meta Metadata
	base, err := d.location(key)
	if err != nil {
		return "", meta, err
	}

	raw, err := os.ReadFile(base + metaSuffix)
	if errors.Is(err, os.ErrNotExist) {
		return "", meta, fmt.Errorf("%w: %s", ErrNotCached, key)
	}
	if err != nil {
		return "", meta, fmt.Errorf("cache: read metadata %s: %w", key, err)
	}
	if err := json.Unmarshal(raw, &meta); err != nil {
		return "", meta, fmt.Errorf("cache: decode metadata %s: %w", key, err)
	}
	return base, meta, nil
}

// Clear removes every cached entry.
func (d *Disk) Clear() error {
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		return fmt.Errorf("cache: clear: %w", err)
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(d.dir, e.Name())); err != nil {
			return fmt.Errorf("cache: clear: %w", err)
		}
	}
	return nil
}

// location maps a key onto <dir>/<scheme>/<host>/<path>, without suffix.
func (d *Disk) location(key string) (string, error) {
	u, err := url.Parse(key)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("cache: invalid key %q", key)
	}

	p := path.Clean("/" + u.Path)
	if strings.HasSuffix(u.Path, "/") {
		p = path.Join(p, rootName)
	}
	if p == "/" {
		p = "/" + rootName
	}
	if u.RawQuery != "" {
		p += "%3F" + url.QueryEscape(u.RawQuery)
	}

	dir, name := path.Split(p)
	if len(name) > maxName {
		sum := sha256.Sum256([]byte(name))
		name = name[:maxName] + "-" + hex.EncodeToString(sum[:8])
	}

	host := strings.ReplaceAll(u.Host, ":", "_")
	return filepath.Join(d.dir, u.Scheme, host, filepath.FromSlash(dir), name), nil
}

func writeAtomic(name string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(name), ".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), name)
}
