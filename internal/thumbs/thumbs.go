// Package thumbs caches probe thumbnails on disk so repeated queue views do
// not re-fetch them. Files are keyed by URL hash; the cache is bounded and
// evicts oldest-first.
package thumbs

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/vfaronov/httpheader"
	"go.uber.org/zap"

	"github.com/mediacrate/mediacrate/internal/logging"
)

// maxThumbBytes caps one cached image.
const maxThumbBytes = 2 << 20

// Cache is a bounded on-disk thumbnail store.
type Cache struct {
	dir        string
	maxEntries int
	client     *http.Client
}

// New builds a cache rooted at dir. maxEntries <= 0 means 200.
func New(dir string, maxEntries int) *Cache {
	if maxEntries <= 0 {
		maxEntries = 200
	}
	return &Cache{
		dir:        dir,
		maxEntries: maxEntries,
		client:     &http.Client{Timeout: 15 * time.Second},
	}
}

func (c *Cache) key(rawurl string) string {
	sum := sha1.Sum([]byte(rawurl))
	return hex.EncodeToString(sum[:])
}

// Lookup returns the cached file for a thumbnail URL, if present.
func (c *Cache) Lookup(rawurl string) (string, bool) {
	matches, _ := filepath.Glob(filepath.Join(c.dir, c.key(rawurl)+".*"))
	if len(matches) == 0 {
		return "", false
	}
	return matches[0], true
}

// Fetch returns the cached path for a thumbnail URL, downloading it on a
// miss. Failures are soft: the queue works fine without thumbnails.
func (c *Cache) Fetch(ctx context.Context, rawurl string) (string, error) {
	if rawurl == "" {
		return "", fmt.Errorf("empty thumbnail url")
	}
	if path, ok := c.Lookup(rawurl); ok {
		return path, nil
	}
	if err := os.MkdirAll(c.dir, 0755); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawurl, nil)
	if err != nil {
		return "", err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("thumbnail fetch: %s", resp.Status)
	}

	path := filepath.Join(c.dir, c.key(rawurl)+extensionFor(resp.Header, rawurl))
	tmp := path + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return "", err
	}
	_, err = io.Copy(out, io.LimitReader(resp.Body, maxThumbBytes))
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmp)
		return "", err
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", err
	}
	c.prune()
	return path, nil
}

// extensionFor picks a file extension from the Content-Disposition filename
// when the server sends one, else from the URL path, else .jpg.
func extensionFor(h http.Header, rawurl string) string {
	if _, filename, _ := httpheader.ContentDisposition(h); filename != "" {
		if ext := filepath.Ext(filename); validExt(ext) {
			return strings.ToLower(ext)
		}
	}
	if parsed, err := url.Parse(rawurl); err == nil {
		if ext := filepath.Ext(parsed.Path); validExt(ext) {
			return strings.ToLower(ext)
		}
	}
	return ".jpg"
}

func validExt(ext string) bool {
	switch strings.ToLower(ext) {
	case ".jpg", ".jpeg", ".png", ".webp", ".gif":
		return true
	}
	return false
}

// prune drops the oldest files beyond the entry bound.
func (c *Cache) prune() {
	entries, err := os.ReadDir(c.dir)
	if err != nil || len(entries) <= c.maxEntries {
		return
	}
	type aged struct {
		path string
		mod  time.Time
	}
	var files []aged
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, aged{path: filepath.Join(c.dir, e.Name()), mod: info.ModTime()})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].mod.Before(files[j].mod) })
	for i := 0; i < len(files)-c.maxEntries; i++ {
		if err := os.Remove(files[i].path); err != nil {
			logging.Debug("thumb eviction failed", zap.String("path", files[i].path), zap.Error(err))
		}
	}
}
