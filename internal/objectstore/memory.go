package objectstore

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/md5"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash/crc32"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Memory is a process-local Store for tests and local runs. Its signed URLs
// point at baseURL and are served by Handler; without a base URL they are
// placeholders and callers upload with Put.
type Memory struct {
	mu      sync.Mutex
	objects map[string][]byte
	now     func() time.Time

	baseURL string
	key     []byte
	maxSize int64
}

func NewMemory() *Memory {
	key := make([]byte, 32)
	_, _ = rand.Read(key)
	return &Memory{objects: make(map[string][]byte), now: time.Now, key: key, maxSize: 64 << 20}
}

// NewServedMemory returns a Memory whose signed URLs are fetchable under
// baseURL once Handler is mounted there.
func NewServedMemory(baseURL string, maxSize int64) *Memory {
	m := NewMemory()
	m.baseURL = strings.TrimRight(baseURL, "/")
	if maxSize > 0 {
		m.maxSize = maxSize
	}
	return m
}

func (m *Memory) Put(path string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[path] = append([]byte(nil), data...)
}

func (m *Memory) Delete(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, path)
}

func (m *Memory) signature(method, path string, expires int64) string {
	mac := hmac.New(sha256.New, m.key)
	fmt.Fprintf(mac, "%s\n%s\n%d", method, path, expires)
	return hex.EncodeToString(mac.Sum(nil))
}

func (m *Memory) signed(method, path, contentType string, ttl time.Duration) *SignedURL {
	exp := m.now().Add(ttl)
	q := url.Values{
		"method":  {method},
		"expires": {strconv.FormatInt(exp.Unix(), 10)},
		"sig":     {m.signature(method, path, exp.Unix())},
	}
	base := "memory://returns"
	if m.baseURL != "" {
		base = m.baseURL
	}
	s := &SignedURL{
		URL:       base + "/" + url.PathEscape(path) + "?" + q.Encode(),
		Method:    method,
		ExpiresAt: exp,
	}
	if contentType != "" {
		s.Headers = map[string]string{"Content-Type": contentType}
	}
	return s
}

func (m *Memory) SignedPut(_ context.Context, path, contentType string, ttl time.Duration) (*SignedURL, error) {
	return m.signed(http.MethodPut, path, contentType, ttl), nil
}

func (m *Memory) SignedGet(_ context.Context, path string, ttl time.Duration) (*SignedURL, error) {
	return m.signed(http.MethodGet, path, "", ttl), nil
}

func (m *Memory) Stat(_ context.Context, path string) (*ObjectInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[path]
	if !ok {
		return nil, ErrObjectNotFound
	}
	sum := md5.Sum(data)
	return &ObjectInfo{Path: path, Size: int64(len(data)), MD5: sum[:], CRC32C: crc32.Checksum(data, castagnoli)}, nil
}

func (m *Memory) Open(_ context.Context, path string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[path]
	if !ok {
		return nil, ErrObjectNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// Handler serves the signed URLs. It expects the request path to be the
// object path, so mount it behind http.StripPrefix.
func (m *Memory) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := strings.TrimPrefix(r.URL.Path, "/")
		q := r.URL.Query()
		expires, err := strconv.ParseInt(q.Get("expires"), 10, 64)
		if err != nil || q.Get("method") != r.Method {
			http.Error(w, "malformed signed url", http.StatusBadRequest)
			return
		}
		want := m.signature(r.Method, path, expires)
		if !hmac.Equal([]byte(q.Get("sig")), []byte(want)) {
			http.Error(w, "signature does not match", http.StatusForbidden)
			return
		}
		if m.now().Unix() > expires {
			http.Error(w, "signed url expired", http.StatusForbidden)
			return
		}

		switch r.Method {
		case http.MethodPut:
			data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, m.maxSize))
			if err != nil {
				http.Error(w, err.Error(), http.StatusRequestEntityTooLarge)
				return
			}
			m.Put(path, data)
			w.WriteHeader(http.StatusOK)
		case http.MethodGet:
			rc, err := m.Open(r.Context(), path)
			if err != nil {
				http.Error(w, err.Error(), http.StatusNotFound)
				return
			}
			defer rc.Close()
			_, _ = io.Copy(w, rc)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	})
}
