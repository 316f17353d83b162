package objectstore

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"tiss-claims-backend/internal/config"
)

func testKey(t *testing.T) string {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}))
}

func TestSignerFromConfig(t *testing.T) {
	pemKey := testKey(t)
	credJSON, _ := json.Marshal(map[string]string{"client_email": "svc@proj.iam.gserviceaccount.com", "private_key": pemKey})

	tests := []struct {
		name    string
		cfg     config.Config
		wantOK  bool
		wantID  string
		wantErr bool
	}{
		{"credentials json", config.Config{GCSCredentialsJSON: string(credJSON)}, true, "svc@proj.iam.gserviceaccount.com", false},
		{"email and escaped key", config.Config{GCSSignerEmail: "signer@proj", GCSSignerPrivateKey: strings.ReplaceAll(pemKey, "\n", "\\n")}, true, "signer@proj", false},
		{"nothing configured", config.Config{}, false, "", false},
		{"broken json", config.Config{GCSCredentialsJSON: "{"}, false, "", true},
		{"json without key", config.Config{GCSCredentialsJSON: `{"client_email":"a@b"}`}, false, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, ok, err := signerFromConfig(&tt.cfg)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if ok != tt.wantOK || s.accessID != tt.wantID {
				t.Fatalf("got ok=%v id=%q", ok, s.accessID)
			}
			if ok && !strings.Contains(string(s.privateKey), "\n") {
				t.Error("private key newlines should be restored")
			}
		})
	}
}

func TestGCSSignedPut(t *testing.T) {
	// V4 signing measures the expiry against the wall clock, so the store's
	// clock must be the real one too.
	now := time.Now().UTC().Truncate(time.Second)
	g := &GCS{
		bucket: "tiss-returns",
		signer: signer{accessID: "svc@proj.iam.gserviceaccount.com", privateKey: []byte(testKey(t))},
		now:    func() time.Time { return now },
	}

	u, err := g.SignedPut(context.Background(), "returns/c/202406-AAAAAA/f.xml", "application/xml", 15*time.Minute)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if u.Method != http.MethodPut || !u.ExpiresAt.Equal(now.Add(15*time.Minute)) {
		t.Errorf("unexpected handle: %+v", u)
	}
	parsed, err := url.Parse(u.URL)
	if err != nil {
		t.Fatalf("parse signed url: %v", err)
	}
	q := parsed.Query()
	if !strings.Contains(parsed.Path, "tiss-returns") || q.Get("X-Goog-Algorithm") != "GOOG4-RSA-SHA256" {
		t.Errorf("unexpected signed url %q", u.URL)
	}
	expires, err := strconv.Atoi(q.Get("X-Goog-Expires"))
	if err != nil || expires < 890 || expires > 900 {
		t.Errorf("expected an expiry of about 900s, got %q", q.Get("X-Goog-Expires"))
	}
	if u.Headers["Content-Type"] != "application/xml" {
		t.Errorf("expected content type header, got %v", u.Headers)
	}
}

func TestParseChecksum(t *testing.T) {
	tests := []struct {
		in      string
		md5     bool
		crc     uint32
		wantErr bool
	}{
		{"d41d8cd98f00b204e9800998ecf8427e", true, 0, false},
		{"1B2M2Y8AsgTpgAmY7PhCfg==", true, 0, false},
		{"MD5:d41d8cd98f00b204e9800998ecf8427e", true, 0, false},
		{"deadbeef", false, 0xdeadbeef, false},
		{"crc32c:AAAAAA==", false, 0, false},
		{"crc32c:d41d8cd98f00b204e9800998ecf8427e", false, 0, true},
		{"sha256:abcd", false, 0, true},
		{"zz", false, 0, true},
	}
	for _, tt := range tests {
		sum, err := ParseChecksum(tt.in)
		if (err != nil) != tt.wantErr {
			t.Fatalf("ParseChecksum(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if tt.wantErr {
			if !errors.Is(err, ErrInvalidChecksum) {
				t.Errorf("ParseChecksum(%q) = %v, want ErrInvalidChecksum", tt.in, err)
			}
			continue
		}
		if tt.md5 && len(sum.MD5) != 16 {
			t.Errorf("ParseChecksum(%q) should be md5, got %+v", tt.in, sum)
		}
		if !tt.md5 && (sum.CRC32C == nil || *sum.CRC32C != tt.crc) {
			t.Errorf("ParseChecksum(%q) should be crc32c %08x, got %+v", tt.in, tt.crc, sum)
		}
	}
}

func TestChecksumVerify(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	m.Put("returns/a.csv", []byte("numero_guia;status\n"))
	info, err := m.Stat(ctx, "returns/a.csv")
	if err != nil {
		t.Fatal(err)
	}

	good := Checksum{MD5: info.MD5}
	if ok, err := good.Verify(info); !ok || err != nil {
		t.Errorf("matching md5: ok=%v err=%v", ok, err)
	}
	crc := info.CRC32C
	if ok, err := (Checksum{CRC32C: &crc}).Verify(info); !ok || err != nil {
		t.Errorf("matching crc32c: ok=%v err=%v", ok, err)
	}
	crc++
	if _, err := (Checksum{CRC32C: &crc}).Verify(info); !errors.Is(err, ErrChecksumMismatch) {
		t.Errorf("expected mismatch, got %v", err)
	}
	composite := &ObjectInfo{Path: info.Path, Size: info.Size, CRC32C: info.CRC32C}
	if ok, err := good.Verify(composite); ok || err != nil {
		t.Errorf("an object without md5 cannot be checked: ok=%v err=%v", ok, err)
	}
}

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	if _, err := m.Stat(ctx, "missing"); !errors.Is(err, ErrObjectNotFound) {
		t.Fatalf("expected ErrObjectNotFound, got %v", err)
	}

	m.Put("returns/a.csv", []byte("numero_guia;status\n"))
	info, err := m.Stat(ctx, "returns/a.csv")
	if err != nil || info.Size != 19 {
		t.Fatalf("unexpected stat: %+v %v", info, err)
	}
	r, err := m.Open(ctx, "returns/a.csv")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer r.Close()
	data, _ := io.ReadAll(r)
	if string(data) != "numero_guia;status\n" {
		t.Errorf("unexpected content %q", data)
	}

	m.Delete("returns/a.csv")
	if _, err := m.Open(ctx, "returns/a.csv"); !errors.Is(err, ErrObjectNotFound) {
		t.Fatalf("expected ErrObjectNotFound after delete, got %v", err)
	}
}

func TestServedMemory_SignedURLs(t *testing.T) {
	ctx := context.Background()
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()
	m := NewServedMemory(srv.URL+"/dev/objects", 1<<10)
	mux.Handle("/dev/objects/", http.StripPrefix("/dev/objects", m.Handler()))

	const path = "returns/clinic/202406-AAAAAA/20240601T100000-abc-retorno.csv"
	do := func(method, rawURL string, body string) int {
		t.Helper()
		req, err := http.NewRequestWithContext(ctx, method, rawURL, strings.NewReader(body))
		if err != nil {
			t.Fatalf("build request: %v", err)
		}
		resp, err := srv.Client().Do(req)
		if err != nil {
			t.Fatalf("%s %s: %v", method, rawURL, err)
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)
		return resp.StatusCode
	}

	put, _ := m.SignedPut(ctx, path, "text/csv", 15*time.Minute)
	if !strings.HasPrefix(put.URL, srv.URL+"/dev/objects/") {
		t.Fatalf("signed url should point at the server, got %q", put.URL)
	}
	if code := do(http.MethodPut, put.URL, "numero_guia;status\n"); code != http.StatusOK {
		t.Fatalf("upload: %d", code)
	}
	if info, err := m.Stat(ctx, path); err != nil || info.Size != 19 {
		t.Fatalf("object not stored: %+v %v", info, err)
	}

	if code := do(http.MethodGet, put.URL, ""); code != http.StatusBadRequest {
		t.Errorf("a put url must not read, got %d", code)
	}
	if code := do(http.MethodPut, strings.Replace(put.URL, "retorno", "outro", 1), "x"); code != http.StatusForbidden {
		t.Errorf("a url for another path must be refused, got %d", code)
	}
	if code := do(http.MethodPut, put.URL, strings.Repeat("x", 2<<10)); code != http.StatusRequestEntityTooLarge {
		t.Errorf("oversized upload must be refused, got %d", code)
	}

	get, _ := m.SignedGet(ctx, path, time.Minute)
	if code := do(http.MethodGet, get.URL, ""); code != http.StatusOK {
		t.Errorf("download: %d", code)
	}
	m.now = func() time.Time { return time.Now().Add(time.Hour) }
	if code := do(http.MethodGet, get.URL, ""); code != http.StatusForbidden {
		t.Errorf("expired url must be refused, got %d", code)
	}
}
