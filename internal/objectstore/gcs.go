package objectstore

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"tiss-claims-backend/internal/config"

	"cloud.google.com/go/compute/metadata"
	"cloud.google.com/go/storage"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/iamcredentials/v1"
	"google.golang.org/api/option"
)

// signer carries what storage.SignedURL needs: either a private key or a
// remote SignBlob call.
type signer struct {
	accessID   string
	privateKey []byte
	signBytes  func([]byte) ([]byte, error)
}

type GCS struct {
	client *storage.Client
	bucket string
	signer signer
	now    func() time.Time
}

func NewGCS(ctx context.Context, cfg *config.Config) (*GCS, error) {
	if strings.TrimSpace(cfg.GCSBucket) == "" {
		return nil, errors.New("GCS_BUCKET is required")
	}

	var opts []option.ClientOption
	if creds := strings.TrimSpace(cfg.GCSCredentialsJSON); creds != "" {
		opts = append(opts, option.WithCredentialsJSON([]byte(creds)))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create storage client: %w", err)
	}

	s, ok, err := signerFromConfig(cfg)
	if err != nil {
		client.Close()
		return nil, err
	}
	if !ok {
		s, err = iamSigner(ctx, cfg.GCSSignerEmail)
		if err != nil {
			client.Close()
			return nil, err
		}
	}
	return &GCS{client: client, bucket: cfg.GCSBucket, signer: s, now: time.Now}, nil
}

func (g *GCS) Close() error {
	return g.client.Close()
}

type serviceAccountJSON struct {
	ClientEmail string `json:"client_email"`
	PrivateKey  string `json:"private_key"`
}

// signerFromConfig prefers the service account JSON, then the explicit
// email/key pair. ok is false when neither is configured.
func signerFromConfig(cfg *config.Config) (signer, bool, error) {
	if credJSON := strings.TrimSpace(cfg.GCSCredentialsJSON); credJSON != "" {
		var key serviceAccountJSON
		if err := json.Unmarshal([]byte(credJSON), &key); err != nil {
			return signer{}, false, fmt.Errorf("invalid GCS_CREDENTIALS_JSON: %w", err)
		}
		if key.ClientEmail == "" || key.PrivateKey == "" {
			return signer{}, false, errors.New("GCS_CREDENTIALS_JSON missing client_email or private_key")
		}
		return signer{accessID: key.ClientEmail, privateKey: normalizePrivateKey(key.PrivateKey)}, true, nil
	}

	email := strings.TrimSpace(cfg.GCSSignerEmail)
	privateKey := strings.TrimSpace(cfg.GCSSignerPrivateKey)
	if email == "" || privateKey == "" {
		return signer{}, false, nil
	}
	return signer{accessID: email, privateKey: normalizePrivateKey(privateKey)}, true, nil
}

func normalizePrivateKey(key string) []byte {
	return []byte(strings.ReplaceAll(key, "\\n", "\n"))
}

// iamSigner signs through the IAM credentials API with the runtime service
// account, for deployments without a key file.
func iamSigner(ctx context.Context, email string) (signer, error) {
	email = strings.TrimSpace(email)
	if email == "" && metadata.OnGCE() {
		defaultEmail, err := metadata.Email("default")
		if err != nil {
			return signer{}, fmt.Errorf("get default service account email: %w", err)
		}
		email = defaultEmail
	}
	if email == "" {
		return signer{}, errors.New("GCS_SIGNER_EMAIL is required when no private key is provided")
	}

	creds, err := google.FindDefaultCredentials(ctx, iamcredentials.CloudPlatformScope)
	if err != nil {
		return signer{}, fmt.Errorf("load default credentials: %w", err)
	}
	svc, err := iamcredentials.NewService(ctx, option.WithCredentials(creds))
	if err != nil {
		return signer{}, fmt.Errorf("create iamcredentials service: %w", err)
	}

	resource := fmt.Sprintf("projects/-/serviceAccounts/%s", email)
	signBytes := func(data []byte) ([]byte, error) {
		req := &iamcredentials.SignBlobRequest{
			Payload: base64.StdEncoding.EncodeToString(data),
		}
		resp, err := svc.Projects.ServiceAccounts.SignBlob(resource, req).Do()
		if err != nil {
			return nil, err
		}
		return base64.StdEncoding.DecodeString(resp.SignedBlob)
	}
	return signer{accessID: email, signBytes: signBytes}, nil
}

func (g *GCS) sign(path, method, contentType string, ttl time.Duration) (*SignedURL, error) {
	opts := &storage.SignedURLOptions{
		Scheme:         storage.SigningSchemeV4,
		Method:         method,
		Expires:        g.now().Add(ttl),
		ContentType:    contentType,
		GoogleAccessID: g.signer.accessID,
		PrivateKey:     g.signer.privateKey,
		SignBytes:      g.signer.signBytes,
	}
	u, err := storage.SignedURL(g.bucket, path, opts)
	if err != nil {
		return nil, fmt.Errorf("sign %s %s: %w", method, path, err)
	}
	out := &SignedURL{URL: u, Method: method, ExpiresAt: opts.Expires}
	if contentType != "" {
		out.Headers = map[string]string{"Content-Type": contentType}
	}
	return out, nil
}

func (g *GCS) SignedPut(_ context.Context, path, contentType string, ttl time.Duration) (*SignedURL, error) {
	return g.sign(path, http.MethodPut, contentType, ttl)
}

func (g *GCS) SignedGet(_ context.Context, path string, ttl time.Duration) (*SignedURL, error) {
	return g.sign(path, http.MethodGet, "", ttl)
}

func (g *GCS) Stat(ctx context.Context, path string) (*ObjectInfo, error) {
	attrs, err := g.client.Bucket(g.bucket).Object(path).Attrs(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, ErrObjectNotFound
		}
		return nil, err
	}
	return &ObjectInfo{Path: path, Size: attrs.Size, ContentType: attrs.ContentType, MD5: attrs.MD5, CRC32C: attrs.CRC32C}, nil
}

func (g *GCS) Open(ctx context.Context, path string) (io.ReadCloser, error) {
	r, err := g.client.Bucket(g.bucket).Object(path).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, ErrObjectNotFound
		}
		return nil, err
	}
	return r, nil
}
