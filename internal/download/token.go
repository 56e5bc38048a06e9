// Package download issues and validates the signed, short-lived tokens
// behind `/download?token=…` (spec §4.9, §6, §7): C12.
package download

import (
	"crypto/rand"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/folder-mcp/daemon/internal/store"
)

// MaxTTL is the longest lifetime a download token may be issued with (§4.9:
// "short-lived").
const MaxTTL = 15 * time.Minute

// DefaultTTL is used when callers don't need a shorter window.
const DefaultTTL = 5 * time.Minute

// ErrPathEscape is returned by Validate when the resolved file path would
// fall outside the folder root (§7 "path escape → 403").
var ErrPathEscape = errors.New("download: resolved path escapes folder root")

type claims struct {
	Folder string `json:"folder"`
	File   string `json:"file"`
	jwt.RegisteredClaims
}

// Issuer signs and validates download tokens with a single HMAC secret that
// is generated once at daemon startup and held only in memory (§5
// "Shared-resource policy").
type Issuer struct {
	secret []byte
}

// NewIssuer generates a fresh random HMAC secret.
func NewIssuer() (*Issuer, error) {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("download: generate signing secret: %w", err)
	}
	return &Issuer{secret: secret}, nil
}

// NewIssuerWithSecret builds an Issuer around a caller-supplied secret,
// primarily for deterministic tests.
func NewIssuerWithSecret(secret []byte) *Issuer {
	return &Issuer{secret: secret}
}

// Issue signs a {folder, file, expiry} token (§3 DownloadToken, §4.9). ttl
// is clamped to MaxTTL; a non-positive ttl uses DefaultTTL.
func (iss *Issuer) Issue(folderPath, relativeFile string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if ttl > MaxTTL {
		ttl = MaxTTL
	}

	now := time.Now()
	c := claims{
		Folder: folderPath,
		File:   relativeFile,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	signed, err := token.SignedString(iss.secret)
	if err != nil {
		return "", fmt.Errorf("download: sign token: %w", err)
	}
	return signed, nil
}

// URL returns the `/download?token=…` path for a freshly issued token.
func (iss *Issuer) URL(folderPath, relativeFile string, ttl time.Duration) (string, error) {
	token, err := iss.Issue(folderPath, relativeFile, ttl)
	if err != nil {
		return "", err
	}
	return "/download?token=" + token, nil
}

// Validate verifies signature and expiry, then rejects any token whose
// resolved path would escape the folder root (§7). On success it returns
// the decoded folder/file pair and the absolute, validated file path.
func (iss *Issuer) Validate(tokenString string) (store.DownloadToken, string, error) {
	var c claims
	parsed, err := jwt.ParseWithClaims(tokenString, &c, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("download: unexpected signing method %v", t.Header["alg"])
		}
		return iss.secret, nil
	})
	if err != nil || !parsed.Valid {
		return store.DownloadToken{}, "", fmt.Errorf("download: invalid or expired token: %w", err)
	}

	resolved, err := resolveWithinRoot(c.Folder, c.File)
	if err != nil {
		return store.DownloadToken{}, "", err
	}

	expiry := time.Time{}
	if c.ExpiresAt != nil {
		expiry = c.ExpiresAt.Time
	}
	return store.DownloadToken{FolderPath: c.Folder, FilePath: c.File, Expiry: expiry}, resolved, nil
}

// resolveWithinRoot joins folder and relativeFile and rejects the result if
// it is not contained within folder after cleaning (§7 path escape → 403).
func resolveWithinRoot(folder, relativeFile string) (string, error) {
	root := filepath.Clean(folder)
	joined := filepath.Join(root, relativeFile)

	rel, err := filepath.Rel(root, joined)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", ErrPathEscape
	}
	return joined, nil
}
