package download

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssuer_IssueThenValidate_RoundTrips(t *testing.T) {
	// Given: a freshly issued token for a real file under the folder
	iss, err := NewIssuer()
	require.NoError(t, err)
	token, err := iss.Issue("/home/user/docs", "notes/readme.md", time.Minute)
	require.NoError(t, err)

	// When: it is validated
	decoded, path, err := iss.Validate(token)

	// Then: it decodes to the original folder/file and a path under the root
	require.NoError(t, err)
	assert.Equal(t, "/home/user/docs", decoded.FolderPath)
	assert.Equal(t, "notes/readme.md", decoded.FilePath)
	assert.Equal(t, "/home/user/docs/notes/readme.md", path)
}

func TestIssuer_Validate_RejectsExpiredToken(t *testing.T) {
	// Given: a token already past its expiry
	iss, err := NewIssuer()
	require.NoError(t, err)
	token, err := iss.Issue("/docs", "a.txt", -time.Second)
	require.NoError(t, err)
	// Issue clamps non-positive ttl to DefaultTTL, so hand-craft an expired one instead.
	past := jwtExpiredToken(t, iss, "/docs", "a.txt")
	_ = token

	// When/Then: validation fails
	_, _, err = iss.Validate(past)
	assert.Error(t, err)
}

func TestIssuer_Validate_RejectsTamperedSignature(t *testing.T) {
	// Given: a token signed by a different secret
	issA := NewIssuerWithSecret([]byte("secret-a-secret-a-secret-a-32by"))
	issB := NewIssuerWithSecret([]byte("secret-b-secret-b-secret-b-32by"))
	token, err := issA.Issue("/docs", "a.txt", time.Minute)
	require.NoError(t, err)

	// When: validated against the wrong issuer
	_, _, err = issB.Validate(token)

	// Then: rejected
	assert.Error(t, err)
}

func TestIssuer_Validate_RejectsPathEscape(t *testing.T) {
	// Given: a token whose file component attempts to climb out of the folder
	iss := NewIssuerWithSecret([]byte("test-secret-test-secret-test-32"))
	token, err := iss.Issue("/home/user/docs", "../../etc/passwd", time.Minute)
	require.NoError(t, err)

	// When: validated
	_, _, err = iss.Validate(token)

	// Then: rejected as a path escape
	assert.ErrorIs(t, err, ErrPathEscape)
}

func TestIssuer_Issue_ClampsTTLToMax(t *testing.T) {
	iss := NewIssuerWithSecret([]byte("test-secret-test-secret-test-32"))
	token, err := iss.Issue("/docs", "a.txt", 24*time.Hour)
	require.NoError(t, err)

	decoded, _, err := iss.Validate(token)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(MaxTTL), decoded.Expiry, 5*time.Second)
}

// jwtExpiredToken signs a token with an expiry in the past, bypassing
// Issue's TTL clamp, to exercise the expired-token rejection path.
func jwtExpiredToken(t *testing.T, iss *Issuer, folder, file string) string {
	t.Helper()
	c := claims{
		Folder: folder,
		File:   file,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
			IssuedAt:  jwt.NewNumericDate(time.Now().Add(-2 * time.Minute)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	signed, err := token.SignedString(iss.secret)
	require.NoError(t, err)
	return signed
}
