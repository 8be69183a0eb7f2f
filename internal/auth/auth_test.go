package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const secret = "test-secret"

func sign(t *testing.T, method jwt.SigningMethod, key interface{}, c Claims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(method, c).SignedString(key)
	require.NoError(t, err)
	return s
}

func validClaims(role string) Claims {
	return Claims{
		UserID: "U1",
		Email:  "ada@example.org",
		Role:   role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
}

func whoami(w http.ResponseWriter, r *http.Request) {
	if c := FromContext(r.Context()); c != nil {
		_, _ = w.Write([]byte(c.UserID + "/" + c.Role))
		return
	}
	_, _ = w.Write([]byte("anonymous"))
}

func do(h http.Handler, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRequired(t *testing.T) {
	v := NewVerifier(secret)
	h := v.Required(http.HandlerFunc(whoami))

	rec := do(h, sign(t, jwt.SigningMethodHS256, []byte(secret), validClaims(RoleFarmer)))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "U1/farmer", rec.Body.String())

	rec = do(h, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.JSONEq(t, `{"error":"no token provided","code":"UNAUTHORIZED"}`, rec.Body.String())

	rec = do(h, sign(t, jwt.SigningMethodHS256, []byte("other"), validClaims(RoleFarmer)))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	expired := validClaims(RoleFarmer)
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))
	rec = do(h, sign(t, jwt.SigningMethodHS256, []byte(secret), expired))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRejectsOtherAlgorithms(t *testing.T) {
	v := NewVerifier(secret)
	_, err := v.Parse(sign(t, jwt.SigningMethodHS512, []byte(secret), validClaims(RoleAdmin)))
	assert.ErrorIs(t, err, ErrInvalidToken)

	unsigned := sign(t, jwt.SigningMethodNone, jwt.UnsafeAllowNoneSignatureType, validClaims(RoleAdmin))
	_, err = v.Parse(unsigned)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestSubjectFallback(t *testing.T) {
	c := validClaims(RoleConsumer)
	c.UserID = ""
	c.Subject = "U9"
	got, err := NewVerifier(secret).Parse(sign(t, jwt.SigningMethodHS256, []byte(secret), c))
	require.NoError(t, err)
	assert.Equal(t, "U9", got.UserID)

	c.Subject = ""
	_, err = NewVerifier(secret).Parse(sign(t, jwt.SigningMethodHS256, []byte(secret), c))
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestOptional(t *testing.T) {
	v := NewVerifier(secret)
	h := v.Optional(http.HandlerFunc(whoami))

	assert.Equal(t, "anonymous", do(h, "").Body.String())
	assert.Equal(t, "anonymous", do(h, "garbage").Body.String())
	assert.Equal(t, "U1/consumer", do(h, sign(t, jwt.SigningMethodHS256, []byte(secret), validClaims(RoleConsumer))).Body.String())
}

func TestRequireRole(t *testing.T) {
	v := NewVerifier(secret)
	h := v.Required(v.RequireRole(RoleAdmin)(http.HandlerFunc(whoami)))

	assert.Equal(t, http.StatusForbidden, do(h, sign(t, jwt.SigningMethodHS256, []byte(secret), validClaims(RoleFarmer))).Code)
	assert.Equal(t, http.StatusOK, do(h, sign(t, jwt.SigningMethodHS256, []byte(secret), validClaims(RoleAdmin))).Code)
}

func TestDisabledVerifierPassesThrough(t *testing.T) {
	v := NewVerifier("")
	assert.False(t, v.Enabled())
	h := v.Required(v.RequireRole(RoleAdmin)(http.HandlerFunc(whoami)))
	rec := do(h, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "anonymous", rec.Body.String())
}
