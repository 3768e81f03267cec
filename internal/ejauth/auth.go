// Package ejauth implements spec.md §4.G: bearer-token issuance and
// verification plus the permission gate every authenticated request
// passes through. Grounded on the original Rust ej-web::auth_token's
// AuthToken claim set, encoded with golang-jwt/jwt/v4 (HS256). The
// process-wide secret is loaded once at startup and passed explicitly
// into every component that verifies tokens — never read from a package
// global at call time (§9 redesign note).
package ejauth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"

	"github.com/ejdispatch/ej/internal/ejmodel"
)

// Secret is the process-wide symmetric signing key, loaded once at
// startup. It is a distinct type (not a bare []byte) so it can't be
// accidentally passed where some other byte slice is expected.
type Secret struct {
	key []byte
}

// NewSecret wraps raw secret bytes. Fails if empty — per §7 item 5, a
// missing auth secret is a fatal start-up error, enforced by the caller
// treating this error as fatal.
func NewSecret(raw string) (Secret, error) {
	if raw == "" {
		return Secret{}, fmt.Errorf("ejauth: auth secret must not be empty")
	}
	return Secret{key: []byte(raw)}, nil
}

// Claims is the exact claim set of spec.md §4.G.
type Claims struct {
	jwt.RegisteredClaims
	Permissions []string     `json:"permissions"`
	Who         ejmodel.Who  `json:"who"`
}

// Issuer mints bearer tokens.
type Issuer struct {
	secret Secret
	issuer string
}

func NewIssuer(secret Secret, issuer string) *Issuer {
	if issuer == "" {
		issuer = "ejd"
	}
	return &Issuer{secret: secret, issuer: issuer}
}

// IssueClientToken mints a short-lived (~12h by convention) token for an
// authenticated client.
func (iss *Issuer) IssueClientToken(clientID string, permissions []string, ttl time.Duration) (string, error) {
	return iss.issue(clientID, ejmodel.WhoClient, permissions, ttl)
}

// IssueBuilderToken mints a long-lived (~1 year by convention) token for
// a builder.
func (iss *Issuer) IssueBuilderToken(builderID string, ttl time.Duration) (string, error) {
	return iss.issue(builderID, ejmodel.WhoBuilder, []string{ejmodel.PermBuilder}, ttl)
}

func (iss *Issuer) issue(subject string, who ejmodel.Who, permissions []string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    iss.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
		Permissions: permissions,
		Who:         who,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(iss.secret.key)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}

// Context is the {subject id, who, permissions} derived from a verified
// bearer token, threaded into every authenticated request handler.
type Context struct {
	SubjectID   string
	Who         ejmodel.Who
	Permissions map[string]struct{}
}

// Has reports whether the context carries the given permission.
func (c Context) Has(permission string) bool {
	_, ok := c.Permissions[permission]
	return ok
}

// Verifier checks bearer tokens against the process-wide secret.
type Verifier struct {
	secret Secret
}

func NewVerifier(secret Secret) *Verifier {
	return &Verifier{secret: secret}
}

// ErrTokenExpired is returned by Verify when a token's signature and
// structure check out but its exp claim has passed. Callers distinguish
// it from other verification failures via errors.Is and map it to
// apperr.TokenExpired instead of apperr.InvalidToken.
var ErrTokenExpired = errors.New("ejauth: token expired")

// Verify parses and validates a signed token, returning the derived
// Context. Expired tokens and bad signatures are reported as distinct
// errors (InvalidToken vs TokenExpired) via apperr by the caller.
func (v *Verifier) Verify(tokenString string) (Context, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret.key, nil
	})
	if err != nil {
		var verr *jwt.ValidationError
		if errors.As(err, &verr) && verr.Errors&jwt.ValidationErrorExpired != 0 {
			return Context{}, ErrTokenExpired
		}
		return Context{}, err
	}
	if !token.Valid {
		return Context{}, fmt.Errorf("ejauth: token invalid")
	}

	perms := make(map[string]struct{}, len(claims.Permissions))
	for _, p := range claims.Permissions {
		perms[p] = struct{}{}
	}

	return Context{
		SubjectID:   claims.Subject,
		Who:         claims.Who,
		Permissions: perms,
	}, nil
}
