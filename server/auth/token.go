// Package auth issues and validates the two credential types: operator
// bearer tokens (signed claims carrying a role and a box allow-list) and
// opaque spectator tokens (random, validated server-side against the store).
package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
)

// Roles carried by operator bearers.
const (
	RoleAdmin = "admin"
	RoleJudge = "judge"
)

// Claims are the signed operator bearer contents. BoxIDs is the allow-list;
// admins carry AllBoxes instead.
type Claims struct {
	Role     string `json:"role"`
	BoxIDs   []int  `json:"box_ids,omitempty"`
	AllBoxes bool   `json:"all_boxes,omitempty"`
	// Standard claims
	Issuer    string `json:"iss"`
	Audience  string `json:"aud"`
	ExpiresAt int64  `json:"exp"`
	IssuedAt  int64  `json:"iat"`
	NotBefore int64  `json:"nbf"`
}

var (
	// Enforce a 32-byte secret length at startup.
	secret   []byte
	issuer   = "boxd"
	audience = "boxd-console"
)

func init() {
	secretEnv := os.Getenv("JWT_SECRET")
	if len(secretEnv) < 32 {
		if secretEnv == "" {
			fmt.Println("WARNING: JWT_SECRET not set. Using insecure default for local dev ONLY.")
			secret = []byte("insecure_default_secret_for_dev_mode_only_32bytes")
		} else {
			panic("JWT_SECRET must be at least 32 characters long")
		}
	} else {
		secret = []byte(secretEnv)
	}
}

// GenerateToken creates a signed operator bearer for the given role and box
// allow-list.
func GenerateToken(role string, boxIDs []int, ttl time.Duration) (string, error) {
	now := time.Now().Unix()
	claims := Claims{
		Role:      role,
		BoxIDs:    boxIDs,
		AllBoxes:  role == RoleAdmin,
		Issuer:    issuer,
		Audience:  audience,
		ExpiresAt: now + int64(ttl/time.Second),
		IssuedAt:  now,
		NotBefore: now,
	}

	header := map[string]string{"alg": "HS256", "typ": "JWT"}
	headerJSON, _ := json.Marshal(header)
	claimsJSON, _ := json.Marshal(claims)

	tokenPart := base64UrlEncode(headerJSON) + "." + base64UrlEncode(claimsJSON)
	signature := computeHMAC(tokenPart, secret)

	return tokenPart + "." + signature, nil
}

// ValidateToken parses and validates an operator bearer.
func ValidateToken(tokenString string) (*Claims, error) {
	parts := strings.Split(tokenString, ".")
	if len(parts) != 3 {
		return nil, errors.New("invalid token format")
	}

	tokenPart := parts[0] + "." + parts[1]
	signature := computeHMAC(tokenPart, secret)
	if !hmac.Equal([]byte(signature), []byte(parts[2])) {
		return nil, errors.New("invalid signature")
	}

	claimsJSON, err := base64UrlDecode(parts[1])
	if err != nil {
		return nil, fmt.Errorf("failed to decode claims: %v", err)
	}

	var claims Claims
	if err := json.Unmarshal(claimsJSON, &claims); err != nil {
		return nil, fmt.Errorf("failed to unmarshal claims: %v", err)
	}

	now := time.Now().Unix()
	if now > claims.ExpiresAt {
		return nil, errors.New("token expired")
	}
	if claims.Issuer != issuer {
		return nil, errors.New("invalid issuer")
	}
	if claims.Audience != audience {
		return nil, errors.New("invalid audience")
	}

	return &claims, nil
}

// Allows reports whether the claims grant access to a box.
func (c *Claims) Allows(boxID int) bool {
	if c.AllBoxes {
		return true
	}
	for _, id := range c.BoxIDs {
		if id == boxID {
			return true
		}
	}
	return false
}

// NewSpectatorToken returns an opaque random token. It carries no claims;
// the server stores it with a TTL and checks presence on every public read.
func NewSpectatorToken() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		panic("auth: crypto/rand unavailable: " + err.Error())
	}
	return base64UrlEncode(b)
}

func computeHMAC(message string, secret []byte) string {
	h := hmac.New(sha256.New, secret)
	h.Write([]byte(message))
	return base64UrlEncode(h.Sum(nil))
}

func base64UrlEncode(data []byte) string {
	return strings.TrimRight(base64.URLEncoding.EncodeToString(data), "=")
}

func base64UrlDecode(data string) ([]byte, error) {
	if l := len(data) % 4; l > 0 {
		data += strings.Repeat("=", 4-l)
	}
	return base64.URLEncoding.DecodeString(data)
}
