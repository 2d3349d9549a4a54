package webhook

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// tokenKey signs callback tokens. Per-process: tokens do not survive a
// restart, which is fine because consumer state does not either.
var tokenKey []byte

func init() {
	tokenKey = make([]byte, 32)
	if _, err := rand.Read(tokenKey); err != nil {
		panic(fmt.Sprintf("generate token key: %v", err))
	}
}

const (
	tokenTTL        = time.Hour
	tokenRefreshWin = 5 * time.Minute
)

// NewSecret returns a fresh webhook signing secret.
func NewSecret() string {
	b := make([]byte, 32)
	rand.Read(b)
	return "whsec_" + hex.EncodeToString(b)
}

// SignPayload signs a webhook body, returning "t=<unix>,sha256=<hex>".
// The timestamp is part of the signed material so captures cannot be
// replayed later with a fresh-looking header.
func SignPayload(body []byte, secret string) string {
	ts := time.Now().Unix()
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.", ts)
	mac.Write(body)
	return fmt.Sprintf("t=%d,sha256=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

type tokenClaims struct {
	Sub   string `json:"sub"`
	Epoch int    `json:"epoch"`
	Exp   int64  `json:"exp"`
	Jti   string `json:"jti"`
}

// NewToken mints a signed callback token bound to a consumer and epoch.
func NewToken(consumerID string, epoch int) string {
	jti := make([]byte, 8)
	rand.Read(jti)

	claims, _ := json.Marshal(tokenClaims{
		Sub:   consumerID,
		Epoch: epoch,
		Exp:   time.Now().Add(tokenTTL).Unix(),
		Jti:   hex.EncodeToString(jti),
	})
	payload := base64.RawURLEncoding.EncodeToString(claims)

	mac := hmac.New(sha256.New, tokenKey)
	mac.Write([]byte(payload))
	sig := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
	return payload + "." + sig
}

// TokenCheck is the outcome of verifying a callback token.
type TokenCheck struct {
	Valid bool
	Exp   int64
	Code  string // CodeTokenInvalid or CodeTokenExpired when !Valid
}

// CheckToken verifies signature, subject, and expiry.
func CheckToken(token, consumerID string) TokenCheck {
	payload, sig, ok := strings.Cut(token, ".")
	if !ok {
		return TokenCheck{Code: CodeTokenInvalid}
	}

	mac := hmac.New(sha256.New, tokenKey)
	mac.Write([]byte(payload))
	want := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(sig), []byte(want)) {
		return TokenCheck{Code: CodeTokenInvalid}
	}

	raw, err := base64.RawURLEncoding.DecodeString(payload)
	if err != nil {
		return TokenCheck{Code: CodeTokenInvalid}
	}
	var claims tokenClaims
	if err := json.Unmarshal(raw, &claims); err != nil {
		return TokenCheck{Code: CodeTokenInvalid}
	}
	if claims.Sub != consumerID {
		return TokenCheck{Code: CodeTokenInvalid}
	}
	if time.Now().Unix() > claims.Exp {
		return TokenCheck{Code: CodeTokenExpired}
	}
	return TokenCheck{Valid: true, Exp: claims.Exp}
}

// needsRefresh reports whether a valid token is close enough to expiry
// that the response should carry a replacement.
func needsRefresh(exp int64) bool {
	return time.Until(time.Unix(exp, 0)) <= tokenRefreshWin
}
