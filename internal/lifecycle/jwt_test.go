package lifecycle

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestMintTaskRunJWT(t *testing.T) {
	now := time.Now().Truncate(time.Second)
	signed, err := MintTaskRunJWT("signing-secret", "run-1", now)
	if err != nil {
		t.Fatalf("MintTaskRunJWT() error: %v", err)
	}

	parsed, err := jwt.Parse(signed, func(tok *jwt.Token) (any, error) {
		if tok.Method != jwt.SigningMethodHS256 {
			t.Fatalf("signing method = %v", tok.Method)
		}
		return []byte("signing-secret"), nil
	})
	if err != nil || !parsed.Valid {
		t.Fatalf("parse: %v valid=%v", err, parsed.Valid)
	}
	claims := parsed.Claims.(jwt.MapClaims)
	if claims["taskRunId"] != "run-1" {
		t.Errorf("taskRunId = %v", claims["taskRunId"])
	}
	if got := int64(claims["exp"].(float64)); got != now.Add(24*time.Hour).Unix() {
		t.Errorf("exp = %d, want now+24h", got)
	}
	if got := int64(claims["iat"].(float64)); got != now.Unix() {
		t.Errorf("iat = %d, want now", got)
	}
}

func TestMintTaskRunJWTWrongSecretRejected(t *testing.T) {
	signed, err := MintTaskRunJWT("signing-secret", "run-1", time.Now())
	if err != nil {
		t.Fatalf("MintTaskRunJWT() error: %v", err)
	}
	if _, err := jwt.Parse(signed, func(*jwt.Token) (any, error) {
		return []byte("other-secret"), nil
	}); err == nil {
		t.Fatal("token verified with the wrong secret")
	}
}

func TestMintTaskRunJWTUnconfigured(t *testing.T) {
	if tok, err := MintTaskRunJWT("", "run-1", time.Now()); tok != "" || err != nil {
		t.Fatalf("no secret: tok=%q err=%v", tok, err)
	}
	if tok, err := MintTaskRunJWT("signing-secret", "", time.Now()); tok != "" || err != nil {
		t.Fatalf("no run: tok=%q err=%v", tok, err)
	}
}
