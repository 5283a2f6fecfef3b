package lifecycle

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// taskRunTokenTTL bounds how long the in-container worker's identity token
// stays valid.
const taskRunTokenTTL = 24 * time.Hour

// MintTaskRunJWT signs the token the in-container worker presents when
// calling back. Returns "" without error when no signing secret is
// configured; the worker then runs unauthenticated.
func MintTaskRunJWT(secret, taskRunID string, now time.Time) (string, error) {
	if secret == "" || taskRunID == "" {
		return "", nil
	}
	claims := jwt.MapClaims{
		"taskRunId": taskRunID,
		"iat":       jwt.NewNumericDate(now),
		"exp":       jwt.NewNumericDate(now.Add(taskRunTokenTTL)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("signing task-run token: %w", err)
	}
	return signed, nil
}
