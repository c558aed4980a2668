// Package auth issues and verifies the signed run tokens that accompany
// every agent dispatch. The gateway echoes the token back on its completion
// callback, which proves the callback belongs to a run we actually started.
package auth

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrInvalidToken = errors.New("invalid run token")

	jwtSecretOnce    sync.Once
	jwtSecretRuntime []byte
	jwtSecretErr     error
)

func jwtSecretFromEnv() ([]byte, error) {
	jwtSecretOnce.Do(func() {
		secret := strings.TrimSpace(os.Getenv("JWT_SECRET"))
		if secret != "" {
			jwtSecretRuntime = []byte(secret)
			return
		}

		buf := make([]byte, 48)
		if _, err := rand.Read(buf); err != nil {
			jwtSecretErr = fmt.Errorf("failed to generate JWT fallback secret: %w", err)
			return
		}

		jwtSecretRuntime = []byte(base64.RawURLEncoding.EncodeToString(buf))
		log.Print("JWT_SECRET is not set; using ephemeral in-memory fallback secret")
	})

	if jwtSecretErr != nil {
		return nil, jwtSecretErr
	}
	if len(jwtSecretRuntime) == 0 {
		return nil, errors.New("JWT secret unavailable")
	}

	return jwtSecretRuntime, nil
}

// IssueRunToken signs a token binding an opportunity to one specific run.
// The ttl bounds how long a straggling gateway may still call back.
func IssueRunToken(opportunityID, runID uuid.UUID, ttl time.Duration) (string, error) {
	secret, err := jwtSecretFromEnv()
	if err != nil {
		return "", err
	}

	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": opportunityID.String(),
		"rid": runID.String(),
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	})

	signed, err := token.SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign run token: %w", err)
	}
	return signed, nil
}

// VerifyRunToken checks the signature and expiry and returns the bound
// opportunity and run ids.
func VerifyRunToken(raw string) (uuid.UUID, uuid.UUID, error) {
	secret, err := jwtSecretFromEnv()
	if err != nil {
		return uuid.Nil, uuid.Nil, err
	}

	token, err := jwt.Parse(raw, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return secret, nil
	})
	if err != nil || !token.Valid {
		return uuid.Nil, uuid.Nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return uuid.Nil, uuid.Nil, ErrInvalidToken
	}

	sub, _ := claims["sub"].(string)
	rid, _ := claims["rid"].(string)

	opportunityID, err := uuid.Parse(sub)
	if err != nil {
		return uuid.Nil, uuid.Nil, ErrInvalidToken
	}
	runID, err := uuid.Parse(rid)
	if err != nil {
		return uuid.Nil, uuid.Nil, ErrInvalidToken
	}

	return opportunityID, runID, nil
}
