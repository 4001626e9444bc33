package enroll

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// GenerateCredential creates the long-lived secret an instance presents on
// every connection, plus the hash the bridge stores. The plaintext is shown
// exactly once, in the enrollment response.
func GenerateCredential() (plaintext, hash string, err error) {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return "", "", fmt.Errorf("failed to generate credential: %w", err)
	}
	plaintext = hex.EncodeToString(bytes)

	hashed, err := bcrypt.GenerateFromPassword([]byte(plaintext), bcrypt.DefaultCost)
	if err != nil {
		return "", "", fmt.Errorf("failed to hash credential: %w", err)
	}
	return plaintext, string(hashed), nil
}

// VerifyCredential checks a presented credential against the stored hash
func VerifyCredential(hash, plaintext string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(plaintext)) == nil
}
