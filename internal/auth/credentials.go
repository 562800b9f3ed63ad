// Package auth handles device authentication credentials. Registration
// stores a one-way hash of the device password; request authentication is
// out of scope for this service and happens upstream.
package auth

import "golang.org/x/crypto/bcrypt"

// HashAuthToken derives the stored form of a device password.
func HashAuthToken(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// VerifyAuthToken reports whether password matches a stored hash.
func VerifyAuthToken(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}
