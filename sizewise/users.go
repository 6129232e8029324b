package sizewise

import (
	"golang.org/x/crypto/bcrypt"

	"github.com/engryamato/sizewise-auth/license"
)

// User is an account record for the email+password credential path.
type User struct {
	ID           string
	Email        string
	PasswordHash string
	Tier         license.Tier
	Blocked      bool
}

// UserStore is the narrow user lookup the façade needs for password
// logins. License-key logins bypass it entirely.
type UserStore interface {
	GetByEmail(email string) (*User, error)
}

// HashPassword hashes a plaintext password with bcrypt.
func HashPassword(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	return string(bytes), err
}

// CheckPasswordHash compares a plaintext password with its bcrypt hash.
func CheckPasswordHash(password, hash string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	return err == nil
}
