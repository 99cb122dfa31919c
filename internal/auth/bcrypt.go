// Package auth provides the password hashing capability consumed by the
// race store for pit-box commands.
package auth

import "golang.org/x/crypto/bcrypt"

// BcryptHasher hashes and verifies pit-box passwords with bcrypt. The
// zero value uses bcrypt's default cost.
type BcryptHasher struct {
	Cost int
}

// Hash returns the bcrypt hash of plain.
func (h BcryptHasher) Hash(plain string) (string, error) {
	cost := h.Cost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	out, err := bcrypt.GenerateFromPassword([]byte(plain), cost)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// Verify reports whether plain matches the stored hash. It never leaks
// why a mismatch happened.
func (h BcryptHasher) Verify(plain, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(plain)) == nil
}
