package ejauth

import "golang.org/x/crypto/bcrypt"

// HashPassword hashes a plaintext client password for storage. Treated as
// an opaque cryptographic primitive per spec §1 — bcrypt is a real,
// widely-used choice, not a hand-rolled hash.
func HashPassword(plaintext string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(plaintext), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// CheckPassword reports whether plaintext matches the stored hash.
func CheckPassword(hash, plaintext string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(plaintext)) == nil
}
