package hash

import "golang.org/x/crypto/bcrypt"

// Fixed work factor. Raising it only affects newly stored hashes; bcrypt
// verification reads the cost from the hash itself.
const cost = 12

func HashPassword(password string) (string, error) {
	hashBytes, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", err
	}
	return string(hashBytes), nil
}

// CheckPassword fails closed: any bcrypt error counts as a mismatch.
func CheckPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}
