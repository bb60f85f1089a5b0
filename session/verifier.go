package session

import "golang.org/x/crypto/bcrypt"

// Verifier decides how passwords are stored in the credential log and how
// a login attempt is checked against the stored value.
type Verifier interface {
	Hash(password string) (string, error)
	Verify(stored, supplied string) bool
}

// PlainVerifier stores and compares passwords exactly as received.
type PlainVerifier struct{}

func (PlainVerifier) Hash(password string) (string, error) { return password, nil }

func (PlainVerifier) Verify(stored, supplied string) bool { return stored == supplied }

// BcryptVerifier stores bcrypt hashes.
type BcryptVerifier struct {
	Cost int
}

func (v BcryptVerifier) Hash(password string) (string, error) {
	cost := v.Cost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", err
	}
	return string(hashed), nil
}

func (BcryptVerifier) Verify(stored, supplied string) bool {
	return bcrypt.CompareHashAndPassword([]byte(stored), []byte(supplied)) == nil
}
