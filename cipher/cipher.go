// Package cipher provides the per-byte asymmetric cipher the broker and its
// clients use to wrap packet payloads. The key sizes are deliberately tiny;
// nothing here should be mistaken for real cryptography.
package cipher

import (
	"crypto/rand"
	"errors"
	"math/big"
)

var (
	ErrInvalidKey = errors.New("invalid key")
	ErrEmpty      = errors.New("empty ciphertext")
	ErrDecrypt    = errors.New("decryption failed")
)

// maxModulus keeps every intermediate product inside uint64.
const maxModulus = 1 << 31

// PublicKey is the (modulus, exponent) pair exchanged during the handshake.
type PublicKey struct {
	N int64
	E int64
}

// PrivateKey holds the private exponent alongside its public half.
type PrivateKey struct {
	PublicKey
	D int64
}

// Cipher encrypts a plaintext into one word per byte and back.
type Cipher interface {
	Encrypt(plaintext string, pub PublicKey) ([]int64, error)
	Decrypt(words []int64, priv PrivateKey) (string, error)
}

// Toy is the textbook RSA applied byte by byte.
type Toy struct{}

// Valid reports whether k can encrypt every byte value and keeps the
// arithmetic inside uint64.
func (k PublicKey) Valid() bool {
	return k.N > 255 && k.N < maxModulus && k.E > 0
}

func (Toy) Encrypt(plaintext string, pub PublicKey) ([]int64, error) {
	if !pub.Valid() {
		return nil, ErrInvalidKey
	}
	out := make([]int64, len(plaintext))
	for i := 0; i < len(plaintext); i++ {
		out[i] = modexp(int64(plaintext[i]), pub.E, pub.N)
	}
	return out, nil
}

func (Toy) Decrypt(words []int64, priv PrivateKey) (string, error) {
	if !priv.Valid() || priv.D <= 0 {
		return "", ErrInvalidKey
	}
	if len(words) == 0 {
		return "", ErrEmpty
	}
	buf := make([]byte, len(words))
	for i, w := range words {
		if w < 0 || w >= priv.N {
			return "", ErrDecrypt
		}
		m := modexp(w, priv.D, priv.N)
		if m > 255 {
			return "", ErrDecrypt
		}
		buf[i] = byte(m)
	}
	return string(buf), nil
}

// GenerateKey picks two distinct primes in [100, 300) and derives a key pair.
func GenerateKey() (PrivateKey, error) {
	p, err := randomPrime(100, 300)
	if err != nil {
		return PrivateKey{}, err
	}
	var q int64
	for {
		q, err = randomPrime(100, 300)
		if err != nil {
			return PrivateKey{}, err
		}
		if q != p {
			break
		}
	}

	n := p * q
	phi := (p - 1) * (q - 1)

	e := int64(3)
	for gcd(e, phi) != 1 {
		e++
	}

	d := modInverse(e, phi)
	if d <= 0 {
		return PrivateKey{}, ErrInvalidKey
	}

	return PrivateKey{PublicKey: PublicKey{N: n, E: e}, D: d}, nil
}

func randomPrime(min, max int64) (int64, error) {
	span := big.NewInt(max - min)
	for {
		r, err := rand.Int(rand.Reader, span)
		if err != nil {
			return 0, err
		}
		candidate := min + r.Int64()
		if isPrime(candidate) {
			return candidate, nil
		}
	}
}

func isPrime(n int64) bool {
	if n <= 1 {
		return false
	}
	for i := int64(2); i*i <= n; i++ {
		if n%i == 0 {
			return false
		}
	}
	return true
}

func gcd(a, b int64) int64 {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

func modInverse(e, phi int64) int64 {
	oldR, r := e, phi
	oldS, s := int64(1), int64(0)
	for r != 0 {
		q := oldR / r
		oldR, r = r, oldR-q*r
		oldS, s = s, oldS-q*s
	}
	if oldR != 1 {
		return -1
	}
	return (oldS%phi + phi) % phi
}

func modexp(base, exp, mod int64) int64 {
	result := uint64(1)
	b := uint64(base % mod)
	m := uint64(mod)
	for exp > 0 {
		if exp&1 == 1 {
			result = result * b % m
		}
		exp >>= 1
		b = b * b % m
	}
	return int64(result)
}
