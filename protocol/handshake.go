package protocol

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/shmooki/royal-mail-ship/cipher"
)

// WritePublicKey sends modulus then exponent as two 64-bit words.
func WritePublicKey(w io.Writer, key cipher.PublicKey) error {
	if err := binary.Write(w, order, [2]int64{key.N, key.E}); err != nil {
		return fmt.Errorf("write public key: %w", err)
	}
	return nil
}

// ReadPublicKey receives a peer's modulus and exponent.
func ReadPublicKey(r io.Reader) (cipher.PublicKey, error) {
	var words [2]int64
	if err := binary.Read(r, order, &words); err != nil {
		return cipher.PublicKey{}, fmt.Errorf("read public key: %w", err)
	}
	return cipher.PublicKey{N: words[0], E: words[1]}, nil
}
