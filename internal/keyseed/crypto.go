package keyseed

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"unicode"

	"golang.org/x/crypto/argon2"
)

// Argon2id parameters for the sealed master seed.
const (
	argon2Time        = 3
	argon2Memory      = 64 * 1024
	argon2Parallelism = 4
	argon2KeyLen      = 32
	argon2SaltLen     = 32
)

// Password limits for the master seed.
const (
	MinPasswordLength = 8
	MaxPasswordLength = 256
)

// sealedSeed is the at-rest form of the master mnemonic.
type sealedSeed struct {
	Version     int    `json:"version"`
	Ciphertext  []byte `json:"ciphertext"`
	Salt        []byte `json:"salt"`
	Nonce       []byte `json:"nonce"`
	Time        uint32 `json:"time"`
	Memory      uint32 `json:"memory"`
	Parallelism uint8  `json:"parallelism"`
}

func newGCM(password string, salt []byte, time, memory uint32, threads uint8) (cipher.AEAD, error) {
	key := argon2.IDKey([]byte(password), salt, time, memory, threads, argon2KeyLen)
	defer clear(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// sealMnemonic encrypts a mnemonic with Argon2id + AES-256-GCM.
func sealMnemonic(mnemonic, password string) ([]byte, error) {
	if err := ValidatePassword(password); err != nil {
		return nil, err
	}

	salt := make([]byte, argon2SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	gcm, err := newGCM(password, salt, argon2Time, argon2Memory, argon2Parallelism)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return json.Marshal(&sealedSeed{
		Version:     1,
		Ciphertext:  gcm.Seal(nil, nonce, []byte(mnemonic), nil),
		Salt:        salt,
		Nonce:       nonce,
		Time:        argon2Time,
		Memory:      argon2Memory,
		Parallelism: argon2Parallelism,
	})
}

// openMnemonic decrypts a sealed mnemonic. A wrong password returns
// ErrWrongPassword.
func openMnemonic(data []byte, password string) (string, error) {
	var sealed sealedSeed
	if err := json.Unmarshal(data, &sealed); err != nil {
		return "", fmt.Errorf("corrupt sealed seed: %w", err)
	}
	if sealed.Version != 1 {
		return "", fmt.Errorf("unsupported sealed seed version %d", sealed.Version)
	}

	gcm, err := newGCM(password, sealed.Salt, sealed.Time, sealed.Memory, sealed.Parallelism)
	if err != nil {
		return "", err
	}
	plaintext, err := gcm.Open(nil, sealed.Nonce, sealed.Ciphertext, nil)
	if err != nil {
		return "", ErrWrongPassword
	}
	defer clear(plaintext)
	return string(plaintext), nil
}

// ValidatePassword requires MinPasswordLength characters drawn from at
// least 3 of: uppercase, lowercase, digits, symbols.
func ValidatePassword(password string) error {
	if len(password) < MinPasswordLength {
		return fmt.Errorf("%w: must be at least %d characters", ErrWeakPassword, MinPasswordLength)
	}
	if len(password) > MaxPasswordLength {
		return fmt.Errorf("%w: must be at most %d characters", ErrWeakPassword, MaxPasswordLength)
	}

	classes := map[string]bool{}
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			classes["upper"] = true
		case unicode.IsLower(r):
			classes["lower"] = true
		case unicode.IsNumber(r):
			classes["digit"] = true
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			classes["symbol"] = true
		}
	}
	if len(classes) < 3 {
		return fmt.Errorf("%w: needs 3 of uppercase, lowercase, digit, symbol", ErrWeakPassword)
	}
	return nil
}
