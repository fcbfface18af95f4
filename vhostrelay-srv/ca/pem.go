package ca

import (
	"crypto"
	"crypto/aes"
	"crypto/cipher"
	"crypto/des" // nolint:gosec // legacy RFC 1423 keys
	"crypto/ecdsa"
	"crypto/md5" // nolint:gosec // legacy RFC 1423 keys
	"crypto/rsa"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"

	pkcs8 "github.com/youmark/pkcs8"

	"github.com/codefionn/vhostrelay/vhostrelay-srv/logger"
)

var ErrKeyPasswordRequired = errors.New("private key is encrypted and no password is configured")

type legacyCipher struct {
	keySize int
	newFunc func(key []byte) (cipher.Block, error)
}

// RFC 1423 DEK-Info algorithms understood when loading old OpenSSL keys.
var legacyCiphers = map[string]legacyCipher{
	"DES-CBC":      {8, des.NewCipher},
	"DES-EDE3-CBC": {24, des.NewTripleDESCipher},
	"AES-128-CBC":  {16, aes.NewCipher},
	"AES-192-CBC":  {24, aes.NewCipher},
	"AES-256-CBC":  {32, aes.NewCipher},
}

func isLegacyEncrypted(block *pem.Block) bool {
	_, hasInfo := block.Headers["Proc-Type"]
	_, hasKey := block.Headers["DEK-Info"]
	return hasInfo && hasKey
}

// evpBytesToKey is OpenSSL's MD5 based key derivation with a single round.
func evpBytesToKey(password, salt []byte, size int) []byte {
	var d, prev []byte
	for len(d) < size {
		h := md5.New() // nolint:gosec // legacy RFC 1423 keys
		h.Write(prev)
		h.Write(password)
		h.Write(salt)
		prev = h.Sum(nil)
		d = append(d, prev...)
	}
	return d[:size]
}

// decryptLegacyBlock decrypts an RFC 1423 encrypted PEM block.
func decryptLegacyBlock(block *pem.Block, password []byte) ([]byte, error) {
	if block.Headers["Proc-Type"] != "4,ENCRYPTED" {
		return nil, errors.New("PEM block does not have encrypted proc type")
	}
	alg, ivHex, ok := strings.Cut(block.Headers["DEK-Info"], ",")
	if !ok {
		return nil, errors.New("invalid DEK-Info format")
	}
	lc, ok := legacyCiphers[alg]
	if !ok {
		return nil, fmt.Errorf("unsupported encryption algorithm: %s", alg)
	}
	iv, err := hex.DecodeString(ivHex)
	if err != nil {
		return nil, fmt.Errorf("invalid IV hex: %w", err)
	}
	if len(iv) < 8 {
		return nil, fmt.Errorf("invalid IV length for %s: %d bytes", alg, len(iv))
	}

	blockCipher, err := lc.newFunc(evpBytesToKey(password, iv[:8], lc.keySize))
	if err != nil {
		return nil, fmt.Errorf("failed to create %s cipher: %w", alg, err)
	}
	bs := blockCipher.BlockSize()
	if len(iv) != bs {
		return nil, fmt.Errorf("invalid IV length for %s: expected %d, got %d", alg, bs, len(iv))
	}
	if len(block.Bytes) == 0 || len(block.Bytes)%bs != 0 {
		return nil, errors.New("ciphertext is not a multiple of the block size")
	}

	out := make([]byte, len(block.Bytes))
	cipher.NewCBCDecrypter(blockCipher, iv).CryptBlocks(out, block.Bytes)

	pad := int(out[len(out)-1])
	if pad == 0 || pad > bs || pad > len(out) {
		return nil, errors.New("invalid padding")
	}
	for _, b := range out[len(out)-pad:] {
		if int(b) != pad {
			return nil, errors.New("invalid padding")
		}
	}
	return out[:len(out)-pad], nil
}

// parsePrivateKey decodes a PEM private key in PKCS#1, PKCS#8, SEC 1 EC,
// encrypted PKCS#8 or legacy encrypted form.
func parsePrivateKey(keyPEM []byte, password string) (crypto.Signer, error) {
	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return nil, errors.New("failed to decode CA key PEM")
	}

	der := block.Bytes
	switch {
	case block.Type == "ENCRYPTED PRIVATE KEY":
		if password == "" {
			return nil, ErrKeyPasswordRequired
		}
		key, err := pkcs8.ParsePKCS8PrivateKey(block.Bytes, []byte(password))
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt PKCS#8 encrypted private key: %w", err)
		}
		logger.Debug("Decrypted PKCS#8 encrypted CA key")
		return asSigner(key)
	case isLegacyEncrypted(block):
		if password == "" {
			return nil, ErrKeyPasswordRequired
		}
		plain, err := decryptLegacyBlock(block, []byte(password))
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt legacy PEM block: %w", err)
		}
		logger.Debug("Decrypted legacy encrypted CA key")
		der = plain
	}

	if key, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return key, nil
	}
	if key, err := x509.ParsePKCS8PrivateKey(der); err == nil {
		return asSigner(key)
	}
	key, err := x509.ParseECPrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("failed to parse CA key (tried PKCS#1, PKCS#8, and EC): %w", err)
	}
	return key, nil
}

func asSigner(key any) (crypto.Signer, error) {
	switch k := key.(type) {
	case *rsa.PrivateKey:
		return k, nil
	case *ecdsa.PrivateKey:
		return k, nil
	default:
		return nil, fmt.Errorf("CA key is not a supported private key type (RSA or EC): %T", key)
	}
}

// encodePrivateKey renders key as PKCS#8, encrypted when password is set.
func encodePrivateKey(key crypto.Signer, password string) ([]byte, error) {
	if password != "" {
		der, err := pkcs8.MarshalPrivateKey(key, []byte(password), nil)
		if err != nil {
			return nil, fmt.Errorf("failed to encrypt private key: %w", err)
		}
		return pem.EncodeToMemory(&pem.Block{Type: "ENCRYPTED PRIVATE KEY", Bytes: der}), nil
	}
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal private key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}
