package notifycrypto

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/pkcs12"
)

// ErrNoKey is returned when a key file holds no usable RSA private key
var ErrNoKey = errors.New("no RSA private key found")

func isPKCS12(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".pfx", ".p12":
		return true
	}
	return false
}

// LoadPrivateKey reads an RSA private key from a PEM file (PKCS#1 or PKCS#8,
// optionally legacy-encrypted) or a PKCS#12 bundle (.pfx/.p12).
func LoadPrivateKey(path, password string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}

	if isPKCS12(path) {
		key, _, err := pkcs12.Decode(data, password)
		if err != nil {
			return nil, fmt.Errorf("decode pkcs12 %s: %w", path, err)
		}
		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("%w in %s", ErrNoKey, path)
		}
		return rsaKey, nil
	}

	return parsePEMKey(data, password)
}

func parsePEMKey(data []byte, password string) (*rsa.PrivateKey, error) {
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			return nil, ErrNoKey
		}

		der := block.Bytes
		//nolint:staticcheck // legacy encrypted PEM is what older tooling writes
		if x509.IsEncryptedPEMBlock(block) {
			if password == "" {
				return nil, errors.New("private key is encrypted and no password was configured")
			}
			//nolint:staticcheck
			decrypted, err := x509.DecryptPEMBlock(block, []byte(password))
			if err != nil {
				return nil, fmt.Errorf("decrypt private key: %w", err)
			}
			der = decrypted
		}

		switch block.Type {
		case "RSA PRIVATE KEY":
			return x509.ParsePKCS1PrivateKey(der)
		case "PRIVATE KEY":
			key, err := x509.ParsePKCS8PrivateKey(der)
			if err != nil {
				return nil, fmt.Errorf("parse pkcs8 key: %w", err)
			}
			rsaKey, ok := key.(*rsa.PrivateKey)
			if !ok {
				return nil, ErrNoKey
			}
			return rsaKey, nil
		}
	}
}

// LoadCertificate reads the encryption certificate from a PEM file or a PKCS#12 bundle
func LoadCertificate(path, password string) (*x509.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read certificate: %w", err)
	}

	if isPKCS12(path) {
		_, cert, err := pkcs12.Decode(data, password)
		if err != nil {
			return nil, fmt.Errorf("decode pkcs12 %s: %w", path, err)
		}
		return cert, nil
	}

	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			return nil, fmt.Errorf("no certificate found in %s", path)
		}
		if block.Type == "CERTIFICATE" {
			return x509.ParseCertificate(block.Bytes)
		}
	}
}

// SerializedCertificate returns the base64 DER form the publisher expects
// in a subscription's encryptionCertificate field
func SerializedCertificate(cert *x509.Certificate) string {
	return base64.StdEncoding.EncodeToString(cert.Raw)
}
