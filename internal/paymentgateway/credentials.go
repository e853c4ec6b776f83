package paymentgateway

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"

	"golang.org/x/crypto/pkcs12"

	"github.com/maibank/checkout-reconciler/internal"
)

// LoadCredentials builds the merchant client certificate for the ECOMM host,
// either from a PEM certificate and (optionally encrypted) PEM key or from a
// PKCS#12 bundle.
func LoadCredentials(cfg internal.GatewayConfig) (tls.Certificate, error) {
	if cfg.PFXPath != "" {
		return loadPFX(cfg.PFXPath, cfg.PFXPassword)
	}
	if cfg.CertPath == "" || cfg.KeyPath == "" {
		return tls.Certificate{}, errors.New("no gateway credentials configured")
	}
	return loadPEM(cfg.CertPath, cfg.KeyPath, cfg.KeyPassword)
}

// TLSConfig wraps the merchant certificate for an HTTP transport.
func TLSConfig(cert tls.Certificate) *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}
}

func loadPEM(certPath, keyPath, password string) (tls.Certificate, error) {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to read certificate: %w", err)
	}
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to read private key: %w", err)
	}

	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return tls.Certificate{}, errors.New("private key is not PEM encoded")
	}

	//nolint:staticcheck // legacy encrypted PEM keys are what the bank issues
	if x509.IsEncryptedPEMBlock(block) {
		if password == "" {
			return tls.Certificate{}, errors.New("private key is encrypted but no key_password is set")
		}
		//nolint:staticcheck
		der, err := x509.DecryptPEMBlock(block, []byte(password))
		if err != nil {
			return tls.Certificate{}, fmt.Errorf("failed to decrypt private key: %w", err)
		}
		keyPEM = pem.EncodeToMemory(&pem.Block{Type: block.Type, Bytes: der})
	}

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("invalid certificate/key pair: %w", err)
	}
	return cert, nil
}

func loadPFX(path, password string) (tls.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to read pfx bundle: %w", err)
	}

	blocks, err := pkcs12.ToPEM(data, password)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to decode pfx bundle: %w", err)
	}

	var pemData []byte
	for _, b := range blocks {
		pemData = append(pemData, pem.EncodeToMemory(b)...)
	}

	cert, err := tls.X509KeyPair(pemData, pemData)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("invalid pfx bundle: %w", err)
	}
	return cert, nil
}
