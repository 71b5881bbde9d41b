package cert

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
)

var (
	ErrReadCA   = errors.New("failed to read CA bundle")
	ErrAppendCA = errors.New("failed to append CA certificates")
)

// ClientConfig builds the tls.Config both outbound adapters use. With verify
// off the chain is not checked at all; with a caFile the pool holds only that
// bundle, otherwise the system roots apply.
func ClientConfig(verify bool, caFile string) (*tls.Config, error) {
	if !verify {
		return &tls.Config{InsecureSkipVerify: true}, nil
	}

	if caFile == "" {
		return &tls.Config{}, nil
	}

	caCert, err := os.ReadFile(caFile)
	if err != nil {
		return nil, errors.Join(ErrReadCA, fmt.Errorf("read %s: %w", caFile, err))
	}

	caCertPool := x509.NewCertPool()
	if !caCertPool.AppendCertsFromPEM(caCert) {
		return nil, errors.Join(ErrAppendCA, fmt.Errorf("no usable certificate in %s", caFile))
	}

	return &tls.Config{RootCAs: caCertPool}, nil
}
