package httpclient

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/http"
	"os"
	"time"
)

// TLSConfig holds TLS options for providers that sit behind a private CA,
// e.g. an LLM configuration with an attached certificate file.
type TLSConfig struct {
	InsecureSkipVerify bool
	CACertificate      string // path to a PEM CA certificate file
}

// ConfigureTLS creates an http.Transport with the given TLS configuration.
func ConfigureTLS(config *TLSConfig) (*http.Transport, error) {
	transport := &http.Transport{
		TLSClientConfig: &tls.Config{},
	}

	if config != nil && config.CACertificate != "" {
		caCert, err := os.ReadFile(config.CACertificate)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate from %s: %w", config.CACertificate, err)
		}

		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to parse CA certificate from %s", config.CACertificate)
		}

		transport.TLSClientConfig.RootCAs = caCertPool
	}

	if config != nil && config.InsecureSkipVerify {
		transport.TLSClientConfig.InsecureSkipVerify = true
	}

	return transport, nil
}

// WithTLS configures the client's underlying transport. Errors are returned
// at construction rather than silently falling back to the default transport.
func WithTLS(config *TLSConfig) (Option, error) {
	transport, err := ConfigureTLS(config)
	if err != nil {
		return nil, err
	}
	return func(c *Client) {
		if c.client == nil {
			c.client = &http.Client{Timeout: 60 * time.Second}
		}
		c.client.Transport = transport
	}, nil
}
