package transport

import (
	"net/http"
	"time"
)

type ClientConfig struct {
	URL            string        `env:"URL"              envDefault:"http://localhost:7070"`
	Timeout        time.Duration `env:"TIMEOUT"          envDefault:"30s"`
	CertFile       string        `env:"CLIENT_CERT"      envDefault:""`
	KeyFile        string        `env:"CLIENT_KEY"       envDefault:""`
	CAFile         string        `env:"SERVER_CA_CERTS"  envDefault:""`
	ServerName     string        `env:"SERVER_NAME"      envDefault:""`
	MaxSendSize    int64         `env:"MAX_SEND_SIZE"    envDefault:"104857600"`
	MaxReceiveSize int64         `env:"MAX_RECEIVE_SIZE" envDefault:"104857600"`
}

// NewHTTPClient builds a client with a per-call timeout and, when
// certificates are configured, mutual TLS.
func NewHTTPClient(cfg ClientConfig) (*http.Client, error) {
	tlsCfg, err := ClientTLSConfig(cfg.CertFile, cfg.KeyFile, cfg.CAFile, cfg.ServerName)
	if err != nil {
		return nil, err
	}
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.TLSClientConfig = tlsCfg

	return &http.Client{
		Timeout:   cfg.Timeout,
		Transport: tr,
	}, nil
}
