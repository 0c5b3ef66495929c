package server

import (
	"crypto/tls"

	"gatewind/internal/state"
	"gatewind/internal/types"
)

// buildTLSConfig parses the PEM material carried by a TLS service. It
// returns nil for plain text service types.
func buildTLSConfig(svc *state.ApiService) (*tls.Config, error) {
	cfg := svc.ServiceConfig
	if !cfg.ServerType.IsTLS() {
		return nil, nil
	}

	cert, err := tls.X509KeyPair([]byte(cfg.CertStr), []byte(cfg.KeyStr))
	if err != nil {
		return nil, types.ValidationError{Field: "service_config.cert_str", Message: "invalid certificate or key: " + err.Error()}
	}

	tlsConfig := &tls.Config{
		MinVersion:   tls.VersionTLS12,
		MaxVersion:   tls.VersionTLS13,
		Certificates: []tls.Certificate{cert},
		CipherSuites: getSecureCipherSuites(),
		CurvePreferences: []tls.CurveID{
			tls.X25519,
			tls.CurveP256,
			tls.CurveP384,
		},
	}

	if cfg.ServerType == state.Http2Tls {
		tlsConfig.NextProtos = []string{"h2", "http/1.1"}
	} else {
		tlsConfig.NextProtos = []string{"http/1.1"}
	}
	return tlsConfig, nil
}

// getSecureCipherSuites returns TLS 1.2 suites; TLS 1.3 suites are not
// configurable
func getSecureCipherSuites() []uint16 {
	return []uint16{
		tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
		tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
		tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
		tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
		tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
		tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
	}
}
