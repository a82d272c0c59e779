package netsync

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"time"
)

// Protocol is the ALPN name of a viewer session.
const Protocol = "cocraft"

// SelfSigned makes a throwaway certificate for the given host names and
// addresses, valid for a day.
func SelfSigned(hosts ...string) (cert tls.Certificate, err error) {
	esk, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("generate ECDSA key: %v", err)
	}

	notBefore := time.Now()
	notAfter := notBefore.Add(24 * time.Hour)

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("generate serial number: %v", err)
	}

	template := &x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			Organization: []string{"cocraft"},
		},
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else {
			template.DNSNames = append(template.DNSNames, h)
		}
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &esk.PublicKey, esk)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("create X.509 certificate: %v", err)
	}
	certPem := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})

	skBytes, err := x509.MarshalECPrivateKey(esk)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("marshal ECDSA private key: %v", err)
	}
	keyPem := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: skBytes})

	if cert, err = tls.X509KeyPair(certPem, keyPem); err != nil {
		return tls.Certificate{}, fmt.Errorf("create TLS certificate: %v", err)
	}
	return
}

// ServerTLS is the server side config for cert.
func ServerTLS(cert tls.Certificate) *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{Protocol},
		MinVersion:   tls.VersionTLS13,
	}
}

// ClientTLS is the viewer side config. Servers use self-signed certificates,
// so none is verified.
func ClientTLS() *tls.Config {
	return &tls.Config{
		NextProtos:         []string{Protocol},
		MinVersion:         tls.VersionTLS13,
		InsecureSkipVerify: true,
	}
}
