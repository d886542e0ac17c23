package transport

import (
	"crypto/sha1"
	"crypto/tls"
	"encoding/hex"
	"net"
)

// CertificateSource extracts the certificate hashes presented by a
// connection. Real X.509 chain validation is out of scope for this
// module (per spec §1's external-collaborator list) — this only computes
// the hash the authorization and revocation tables key on.
type CertificateSource interface {
	CertHashesFor(conn net.Conn) []string
}

// TLSCertificateSource reads the peer certificates off a *tls.Conn's
// connection state. Non-TLS connections (net.Conn types other than
// *tls.Conn) yield no hashes.
type TLSCertificateSource struct{}

// CertHashesFor implements CertificateSource.
func (TLSCertificateSource) CertHashesFor(conn net.Conn) []string {
	tlsConn, ok := conn.(*tls.Conn)
	if !ok {
		return nil
	}
	state := tlsConn.ConnectionState()
	hashes := make([]string, 0, len(state.PeerCertificates))
	for _, cert := range state.PeerCertificates {
		sum := sha1.Sum(cert.Raw)
		hashes = append(hashes, hex.EncodeToString(sum[:]))
	}
	return hashes
}
