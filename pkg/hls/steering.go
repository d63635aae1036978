package hls

import (
	"crypto/sha256"

	"golang.org/x/crypto/hkdf"
)

// DerivePathwayToken derives a stable, unguessable token for a content
// steering PATHWAY-ID (RFC 8216bis `#EXT-X-CONTENT-STEERING`), so a
// steering-manifest fetch can be authenticated without transmitting the
// raw session secret. This is a DOMAIN STACK extension grounded on the
// available golang.org/x/crypto stack rather than a feature present in the
// original reference decoder (see SPEC_FULL.md's content-steering note).
// Open calls this once per session when the manifest carries an
// EXT-X-CONTENT-STEERING tag (parser.go, facade.go); Player.SteeringInfo
// exposes the result to a host.
func DerivePathwayToken(sessionSecret []byte, pathwayID string) ([]byte, error) {
	reader := hkdf.New(sha256.New, sessionSecret, []byte(pathwayID), []byte("hls-content-steering"))
	token := make([]byte, 16)
	if _, err := reader.Read(token); err != nil {
		return nil, err
	}
	return token, nil
}
