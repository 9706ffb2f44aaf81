package qrsession

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/skip2/go-qrcode"
)

// Payload is what the QR image encodes. Clients can show the site and
// expiry without parsing the token.
type Payload struct {
	Token     string `json:"t"`
	SiteID    string `json:"s"`
	ExpiresAt int64  `json:"e"` // unix millis
}

// DataURL renders the payload as a PNG data URL.
func (p Payload) DataURL(size int) (string, error) {
	content, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	png, err := qrcode.Encode(string(content), qrcode.Medium, size)
	if err != nil {
		return "", fmt.Errorf("encode qr: %w", err)
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
}
