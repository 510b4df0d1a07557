package share

import (
	"encoding/base64"
	"fmt"
	"net/url"
	"strings"

	qrcode "github.com/skip2/go-qrcode"
)

const qrSize = 256

// AccessURL is the link encoded in the QR code.
func AccessURL(baseURL, token string) string {
	return strings.TrimRight(baseURL, "/") + "/api/v1/share/access/" + url.PathEscape(token)
}

// QRDataURI renders content as a PNG QR code in a data URI.
func QRDataURI(content string) (string, error) {
	png, err := qrcode.Encode(content, qrcode.Medium, qrSize)
	if err != nil {
		return "", fmt.Errorf("encode qr: %w", err)
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
}
