package provider

import (
	"bytes"
	"encoding/base64"
	"errors"
	"strings"

	qrCode "github.com/skip2/go-qrcode"
	"github.com/sunshineplan/imgconv"
)

const (
	qrDataURIPrefix = "data:image/png;base64,"
	qrImageSize     = 256
)

var ErrInvalidQRImage = errors.New("qr code payload is not a decodable image")

// RenderQR encodes a QR payload as a PNG data URI.
func RenderQR(content string) (string, error) {
	png, err := qrCode.Encode(content, qrCode.Medium, qrImageSize)
	if err != nil {
		return "", err
	}
	return qrDataURIPrefix + base64.StdEncoding.EncodeToString(png), nil
}

// NormalizeQRImage converts a provider QR image of any raster format, with or
// without a data URI header, into a PNG data URI.
func NormalizeQRImage(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", nil
	}
	payload := raw
	if strings.HasPrefix(payload, "data:") {
		_, data, ok := strings.Cut(payload, ",")
		if !ok {
			return "", ErrInvalidQRImage
		}
		payload = data
	}

	decoded, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", ErrInvalidQRImage
	}
	img, err := imgconv.Decode(bytes.NewReader(decoded))
	if err != nil {
		return "", ErrInvalidQRImage
	}

	var out bytes.Buffer
	if err := imgconv.Write(&out, img, &imgconv.FormatOption{Format: imgconv.PNG}); err != nil {
		return "", err
	}
	return qrDataURIPrefix + base64.StdEncoding.EncodeToString(out.Bytes()), nil
}

// QRFromProvider accepts either an image or the raw pairing string and always
// returns a PNG data URI.
func QRFromProvider(image string, code string) (string, error) {
	if image != "" {
		if normalized, err := NormalizeQRImage(image); err == nil {
			return normalized, nil
		}
	}
	if code != "" {
		return RenderQR(code)
	}
	return "", nil
}
