package session

import "encoding/base64"

// encodePNGBase64 wraps a PNG byte slice for the {status:"awaiting_scan",
// qrImage: base64PNG} shape spec.md §6 requires. WhatsApp Web renders its
// own QR client-side; the adapter only needs to re-encode the screenshot
// go-rod already captured, not synthesize a QR code from raw data.
func encodePNGBase64(png []byte) string {
	return base64.StdEncoding.EncodeToString(png)
}
