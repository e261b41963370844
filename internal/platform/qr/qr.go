// Package qr renders collection payloads as PNG QR codes.
package qr

import (
	"encoding/base64"
	"fmt"

	qrcode "github.com/skip2/go-qrcode"
)

const size = 256

// Renderer turns a payload into a data URI holding a PNG QR code
type Renderer struct{}

// Render encodes payload. The result is safe to embed in an <img src>.
func (Renderer) Render(payload string) (string, error) {
	png, err := qrcode.Encode(payload, qrcode.Medium, size)
	if err != nil {
		return "", fmt.Errorf("encode qr: %w", err)
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
}

// PrescriptionPayload is the text encoded in a prescription's collection QR code
func PrescriptionPayload(prescriptionID, pin string) string {
	return fmt.Sprintf("PRESCRIPTION:%s:%s", prescriptionID, pin)
}

// DelegationPayload is the text encoded in a delegation's QR code
func DelegationPayload(delegationID, patientID, delegateID string) string {
	return fmt.Sprintf("DELEGATION:%s:%s:%s", delegationID, patientID, delegateID)
}
