/**
 * @description
 * Package signature verifies payment-provider webhooks. The provider signs a
 * manifest built from the notified resource id, the request id and a
 * timestamp; the header carries the timestamp and the hex HMAC-SHA256:
 *
 *   X-Signature: ts=1704908010,v1=618c85345248dd820d5fd456117c2ab2ef8eda45a0282ff693eac24131a5e839
 *
 * This is the only place in the module that computes or compares webhook
 * HMACs.
 */
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Verify reports whether signatureHeader authenticates the notification for
// resourceID sent with requestID. It never panics and returns false on any
// parse failure, empty secret or mismatch.
func Verify(signatureHeader, requestID, resourceID, secret string) bool {
	if secret == "" {
		return false
	}
	ts, v1, ok := parseHeader(signatureHeader)
	if !ok {
		return false
	}
	provided, err := hex.DecodeString(v1)
	if err != nil {
		return false
	}
	expected := computeMAC(Manifest(resourceID, requestID, ts), secret)
	return hmac.Equal(provided, expected)
}

// Sign produces a header value Verify accepts. It shares the manifest and MAC
// code with Verify.
func Sign(requestID, resourceID, ts, secret string) string {
	mac := computeMAC(Manifest(resourceID, requestID, ts), secret)
	return "ts=" + ts + ",v1=" + hex.EncodeToString(mac)
}

// Manifest builds the canonical signed string.
func Manifest(resourceID, requestID, ts string) string {
	return "id:" + normalizeResourceID(resourceID) + ";request-id:" + requestID + ";ts:" + ts + ";"
}

func computeMAC(manifest, secret string) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(manifest))
	return mac.Sum(nil)
}

// parseHeader extracts ts and v1 from "ts=...,v1=...". Unknown keys are
// ignored; both values are required.
func parseHeader(header string) (ts, v1 string, ok bool) {
	for _, part := range strings.Split(header, ",") {
		key, value, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found {
			continue
		}
		switch strings.TrimSpace(key) {
		case "ts":
			ts = strings.TrimSpace(value)
		case "v1":
			v1 = strings.TrimSpace(value)
		}
	}
	if ts == "" || v1 == "" {
		return "", "", false
	}
	return ts, v1, true
}

// normalizeResourceID lower-cases alphanumeric ids, as the provider does when
// it builds the manifest.
func normalizeResourceID(id string) string {
	for _, r := range id {
		if !(r >= '0' && r <= '9' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z') {
			return id
		}
	}
	return strings.ToLower(id)
}
