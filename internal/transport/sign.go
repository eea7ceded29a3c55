package transport

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Federation headers carried on every signed batch. The gateway verifies
// the signature over the exact body bytes the probe signed.
const (
	HeaderBatchID   = "X-Batch-ID"
	HeaderTimestamp = "X-Fiber-Timestamp"
	HeaderNonce     = "X-Fiber-Nonce"
	HeaderSignature = "X-Fiber-Signature"
)

// Sign computes the federation batch signature:
//
//	hex(HMAC-SHA256(secret, batch_id ":" timestamp ":" nonce ":" hex(SHA-256(body))))
//
// Both the probe client and the gateway verifier use this function, so the
// two sides cannot drift.
func Sign(secret []byte, batchID, timestamp, nonce string, body []byte) string {
	bodyHash := sha256.Sum256(body)
	msg := batchID + ":" + timestamp + ":" + nonce + ":" + hex.EncodeToString(bodyHash[:])
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(msg))
	return hex.EncodeToString(mac.Sum(nil))
}

// CanonicalJSON serializes v as compact JSON with lexicographically sorted
// keys at every level. The same bytes are used as the signing material and
// the request body; any re-serialization on the receiving side would break
// the signature.
func CanonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("transport: marshal: %w", err)
	}
	// Round-trip through untyped maps: encoding/json writes map keys in
	// sorted order, which struct encoding does not guarantee.
	var tree any
	if err := json.Unmarshal(raw, &tree); err != nil {
		return nil, fmt.Errorf("transport: canonicalize: %w", err)
	}
	out, err := json.Marshal(tree)
	if err != nil {
		return nil, fmt.Errorf("transport: canonicalize: %w", err)
	}
	return out, nil
}
