package notify

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"strconv"
	"time"
)

// Webhook signature headers. The signature is
// base64(HMAC-SHA256(secret, timestamp + body)).
const (
	HeaderTimestamp = "X-Parimutuel-Timestamp"
	HeaderSignature = "X-Parimutuel-Signature"
)

// signer produces the signature headers for a webhook body.
type signer struct {
	secret []byte
	now    func() time.Time
}

func (s signer) headers(body []byte) map[string]string {
	return s.headersAt(body, s.now().Unix())
}

func (s signer) headersAt(body []byte, unixTS int64) map[string]string {
	ts := strconv.FormatInt(unixTS, 10)
	return map[string]string{
		HeaderTimestamp: ts,
		HeaderSignature: Sign(s.secret, ts, body),
	}
}

// Sign returns the signature a receiver should expect for body sent at ts.
func Sign(secret []byte, ts string, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(ts))
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// Verify checks a received signature in constant time.
func Verify(secret []byte, ts string, body []byte, signature string) bool {
	want, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(ts))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), want)
}
