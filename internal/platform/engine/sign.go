package engine

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"time"
)

// Signer produces the authentication headers for engine requests. With a
// secret, requests also carry HMAC-SHA256(secret, timestamp+method+path+body)
// in base64.
type Signer struct {
	Key    string
	Secret string
}

// Headers signs a request at the current time.
func (s Signer) Headers(method, path, body string) map[string]string {
	return s.HeadersAt(method, path, body, time.Now().Unix())
}

// HeadersAt signs a request at the given Unix time.
func (s Signer) HeadersAt(method, path, body string, unixTS int64) map[string]string {
	h := map[string]string{}
	if s.Key != "" {
		h["X-API-Key"] = s.Key
	}
	if s.Secret == "" {
		return h
	}
	ts := strconv.FormatInt(unixTS, 10)
	mac := hmac.New(sha256.New, []byte(s.Secret))
	mac.Write([]byte(ts + method + path + body))
	h["X-Timestamp"] = ts
	h["X-Signature"] = base64.StdEncoding.EncodeToString(mac.Sum(nil))
	return h
}

// String redacts the credentials for logging.
func (s Signer) String() string {
	redact := func(v string) string {
		if len(v) <= 4 {
			return "****"
		}
		return v[:4] + "****"
	}
	return fmt.Sprintf("Signer{key=%s, secret=%s}", redact(s.Key), redact(s.Secret))
}
