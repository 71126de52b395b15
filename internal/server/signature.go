package server

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"strings"
)

// verifyGithubSignature checks the x-hub-signature-256 HMAC of the raw body.
// Hooks created before GitHub shipped SHA-256 signatures only send the SHA-1
// header, so that stays accepted as a fallback.
func verifyGithubSignature(secret string, body []byte, sig256, sig1 string) bool {
	if sig256 != "" {
		expected := hmacHex(sha256.New, secret, body)
		return hmac.Equal([]byte(strings.TrimPrefix(sig256, "sha256=")), []byte(expected))
	}

	if sig1 != "" {
		expected := hmacHex(sha1.New, secret, body)
		return hmac.Equal([]byte(strings.TrimPrefix(sig1, "sha1=")), []byte(expected))
	}

	return false
}

// verifyDiscourseSignature checks the X-Discourse-Event-Signature header,
// which carries "sha256=<hex>" over the raw body.
func verifyDiscourseSignature(secret string, body []byte, signature string) bool {
	if signature == "" {
		return false
	}

	expected := hmacHex(sha256.New, secret, body)

	return hmac.Equal([]byte(strings.TrimPrefix(signature, "sha256=")), []byte(expected))
}

// verifyGitlabToken compares the X-Gitlab-Token header against the stored
// secret. GitLab sends the shared secret verbatim rather than signing.
func verifyGitlabToken(secret, token string) bool {
	if token == "" {
		return false
	}

	return hmac.Equal([]byte(secret), []byte(token))
}

func hmacHex(newHash func() hash.Hash, secret string, body []byte) string {
	mac := hmac.New(newHash, []byte(secret))
	mac.Write(body)

	return hex.EncodeToString(mac.Sum(nil))
}
