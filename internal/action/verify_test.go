package action

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/netmend/netmend/internal/config"
)

func signBody(secret string, ts string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte("v0:" + ts + ":"))
	mac.Write(body)
	return "v0=" + hex.EncodeToString(mac.Sum(nil))
}

func TestVerifySignature(t *testing.T) {
	secret := "8f742231b10e8888abcd99yyyzzz85a5"
	now := time.Unix(1724800000, 0)
	v := NewVerifier(config.ActionSettings{SigningSecret: secret})
	v.now = func() time.Time { return now }

	body := []byte("payload=%7B%7D")
	ts := strconv.FormatInt(now.Unix(), 10)

	header := http.Header{}
	header.Set("X-Slack-Request-Timestamp", ts)
	header.Set("X-Slack-Signature", signBody(secret, ts, body))

	if err := v.Verify(header, body); err != nil {
		t.Fatalf("valid signature rejected: %v", err)
	}
}

func TestVerifySignatureMismatch(t *testing.T) {
	now := time.Unix(1724800000, 0)
	v := NewVerifier(config.ActionSettings{SigningSecret: "rightsecret"})
	v.now = func() time.Time { return now }

	body := []byte("payload=%7B%7D")
	ts := strconv.FormatInt(now.Unix(), 10)

	header := http.Header{}
	header.Set("X-Slack-Request-Timestamp", ts)
	header.Set("X-Slack-Signature", signBody("wrongsecret", ts, body))

	assertAuthError(t, v.Verify(header, body))
}

func TestVerifySignatureDrift(t *testing.T) {
	secret := "secret"
	now := time.Unix(1724800000, 0)
	v := NewVerifier(config.ActionSettings{SigningSecret: secret})
	v.now = func() time.Time { return now }

	body := []byte("payload=%7B%7D")

	for _, offset := range []time.Duration{-6 * time.Minute, 6 * time.Minute} {
		ts := strconv.FormatInt(now.Add(offset).Unix(), 10)
		header := http.Header{}
		header.Set("X-Slack-Request-Timestamp", ts)
		header.Set("X-Slack-Signature", signBody(secret, ts, body))

		assertAuthError(t, v.Verify(header, body))
	}

	// Inside the window is fine.
	ts := strconv.FormatInt(now.Add(-4*time.Minute).Unix(), 10)
	header := http.Header{}
	header.Set("X-Slack-Request-Timestamp", ts)
	header.Set("X-Slack-Signature", signBody(secret, ts, body))
	if err := v.Verify(header, body); err != nil {
		t.Errorf("signature inside drift window rejected: %v", err)
	}
}

func TestVerifySignatureMissingHeaders(t *testing.T) {
	v := NewVerifier(config.ActionSettings{SigningSecret: "secret"})
	assertAuthError(t, v.Verify(http.Header{}, []byte("payload=x")))
}

func TestVerifyTokenHeader(t *testing.T) {
	v := NewVerifier(config.ActionSettings{VerifyToken: "tok123"})

	header := http.Header{}
	header.Set("X-Slack-Verification-Token", "tok123")
	if err := v.Verify(header, nil); err != nil {
		t.Fatalf("valid token rejected: %v", err)
	}

	header.Set("X-Slack-Verification-Token", "wrong")
	assertAuthError(t, v.Verify(header, nil))
}

func TestVerifyTokenFromPayload(t *testing.T) {
	v := NewVerifier(config.ActionSettings{VerifyToken: "tok123"})
	body := interactionBody(ActionAcknowledge, "dev|Gi0/1")
	if err := v.Verify(http.Header{}, body); err != nil {
		t.Fatalf("payload token rejected: %v", err)
	}
}

func TestVerifyFailsClosedWithoutSecrets(t *testing.T) {
	v := NewVerifier(config.ActionSettings{})
	assertAuthError(t, v.Verify(http.Header{}, nil))
}

func TestVerifySharedToken(t *testing.T) {
	v := NewVerifier(config.ActionSettings{VerifyToken: "tok123"})
	if err := v.VerifySharedToken("tok123"); err != nil {
		t.Fatalf("valid shared token rejected: %v", err)
	}
	assertAuthError(t, v.VerifySharedToken("wrong"))
	assertAuthError(t, v.VerifySharedToken(""))

	unconfigured := NewVerifier(config.ActionSettings{})
	assertAuthError(t, unconfigured.VerifySharedToken("anything"))
}

func assertAuthError(t *testing.T, err error) {
	t.Helper()
	if err == nil {
		t.Fatalf("want *AuthError, got nil")
	}
	var authErr *AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("error type = %T, want *AuthError", err)
	}
}
