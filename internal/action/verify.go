package action

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/netmend/netmend/internal/config"
)

// signatureDriftWindow bounds how stale a signed request timestamp may be,
// which defeats replay of captured requests.
const signatureDriftWindow = 5 * time.Minute

// Verifier checks that inbound requests carry the configured shared secret
// or a valid request signature. All comparisons are constant-time.
type Verifier struct {
	cfg config.ActionSettings

	// now is the clock used for signature drift checks. Overridden in tests.
	now func() time.Time
}

// NewVerifier creates a Verifier for the configured secrets.
func NewVerifier(cfg config.ActionSettings) *Verifier {
	return &Verifier{cfg: cfg, now: time.Now}
}

// Verify authenticates an inbound action callback. With a signing secret
// configured it validates the v0 HMAC request signature; otherwise it
// compares the shared verification token. A deployment with neither secret
// rejects everything rather than failing open.
func (v *Verifier) Verify(header http.Header, body []byte) error {
	if v.cfg.SigningSecret != "" {
		return v.verifySignature(header, body)
	}
	if v.cfg.VerifyToken != "" {
		return v.verifyToken(header, body)
	}
	return &AuthError{Reason: "no verification secret configured"}
}

// VerifySharedToken checks a bare token value (used by the event intake
// endpoint) against the configured shared secret.
func (v *Verifier) VerifySharedToken(got string) error {
	if v.cfg.VerifyToken == "" {
		return &AuthError{Reason: "no verification secret configured"}
	}
	if subtle.ConstantTimeCompare([]byte(got), []byte(v.cfg.VerifyToken)) != 1 {
		return &AuthError{Reason: "invalid token"}
	}
	return nil
}

func (v *Verifier) verifySignature(header http.Header, body []byte) error {
	ts := header.Get("X-Slack-Request-Timestamp")
	sig := header.Get("X-Slack-Signature")
	if ts == "" || sig == "" {
		return &AuthError{Reason: "missing signature headers"}
	}

	tsSec, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return &AuthError{Reason: "invalid signature timestamp"}
	}
	drift := v.now().Sub(time.Unix(tsSec, 0))
	if drift > signatureDriftWindow || drift < -signatureDriftWindow {
		return &AuthError{Reason: "signature timestamp outside allowed window"}
	}

	mac := hmac.New(sha256.New, []byte(v.cfg.SigningSecret))
	mac.Write([]byte("v0:" + ts + ":"))
	mac.Write(body)
	expected := "v0=" + hex.EncodeToString(mac.Sum(nil))

	if subtle.ConstantTimeCompare([]byte(sig), []byte(expected)) != 1 {
		return &AuthError{Reason: "signature mismatch"}
	}
	return nil
}

func (v *Verifier) verifyToken(header http.Header, body []byte) error {
	// Prefer the header; fall back to the token field the chat service
	// embeds in the interaction payload.
	got := header.Get("X-Slack-Verification-Token")
	if got == "" {
		got = payloadToken(body)
	}
	if subtle.ConstantTimeCompare([]byte(got), []byte(v.cfg.VerifyToken)) != 1 {
		return &AuthError{Reason: "invalid verification token"}
	}
	return nil
}

// payloadToken reads only the token field out of the interaction payload.
// Full decoding happens after verification succeeds.
func payloadToken(body []byte) string {
	payload, err := extractPayload(body)
	if err != nil {
		return ""
	}
	var t struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal([]byte(payload), &t); err != nil {
		return ""
	}
	return t.Token
}
