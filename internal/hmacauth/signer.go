package hmacauth

import (
	"strconv"
	"time"
)

// Signer produces the headers a Verifier with the same secret accepts.
type Signer struct {
	Secret string
	Now    func() time.Time
}

// Enabled reports whether a secret is configured.
func (s Signer) Enabled() bool { return s.Secret != "" }

// Headers returns the timestamp and signature headers for body.
// It returns nil when signing is disabled.
func (s Signer) Headers(body []byte) map[string]string {
	if !s.Enabled() {
		return nil
	}
	ts := strconv.FormatInt(clock(s.Now).Unix(), 10)
	return map[string]string{
		HeaderTimestamp: ts,
		HeaderSignature: computeSignature(s.Secret, ts, body),
	}
}
