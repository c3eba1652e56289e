package otp

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base32"
	"errors"
	"fmt"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

// ErrInvalidWindow is returned when a code window is shorter than one second.
var ErrInvalidWindow = errors.New("code window must be at least one second")

var keyEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// Issuer derives time-windowed numeric codes per student. Codes are never
// stored: they are a function of (secret, student, time step) and are
// recomputed on verification.
type Issuer struct {
	Digits otp.Digits
	Now    func() time.Time
}

// NewIssuer returns an issuer producing codes of the given length (6 or 8).
func NewIssuer(digits int, now func() time.Time) *Issuer {
	d := otp.DigitsSix
	if digits == 8 {
		d = otp.DigitsEight
	}
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Issuer{Digits: d, Now: now}
}

// Issue returns the code for studentID in the current time step.
func (i *Issuer) Issue(secretSeed, studentID string, window time.Duration) (string, error) {
	opts, err := i.opts(window)
	if err != nil {
		return "", err
	}
	code, err := totp.GenerateCodeCustom(studentKey(secretSeed, studentID), i.Now(), opts)
	if err != nil {
		return "", fmt.Errorf("otp: generate: %w", err)
	}
	return code, nil
}

// Verify reports whether submitted is the code for studentID in the current
// time step. No neighbouring step is accepted. Malformed input yields false.
// Live check-ins compare against the code stored on the session entry, since
// a session window need not line up with a time step. Verify is for
// out-of-band callers that hold only the seed.
func (i *Issuer) Verify(secretSeed, studentID string, window time.Duration, submitted string) bool {
	opts, err := i.opts(window)
	if err != nil {
		return false
	}
	ok, err := totp.ValidateCustom(submitted, studentKey(secretSeed, studentID), i.Now(), opts)
	return err == nil && ok
}

func (i *Issuer) opts(window time.Duration) (totp.ValidateOpts, error) {
	period := uint(window / time.Second)
	if period == 0 {
		return totp.ValidateOpts{}, ErrInvalidWindow
	}
	digits := i.Digits
	if digits == 0 {
		digits = otp.DigitsSix
	}
	return totp.ValidateOpts{
		Period:    period,
		Skew:      0,
		Digits:    digits,
		Algorithm: otp.AlgorithmSHA1,
	}, nil
}

// studentKey is HMAC-SHA256(secretSeed, studentID) in unpadded base32, the
// form the TOTP routines expect.
func studentKey(secretSeed, studentID string) string {
	mac := hmac.New(sha256.New, []byte(secretSeed))
	mac.Write([]byte(studentID))
	return keyEncoding.EncodeToString(mac.Sum(nil))
}
