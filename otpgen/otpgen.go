// Package otpgen produces time-based one-time codes for step-up
// challenges. Codes are cached per 30-second window so near-simultaneous
// retries present the same code instead of churning, and generation
// falls back across adjacent windows when the primary attempt fails.
package otpgen

import (
	"errors"
	"sync"
	"time"

	"github.com/pquerna/otp/totp"
)

// Step is the code window length. The remote API validates standard
// 30-second TOTP codes.
const Step = 30 * time.Second

// ErrGeneration means every strategy failed; callers should treat the
// attempt as unprovable and retry later, not abort the cycle.
var ErrGeneration = errors.New("one-time code generation failed")

// shiftFallbacks are the clock nudges tried as a last resort, in order.
var shiftFallbacks = []time.Duration{
	-90 * time.Second, -60 * time.Second, -30 * time.Second,
	30 * time.Second, 60 * time.Second, 90 * time.Second,
}

// Generator derives codes from a shared secret at offset-corrected
// time. Safe for concurrent use.
type Generator struct {
	secret string
	offset time.Duration

	mu         sync.Mutex
	lastCode   string
	lastWindow int64
}

// New builds a Generator. offsetSeconds is the clock correction from
// timesync, applied to every generation time.
func New(secret string, offsetSeconds int64) *Generator {
	return &Generator{
		secret: secret,
		offset: time.Duration(offsetSeconds) * time.Second,
	}
}

// Code returns the one-time code for the current (corrected) time.
// Two calls inside the same 30-second window return the identical code.
// On primary failure it walks the fallback ladder: adjacent windows
// first, then fixed clock shifts. Returns ErrGeneration with an empty
// code only when everything fails.
func (g *Generator) Code(now time.Time) (string, error) {
	corrected := now.Add(g.offset)
	window := corrected.Unix() / int64(Step/time.Second)

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.lastCode != "" && g.lastWindow == window {
		return g.lastCode, nil
	}

	if code, err := totp.GenerateCode(g.secret, corrected); err == nil {
		g.lastCode, g.lastWindow = code, window
		return code, nil
	}

	// Adjacent windows: current, then ±1 and ±2 steps. The first
	// candidate distinct from the last issued code wins, so a code the
	// server already rejected is not replayed.
	for _, steps := range []int{0, -1, 1, -2, 2} {
		at := corrected.Add(time.Duration(steps) * Step)
		code, err := totp.GenerateCode(g.secret, at)
		if err != nil || code == g.lastCode {
			continue
		}
		g.lastCode, g.lastWindow = code, window
		return code, nil
	}

	// Fixed shifts around the corrected time; first success wins.
	for _, shift := range shiftFallbacks {
		code, err := totp.GenerateCode(g.secret, corrected.Add(shift))
		if err != nil {
			continue
		}
		g.lastCode, g.lastWindow = code, window
		return code, nil
	}

	return "", ErrGeneration
}
