package discord

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strconv"
	"time"
)

// codeStepUpRequired is the API's machine-readable "this write needs
// step-up authentication" error code.
const codeStepUpRequired = 60003

// defaultRetryAfter is used when a 429 body omits the server delay.
const defaultRetryAfter = 10 * time.Second

// OutcomeKind tags a decoded write outcome.
type OutcomeKind int

const (
	// OutcomeSuccess: the protected write was accepted.
	OutcomeSuccess OutcomeKind = iota
	// OutcomeRateLimited: the server throttled the write and supplied
	// (or defaulted) a retry delay.
	OutcomeRateLimited
	// OutcomeChallengeRequired: the write was rejected pending step-up
	// authentication; Ticket carries the challenge ticket.
	OutcomeChallengeRequired
	// OutcomeRejected: any other explicit refusal, including a 401
	// without step-up fields.
	OutcomeRejected
	// OutcomeMalformed: the response body could not be interpreted.
	// Treated as transient by the caller.
	OutcomeMalformed
)

// String returns the tag name for logs.
func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeRateLimited:
		return "rate_limited"
	case OutcomeChallengeRequired:
		return "challenge_required"
	case OutcomeRejected:
		return "rejected"
	default:
		return "malformed"
	}
}

// WriteOutcome is the decoded result of a protected write. It is the
// only shape the lock loop switches on; all field probing happens here
// at the boundary.
type WriteOutcome struct {
	Kind       OutcomeKind
	Status     int
	ErrorCode  int
	Ticket     string
	RetryAfter time.Duration
}

// writeBody is every field the protected-write response can carry,
// across the API variants observed in the wild.
type writeBody struct {
	Code       flexNumber `json:"code"`
	Message    string     `json:"message"`
	MFA        *mfaField  `json:"mfa"`
	MFATicket  string     `json:"mfa_ticket"`
	Ticket     string     `json:"ticket"`
	RetryAfter flexNumber `json:"retry_after"`
}

// flexNumber accepts a JSON number or a numeric string; the API has
// emitted both for retry_after and error codes.
type flexNumber string

func (f *flexNumber) UnmarshalJSON(data []byte) error {
	s := string(bytes.Trim(data, `"`))
	if s == "null" {
		s = ""
	}
	*f = flexNumber(s)
	return nil
}

// mfaField is either the boolean "step-up required" flag or a nested
// object holding the ticket, depending on the API variant.
type mfaField struct {
	required bool
	ticket   string
}

func (m *mfaField) UnmarshalJSON(data []byte) error {
	var b bool
	if err := json.Unmarshal(data, &b); err == nil {
		m.required = b
		return nil
	}
	var nested struct {
		Ticket string `json:"ticket"`
	}
	if err := json.Unmarshal(data, &nested); err != nil {
		return err
	}
	m.required = true
	m.ticket = nested.Ticket
	return nil
}

// DecodeWriteOutcome turns a raw response into a tagged WriteOutcome.
// It never returns an error: undecodable input is the Malformed tag.
func DecodeWriteOutcome(status int, body []byte) WriteOutcome {
	if status == http.StatusOK {
		return WriteOutcome{Kind: OutcomeSuccess, Status: status}
	}

	var parsed writeBody
	dec := json.NewDecoder(bytes.NewReader(body))
	if err := dec.Decode(&parsed); err != nil {
		return WriteOutcome{Kind: OutcomeMalformed, Status: status}
	}
	errCode := numberToInt(parsed.Code)

	switch {
	case status == http.StatusTooManyRequests:
		return WriteOutcome{
			Kind:       OutcomeRateLimited,
			Status:     status,
			ErrorCode:  errCode,
			RetryAfter: retryAfterDuration(parsed.RetryAfter),
		}
	case status == http.StatusUnauthorized && (errCode == codeStepUpRequired || (parsed.MFA != nil && parsed.MFA.required)):
		ticket := parsed.MFATicket
		if ticket == "" {
			ticket = parsed.Ticket
		}
		if ticket == "" && parsed.MFA != nil {
			ticket = parsed.MFA.ticket
		}
		if ticket == "" {
			// Step-up signalled but no ticket to act on; the loop can
			// only log and try again.
			return WriteOutcome{Kind: OutcomeRejected, Status: status, ErrorCode: errCode}
		}
		return WriteOutcome{Kind: OutcomeChallengeRequired, Status: status, ErrorCode: errCode, Ticket: ticket}
	default:
		return WriteOutcome{Kind: OutcomeRejected, Status: status, ErrorCode: errCode}
	}
}

// retryAfterDuration interprets retry_after, defaulting when it is
// absent or unusable.
func retryAfterDuration(n flexNumber) time.Duration {
	if n == "" {
		return defaultRetryAfter
	}
	if secs, err := strconv.ParseFloat(string(n), 64); err == nil && secs > 0 {
		return time.Duration(secs * float64(time.Second))
	}
	return defaultRetryAfter
}

func numberToInt(n flexNumber) int {
	if v, err := strconv.Atoi(string(n)); err == nil {
		return v
	}
	return 0
}
