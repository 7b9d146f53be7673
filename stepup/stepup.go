// Package stepup resolves mid-operation authentication challenges: it
// pairs a challenge ticket with proof material and exchanges them for
// a fresh authorization token. It performs no retries of its own — the
// lock loop owns retry policy — but it classifies every outcome so the
// loop can tell a local hiccup from an explicit refusal.
package stepup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nmoreau/vanitylock/discord"
)

// Status classifies a resolution attempt.
type Status int

const (
	// Completed: the server accepted the proof and issued a token.
	Completed Status = iota
	// Rejected: the server explicitly refused the proof. Non-fatal;
	// the loop continues without a fresh token.
	Rejected
	// Malformed: the completion response could not be interpreted.
	// A local, transient condition.
	Malformed
	// NoProof: proof material could not be produced this attempt
	// (e.g. code generation failed on every strategy).
	NoProof
)

// String returns the status name for logs.
func (s Status) String() string {
	switch s {
	case Completed:
		return "completed"
	case Rejected:
		return "rejected"
	case Malformed:
		return "malformed"
	default:
		return "no_proof"
	}
}

// Resolution is the result of one challenge resolution.
type Resolution struct {
	Status Status
	Token  string
}

// Completer issues the challenge completion request.
type Completer interface {
	CompleteChallenge(ctx context.Context, ticket string, proof discord.Proof) (discord.ChallengeResult, error)
}

// ProofSource supplies the static proof material: the TOTP shared
// secret when the method is totp, the account password otherwise.
type ProofSource interface {
	Proof() (string, error)
}

// CodeGenerator derives a one-time code for the current moment.
type CodeGenerator interface {
	Code(now time.Time) (string, error)
}

// Resolver turns tickets into tokens for one session. The method is
// fixed at construction and never changes.
type Resolver struct {
	completer Completer
	method    discord.Method
	proofs    ProofSource
	codes     CodeGenerator
	logger    *slog.Logger
	now       func() time.Time
}

// New builds a Resolver. codes may be nil when the method is password.
func New(completer Completer, method discord.Method, proofs ProofSource, codes CodeGenerator, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		completer: completer,
		method:    method,
		proofs:    proofs,
		codes:     codes,
		logger:    logger.With("component", "stepup"),
		now:       time.Now,
	}
}

// Method returns the session's authentication method.
func (r *Resolver) Method() discord.Method { return r.method }

// Resolve exchanges the ticket for a token. A returned error means the
// completion request itself failed in transit; every received response
// is classified in the Resolution instead.
func (r *Resolver) Resolve(ctx context.Context, ticket string) (Resolution, error) {
	proof, err := r.buildProof()
	if err != nil {
		r.logger.Warn("no proof material for this attempt", "method", r.method, "error", err)
		return Resolution{Status: NoProof}, nil
	}

	result, err := r.completer.CompleteChallenge(ctx, ticket, proof)
	if err != nil {
		return Resolution{}, err
	}
	switch {
	case result.OK:
		r.logger.Info("challenge completed", "method", r.method)
		return Resolution{Status: Completed, Token: result.Token}, nil
	case result.Malformed:
		r.logger.Warn("challenge response unparseable", "status", result.Status)
		return Resolution{Status: Malformed}, nil
	default:
		r.logger.Warn("challenge rejected", "status", result.Status)
		return Resolution{Status: Rejected}, nil
	}
}

func (r *Resolver) buildProof() (discord.Proof, error) {
	switch r.method {
	case discord.MethodTOTP:
		if r.codes == nil {
			return discord.Proof{}, errors.New("no code generator configured")
		}
		code, err := r.codes.Code(r.now())
		if err != nil || code == "" {
			return discord.Proof{}, fmt.Errorf("generating one-time code: %w", err)
		}
		return discord.Proof{Method: discord.MethodTOTP, Value: code}, nil
	case discord.MethodPassword:
		password, err := r.proofs.Proof()
		if err != nil || password == "" {
			return discord.Proof{}, errors.New("no password available")
		}
		return discord.Proof{Method: discord.MethodPassword, Value: password}, nil
	default:
		return discord.Proof{}, fmt.Errorf("unsupported method %q", r.method)
	}
}
