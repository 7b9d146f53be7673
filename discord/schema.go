package discord

import (
	"encoding/json"
	"fmt"
)

// Method is how a step-up challenge is proven. It is chosen once per
// session from the account's MFA flag and never changes afterward.
type Method string

const (
	MethodTOTP     Method = "totp"
	MethodPassword Method = "password"
)

// Proof is the material paired with a challenge ticket: a one-time
// code when the method is totp, the account password otherwise.
type Proof struct {
	Method Method
	Value  string
}

// ChallengeSchema describes one observed layout of the challenge
// completion exchange. The remote API has shipped several; deployments
// pick one rather than the client hard-coding a shape.
type ChallengeSchema interface {
	// Name identifies the schema in config and logs.
	Name() string
	// Path is the completion endpoint, relative to the API base.
	Path() string
	// CompletionBody renders the POST payload for a ticket and proof.
	CompletionBody(ticket string, proof Proof) ([]byte, error)
}

// legacySchema posts {ticket, code|password} to /auth/mfa/totp.
type legacySchema struct{}

func (legacySchema) Name() string { return "legacy" }
func (legacySchema) Path() string { return "/auth/mfa/totp" }

func (legacySchema) CompletionBody(ticket string, proof Proof) ([]byte, error) {
	payload := map[string]string{"ticket": ticket}
	switch proof.Method {
	case MethodTOTP:
		payload["code"] = proof.Value
	case MethodPassword:
		payload["password"] = proof.Value
	default:
		return nil, fmt.Errorf("unsupported method %q", proof.Method)
	}
	return json.Marshal(payload)
}

// finishSchema posts {mfa_type, ticket, data} to /mfa/finish.
type finishSchema struct{}

func (finishSchema) Name() string { return "finish" }
func (finishSchema) Path() string { return "/mfa/finish" }

func (finishSchema) CompletionBody(ticket string, proof Proof) ([]byte, error) {
	return json.Marshal(map[string]string{
		"mfa_type": string(proof.Method),
		"ticket":   ticket,
		"data":     proof.Value,
	})
}

// SchemaByName resolves a configured schema name. The zero name maps
// to the legacy layout, which is what the API serves today.
func SchemaByName(name string) (ChallengeSchema, error) {
	switch name {
	case "", "legacy":
		return legacySchema{}, nil
	case "finish":
		return finishSchema{}, nil
	default:
		return nil, fmt.Errorf("unknown challenge schema %q", name)
	}
}
