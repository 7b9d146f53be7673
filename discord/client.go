// Package discord implements the remote API client: the protected
// vanity write, challenge completion, identity and guild probes, and
// role permission management. All response interpretation happens here;
// callers receive tagged outcomes and typed models.
package discord

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/nmoreau/vanitylock/transport"
)

// DefaultBaseURL is the production API root.
const DefaultBaseURL = "https://discord.com/api/v9"

// probeTimeout bounds the startup identity/guild probes.
const probeTimeout = 15 * time.Second

// TokenSource supplies the two credentials on demand: the user token
// for privileged writes and challenge completion, and the bot token
// for role management. Pulling per request lets the user token be
// replaced mid-session without rebuilding the client.
type TokenSource interface {
	UserToken() (string, error)
	BotToken() (string, error)
}

// StaticTokens is a TokenSource over fixed strings, used in tests.
type StaticTokens struct {
	User string
	Bot  string
}

func (s StaticTokens) UserToken() (string, error) { return s.User, nil }
func (s StaticTokens) BotToken() (string, error)  { return s.Bot, nil }

// Client talks to the remote API.
type Client struct {
	doer    transport.Doer
	baseURL string
	tokens  TokenSource
	schema  ChallengeSchema
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithBaseURL points the client at a non-production API root. Tests use
// this to target a local mock server.
func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = u }
}

// WithChallengeSchema overrides the challenge completion layout.
func WithChallengeSchema(s ChallengeSchema) ClientOption {
	return func(c *Client) { c.schema = s }
}

// NewClient builds a Client over the given transport.
func NewClient(doer transport.Doer, tokens TokenSource, opts ...ClientOption) *Client {
	c := &Client{
		doer:    doer,
		baseURL: DefaultBaseURL,
		tokens:  tokens,
		schema:  legacySchema{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Schema returns the active challenge schema.
func (c *Client) Schema() ChallengeSchema { return c.schema }

func (c *Client) userHeader() (http.Header, error) {
	token, err := c.tokens.UserToken()
	if err != nil {
		return nil, fmt.Errorf("user token: %w", err)
	}
	h := http.Header{}
	h.Set("Authorization", token)
	h.Set("Content-Type", "application/json")
	return h, nil
}

func (c *Client) botHeader() (http.Header, error) {
	token, err := c.tokens.BotToken()
	if err != nil {
		return nil, fmt.Errorf("bot token: %w", err)
	}
	h := http.Header{}
	h.Set("Authorization", "Bot "+token)
	h.Set("Content-Type", "application/json")
	return h, nil
}

// SetVanity issues the protected PATCH that claims the vanity code.
// When mfaToken is non-empty it is attached both as the dedicated
// header and as the recent-challenge cookie, matching what the official
// client sends after completing a challenge. The timeout bounds the
// whole attempt; expiry surfaces as a transport error.
func (c *Client) SetVanity(ctx context.Context, guildID, code, mfaToken string, timeout time.Duration) (WriteOutcome, error) {
	body, err := json.Marshal(map[string]string{"code": code})
	if err != nil {
		return WriteOutcome{}, err
	}
	h, err := c.userHeader()
	if err != nil {
		return WriteOutcome{}, err
	}
	if mfaToken != "" {
		h.Set("X-Discord-MFA-Authorization", mfaToken)
		h.Set("Cookie", "__Secure-recent_mfa="+mfaToken)
	}
	resp, err := c.doer.Do(ctx, http.MethodPatch, c.baseURL+"/guilds/"+guildID+"/vanity-url", transport.Options{
		Header:  h,
		Body:    bytes.NewReader(body),
		Timeout: timeout,
	})
	if err != nil {
		return WriteOutcome{}, fmt.Errorf("vanity write: %w", err)
	}
	return DecodeWriteOutcome(resp.Status, resp.Body), nil
}

// ChallengeResult is the decoded challenge completion response.
type ChallengeResult struct {
	Status int
	Token  string
	// OK means the server accepted the proof and issued a token.
	OK bool
	// Malformed means the body could not be interpreted; the condition
	// is local and transient, distinct from an explicit rejection.
	Malformed bool
}

// CompleteChallenge exchanges a ticket plus proof for an authorization
// token using the active schema. It performs no retries; the lock loop
// owns retry policy.
func (c *Client) CompleteChallenge(ctx context.Context, ticket string, proof Proof) (ChallengeResult, error) {
	body, err := c.schema.CompletionBody(ticket, proof)
	if err != nil {
		return ChallengeResult{}, err
	}
	h, err := c.userHeader()
	if err != nil {
		return ChallengeResult{}, err
	}
	resp, err := c.doer.Do(ctx, http.MethodPost, c.baseURL+c.schema.Path(), transport.Options{
		Header: h,
		Body:   bytes.NewReader(body),
	})
	if err != nil {
		return ChallengeResult{}, fmt.Errorf("challenge completion: %w", err)
	}

	result := ChallengeResult{Status: resp.Status}
	var parsed struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(resp.Body, &parsed); err != nil {
		result.Malformed = true
		return result, nil
	}
	if resp.Status == http.StatusOK && parsed.Token != "" {
		result.OK = true
		result.Token = parsed.Token
	}
	return result, nil
}

// CurrentUser probes the identity endpoint with the user token. The
// MFAEnabled flag on the result decides the session's method.
func (c *Client) CurrentUser(ctx context.Context) (*User, error) {
	h, err := c.userHeader()
	if err != nil {
		return nil, err
	}
	var u User
	if err := c.getJSON(ctx, "/users/@me", h, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// Guild verifies the target guild is reachable with the user token.
func (c *Client) Guild(ctx context.Context, guildID string) (*Guild, error) {
	h, err := c.userHeader()
	if err != nil {
		return nil, err
	}
	var g Guild
	if err := c.getJSON(ctx, "/guilds/"+guildID, h, &g); err != nil {
		return nil, err
	}
	return &g, nil
}

// Roles lists the guild's roles using the bot token.
func (c *Client) Roles(ctx context.Context, guildID string) ([]Role, error) {
	h, err := c.botHeader()
	if err != nil {
		return nil, err
	}
	var roles []Role
	if err := c.getJSON(ctx, "/guilds/"+guildID+"/roles", h, &roles); err != nil {
		return nil, err
	}
	return roles, nil
}

// SetRolePermissions overwrites a role's permission bitset. The reason
// is carried in the audit-log header the API honors for moderation
// actions.
func (c *Client) SetRolePermissions(ctx context.Context, guildID, roleID string, perms Permissions, reason string) error {
	body, err := json.Marshal(map[string]string{"permissions": perms.String()})
	if err != nil {
		return err
	}
	h, err := c.botHeader()
	if err != nil {
		return err
	}
	if reason != "" {
		h.Set("X-Audit-Log-Reason", reason)
	}
	resp, err := c.doer.Do(ctx, http.MethodPatch, c.baseURL+"/guilds/"+guildID+"/roles/"+roleID, transport.Options{
		Header: h,
		Body:   bytes.NewReader(body),
	})
	if err != nil {
		return fmt.Errorf("role update: %w", err)
	}
	if resp.Status != http.StatusOK {
		return fmt.Errorf("role update for %s: status %d", roleID, resp.Status)
	}
	return nil
}

func (c *Client) getJSON(ctx context.Context, path string, h http.Header, out any) error {
	resp, err := c.doer.Do(ctx, http.MethodGet, c.baseURL+path, transport.Options{
		Header:  h,
		Timeout: probeTimeout,
	})
	if err != nil {
		return err
	}
	if resp.Status != http.StatusOK {
		return fmt.Errorf("GET %s: status %d", path, resp.Status)
	}
	if err := json.Unmarshal(resp.Body, out); err != nil {
		return fmt.Errorf("GET %s: decoding body: %w", path, err)
	}
	return nil
}
