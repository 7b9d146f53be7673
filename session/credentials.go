// Package session holds the process's credential material. Tokens and
// proof material live in memguard enclaves (encrypted at rest in
// memory) and are only decrypted for the duration of a single request.
// Call Destroy when the service shuts down.
package session

import (
	"errors"
	"sync"

	"github.com/awnumar/memguard"
)

// ErrDestroyed indicates the credentials were already torn down.
var ErrDestroyed = errors.New("credentials destroyed")

// Credentials owns the user token, the bot token, and the step-up
// proof material (TOTP secret or account password). The user token may
// be replaced during the session; the rest is immutable.
type Credentials struct {
	mu        sync.RWMutex
	userToken *memguard.Enclave
	botToken  *memguard.Enclave
	proof     *memguard.Enclave
	destroyed bool
}

// New seals the given material. The inputs are plain strings from
// configuration; sealing copies them, it cannot wipe the originals.
func New(userToken, botToken, proofMaterial string) *Credentials {
	return &Credentials{
		userToken: sealString(userToken),
		botToken:  sealString(botToken),
		proof:     sealString(proofMaterial),
	}
}

func sealString(s string) *memguard.Enclave {
	if s == "" {
		return nil
	}
	// NewEnclave wipes its input, so hand it a copy.
	return memguard.NewEnclave([]byte(s))
}

func openString(e *memguard.Enclave) (string, error) {
	if e == nil {
		return "", nil
	}
	buf, err := e.Open()
	if err != nil {
		return "", err
	}
	defer buf.Destroy()
	return string(buf.Bytes()), nil
}

// UserToken returns the current user-level bearer token.
func (c *Credentials) UserToken() (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.destroyed {
		return "", ErrDestroyed
	}
	return openString(c.userToken)
}

// ReplaceUserToken swaps in a refreshed user token, as issued by a
// password-based re-authentication.
func (c *Credentials) ReplaceUserToken(token string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return ErrDestroyed
	}
	c.userToken = sealString(token)
	return nil
}

// BotToken returns the bot-level token.
func (c *Credentials) BotToken() (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.destroyed {
		return "", ErrDestroyed
	}
	return openString(c.botToken)
}

// Proof returns the step-up proof material.
func (c *Credentials) Proof() (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.destroyed {
		return "", ErrDestroyed
	}
	return openString(c.proof)
}

// Destroy drops all enclaves. Further access returns ErrDestroyed.
func (c *Credentials) Destroy() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.userToken = nil
	c.botToken = nil
	c.proof = nil
	c.destroyed = true
}
