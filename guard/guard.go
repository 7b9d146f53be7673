// Package guard temporarily strips elevated permissions from guild
// roles around a lock cycle and restores them afterward. Restoration
// writes back the literal pre-modification bitset recorded in the
// snapshot — never a recomputed value — and runs exactly once per
// cycle no matter how the cycle ended.
package guard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/nmoreau/vanitylock/discord"
)

// DefaultPace spaces consecutive role mutations to respect the remote
// API's per-role rate limit.
const DefaultPace = 500 * time.Millisecond

// ErrBusy indicates a phase was invoked while another is in flight.
// The lock loop sequences disable/enable strictly, so hitting this
// means a caller violated the cycle contract.
var ErrBusy = errors.New("permission guard busy")

// state is the guard's position in its cycle.
type state int

const (
	stateIdle state = iota
	stateDisabling
	stateDisabled
	stateRestoring
)

// snapshotEntry records one role's pre-modification bitset.
type snapshotEntry struct {
	id    string
	name  string
	perms discord.Permissions
}

// RoleClient is the permission-management collaborator.
type RoleClient interface {
	Roles(ctx context.Context, guildID string) ([]discord.Role, error)
	SetRolePermissions(ctx context.Context, guildID, roleID string, perms discord.Permissions, reason string) error
}

// Guard drives the Idle → Disabling → Disabled → Restoring → Idle
// machine for one guild. Safe for concurrent use, though the lock loop
// never overlaps its calls.
type Guard struct {
	roles    RoleClient
	guildID  string
	elevated discord.Permissions
	limiter  *rate.Limiter
	logger   *slog.Logger

	mu       sync.Mutex
	state    state
	snapshot []snapshotEntry
}

// Option configures a Guard.
type Option func(*Guard)

// WithPace overrides the inter-mutation delay.
func WithPace(d time.Duration) Option {
	return func(g *Guard) { g.limiter = rate.NewLimiter(rate.Every(d), 1) }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Guard) { g.logger = logger.With("component", "guard") }
}

// New builds a Guard. elevated selects which capabilities mark a role
// as able to interfere with the protected resource.
func New(roles RoleClient, guildID string, elevated discord.Permissions, opts ...Option) *Guard {
	g := &Guard{
		roles:    roles,
		guildID:  guildID,
		elevated: elevated,
		limiter:  rate.NewLimiter(rate.Every(DefaultPace), 1),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.logger == nil {
		g.logger = slog.Default().With("component", "guard")
	}
	return g
}

// SnapshotSize reports how many roles are currently held stripped.
func (g *Guard) SnapshotSize() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.snapshot)
}

// Disable fetches the guild's roles, snapshots every role holding any
// elevated capability, and strips those capabilities. A role that
// fails to update is logged and skipped; it is not snapshotted, so
// Enable will not touch it. No matching roles is a successful no-op.
func (g *Guard) Disable(ctx context.Context) (int, error) {
	g.mu.Lock()
	if g.state != stateIdle {
		g.mu.Unlock()
		return 0, ErrBusy
	}
	g.state = stateDisabling
	g.mu.Unlock()

	roles, err := g.roles.Roles(ctx, g.guildID)
	if err != nil {
		g.setState(stateIdle)
		return 0, fmt.Errorf("fetching roles: %w", err)
	}

	stripped := 0
	for _, role := range roles {
		if !role.Permissions.HasAny(g.elevated) {
			continue
		}
		if err := g.limiter.Wait(ctx); err != nil {
			break
		}
		reduced := role.Permissions.Without(g.elevated)
		if err := g.roles.SetRolePermissions(ctx, g.guildID, role.ID, reduced, "vanity hold: suspend elevated access"); err != nil {
			g.logger.Warn("failed to strip role; leaving it untouched", "role", role.Name, "error", err)
			continue
		}
		// Snapshot only after the strip landed; the entry is the
		// pre-modification value Enable will write back verbatim.
		g.mu.Lock()
		g.snapshot = append(g.snapshot, snapshotEntry{id: role.ID, name: role.Name, perms: role.Permissions})
		g.mu.Unlock()
		stripped++
		g.logger.Info("role stripped", "role", role.Name)
	}

	g.setState(stateDisabled)
	return stripped, nil
}

// Enable restores every snapshotted role to its recorded bitset, then
// clears the snapshot regardless of partial failures. Individual
// failures are logged and skipped so one broken role never blocks the
// rest. An empty snapshot returns immediately without network calls.
func (g *Guard) Enable(ctx context.Context) (int, error) {
	g.mu.Lock()
	if g.state == stateRestoring || g.state == stateDisabling {
		g.mu.Unlock()
		return 0, ErrBusy
	}
	entries := g.snapshot
	if len(entries) == 0 {
		g.state = stateIdle
		g.mu.Unlock()
		return 0, nil
	}
	g.state = stateRestoring
	g.mu.Unlock()

	// The snapshot is cleared even if restoration is cut short; a
	// half-cleared snapshot must never leak into the next cycle.
	defer func() {
		g.mu.Lock()
		g.snapshot = nil
		g.state = stateIdle
		g.mu.Unlock()
	}()

	restored := 0
	for _, entry := range entries {
		if err := g.limiter.Wait(ctx); err != nil {
			g.logger.Warn("restoration interrupted", "restored", restored, "total", len(entries), "error", err)
			break
		}
		if err := g.roles.SetRolePermissions(ctx, g.guildID, entry.id, entry.perms, "vanity hold: restore access"); err != nil {
			g.logger.Warn("failed to restore role", "role", entry.name, "error", err)
			continue
		}
		restored++
		g.logger.Info("role restored", "role", entry.name)
	}
	return restored, nil
}

func (g *Guard) setState(s state) {
	g.mu.Lock()
	g.state = s
	g.mu.Unlock()
}
