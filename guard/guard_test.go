package guard

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmoreau/vanitylock/discord"
)

// fakeRoles is an in-memory RoleClient that records every mutation.
type fakeRoles struct {
	mu        sync.Mutex
	roles     map[string]discord.Role
	order     []string
	mutations []mutation
	failRoles map[string]bool
	fetchErr  error
}

type mutation struct {
	roleID string
	perms  discord.Permissions
}

func newFakeRoles(roles ...discord.Role) *fakeRoles {
	f := &fakeRoles{roles: make(map[string]discord.Role), failRoles: make(map[string]bool)}
	for _, r := range roles {
		f.roles[r.ID] = r
		f.order = append(f.order, r.ID)
	}
	return f
}

func (f *fakeRoles) Roles(_ context.Context, _ string) ([]discord.Role, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	out := make([]discord.Role, 0, len(f.order))
	for _, id := range f.order {
		out = append(out, f.roles[id])
	}
	return out, nil
}

func (f *fakeRoles) SetRolePermissions(_ context.Context, _, roleID string, perms discord.Permissions, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failRoles[roleID] {
		return errors.New("mutation refused")
	}
	r := f.roles[roleID]
	r.Permissions = perms
	f.roles[roleID] = r
	f.mutations = append(f.mutations, mutation{roleID: roleID, perms: perms})
	return nil
}

func fastGuard(roles RoleClient, elevated discord.Permissions) *Guard {
	return New(roles, "g1", elevated, WithPace(time.Millisecond))
}

func TestGuard_RoundTrip(t *testing.T) {
	admin := discord.PermAdministrator | discord.Permissions(1<<10)
	mods := discord.PermManageChannels | discord.PermManageGuild
	roles := newFakeRoles(
		discord.Role{ID: "r1", Name: "admin", Permissions: admin},
		discord.Role{ID: "r2", Name: "mods", Permissions: mods},
		discord.Role{ID: "r3", Name: "everyone", Permissions: discord.Permissions(1 << 10)},
	)
	elevated := discord.PermAdministrator | discord.PermManageChannels | discord.PermManageGuild
	g := fastGuard(roles, elevated)

	stripped, err := g.Disable(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, stripped)
	assert.Equal(t, 2, g.SnapshotSize())

	// Elevated bits are gone, unrelated bits survive.
	assert.Equal(t, discord.Permissions(1<<10), roles.roles["r1"].Permissions)
	assert.Equal(t, discord.Permissions(0), roles.roles["r2"].Permissions)
	// Non-elevated role untouched.
	assert.Equal(t, discord.Permissions(1<<10), roles.roles["r3"].Permissions)

	restored, err := g.Enable(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, restored)
	assert.Zero(t, g.SnapshotSize())

	// Round-trip law: the exact original bitsets are back.
	assert.Equal(t, admin, roles.roles["r1"].Permissions)
	assert.Equal(t, mods, roles.roles["r2"].Permissions)
}

func TestGuard_DisableNoMatchingRoles(t *testing.T) {
	roles := newFakeRoles(discord.Role{ID: "r1", Name: "everyone", Permissions: 0})
	g := fastGuard(roles, discord.PermAdministrator)

	stripped, err := g.Disable(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stripped)
	assert.Empty(t, roles.mutations)
}

func TestGuard_EnableEmptySnapshotNoNetworkCalls(t *testing.T) {
	roles := newFakeRoles(discord.Role{ID: "r1", Name: "admin", Permissions: discord.PermAdministrator})
	g := fastGuard(roles, discord.PermAdministrator)

	restored, err := g.Enable(context.Background())
	require.NoError(t, err)
	assert.Zero(t, restored)
	assert.Empty(t, roles.mutations)
}

func TestGuard_FailedStripIsNotSnapshotted(t *testing.T) {
	roles := newFakeRoles(
		discord.Role{ID: "r1", Name: "admin", Permissions: discord.PermAdministrator},
		discord.Role{ID: "r2", Name: "mods", Permissions: discord.PermAdministrator},
	)
	roles.failRoles["r1"] = true
	g := fastGuard(roles, discord.PermAdministrator)

	stripped, err := g.Disable(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stripped)
	assert.Equal(t, 1, g.SnapshotSize())

	// Restore must only touch the role that was actually stripped.
	roles.failRoles["r1"] = false
	_, err = g.Enable(context.Background())
	require.NoError(t, err)
	for _, m := range roles.mutations {
		assert.NotEqual(t, "r1", m.roleID)
	}
}

func TestGuard_RestoreFailureSkipsAndClears(t *testing.T) {
	roles := newFakeRoles(
		discord.Role{ID: "r1", Name: "admin", Permissions: discord.PermAdministrator},
		discord.Role{ID: "r2", Name: "mods", Permissions: discord.PermAdministrator},
	)
	g := fastGuard(roles, discord.PermAdministrator)

	_, err := g.Disable(context.Background())
	require.NoError(t, err)

	roles.failRoles["r1"] = true
	restored, err := g.Enable(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, restored)
	// Snapshot cleared despite the partial failure.
	assert.Zero(t, g.SnapshotSize())
	assert.Equal(t, discord.PermAdministrator, roles.roles["r2"].Permissions)
}

func TestGuard_DisableFetchError(t *testing.T) {
	roles := newFakeRoles()
	roles.fetchErr = errors.New("unreachable")
	g := fastGuard(roles, discord.PermAdministrator)

	_, err := g.Disable(context.Background())
	assert.Error(t, err)

	// Guard returns to Idle; the next cycle can disable again.
	roles.fetchErr = nil
	_, err = g.Disable(context.Background())
	assert.NoError(t, err)
}

func TestGuard_DisableWhileDisabledIsBusy(t *testing.T) {
	roles := newFakeRoles(discord.Role{ID: "r1", Name: "admin", Permissions: discord.PermAdministrator})
	g := fastGuard(roles, discord.PermAdministrator)

	_, err := g.Disable(context.Background())
	require.NoError(t, err)

	_, err = g.Disable(context.Background())
	assert.ErrorIs(t, err, ErrBusy)
}
