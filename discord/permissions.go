package discord

import (
	"fmt"
	"strconv"
	"strings"
)

// Permissions is a guild permission bitset. The wire format is a
// decimal string; the numeric values follow the public API constants.
type Permissions uint64

const (
	PermAdministrator  Permissions = 1 << 3
	PermManageChannels Permissions = 1 << 4
	PermManageGuild    Permissions = 1 << 5
	PermManageRoles    Permissions = 1 << 28
)

// permissionNames maps configuration names to bits. Deployment config
// selects which of these count as "elevated" for the permission guard.
var permissionNames = map[string]Permissions{
	"administrator":   PermAdministrator,
	"manage_channels": PermManageChannels,
	"manage_guild":    PermManageGuild,
	"manage_roles":    PermManageRoles,
}

// ParsePermissionNames resolves configured permission names into a
// single combined bitset. Unknown names are rejected so a typo in
// deployment config fails loudly instead of silently guarding nothing.
func ParsePermissionNames(names []string) (Permissions, error) {
	var p Permissions
	for _, name := range names {
		bit, ok := permissionNames[strings.ToLower(strings.TrimSpace(name))]
		if !ok {
			return 0, fmt.Errorf("unknown permission name %q", name)
		}
		p |= bit
	}
	return p, nil
}

// Has reports whether every bit in mask is set.
func (p Permissions) Has(mask Permissions) bool {
	return p&mask == mask
}

// HasAny reports whether any bit in mask is set.
func (p Permissions) HasAny(mask Permissions) bool {
	return p&mask != 0
}

// Without returns the bitset with every bit in mask cleared.
func (p Permissions) Without(mask Permissions) Permissions {
	return p &^ mask
}

// String renders the decimal wire form.
func (p Permissions) String() string {
	return strconv.FormatUint(uint64(p), 10)
}

// ParsePermissions decodes the decimal wire form.
func ParsePermissions(s string) (Permissions, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid permission bitset %q: %w", s, err)
	}
	return Permissions(v), nil
}

// MarshalJSON encodes as a decimal string, matching the wire format.
func (p Permissions) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(p.String())), nil
}

// UnmarshalJSON accepts either a decimal string or a bare number; the
// API has emitted both over time.
func (p *Permissions) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	parsed, err := ParsePermissions(s)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}
