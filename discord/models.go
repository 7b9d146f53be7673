package discord

// User is the subset of the identity probe the service cares about.
// MFAEnabled picks the authentication method for the whole session.
type User struct {
	ID            string `json:"id"`
	Username      string `json:"username"`
	Discriminator string `json:"discriminator"`
	MFAEnabled    bool   `json:"mfa_enabled"`
}

// Guild is the startup access probe result.
type Guild struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	VanityURL   string `json:"vanity_url_code"`
	OwnerID     string `json:"owner_id"`
	Description string `json:"description"`
}

// Role is a guild role as returned by the role listing endpoint.
type Role struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Permissions Permissions `json:"permissions"`
	Position    int         `json:"position"`
	Managed     bool        `json:"managed"`
}
