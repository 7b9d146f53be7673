package discord

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmoreau/vanitylock/transport"
)

func newTestClient(t *testing.T, handler http.Handler, opts ...ClientOption) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	tr, err := transport.New(transport.WithProfile(transport.ProfilePlain))
	require.NoError(t, err)

	opts = append([]ClientOption{WithBaseURL(srv.URL)}, opts...)
	return NewClient(tr, StaticTokens{User: "user-tok", Bot: "bot-tok"}, opts...), srv
}

func TestClient_SetVanity(t *testing.T) {
	var got *http.Request
	var gotBody map[string]string

	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Clone(context.Background())
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.Write([]byte(`{}`))
	}))

	out, err := client.SetVanity(context.Background(), "g1", "myvanity", "mfa-token", 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, out.Kind)

	assert.Equal(t, http.MethodPatch, got.Method)
	assert.Equal(t, "/guilds/g1/vanity-url", got.URL.Path)
	assert.Equal(t, "user-tok", got.Header.Get("Authorization"))
	assert.Equal(t, "mfa-token", got.Header.Get("X-Discord-MFA-Authorization"))
	assert.Contains(t, got.Header.Get("Cookie"), "__Secure-recent_mfa=mfa-token")
	assert.Equal(t, map[string]string{"code": "myvanity"}, gotBody)
}

func TestClient_SetVanityWithoutToken(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("X-Discord-MFA-Authorization"))
		w.WriteHeader(429)
		w.Write([]byte(`{"retry_after": "3"}`))
	}))

	out, err := client.SetVanity(context.Background(), "g1", "myvanity", "", 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, OutcomeRateLimited, out.Kind)
	assert.Equal(t, 3*time.Second, out.RetryAfter)
}

func TestClient_CompleteChallenge(t *testing.T) {
	t.Run("LegacySchema", func(t *testing.T) {
		var gotPath string
		var gotBody map[string]string
		client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotPath = r.URL.Path
			json.NewDecoder(r.Body).Decode(&gotBody)
			w.Write([]byte(`{"token": "fresh"}`))
		}))

		res, err := client.CompleteChallenge(context.Background(), "tick", Proof{Method: MethodTOTP, Value: "123456"})
		require.NoError(t, err)
		assert.True(t, res.OK)
		assert.Equal(t, "fresh", res.Token)
		assert.Equal(t, "/auth/mfa/totp", gotPath)
		assert.Equal(t, map[string]string{"ticket": "tick", "code": "123456"}, gotBody)
	})

	t.Run("LegacySchemaPassword", func(t *testing.T) {
		var gotBody map[string]string
		client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			json.NewDecoder(r.Body).Decode(&gotBody)
			w.Write([]byte(`{"token": "fresh"}`))
		}))

		_, err := client.CompleteChallenge(context.Background(), "tick", Proof{Method: MethodPassword, Value: "hunter2"})
		require.NoError(t, err)
		assert.Equal(t, map[string]string{"ticket": "tick", "password": "hunter2"}, gotBody)
	})

	t.Run("FinishSchema", func(t *testing.T) {
		var gotPath string
		var gotBody map[string]string
		schema, err := SchemaByName("finish")
		require.NoError(t, err)

		client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotPath = r.URL.Path
			json.NewDecoder(r.Body).Decode(&gotBody)
			w.Write([]byte(`{"token": "fresh"}`))
		}), WithChallengeSchema(schema))

		_, err = client.CompleteChallenge(context.Background(), "tick", Proof{Method: MethodTOTP, Value: "123456"})
		require.NoError(t, err)
		assert.Equal(t, "/mfa/finish", gotPath)
		assert.Equal(t, map[string]string{"mfa_type": "totp", "ticket": "tick", "data": "123456"}, gotBody)
	})

	t.Run("Rejected", func(t *testing.T) {
		client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(401)
			w.Write([]byte(`{"message": "invalid code"}`))
		}))

		res, err := client.CompleteChallenge(context.Background(), "tick", Proof{Method: MethodTOTP, Value: "000000"})
		require.NoError(t, err)
		assert.False(t, res.OK)
		assert.False(t, res.Malformed)
	})

	t.Run("MalformedBody", func(t *testing.T) {
		client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`not json`))
		}))

		res, err := client.CompleteChallenge(context.Background(), "tick", Proof{Method: MethodTOTP, Value: "123456"})
		require.NoError(t, err)
		assert.True(t, res.Malformed)
	})
}

func TestClient_Probes(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/users/@me":
			assert.Equal(t, "user-tok", r.Header.Get("Authorization"))
			w.Write([]byte(`{"id":"u1","username":"holder","mfa_enabled":true}`))
		case "/guilds/g1":
			w.Write([]byte(`{"id":"g1","name":"target"}`))
		default:
			w.WriteHeader(404)
		}
	}))

	user, err := client.CurrentUser(context.Background())
	require.NoError(t, err)
	assert.True(t, user.MFAEnabled)
	assert.Equal(t, "holder", user.Username)

	guild, err := client.Guild(context.Background(), "g1")
	require.NoError(t, err)
	assert.Equal(t, "target", guild.Name)

	_, err = client.Guild(context.Background(), "missing")
	assert.Error(t, err)
}

func TestClient_Roles(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bot bot-tok", r.Header.Get("Authorization"))
		w.Write([]byte(`[{"id":"r1","name":"mods","permissions":"24"},{"id":"r2","name":"everyone","permissions":"0"}]`))
	}))

	roles, err := client.Roles(context.Background(), "g1")
	require.NoError(t, err)
	require.Len(t, roles, 2)
	assert.True(t, roles[0].Permissions.Has(PermAdministrator))
}

func TestClient_SetRolePermissions(t *testing.T) {
	var gotReason string
	var gotBody map[string]string
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotReason = r.Header.Get("X-Audit-Log-Reason")
		json.NewDecoder(r.Body).Decode(&gotBody)
		if r.URL.Path == "/guilds/g1/roles/bad" {
			w.WriteHeader(500)
			return
		}
		w.Write([]byte(`{}`))
	}))

	err := client.SetRolePermissions(context.Background(), "g1", "r1", PermAdministrator, "restore")
	require.NoError(t, err)
	assert.Equal(t, "restore", gotReason)
	assert.Equal(t, map[string]string{"permissions": "8"}, gotBody)

	err = client.SetRolePermissions(context.Background(), "g1", "bad", 0, "")
	assert.Error(t, err)
}
