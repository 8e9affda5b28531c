package cli

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tansive/console/internal/common/httpclient"
	"github.com/tansive/console/internal/consoletest"
	"github.com/tansive/console/internal/prefs"
)

type cliFixture struct {
	srv        *consoletest.Server
	configFile string
}

func newCLIFixture(t *testing.T) *cliFixture {
	t.Helper()
	t.Setenv(EnvServerURL, "")
	t.Setenv(EnvToken, "")
	srv := consoletest.New()
	t.Cleanup(srv.Close)
	return &cliFixture{
		srv:        srv,
		configFile: filepath.Join(t.TempDir(), DefaultConfigFile),
	}
}

// writeConfig writes a config pointing at the backend with token.
func (f *cliFixture) writeConfig(t *testing.T, token string) {
	t.Helper()
	cfg := &Config{Version: "0.1.0", ServerURL: f.srv.URL, Token: token}
	require.NoError(t, cfg.WriteConfig(f.configFile))
}

func (f *cliFixture) loggedIn(t *testing.T) {
	f.writeConfig(t, f.srv.IssueToken("root"))
}

// lockedBuffer is written by the notice renderer and the logger concurrently.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func (f *cliFixture) run(args ...string) (string, string, error) {
	cmd := NewRootCmd()
	var out bytes.Buffer
	var errOut lockedBuffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(append([]string{"--config", f.configFile}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), errOut.String(), err
}

func (f *cliFixture) config(t *testing.T) *Config {
	t.Helper()
	cfg, err := LoadConfig(f.configFile)
	require.NoError(t, err)
	return cfg
}

func TestConfigServer(t *testing.T) {
	f := newCLIFixture(t)
	out, _, err := f.run("config", "--server", f.srv.URL+"/")
	require.NoError(t, err)
	assert.Contains(t, out, "Server configured: "+f.srv.URL)

	cfg := f.config(t)
	assert.Equal(t, f.srv.URL, cfg.ServerURL)
	assert.Empty(t, cfg.Token)

	out, _, err = f.run("config", "-j")
	require.NoError(t, err)
	var shown map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &shown))
	assert.Equal(t, f.srv.URL, shown["server"])
	assert.Equal(t, false, shown["logged_in"])
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(EnvServerURL, "")
	t.Setenv(EnvToken, "")

	tests := []struct {
		name    string
		yaml    string
		wantErr bool
		check   func(t *testing.T, cfg *Config)
	}{
		{
			name: "host without scheme",
			yaml: "server_url: console.example.com:8080/\n",
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "https://console.example.com:8080", cfg.GetServerURL())
				assert.Equal(t, "/api/auth/login", cfg.SessionPaths().Login)
			},
		},
		{
			name: "custom paths and notice duration",
			yaml: "server_url: http://localhost:9000\nnotice_duration: 2s\npaths:\n  login: /login\n  logout: /logout\n  profile: /me\n",
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "/me", cfg.SessionPaths().Profile)
				d, err := cfg.noticeDuration()
				require.NoError(t, err)
				assert.Equal(t, "2s", d.String())
			},
		},
		{name: "missing server", yaml: "token: abc\n", wantErr: true},
		{name: "bad notice duration", yaml: "server_url: http://localhost\nnotice_duration: soon\n", wantErr: true},
		{name: "incomplete paths", yaml: "server_url: http://localhost\npaths:\n  login: /login\n", wantErr: true},
	}
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			file := filepath.Join(dir, strings.Repeat("c", i+1)+".yaml")
			require.NoError(t, os.WriteFile(file, []byte(tt.yaml), 0o600))
			cfg, err := LoadConfig(file)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			tt.check(t, cfg)
		})
	}
}

func TestEnvOverridesConfig(t *testing.T) {
	f := newCLIFixture(t)
	f.writeConfig(t, "stale")
	t.Setenv(EnvToken, f.srv.IssueToken("root"))

	out, _, err := f.run("whoami")
	require.NoError(t, err)
	assert.Contains(t, out, "Username: root")
}

func TestMissingConfig(t *testing.T) {
	f := newCLIFixture(t)
	_, _, err := f.run("whoami")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config file not found")
}

func TestLoginWhoamiLogout(t *testing.T) {
	f := newCLIFixture(t)
	f.writeConfig(t, "")

	out, _, err := f.run("login", "--username", "root", "--password", "root.2020")
	require.NoError(t, err)
	assert.Contains(t, out, "Login successful")
	assert.Contains(t, out, "Logged in as root (Administrator)")

	cfg := f.config(t)
	assert.NotEmpty(t, cfg.Token)
	assert.Equal(t, "root", cfg.Username)

	out, _, err = f.run("whoami")
	require.NoError(t, err)
	assert.Contains(t, out, "Username: root")
	assert.Contains(t, out, "Email: root@example.com")
	assert.Contains(t, out, "Role: root")

	out, _, err = f.run("whoami", "-j")
	require.NoError(t, err)
	var profile map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &profile))
	assert.Equal(t, true, profile["is_root"])

	out, _, err = f.run("logout")
	require.NoError(t, err)
	assert.Contains(t, out, "Logged out")
	cfg = f.config(t)
	assert.Empty(t, cfg.Token)
	assert.Empty(t, cfg.Username)
}

func TestLoginFailure(t *testing.T) {
	f := newCLIFixture(t)
	f.writeConfig(t, "")

	_, errOut, err := f.run("login", "--username", "root", "--password", "wrong")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAlreadyHandled)
	assert.ErrorIs(t, err, httpclient.ErrApplication)
	assert.Contains(t, errOut, "! invalid username or password")
	assert.Empty(t, f.config(t).Token)

	_, _, err = f.run("login", "--username", "root")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "username and password are required")
}

func TestLoginFailureJSONNotices(t *testing.T) {
	f := newCLIFixture(t)
	f.writeConfig(t, "")

	_, errOut, err := f.run("login", "-j", "--username", "root", "--password", "wrong")
	require.Error(t, err)
	assert.NotContains(t, errOut, "! invalid")
	assert.Contains(t, errOut, `"notices"`)
	assert.Contains(t, errOut, "invalid username or password")
}

type brokenWriter struct{}

func (brokenWriter) Write([]byte) (int, error) { return 0, errors.New("stderr closed") }

func TestJSONNoticesWriteFailure(t *testing.T) {
	f := newCLIFixture(t)
	f.writeConfig(t, "")

	cmd := NewRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(brokenWriter{})
	cmd.SetArgs([]string{"--config", f.configFile, "login", "-j", "--username", "root", "--password", "wrong"})
	err := cmd.ExecuteContext(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAlreadyHandled)
	assert.ErrorIs(t, err, httpclient.ErrApplication)
}

func TestExpiredSession(t *testing.T) {
	f := newCLIFixture(t)
	f.loggedIn(t)
	f.srv.ExpireTokens()

	_, errOut, err := f.run("whoami")
	require.Error(t, err)
	assert.ErrorIs(t, err, httpclient.ErrUnauthorized)
	assert.ErrorIs(t, err, ErrAlreadyHandled)
	assert.Contains(t, errOut, "session expired, run `console login`")
	assert.NotContains(t, errOut, "! ")
	assert.Empty(t, f.config(t).Token)
}

func TestStatus(t *testing.T) {
	f := newCLIFixture(t)
	f.writeConfig(t, "")

	out, _, err := f.run("status")
	require.NoError(t, err)
	assert.Contains(t, out, "Server: "+f.srv.URL)
	assert.Contains(t, out, "Not authenticated")

	f.loggedIn(t)
	out, _, err = f.run("status", "-j")
	require.NoError(t, err)
	var kv map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &kv))
	assert.Equal(t, true, kv["authenticated"])
	assert.Equal(t, "root", kv["username"])
}

func TestListUsers(t *testing.T) {
	f := newCLIFixture(t)
	f.loggedIn(t)

	out, _, err := f.run("list", "users", "--page", "2", "--limit", "5")
	require.NoError(t, err)
	assert.Contains(t, out, "Users:")
	assert.Contains(t, out, "USERNAME")
	for _, u := range []string{"user06", "user07", "user08", "user09", "user10"} {
		assert.Contains(t, out, u)
	}
	assert.NotContains(t, out, "user11")
	assert.Contains(t, out, "Page 2 of 5 (25 total)")

	req, ok := f.srv.LastRequest(consoletest.UsersPath)
	require.True(t, ok)
	assert.Equal(t, "5", req.Query.Get("limit"))
	assert.Equal(t, "2", req.Query.Get("p"))

	store, err := prefs.Open(filepath.Join(filepath.Dir(f.configFile), prefs.DefaultFile))
	require.NoError(t, err)
	size, ok := store.PageSize()
	require.True(t, ok)
	assert.Equal(t, 5, size)

	// the stored page size is used by later calls
	_, _, err = f.run("list", "users", "--query", "user1")
	require.NoError(t, err)
	req, _ = f.srv.LastRequest(consoletest.UsersPath)
	assert.Equal(t, "5", req.Query.Get("limit"))
	assert.Equal(t, "1", req.Query.Get("p"))
	assert.Equal(t, "user1", req.Query.Get("query"))
	assert.False(t, req.Query.Has("batch"))
}

func TestListJSON(t *testing.T) {
	f := newCLIFixture(t)
	f.loggedIn(t)

	out, _, err := f.run("list", "teams", "-j")
	require.NoError(t, err)
	var got struct {
		Data       []map[string]any `json:"data"`
		Pagination struct {
			Current    int  `json:"current"`
			TotalKnown bool `json:"totalKnown"`
		} `json:"pagination"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Len(t, got.Data, 3)
	assert.Equal(t, 1, got.Pagination.Current)
}

func TestListAll(t *testing.T) {
	f := newCLIFixture(t)
	f.loggedIn(t)

	out, _, err := f.run("list", "users", "--all", "--limit", "10", "-j")
	require.NoError(t, err)
	var got struct {
		Data []map[string]any `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	require.Len(t, got.Data, 25)
	assert.Equal(t, "user25", got.Data[24]["username"])

	out, _, err = f.run("list", "hosts", "--all", "--batch", "b2", "--field", "ident", "--field", "batch")
	require.NoError(t, err)
	assert.Contains(t, out, "host-07")
	assert.Contains(t, out, "host-12")
	assert.NotContains(t, out, "host-06")
	assert.Contains(t, out, "IDENT")
}

func TestListClientPaging(t *testing.T) {
	f := newCLIFixture(t)
	f.loggedIn(t)

	out, _, err := f.run("list", "hosts", "--client-paging", "--page", "2", "--limit", "5")
	require.NoError(t, err)
	assert.Contains(t, out, "host-06")
	assert.Contains(t, out, "host-10")
	assert.NotContains(t, out, "host-11")
	assert.Contains(t, out, "Page 2 of 3 (12 total)")

	req, _ := f.srv.LastRequest(consoletest.HostsPath)
	assert.False(t, req.Query.Has("limit"))
	assert.False(t, req.Query.Has("p"))
}

func TestListErrors(t *testing.T) {
	f := newCLIFixture(t)
	f.loggedIn(t)

	_, _, err := f.run("list", "widgets")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown resource")

	_, errOut, err := f.run("list", "/api/missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, httpclient.ErrTransport)
	assert.Contains(t, errOut, "! Not Found")

	_, _, err = f.run("list", "users", "--page", "0")
	assert.Error(t, err)
}

func TestVersion(t *testing.T) {
	f := newCLIFixture(t)
	out, _, err := f.run("version")
	require.NoError(t, err)
	assert.Contains(t, out, "console CLI "+getCLIVersion())
	assert.Contains(t, out, f.configFile)
}
