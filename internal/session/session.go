// Package session holds the process-wide authentication state: whether the
// user is authenticated and the cached profile. State changes only through
// Probe, Login, Logout and Invalidate; reads are snapshots and never fetch.
package session

import (
	"context"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/tansive/console/internal/common/httpclient"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Paths are the backend endpoints used by the store.
type Paths struct {
	Login   string `yaml:"login" validate:"required"`
	Logout  string `yaml:"logout" validate:"required"`
	Profile string `yaml:"profile" validate:"required"`
}

// DefaultPaths returns the standard console endpoints.
func DefaultPaths() Paths {
	return Paths{
		Login:   "/api/auth/login",
		Logout:  "/api/auth/logout",
		Profile: "/api/self/profile",
	}
}

// Credentials are posted by Login.
type Credentials struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

// UserProfile is the normalized "who am I" payload.
type UserProfile struct {
	ID       int64          `mapstructure:"id" json:"id"`
	Username string         `mapstructure:"username" json:"username"`
	Nickname string         `mapstructure:"nickname" json:"nickname"`
	Email    string         `mapstructure:"email" json:"email"`
	Phone    string         `mapstructure:"phone" json:"phone"`
	Portrait string         `mapstructure:"portrait" json:"portrait,omitempty"`
	RootFlag int            `mapstructure:"is_root" json:"-"`
	IsRoot   bool           `mapstructure:"-" json:"is_root"`
	Extra    map[string]any `mapstructure:",remain" json:"extra,omitempty"`
}

// TokenStore persists the bearer token issued at login.
type TokenStore interface {
	GetToken() string
	SetToken(token string) error
}

// MemTokens is an in-memory TokenStore.
type MemTokens struct {
	mu    sync.RWMutex
	token string
}

func (m *MemTokens) GetToken() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.token
}

func (m *MemTokens) SetToken(token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token = token
	return nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Store is the session state shared by every view of the console.
type Store struct {
	client httpclient.HTTPClientInterface
	tokens TokenStore
	paths  Paths
	logger zerolog.Logger

	mu            sync.RWMutex
	authenticated bool
	profile       *UserProfile
	// epoch advances on every logout or invalidation so that a probe or
	// login completing afterwards does not resurrect the session.
	epoch uint64
}

// Option configures a Store.
type Option func(*Store)

// WithPaths overrides the backend endpoints.
func WithPaths(p Paths) Option {
	return func(s *Store) {
		s.paths = p
	}
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Store) {
		s.logger = l
	}
}

// New creates an unauthenticated Store. A nil tokens keeps the token in memory.
func New(client httpclient.HTTPClientInterface, tokens TokenStore, opts ...Option) *Store {
	if tokens == nil {
		tokens = &MemTokens{}
	}
	s := &Store{
		client: client,
		tokens: tokens,
		paths:  DefaultPaths(),
		logger: log.Logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Probe asks the backend who the current user is. On success the store is
// authenticated and the profile cached; on failure the state is untouched and
// the error returned.
func (s *Store) Probe(ctx context.Context) error {
	epoch := s.currentEpoch()

	res, err := s.client.Get(ctx, s.paths.Profile, nil)
	if err != nil {
		return err
	}
	profile, err := decodeProfile(res)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.epoch != epoch {
		s.logger.Debug().Msg("discarding profile from before logout")
		return nil
	}
	s.authenticated = true
	s.profile = profile
	s.logger.Debug().Str("username", profile.Username).Bool("is_root", profile.IsRoot).Msg("session probed")
	return nil
}

// Login posts credentials. On success the issued token is stored, the store
// is marked authenticated and the profile re-probed. On failure the state is
// unchanged.
func (s *Store) Login(ctx context.Context, creds Credentials) error {
	if err := validate.Struct(creds); err != nil {
		return ErrInvalidCredentials.Err(err)
	}
	body, err := sjson.SetBytes(nil, "username", creds.Username)
	if err == nil {
		body, err = sjson.SetBytes(body, "password", creds.Password)
	}
	if err != nil {
		return ErrInvalidCredentials.Err(err)
	}

	epoch := s.currentEpoch()
	res, err := s.client.Post(ctx, s.paths.Login, body)
	if err != nil {
		return err
	}
	if token := gjson.GetBytes(res.Raw, "token").String(); token != "" {
		if err := s.tokens.SetToken(token); err != nil {
			return ErrTokenStore.Err(err)
		}
	}

	s.mu.Lock()
	if s.epoch == epoch {
		s.authenticated = true
	}
	s.mu.Unlock()
	s.logger.Info().Str("username", creds.Username).Msg("logged in")

	return s.Probe(ctx)
}

// Logout posts the logout call and then, whatever the outcome, marks the
// store unauthenticated and drops the token. The request error, if any, is
// returned.
func (s *Store) Logout(ctx context.Context) error {
	_, err := s.client.Post(ctx, s.paths.Logout, nil)
	s.clear()
	if tokErr := s.tokens.SetToken(""); tokErr != nil && err == nil {
		err = ErrTokenStore.Err(tokErr)
	}
	s.logger.Info().Msg("logged out")
	return err
}

// Invalidate is called by the client when the backend reports the session
// expired. It clears the state and the stored token.
func (s *Store) Invalidate() {
	s.clear()
	if err := s.tokens.SetToken(""); err != nil {
		s.logger.Error().Err(err).Msg("unable to clear token")
	}
}

// Reset returns the store to its initial state without touching the token.
func (s *Store) Reset() {
	s.clear()
}

// IsAuthenticated reports the cached authentication state.
func (s *Store) IsAuthenticated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.authenticated
}

// CurrentProfile returns a copy of the cached profile, or nil.
func (s *Store) CurrentProfile() *UserProfile {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.profile == nil {
		return nil
	}
	p := *s.profile
	return &p
}

func (s *Store) clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authenticated = false
	s.profile = nil
	s.epoch++
}

func (s *Store) currentEpoch() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.epoch
}

func decodeProfile(res *httpclient.Result) (*UserProfile, error) {
	var raw map[string]any
	if err := res.Decode(&raw); err != nil {
		return nil, ErrInvalidProfile.Err(err)
	}
	if raw == nil {
		return nil, ErrInvalidProfile.Msg("empty profile")
	}
	var p UserProfile
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &p,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return nil, ErrInvalidProfile.Err(err)
	}
	if err := dec.Decode(raw); err != nil {
		return nil, ErrInvalidProfile.Err(err)
	}
	p.IsRoot = p.RootFlag != 0
	return &p, nil
}
