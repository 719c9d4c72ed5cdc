// Package session owns the authentication state machine and the token
// lifecycle.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/abhisek/lessonsync/internal/api"
	"github.com/abhisek/lessonsync/internal/credentials"
	"github.com/abhisek/lessonsync/internal/logger"
)

// DefaultRefreshMargin is how long before expiry a token is refreshed.
const DefaultRefreshMargin = 30 * time.Second

// Options configures a Manager.
type Options struct {
	Backend       api.Backend
	Credentials   *credentials.Store
	Logger        *logger.Logger
	RefreshMargin time.Duration
	Now           func() time.Time
}

// Manager is safe for concurrent use.
type Manager struct {
	backend api.Backend
	creds   *credentials.Store
	log     *logger.Logger
	margin  time.Duration
	now     func() time.Time

	// writeMu serializes credential writes with epoch checks, so a logout
	// can never interleave with a login persisting its tokens.
	writeMu sync.Mutex

	mu          sync.Mutex
	sess        Session
	initialized bool
	loading     int
	epoch       uint64
	subs        map[int]func(Session)
	nextSub     int
}

// NewManager creates a Manager in the Uninitialized state.
func NewManager(opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = logger.Nop()
	}
	if opts.RefreshMargin <= 0 {
		opts.RefreshMargin = DefaultRefreshMargin
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Manager{
		backend: opts.Backend,
		creds:   opts.Credentials,
		log:     opts.Logger,
		margin:  opts.RefreshMargin,
		now:     opts.Now,
		subs:    make(map[int]func(Session)),
	}
}

// Session returns the current session.
func (m *Manager) Session() Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sess
}

// IsAuthenticated reports whether the session is authenticated.
func (m *Manager) IsAuthenticated() bool {
	return m.Session().IsAuthenticated
}

// Email returns the current user email, or "".
func (m *Manager) Email() string {
	return m.Session().UserEmail
}

// Subscription detaches a listener registered with Subscribe.
type Subscription struct {
	once sync.Once
	stop func()
}

// Stop detaches the listener. It is safe to call more than once.
func (s *Subscription) Stop() {
	s.once.Do(s.stop)
}

// Subscribe registers fn to be called after every session change. fn runs
// on the goroutine that made the change and must not block.
func (m *Manager) Subscribe(fn func(Session)) *Subscription {
	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn
	m.mu.Unlock()

	return &Subscription{stop: func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}}
}

// update applies fn to the session under the lock, recomputes State and
// notifies subscribers.
func (m *Manager) update(fn func(s *Session)) {
	m.mu.Lock()
	fn(&m.sess)
	m.sess.State = m.stateLocked()
	snap := m.sess
	subs := make([]func(Session), 0, len(m.subs))
	for id := 0; id < m.nextSub; id++ {
		if f, ok := m.subs[id]; ok {
			subs = append(subs, f)
		}
	}
	m.mu.Unlock()

	for _, f := range subs {
		f(snap)
	}
}

func (m *Manager) stateLocked() State {
	switch {
	case m.sess.AuthLoading:
		return Loading
	case !m.initialized:
		return Uninitialized
	case m.sess.IsAuthenticated:
		return Authenticated
	default:
		return Unauthenticated
	}
}

// beginLoading sets AuthLoading until the returned func is called. Calls
// nest; AuthLoading clears when the outermost one ends.
func (m *Manager) beginLoading() (end func()) {
	m.update(func(s *Session) {
		m.loading++
		s.AuthLoading = true
	})
	var once sync.Once
	return func() {
		once.Do(func() {
			m.update(func(s *Session) {
				m.loading--
				if m.loading == 0 {
					s.AuthLoading = false
				}
			})
		})
	}
}

func (m *Manager) currentEpoch() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.epoch
}

// setAuthenticated records the outcome of an auth operation.
func (m *Manager) setAuthenticated(ok bool, email string, paying bool) {
	m.update(func(s *Session) {
		m.initialized = true
		s.IsAuthenticated = ok
		s.UserEmail = email
		s.IsPayingUser = paying
	})
}

// Login validates the input, exchanges it for tokens and persists them.
// It either ends authenticated with tokens stored, or unauthenticated
// with nothing stored. A successful login supersedes every login and
// refresh still in flight.
func (m *Manager) Login(ctx context.Context, email, password string) error {
	if err := ValidateCredentials(email, password); err != nil {
		return err
	}

	end := m.beginLoading()
	defer end()

	epoch := m.currentEpoch()
	tokens, err := m.backend.Login(ctx, email, password)
	if err != nil {
		m.log.Info("login failed", "error", err)
		return &AuthError{Op: "login", Message: userMessage(err), Err: err}
	}
	if tokens == nil || tokens.Access == "" || tokens.Refresh == "" {
		return &AuthError{Op: "login", Message: "Login response did not include tokens"}
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	if m.currentEpoch() != epoch {
		return ErrSuperseded
	}
	// A refresh or login started before this point must not touch the
	// tokens saved below.
	m.mu.Lock()
	m.epoch++
	m.mu.Unlock()

	if err := m.persistLogin(ctx, email, tokens); err != nil {
		if clearErr := m.creds.Clear(ctx); clearErr != nil {
			m.log.Error("clear credentials after failed save", "error", clearErr)
		}
		m.setAuthenticated(false, "", false)
		return &AuthError{Op: "login", Message: "Could not save credentials", Err: err}
	}

	paying, err := m.creds.IsPayingUser(ctx)
	if err != nil {
		m.log.Warn("read paying flag", "error", err)
	}
	m.setAuthenticated(true, email, paying)
	return nil
}

func (m *Manager) persistLogin(ctx context.Context, email string, tokens *api.Tokens) error {
	if err := m.creds.SaveTokens(ctx, credentials.TokenPair{Access: tokens.Access, Refresh: tokens.Refresh}); err != nil {
		return err
	}
	return m.creds.SaveEmail(ctx, email)
}

// Register creates an account and then logs in with the same
// credentials. A failed registration does not attempt a login.
func (m *Manager) Register(ctx context.Context, email, password string) error {
	if err := ValidateCredentials(email, password); err != nil {
		return err
	}

	end := m.beginLoading()
	defer end()

	if err := m.backend.Register(ctx, email, password); err != nil {
		m.log.Info("registration failed", "error", err)
		return &AuthError{Op: "register", Message: userMessage(err), Err: err}
	}
	return m.Login(ctx, email, password)
}

// Logout clears every stored credential and the in-memory session. Any
// login or refresh still in flight is discarded when it returns.
func (m *Manager) Logout(ctx context.Context) error {
	end := m.beginLoading()
	defer end()

	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	m.mu.Lock()
	m.epoch++
	m.mu.Unlock()

	err := m.creds.Clear(ctx)
	m.setAuthenticated(false, "", false)
	if err != nil {
		return fmt.Errorf("logout: %w", err)
	}
	return nil
}

// CheckAndRefreshAccessToken recomputes the session from stored
// credentials. A token within the refresh margin of its expiry is
// refreshed; a failed refresh clears the session. It is a no-op, not an
// error, when no credential was ever stored.
func (m *Manager) CheckAndRefreshAccessToken(ctx context.Context) error {
	end := m.beginLoading()
	defer end()

	epoch := m.currentEpoch()
	authenticated, err := m.checkTokens(ctx, epoch)

	// Every branch finishes by loading the stored email.
	email, emailErr := m.creds.Email(ctx)
	if emailErr != nil {
		m.log.Warn("read stored email", "error", emailErr)
	}
	paying := false
	if authenticated {
		if paying, emailErr = m.creds.IsPayingUser(ctx); emailErr != nil {
			m.log.Warn("read paying flag", "error", emailErr)
		}
	}
	if !errors.Is(err, ErrSuperseded) {
		m.setAuthenticated(authenticated, email, paying)
	}
	return err
}

func (m *Manager) checkTokens(ctx context.Context, epoch uint64) (bool, error) {
	expiry, ok, err := m.creds.AccessExpiry(ctx)
	if err != nil {
		return false, fmt.Errorf("read token expiry: %w", err)
	}
	if !ok {
		return false, nil
	}

	if m.now().Unix() < expiry-int64(m.margin/time.Second) {
		token, err := m.creds.AccessToken(ctx)
		if err != nil {
			return false, fmt.Errorf("read access token: %w", err)
		}
		if token == "" {
			m.log.Warn("token expiry is stored but the access token is missing")
			return false, nil
		}
		return true, nil
	}

	refresh, err := m.creds.RefreshToken(ctx)
	if err != nil || refresh == "" {
		if err == nil {
			err = errors.New("no refresh token stored")
		}
		return false, m.expire(ctx, epoch, err)
	}

	access, err := m.backend.Refresh(ctx, refresh)
	if err != nil {
		return false, m.expire(ctx, epoch, err)
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if m.currentEpoch() != epoch {
		return false, ErrSuperseded
	}
	if err := m.creds.SaveAccessToken(ctx, access); err != nil {
		return false, m.expireLocked(ctx, err)
	}
	m.log.Debug("access token refreshed")
	return true, nil
}

// expire clears the session after an unrecoverable refresh failure.
func (m *Manager) expire(ctx context.Context, epoch uint64, cause error) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if m.currentEpoch() != epoch {
		return ErrSuperseded
	}
	return m.expireLocked(ctx, cause)
}

func (m *Manager) expireLocked(ctx context.Context, cause error) error {
	m.log.Info("session expired", "error", cause)
	if err := m.creds.Clear(ctx); err != nil {
		m.log.Error("clear credentials", "error", err)
	}
	return &AuthError{Op: "refresh", Message: "Your session has expired, please log in again", Err: errors.Join(ErrSessionExpired, cause)}
}

// RequestPasswordReset asks the backend to email a reset code.
func (m *Manager) RequestPasswordReset(ctx context.Context, email string) error {
	if err := ValidateEmail(email); err != nil {
		return err
	}
	if err := m.backend.RequestPasswordReset(ctx, email); err != nil {
		return &AuthError{Op: "request password reset", Message: userMessage(err), Err: err}
	}
	return nil
}

// VerifyResetCode checks a reset code.
func (m *Manager) VerifyResetCode(ctx context.Context, email, code string) error {
	if err := ValidateEmail(email); err != nil {
		return err
	}
	if err := ValidateResetCode(code); err != nil {
		return err
	}
	if err := m.backend.VerifyResetCode(ctx, email, code); err != nil {
		return &AuthError{Op: "verify reset code", Message: userMessage(err), Err: err}
	}
	return nil
}

// SetNewPassword sets a new password with a verified reset code. It does
// not sign in.
func (m *Manager) SetNewPassword(ctx context.Context, email, code, password, confirm string) error {
	if err := ValidateCredentials(email, password); err != nil {
		return err
	}
	if err := ValidateResetCode(code); err != nil {
		return err
	}
	if err := ValidateConfirmation(password, confirm); err != nil {
		return err
	}
	if err := m.backend.SetNewPassword(ctx, email, code, password); err != nil {
		return &AuthError{Op: "set new password", Message: userMessage(err), Err: err}
	}
	return nil
}

func userMessage(err error) string {
	if msg := api.ServerMessage(err); msg != "" {
		return msg
	}
	return genericMessage
}
