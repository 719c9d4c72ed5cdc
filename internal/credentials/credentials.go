package credentials

import (
	"context"
	"fmt"
	"strconv"

	"github.com/abhisek/lessonsync/internal/store"
)

// Persisted keys.
const (
	KeyAccessToken  = "accessToken"
	KeyRefreshToken = "refreshToken"
	KeyAccessExpiry = "accessExpiry"
	KeyUserEmail    = "userEmail"
	KeyIsPayingUser = "isPayingUser"
)

var allKeys = []string{KeyAccessToken, KeyRefreshToken, KeyAccessExpiry, KeyUserEmail, KeyIsPayingUser}

// TokenPair is what the backend returns on login.
type TokenPair struct {
	Access  string
	Refresh string
}

// Credential is the full persisted credential set. Zero values mean absent.
type Credential struct {
	AccessToken  string
	RefreshToken string
	AccessExpiry int64
	Email        string
	IsPayingUser bool
}

// Store persists credentials in a KVRepo. Tokens and email are sealed
// when the Sealer has a key.
type Store struct {
	kv     store.KVRepo
	sealer Sealer
}

// NewStore creates a credential store. A nil sealer stores plaintext.
func NewStore(kv store.KVRepo, sealer Sealer) *Store {
	if sealer == nil {
		sealer = plainSealer{}
	}
	return &Store{kv: kv, sealer: sealer}
}

// SaveTokens persists both tokens and the expiry decoded from the access
// token. Nothing is written if the access token cannot be decoded.
func (s *Store) SaveTokens(ctx context.Context, tokens TokenPair) error {
	info, err := DecodeAccessToken(tokens.Access)
	if err != nil {
		return err
	}
	if err := s.setSealed(ctx, KeyAccessToken, tokens.Access); err != nil {
		return err
	}
	if err := s.setSealed(ctx, KeyRefreshToken, tokens.Refresh); err != nil {
		return err
	}
	return s.saveInfo(ctx, info)
}

// SaveAccessToken replaces the access token and its expiry. The refresh
// token is left untouched.
func (s *Store) SaveAccessToken(ctx context.Context, access string) error {
	info, err := DecodeAccessToken(access)
	if err != nil {
		return err
	}
	if err := s.setSealed(ctx, KeyAccessToken, access); err != nil {
		return err
	}
	return s.saveInfo(ctx, info)
}

func (s *Store) saveInfo(ctx context.Context, info TokenInfo) error {
	if err := s.kv.Set(ctx, KeyAccessExpiry, strconv.FormatInt(info.Expiry, 10)); err != nil {
		return err
	}
	return s.kv.Set(ctx, KeyIsPayingUser, strconv.FormatBool(info.IsPayingUser))
}

// AccessToken returns the stored access token, or "" if none.
func (s *Store) AccessToken(ctx context.Context) (string, error) {
	return s.getSealed(ctx, KeyAccessToken)
}

// RefreshToken returns the stored refresh token, or "" if none.
func (s *Store) RefreshToken(ctx context.Context) (string, error) {
	return s.getSealed(ctx, KeyRefreshToken)
}

// AccessExpiry returns the access token expiry in unix seconds. ok is false
// when no credential has ever been stored.
func (s *Store) AccessExpiry(ctx context.Context) (expiry int64, ok bool, err error) {
	v, ok, err := s.kv.Get(ctx, KeyAccessExpiry)
	if err != nil || !ok {
		return 0, false, err
	}
	expiry, err = strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("parse stored expiry: %w", err)
	}
	return expiry, true, nil
}

// SaveEmail persists the signed-in user's email.
func (s *Store) SaveEmail(ctx context.Context, email string) error {
	return s.setSealed(ctx, KeyUserEmail, email)
}

// Email returns the stored email, or "" if none.
func (s *Store) Email(ctx context.Context) (string, error) {
	return s.getSealed(ctx, KeyUserEmail)
}

// IsPayingUser reports the paying flag from the last stored access token.
func (s *Store) IsPayingUser(ctx context.Context) (bool, error) {
	v, ok, err := s.kv.Get(ctx, KeyIsPayingUser)
	if err != nil || !ok {
		return false, err
	}
	return strconv.ParseBool(v)
}

// Load reads every field.
func (s *Store) Load(ctx context.Context) (Credential, error) {
	var c Credential
	var err error
	if c.AccessToken, err = s.AccessToken(ctx); err != nil {
		return Credential{}, err
	}
	if c.RefreshToken, err = s.RefreshToken(ctx); err != nil {
		return Credential{}, err
	}
	if c.AccessExpiry, _, err = s.AccessExpiry(ctx); err != nil {
		return Credential{}, err
	}
	if c.Email, err = s.Email(ctx); err != nil {
		return Credential{}, err
	}
	if c.IsPayingUser, err = s.IsPayingUser(ctx); err != nil {
		return Credential{}, err
	}
	return c, nil
}

// Clear removes every credential field.
func (s *Store) Clear(ctx context.Context) error {
	if err := s.kv.Delete(ctx, allKeys...); err != nil {
		return fmt.Errorf("clear credentials: %w", err)
	}
	return nil
}

func (s *Store) setSealed(ctx context.Context, key, value string) error {
	sealed, err := s.sealer.Seal(value)
	if err != nil {
		return fmt.Errorf("seal %s: %w", key, err)
	}
	return s.kv.Set(ctx, key, sealed)
}

func (s *Store) getSealed(ctx context.Context, key string) (string, error) {
	v, ok, err := s.kv.Get(ctx, key)
	if err != nil || !ok {
		return "", err
	}
	plain, err := s.sealer.Open(v)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", key, err)
	}
	return plain, nil
}
