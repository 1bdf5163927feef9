package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"churchcal/internal/auth"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
)

// StateTTL bounds how long an OAuth state value stays redeemable.
const StateTTL = 10 * time.Minute

// ErrInvalidState means an OAuth callback carried an unknown, reused or expired state.
var ErrInvalidState = errors.New("invalid or expired oauth state")

// SessionStore keeps one delegated Google token per user.
type SessionStore struct {
	db  *DB
	now func() time.Time
}

// NewSessionStore creates a new session store.
func NewSessionStore(db *DB) *SessionStore {
	return &SessionStore{db: db, now: time.Now}
}

// Save upserts the user's token.
func (s *SessionStore) Save(userID string, token *oauth2.Token) error {
	if token == nil {
		return errors.New("nil token")
	}
	var expiry int64
	if !token.Expiry.IsZero() {
		expiry = token.Expiry.Unix()
	}
	now := s.now().UTC().Unix()

	_, err := s.db.conn.Exec(`
		INSERT INTO calendar_sessions (
			user_id, access_token, refresh_token, token_type, expiry, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			access_token = excluded.access_token,
			refresh_token = CASE WHEN excluded.refresh_token = '' THEN calendar_sessions.refresh_token ELSE excluded.refresh_token END,
			token_type = excluded.token_type,
			expiry = excluded.expiry,
			updated_at = excluded.updated_at
	`, userID, token.AccessToken, token.RefreshToken, token.TokenType, expiry, now, now)
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// Load returns the user's token, or nil when the user has not connected.
func (s *SessionStore) Load(userID string) (*oauth2.Token, error) {
	var (
		token  oauth2.Token
		expiry int64
	)
	err := s.db.conn.QueryRow(`
		SELECT access_token, refresh_token, token_type, expiry
		FROM calendar_sessions WHERE user_id = ?
	`, userID).Scan(&token.AccessToken, &token.RefreshToken, &token.TokenType, &expiry)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if expiry > 0 {
		token.Expiry = time.Unix(expiry, 0)
	}
	return &token, nil
}

// Delete disconnects the user. Deleting a missing session is not an error.
func (s *SessionStore) Delete(userID string) error {
	if _, err := s.db.conn.Exec(`DELETE FROM calendar_sessions WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// ForUser adapts the store to auth.TokenStore for a single user.
func (s *SessionStore) ForUser(userID string) auth.TokenStore {
	return userTokens{store: s, userID: userID}
}

type userTokens struct {
	store  *SessionStore
	userID string
}

func (u userTokens) SaveToken(token *oauth2.Token) error {
	return u.store.Save(u.userID, token)
}

func (u userTokens) LoadToken() (*oauth2.Token, error) {
	return u.store.Load(u.userID)
}

// NewState issues a single-use OAuth state value bound to userID.
func (s *SessionStore) NewState(userID string) (string, error) {
	state := uuid.New().String()
	now := s.now().UTC().Unix()

	err := s.db.Transaction(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`DELETE FROM oauth_states WHERE created_at < ?`, now-int64(StateTTL/time.Second)); err != nil {
			return err
		}
		_, err := tx.Exec(`INSERT INTO oauth_states (state, user_id, created_at) VALUES (?, ?, ?)`, state, userID, now)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("create oauth state: %w", err)
	}
	return state, nil
}

// ConsumeState redeems state and returns the user it was issued to.
func (s *SessionStore) ConsumeState(state string) (string, error) {
	var userID string
	var createdAt int64

	err := s.db.Transaction(func(tx *sql.Tx) error {
		err := tx.QueryRow(`SELECT user_id, created_at FROM oauth_states WHERE state = ?`, state).Scan(&userID, &createdAt)
		if err != nil {
			return err
		}
		_, err = tx.Exec(`DELETE FROM oauth_states WHERE state = ?`, state)
		return err
	})
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrInvalidState
	}
	if err != nil {
		return "", fmt.Errorf("consume oauth state: %w", err)
	}
	if s.now().UTC().Unix()-createdAt > int64(StateTTL/time.Second) {
		return "", ErrInvalidState
	}
	return userID, nil
}
