package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/mail"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	apperrors "supportchat/internal/errors"
	"supportchat/internal/models"
)

// Accounts handles the user lifecycle on top of the token service.
type Accounts struct {
	db     *sql.DB
	tokens *Service
}

// NewAccounts builds an account service sharing the token service's database.
func NewAccounts(db *sql.DB, tokens *Service) *Accounts {
	return &Accounts{db: db, tokens: tokens}
}

// Register creates a user with the supplied credentials.
func (a *Accounts) Register(ctx context.Context, email, password string) (*models.User, error) {
	email = normalizeEmail(email)
	if email == "" || strings.TrimSpace(password) == "" {
		return nil, errors.New("email and password are required")
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return nil, errors.New("invalid email address")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	now := time.Now().UTC()
	res, err := a.db.ExecContext(ctx,
		`INSERT INTO users (email, password_hash, created_at) VALUES (?, ?, ?)`,
		email, string(hash), now,
	)
	if err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("user id: %w", err)
	}
	return &models.User{ID: id, Email: email, PasswordHash: string(hash), CreatedAt: now}, nil
}

// SignIn validates credentials and issues a session token. Every failure is reported as the
// same generic authentication error.
func (a *Accounts) SignIn(ctx context.Context, email, password string) (models.Identity, string, error) {
	email = normalizeEmail(email)
	if email == "" || password == "" {
		return models.Anonymous(), "", apperrors.NewAuthError(errors.New("missing credentials"))
	}
	var user models.User
	err := a.db.QueryRowContext(ctx,
		`SELECT id, email, password_hash, created_at FROM users WHERE email = ?`, email,
	).Scan(&user.ID, &user.Email, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		return models.Anonymous(), "", apperrors.NewAuthError(err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return models.Anonymous(), "", apperrors.NewAuthError(err)
	}
	token, err := a.tokens.IssueToken(ctx, user.ID)
	if err != nil {
		return models.Anonymous(), "", apperrors.NewAuthError(err)
	}
	return identityOf(user), token, nil
}

// SignOut revokes the session token.
func (a *Accounts) SignOut(ctx context.Context, token string) error {
	return a.tokens.RevokeToken(ctx, token)
}

// Resolve maps a token to the identity it belongs to. An empty or invalid token is anonymous.
func (a *Accounts) Resolve(ctx context.Context, token string) models.Identity {
	if token == "" {
		return models.Anonymous()
	}
	userID, err := a.tokens.ValidateToken(ctx, token)
	if err != nil {
		return models.Anonymous()
	}
	user, err := a.User(ctx, userID)
	if err != nil {
		return models.Anonymous()
	}
	return identityOf(*user)
}

// User loads the account record.
func (a *Accounts) User(ctx context.Context, id int64) (*models.User, error) {
	var user models.User
	err := a.db.QueryRowContext(ctx,
		`SELECT id, email, password_hash, created_at FROM users WHERE id = ?`, id,
	).Scan(&user.ID, &user.Email, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.New("user not found")
		}
		return nil, fmt.Errorf("query user: %w", err)
	}
	return &user, nil
}

// DeleteUser removes a user and cascaded tokens.
func (a *Accounts) DeleteUser(ctx context.Context, id int64) error {
	if id <= 0 {
		return errors.New("invalid user id")
	}
	if err := a.tokens.RevokeUserTokens(ctx, id); err != nil {
		return err
	}
	res, err := a.db.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func identityOf(user models.User) models.Identity {
	return models.Identity{UserID: strconv.FormatInt(user.ID, 10), Email: user.Email}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
