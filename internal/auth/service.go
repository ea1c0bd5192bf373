// Package auth issues and validates account credentials: bcrypt password
// hashes at rest, HS256 JWTs on the wire.
package auth

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"

	"github.com/pixelforge/backend/internal/ledger"
	"github.com/pixelforge/backend/internal/models"
)

// ErrDuplicateEmail is returned when registering with an email that already exists.
var ErrDuplicateEmail = errors.New("email already registered")

// ErrInvalidCredentials covers both unknown email and wrong password, so a
// login response never reveals which one it was.
var ErrInvalidCredentials = errors.New("invalid credentials")

// AccountStore is the account persistence auth needs.
type AccountStore interface {
	Create(ctx context.Context, a *models.Account) error
	GetByEmail(ctx context.Context, email string) (*models.Account, error)
	GetByID(ctx context.Context, id uuid.UUID) (*models.Account, error)
}

type Service interface {
	Register(ctx context.Context, email, password, displayName string) (*models.Account, error)
	Login(ctx context.Context, email, password string) (string, error)
	ValidateToken(ctx context.Context, token string) (uuid.UUID, error)
	AccountByID(ctx context.Context, id uuid.UUID) (*models.Account, error)
}

type service struct {
	accounts    AccountStore
	ledger      ledger.Service
	secret      []byte
	signupBonus decimal.Decimal
	freeModeDef bool
	log         *slog.Logger
}

func NewService(accounts AccountStore, ledgerSvc ledger.Service, secret string, signupBonus decimal.Decimal, adminFreeModeDefault bool, log *slog.Logger) Service {
	if log == nil {
		log = slog.Default()
	}
	return &service{
		accounts:    accounts,
		ledger:      ledgerSvc,
		secret:      []byte(secret),
		signupBonus: signupBonus,
		freeModeDef: adminFreeModeDefault,
		log:         log,
	}
}

var _ Service = (*service)(nil)

type claims struct {
	jwt.RegisteredClaims
}

// Register creates the account and grants the one-time signup bonus. The
// bonus posts through the ledger with a per-account idempotency key, so a
// retried registration request cannot grant it twice.
func (s *service) Register(ctx context.Context, email, password, displayName string) (*models.Account, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}
	acc := &models.Account{
		ID:            uuid.New(),
		Email:         email,
		DisplayName:   displayName,
		PasswordHash:  string(hash),
		Balance:       decimal.Zero,
		AdminFreeMode: s.freeModeDef,
	}
	if err := s.accounts.Create(ctx, acc); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, ErrDuplicateEmail
		}
		return nil, err
	}
	applied, err := s.ledger.GrantSignupBonus(ctx, acc.ID, s.signupBonus)
	if err != nil {
		s.log.Error("grant signup bonus", "account_id", acc.ID, "error", err)
	} else if applied {
		acc.Balance = s.signupBonus
	}
	return acc, nil
}

func (s *service) Login(ctx context.Context, email, password string) (string, error) {
	acc, err := s.accounts.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrInvalidCredentials
		}
		return "", err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(acc.PasswordHash), []byte(password)); err != nil {
		return "", ErrInvalidCredentials
	}
	return s.issueToken(acc.ID)
}

func (s *service) issueToken(accountID uuid.UUID) (string, error) {
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   accountID.String(),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(24 * time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	return tok.SignedString(s.secret)
}

func (s *service) ValidateToken(_ context.Context, token string) (uuid.UUID, error) {
	tok, err := jwt.ParseWithClaims(token, &claims{}, func(t *jwt.Token) (interface{}, error) {
		return s.secret, nil
	})
	if err != nil {
		return uuid.Nil, err
	}
	c, ok := tok.Claims.(*claims)
	if !ok || !tok.Valid {
		return uuid.Nil, errors.New("invalid token")
	}
	return uuid.Parse(c.Subject)
}

func (s *service) AccountByID(ctx context.Context, id uuid.UUID) (*models.Account, error) {
	return s.accounts.GetByID(ctx, id)
}
