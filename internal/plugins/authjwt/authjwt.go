// Package authjwt is an identity provider that stores accounts as
// documents and keeps the session as a signed HS256 token. It exists
// for deployments without an external identity service; everything the
// coordinator sees is the contracts.Identity surface.
package authjwt

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"chatlink/internal/core/contracts"
	"chatlink/internal/core/domain"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// AccountsCollection holds credential documents, keyed by user id.
const AccountsCollection = "accounts"

type accountDoc struct {
	UserID       string `json:"userId"`
	Email        string `json:"email"`
	PasswordHash string `json:"passwordHash"`
}

type Provider struct {
	log       *slog.Logger
	docs      contracts.DocumentStore
	secretKey []byte
	issuer    string
	ttl       time.Duration

	mu    sync.Mutex
	token string
}

func New(log *slog.Logger, docs contracts.DocumentStore, secret string, ttl time.Duration) *Provider {
	return &Provider{
		log:       log,
		docs:      docs,
		secretKey: []byte(secret),
		issuer:    "chatlink",
		ttl:       ttl,
	}
}

// CurrentUser validates the held session token and reports its
// subject. An expired or missing token means no session.
func (p *Provider) CurrentUser(ctx context.Context) (string, bool) {
	p.mu.Lock()
	token := p.token
	p.mu.Unlock()
	if token == "" {
		return "", false
	}
	uid, err := p.validateToken(token)
	if err != nil {
		return "", false
	}
	return uid, true
}

func (p *Provider) CreateAccount(ctx context.Context, email, password string) (string, error) {
	// Email uniqueness is query-before-create, the same benign race as
	// the rest of the system; the backend enforces nothing here.
	existing, err := p.docs.Query(ctx, AccountsCollection, contracts.Eq("email", email))
	if err != nil {
		return "", fmt.Errorf("check email: %w", err)
	}
	if len(existing) > 0 {
		return "", domain.ErrEmailExists
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	uid := uuid.NewString()
	fields, err := contracts.Fields(accountDoc{
		UserID:       uid,
		Email:        email,
		PasswordHash: string(hash),
	})
	if err != nil {
		return "", err
	}
	if err := p.docs.Set(ctx, AccountsCollection, uid, fields); err != nil {
		return "", fmt.Errorf("store account: %w", err)
	}
	if err := p.startSession(uid); err != nil {
		return "", err
	}
	p.log.InfoContext(ctx, "authjwt - create account - success", "user_id", uid)
	return uid, nil
}

func (p *Provider) SignIn(ctx context.Context, email, password string) (string, error) {
	matches, err := p.docs.Query(ctx, AccountsCollection, contracts.Eq("email", email))
	if err != nil {
		return "", fmt.Errorf("lookup account: %w", err)
	}
	if len(matches) == 0 {
		return "", fmt.Errorf("unknown email")
	}
	var acct accountDoc
	if err := matches[0].Decode(&acct); err != nil {
		return "", err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(acct.PasswordHash), []byte(password)); err != nil {
		return "", fmt.Errorf("wrong password")
	}
	if err := p.startSession(acct.UserID); err != nil {
		return "", err
	}
	p.log.InfoContext(ctx, "authjwt - sign in - success", "user_id", acct.UserID)
	return acct.UserID, nil
}

func (p *Provider) SignOut(ctx context.Context) error {
	p.mu.Lock()
	p.token = ""
	p.mu.Unlock()
	return nil
}

func (p *Provider) startSession(uid string) error {
	token, err := p.generateToken(uid)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.token = token
	p.mu.Unlock()
	return nil
}

func (p *Provider) generateToken(uid string) (string, error) {
	claims := jwt.MapClaims{
		"sub": uid,
		"iat": time.Now().Unix(),
		"exp": time.Now().Add(p.ttl).Unix(),
		"iss": p.issuer,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(p.secretKey)
}

func (p *Provider) validateToken(tokenStr string) (string, error) {
	token, err := jwt.Parse(tokenStr, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return p.secretKey, nil
	})
	if err != nil || !token.Valid {
		return "", fmt.Errorf("invalid token")
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", fmt.Errorf("invalid claims")
	}
	uid, ok := claims["sub"].(string)
	if !ok {
		return "", fmt.Errorf("subject not found in token")
	}
	return uid, nil
}
