// Package identity derives the local participant from the session's bearer
// token.
package identity

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"sync"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Jamshidjalolov/chatsync/internal/model"
)

// ErrNoToken is returned before any credential was set.
var ErrNoToken = errors.New("no bearer token")

// Claims is the token payload issued by the course platform.
type Claims struct {
	UserID      int      `json:"user_id"`
	DisplayName string   `json:"name"`
	Roles       []string `json:"roles"`
	jwt.RegisteredClaims
}

// Identity is who the session speaks as.
type Identity struct {
	UserID      int
	DisplayName string
	Roles       []string
	Token       string
}

// Sender returns teacher for teacher or admin roles, user otherwise.
func (i Identity) Sender() model.Sender {
	for _, r := range i.Roles {
		if model.ParseSender(r) == model.SenderTeacher {
			return model.SenderTeacher
		}
	}
	return model.SenderUser
}

// ParticipantKey returns the presence key of this identity.
func (i Identity) ParticipantKey() string {
	return model.ParticipantKey(i.Sender(), i.UserID)
}

// Provider holds the current identity. With a secret, tokens are verified
// (HS256); without one they are only decoded, since the servers verify them.
type Provider struct {
	secret []byte

	mu       sync.RWMutex
	current  Identity
	set      bool
	watchers []func(Identity)
}

// NewProvider creates a provider. secret may be empty.
func NewProvider(secret string) *Provider {
	return &Provider{secret: []byte(secret)}
}

// SetToken parses token and makes it current. Watchers are notified.
func (p *Provider) SetToken(token string) (Identity, error) {
	id, err := p.parse(token)
	if err != nil {
		return Identity{}, err
	}
	p.mu.Lock()
	p.current = id
	p.set = true
	watchers := slices.Clone(p.watchers)
	p.mu.Unlock()

	for _, w := range watchers {
		w(id)
	}
	return id, nil
}

// Current returns the current identity.
func (p *Provider) Current() (Identity, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.set {
		return Identity{}, ErrNoToken
	}
	return p.current, nil
}

// Watch registers fn to run after every credential change.
func (p *Provider) Watch(fn func(Identity)) {
	p.mu.Lock()
	p.watchers = append(p.watchers, fn)
	p.mu.Unlock()
}

func (p *Provider) parse(token string) (Identity, error) {
	if token == "" {
		return Identity{}, ErrNoToken
	}
	claims := &Claims{}
	if len(p.secret) > 0 {
		_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return p.secret, nil
		})
		if err != nil {
			return Identity{}, fmt.Errorf("parse token: %w", err)
		}
	} else if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return Identity{}, fmt.Errorf("decode token: %w", err)
	}

	userID := claims.UserID
	if userID == 0 && claims.Subject != "" {
		n, err := strconv.Atoi(claims.Subject)
		if err != nil {
			return Identity{}, fmt.Errorf("token subject %q is not a user id", claims.Subject)
		}
		userID = n
	}
	if userID == 0 {
		return Identity{}, errors.New("token carries no user id")
	}
	return Identity{
		UserID:      userID,
		DisplayName: claims.DisplayName,
		Roles:       claims.Roles,
		Token:       token,
	}, nil
}
