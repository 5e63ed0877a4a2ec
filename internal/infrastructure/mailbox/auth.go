package mailbox

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"swarmcast/internal/core/domain"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrWrongRoom    = errors.New("token not valid for this room")
)

// RoomClaims is the room-scoped access token payload. A token admits one
// peer to one room for its lifetime.
type RoomClaims struct {
	Room domain.RoomID `json:"room"`
	Peer domain.PeerID `json:"peer"`
	jwt.RegisteredClaims
}

// RoomAuth issues and validates room tokens signed with a shared secret.
type RoomAuth struct {
	secret []byte
	ttl    time.Duration
}

func NewRoomAuth(secret string, ttl time.Duration) *RoomAuth {
	return &RoomAuth{secret: []byte(secret), ttl: ttl}
}

// Enabled reports whether token checks are configured at all.
func (a *RoomAuth) Enabled() bool {
	return len(a.secret) > 0
}

// IssueToken mints a room token for peer.
func (a *RoomAuth) IssueToken(room domain.RoomID, peer domain.PeerID) (string, error) {
	now := time.Now()
	claims := &RoomClaims{
		Room: room,
		Peer: peer,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

// ValidateToken parses and checks a room token, returning its claims.
func (a *RoomAuth) ValidateToken(tokenString string) (*RoomClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &RoomClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return a.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}
	claims, ok := token.Claims.(*RoomClaims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
