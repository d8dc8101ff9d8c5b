package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	firebase "firebase.google.com/go/v4"
	firebaseauth "firebase.google.com/go/v4/auth"
	"github.com/golang-jwt/jwt/v5"
)

const defaultVerifyTimeout = 5 * time.Second

type idTokenVerifier interface {
	VerifyIDToken(ctx context.Context, idToken string) (*firebaseauth.Token, error)
}

// FirebaseVerifier implements TokenVerifier for Firebase ID tokens issued to
// the mobile app.
type FirebaseVerifier struct {
	client  idTokenVerifier
	timeout time.Duration
}

// NewFirebaseVerifier builds a verifier on an initialised Firebase app.
func NewFirebaseVerifier(ctx context.Context, app *firebase.App) (*FirebaseVerifier, error) {
	if app == nil {
		return nil, errors.New("firebase app is required")
	}
	client, err := app.Auth(ctx)
	if err != nil {
		return nil, fmt.Errorf("initialise firebase auth client: %w", err)
	}
	return &FirebaseVerifier{client: client, timeout: defaultVerifyTimeout}, nil
}

// Validate verifies the ID token signature, audience and expiry.
func (v *FirebaseVerifier) Validate(tokenString string) (*Claims, error) {
	if v == nil || v.client == nil {
		return nil, errors.New("firebase verifier not initialised")
	}

	ctx, cancel := context.WithTimeout(context.Background(), v.timeout)
	defer cancel()

	token, err := v.client.VerifyIDToken(ctx, tokenString)
	if err != nil {
		return nil, fmt.Errorf("failed to verify id token: %w", err)
	}
	return claimsFromFirebase(token), nil
}

func (v *FirebaseVerifier) Close() error {
	return nil
}

func claimsFromFirebase(token *firebaseauth.Token) *Claims {
	claims := &Claims{
		UserID: token.UID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    token.Issuer,
			Subject:   token.Subject,
			Audience:  jwt.ClaimStrings{token.Audience},
			ExpiresAt: jwt.NewNumericDate(time.Unix(token.Expires, 0)),
			IssuedAt:  jwt.NewNumericDate(time.Unix(token.IssuedAt, 0)),
		},
	}
	if email, ok := token.Claims["email"].(string); ok {
		claims.Email = email
	}
	if verified, ok := token.Claims["email_verified"].(bool); ok {
		claims.EmailVerified = verified
	}
	if name, ok := token.Claims["name"].(string); ok {
		claims.Name = name
	}
	return claims
}
