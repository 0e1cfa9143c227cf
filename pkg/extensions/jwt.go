// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package extensions

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the JWT body accepted by JWTAuthProvider.
type Claims struct {
	Name  string   `json:"name,omitempty"`
	Email string   `json:"email,omitempty"`
	Roles []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// JWTAuthProvider validates HS256 bearer tokens.
//
// The subject claim becomes AuthInfo.UserID. When Issuer is set, tokens
// from any other issuer are rejected.
//
// Thread-safe: immutable after construction.
type JWTAuthProvider struct {
	secret []byte
	issuer string
	leeway time.Duration
}

// NewJWTAuthProvider creates a provider for tokens signed with secret.
func NewJWTAuthProvider(secret, issuer string) *JWTAuthProvider {
	return &JWTAuthProvider{secret: []byte(secret), issuer: issuer, leeway: 30 * time.Second}
}

// Validate implements AuthProvider.
func (p *JWTAuthProvider) Validate(_ context.Context, token string) (*AuthInfo, error) {
	if token == "" {
		return nil, fmt.Errorf("empty token: %w", ErrUnauthorized)
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(p.leeway),
		jwt.WithExpirationRequired(),
	}
	if p.issuer != "" {
		opts = append(opts, jwt.WithIssuer(p.issuer))
	}
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return p.secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("token expired: %w", ErrUnauthorized)
		}
		return nil, fmt.Errorf("invalid token: %v: %w", err, ErrUnauthorized)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("token has no subject: %w", ErrUnauthorized)
	}
	return &AuthInfo{
		UserID: claims.Subject,
		Name:   claims.Name,
		Email:  claims.Email,
		Roles:  claims.Roles,
	}, nil
}

// Issue signs a token for info valid for ttl. Used by the CLI and tests.
func (p *JWTAuthProvider) Issue(info AuthInfo, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Name:  info.Name,
		Email: info.Email,
		Roles: info.Roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   info.UserID,
			Issuer:    p.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(p.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

var _ AuthProvider = (*JWTAuthProvider)(nil)
