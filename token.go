package xbridge

import (
	"time"

	"golang.org/x/oauth2"
)

// expirySkew is subtracted from the provider expiry so a token is treated as
// expired slightly before the provider would reject it.
const expirySkew = time.Minute

// TokenSet is the opaque credential material issued by the identity provider.
// It round-trips through the config store unmodified except for IssuedAt,
// which is stamped locally when the set is obtained.
type TokenSet struct {
	TokenType    string    `json:"token_type"`
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	ExpiresIn    int       `json:"expires_in"`
	IssuedAt     time.Time `json:"issued_at"`
	Scope        string    `json:"scope,omitempty"`
}

func (t TokenSet) Valid() bool {
	return t.AccessToken != ""
}

// Renewable reports whether the set can be exchanged for a fresh one. A set
// without a refresh token is a dead end once its access token expires.
func (t TokenSet) Renewable() bool {
	return t.RefreshToken != ""
}

func (t TokenSet) ExpiresAt() time.Time {
	return t.IssuedAt.Add(time.Duration(t.ExpiresIn) * time.Second)
}

func (t TokenSet) Expired(now time.Time) bool {
	return !now.Before(t.ExpiresAt().Add(-expirySkew))
}

func tokenSetFromOAuth2(tok *oauth2.Token, issuedAt time.Time) TokenSet {
	set := TokenSet{
		TokenType:    tok.TokenType,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		IssuedAt:     issuedAt,
	}
	if !tok.Expiry.IsZero() {
		set.ExpiresIn = int(tok.Expiry.Sub(issuedAt) / time.Second)
	}
	if scope, ok := tok.Extra("scope").(string); ok {
		set.Scope = scope
	}
	return set
}
