package main

import (
	"bytes"
	"testing"

	"github.com/clinicore/clinicore/internal/config"
)

func TestJWTConfigFrom(t *testing.T) {
	cfg := &config.Config{
		AuthIssuer:    "https://auth.example.com",
		AuthAudience:  "clinicore",
		AuthJWKSURL:   "https://auth.example.com/jwks",
		JWTSigningKey: "dev-secret",
	}

	jc := jwtConfigFrom(cfg)
	if jc.Issuer != cfg.AuthIssuer || jc.Audience != cfg.AuthAudience || jc.JWKSURL != cfg.AuthJWKSURL {
		t.Errorf("issuer/audience/jwks not carried over: %+v", jc)
	}
	if !bytes.Equal(jc.SigningKey, []byte("dev-secret")) {
		t.Errorf("signing key not carried as bytes: %q", jc.SigningKey)
	}
}

func TestJWTConfigFrom_EmptyKey(t *testing.T) {
	jc := jwtConfigFrom(&config.Config{AuthIssuer: "https://auth.example.com"})
	if len(jc.SigningKey) != 0 {
		t.Errorf("expected empty signing key, got %q", jc.SigningKey)
	}
}
