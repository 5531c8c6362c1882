// Package credentials sources the secrets a harvest needs: the mutual TLS
// identity and client credentials for the workers API, and the coordinates
// of the staging database. Secrets are sourced at the start of every run
// and never persisted.
package credentials

import (
	"context"
	"crypto/tls"
	"encoding/pem"
	"fmt"
	"net/url"
	"strings"

	"github.com/Sternrassler/workforce-harvester/pkg/client"
)

// Source resolves individual secrets.
type Source interface {
	Certificate(ctx context.Context) (string, error)
	PrivateKey(ctx context.Context) (string, error)
	ClientID(ctx context.Context) (string, error)
	ClientSecret(ctx context.Context) (string, error)
	ServiceUser(ctx context.Context) (string, error)
	ServicePassword(ctx context.Context) (string, error)
	DatabaseCoordinates(ctx context.Context) (Database, error)
}

// Credentials is the workers API identity.
type Credentials struct {
	Certificate  string `json:"-"`
	PrivateKey   string `json:"-"`
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"-"`
}

// Database holds the staging database coordinates.
type Database struct {
	Host     string `json:"host"`
	Port     string `json:"port"`
	Name     string `json:"name"`
	User     string `json:"user"`
	Password string `json:"-"`
	SSLMode  string `json:"sslmode,omitempty"`
}

// Bundle is everything a run sources up front.
type Bundle struct {
	API      Credentials `json:"api"`
	Database Database    `json:"database"`
}

// Load resolves every secret from src. Any failure is an auth failure.
func Load(ctx context.Context, src Source) (Bundle, error) {
	var b Bundle
	steps := []struct {
		name string
		dst  *string
		get  func(context.Context) (string, error)
	}{
		{"certificate", &b.API.Certificate, src.Certificate},
		{"private key", &b.API.PrivateKey, src.PrivateKey},
		{"client id", &b.API.ClientID, src.ClientID},
		{"client secret", &b.API.ClientSecret, src.ClientSecret},
	}
	for _, s := range steps {
		v, err := s.get(ctx)
		if err != nil {
			return Bundle{}, fmt.Errorf("%w: %s: %w", client.ErrAuthFailure, s.name, err)
		}
		*s.dst = v
	}

	db, err := src.DatabaseCoordinates(ctx)
	if err != nil {
		return Bundle{}, fmt.Errorf("%w: database coordinates: %w", client.ErrAuthFailure, err)
	}
	if db.User == "" {
		if db.User, err = src.ServiceUser(ctx); err != nil {
			return Bundle{}, fmt.Errorf("%w: service user: %w", client.ErrAuthFailure, err)
		}
	}
	if db.Password == "" {
		if db.Password, err = src.ServicePassword(ctx); err != nil {
			return Bundle{}, fmt.Errorf("%w: service password: %w", client.ErrAuthFailure, err)
		}
	}
	b.Database = db

	return b, nil
}

// TLSCertificate materializes the client certificate. A certificate that is
// not PEM encoded is treated as raw DER and wrapped first.
func (c Credentials) TLSCertificate() (tls.Certificate, error) {
	if c.Certificate == "" || c.PrivateKey == "" {
		return tls.Certificate{}, fmt.Errorf("%w: certificate and private key are required", client.ErrAuthFailure)
	}

	cert, err := client.LoadCertificate(ToPEM(c.Certificate, "CERTIFICATE"), []byte(c.PrivateKey))
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("%w: %w", client.ErrAuthFailure, err)
	}
	return cert, nil
}

// ToPEM returns data unchanged when it already holds a PEM block, otherwise
// wraps the raw bytes in a block of the given type.
func ToPEM(data, blockType string) []byte {
	if strings.Contains(data, "-----BEGIN ") {
		return []byte(data)
	}
	return pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: []byte(data)})
}

// DSN returns a postgres connection string.
func (d Database) DSN() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(d.User, d.Password),
		Host:   d.Host,
		Path:   "/" + d.Name,
	}
	if d.Port != "" {
		u.Host = d.Host + ":" + d.Port
	}
	sslmode := d.SSLMode
	if sslmode == "" {
		sslmode = "require"
	}
	u.RawQuery = url.Values{"sslmode": {sslmode}}.Encode()
	return u.String()
}
