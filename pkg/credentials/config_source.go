package credentials

import (
	"context"
	"errors"
	"fmt"
	"os"
)

// ErrMissing indicates a secret that is neither configured inline nor in a file.
var ErrMissing = errors.New("secret not configured")

// ConfigSource serves secrets from configuration. Certificate and key may
// be given inline or as file paths; inline values win.
type ConfigSource struct {
	Cert     string
	CertFile string
	Key      string
	KeyFile  string

	ID              string
	Secret          string
	User            string
	Password        string
	DatabaseDetails Database
}

// Certificate returns the client certificate (PEM or raw DER).
func (s ConfigSource) Certificate(context.Context) (string, error) {
	return inlineOrFile("certificate", s.Cert, s.CertFile)
}

// PrivateKey returns the PEM private key.
func (s ConfigSource) PrivateKey(context.Context) (string, error) {
	return inlineOrFile("private key", s.Key, s.KeyFile)
}

func (s ConfigSource) ClientID(context.Context) (string, error) {
	return required("client id", s.ID)
}

func (s ConfigSource) ClientSecret(context.Context) (string, error) {
	return required("client secret", s.Secret)
}

func (s ConfigSource) ServiceUser(context.Context) (string, error) {
	return required("service user", s.User)
}

func (s ConfigSource) ServicePassword(context.Context) (string, error) {
	return required("service password", s.Password)
}

// DatabaseCoordinates returns host, port and name. User and password are
// filled in by Load from the service account when left empty.
func (s ConfigSource) DatabaseCoordinates(context.Context) (Database, error) {
	if s.DatabaseDetails.Host == "" {
		return Database{}, fmt.Errorf("database host: %w", ErrMissing)
	}
	return s.DatabaseDetails, nil
}

func inlineOrFile(name, inline, path string) (string, error) {
	if inline != "" {
		return inline, nil
	}
	if path == "" {
		return "", fmt.Errorf("%s: %w", name, ErrMissing)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", name, err)
	}
	return string(data), nil
}

func required(name, v string) (string, error) {
	if v == "" {
		return "", fmt.Errorf("%s: %w", name, ErrMissing)
	}
	return v, nil
}
