// Package config loads daemon configuration and account credentials.
// Credentials never touch the corpus: they come from the environment
// (optionally seeded from a .env file), while behavioral settings live
// in config.json under the corpus root.
package config

import (
	"errors"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/rotisserie/eris"

	"github.com/maildeck/maildeck/internal/atomicio"
	"github.com/maildeck/maildeck/internal/model"
	"github.com/maildeck/maildeck/internal/paths"
)

// Environment variables carrying the Gmail credentials.
const (
	EnvEmail       = "MAILDECK_EMAIL"
	EnvAppPassword = "MAILDECK_APP_PASSWORD"
)

// Credentials authenticate one Gmail account over IMAP and SMTP.
type Credentials struct {
	Email       string
	AppPassword string
}

// LoadCredentials reads credentials from the environment, after loading
// a .env file from the working directory if one exists.
func LoadCredentials() (Credentials, error) {
	_ = godotenv.Load()

	c := Credentials{
		Email:       strings.TrimSpace(os.Getenv(EnvEmail)),
		AppPassword: os.Getenv(EnvAppPassword),
	}
	if c.Email == "" {
		return c, eris.Errorf("%s is not set", EnvEmail)
	}
	if !strings.Contains(c.Email, "@") {
		return c, eris.Errorf("%s is not an email address: %q", EnvEmail, c.Email)
	}
	if c.AppPassword == "" {
		return c, eris.Errorf("%s is not set", EnvAppPassword)
	}
	return c, nil
}

// CredentialsFor resolves credentials for a named account. Only the
// account carried by the environment has credentials; other configured
// accounts error until their credentials are supplied.
func CredentialsFor(email string) (Credentials, error) {
	c, err := LoadCredentials()
	if err != nil {
		return c, err
	}
	if !strings.EqualFold(strings.TrimSpace(email), c.Email) {
		return Credentials{}, eris.Errorf("no credentials configured for %s", email)
	}
	return c, nil
}

// Load reads config.json. A missing file yields the defaults with
// review-before-send enabled.
func Load(res paths.Resolver) (model.Config, error) {
	var cfg model.Config
	err := atomicio.ReadJSON(res.ConfigFile(), &cfg)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return model.Config{ReviewBeforeSend: true}, nil
		}
		return cfg, eris.Wrap(err, "load config")
	}
	return cfg, nil
}

// Save persists config.json atomically.
func Save(res paths.Resolver, cfg model.Config) error {
	return atomicio.WriteJSON(res.ConfigFile(), cfg)
}

// EnsureAccount adds the account to the config when missing.
func EnsureAccount(res paths.Resolver, email string) error {
	cfg, err := Load(res)
	if err != nil {
		return err
	}
	for _, a := range cfg.Accounts {
		if strings.EqualFold(a, email) {
			return nil
		}
	}
	cfg.Accounts = append(cfg.Accounts, email)
	return Save(res, cfg)
}
