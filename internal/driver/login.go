package driver

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/homeprobe/homeprobe/internal/config"
	"github.com/homeprobe/homeprobe/internal/token"
)

// Prompter supplies interactive input during login. Password must not echo.
type Prompter interface {
	Line(label string) (string, error)
	Password(label string) (string, error)
}

// Login performs the interactive credential exchange for one account and
// returns the token to cache. Backends with a real login flow get one;
// everything else falls back to pasting tokens obtained out of band. The
// exporter itself never calls this; it belongs to homeprobe-login.
func Login(ctx context.Context, module string, mc config.Module, account string, prompt Prompter) (token.Token, error) {
	switch module {
	case "tesla":
		return teslaLogin(ctx, mc, account, prompt)
	default:
		return manualLogin(prompt)
	}
}

func teslaLogin(ctx context.Context, mc config.Module, account string, prompt Prompter) (token.Token, error) {
	password, err := prompt.Password("password")
	if err != nil {
		return token.Token{}, err
	}
	passcode, err := prompt.Line("passcode (empty if none)")
	if err != nil {
		return token.Token{}, err
	}

	base := mc.BaseURL
	if base == "" {
		base = teslaAPI
	}
	form := url.Values{
		"grant_type": []string{"password"},
		"email":      []string{account},
		"password":   []string{password},
	}
	if passcode != "" {
		form.Set("passcode", passcode)
	}
	var resp struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int64  `json:"expires_in"`
	}
	if err := postForm(ctx, newHTTPClient(), base+"/oauth/token", form, &resp); err != nil {
		if errors.Is(err, errStatusUnauthorized) {
			return token.Token{}, fmt.Errorf("login rejected for %q: %w", account, token.ErrAuthFailed)
		}
		return token.Token{}, err
	}
	return token.Token{
		Value:        resp.AccessToken,
		RefreshValue: resp.RefreshToken,
		CreatedAt:    time.Now(),
		TTL:          time.Duration(resp.ExpiresIn) * time.Second,
	}, nil
}

func manualLogin(prompt Prompter) (token.Token, error) {
	access, err := prompt.Line("access token")
	if err != nil {
		return token.Token{}, err
	}
	if strings.TrimSpace(access) == "" {
		return token.Token{}, errors.New("driver: empty access token")
	}
	refresh, err := prompt.Line("refresh token (empty if none)")
	if err != nil {
		return token.Token{}, err
	}
	return token.Token{
		Value:        strings.TrimSpace(access),
		RefreshValue: strings.TrimSpace(refresh),
		CreatedAt:    time.Now(),
	}, nil
}
