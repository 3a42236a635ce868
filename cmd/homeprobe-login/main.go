// homeprobe-login performs the interactive logins the exporter itself must
// never do: anything with a password prompt or a second factor. It writes
// the resulting token into the cache file, where a running exporter picks
// it up without a restart.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"golang.org/x/term"

	"github.com/homeprobe/homeprobe/internal/config"
	"github.com/homeprobe/homeprobe/internal/driver"
	"github.com/homeprobe/homeprobe/internal/token"
)

type terminalPrompter struct {
	in *bufio.Reader
}

func (p *terminalPrompter) Line(label string) (string, error) {
	fmt.Fprintf(os.Stderr, "%s: ", label)
	line, err := p.in.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("read %s: %w", label, err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func (p *terminalPrompter) Password(label string) (string, error) {
	fmt.Fprintf(os.Stderr, "%s: ", label)
	secret, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", label, err)
	}
	return string(secret), nil
}

func main() {
	configPath := flag.String("config", "homeprobe.yaml", "path to config file")
	module := flag.String("module", "", "module to log in to")
	account := flag.String("account", "", "account identifier (email for cloud backends)")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	if *module == "" || *account == "" {
		fmt.Fprintln(os.Stderr, "usage: homeprobe-login -module <name> -account <id> [-config <path>]")
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}
	mc, ok := cfg.Modules[*module]
	if !ok {
		slog.Error("module not configured", "module", *module)
		os.Exit(1)
	}

	tokens, err := token.Open(cfg.TokenCache)
	if err != nil {
		slog.Error("failed to open token cache", "path", cfg.TokenCache, "err", err)
		os.Exit(1)
	}

	prompt := &terminalPrompter{in: bufio.NewReader(os.Stdin)}
	tok, err := driver.Login(context.Background(), *module, mc, *account, prompt)
	if err != nil {
		slog.Error("login failed", "module", *module, "account", *account, "err", err)
		os.Exit(1)
	}

	if err := tokens.Put(*account, tok); err != nil {
		slog.Error("failed to persist token", "err", err)
		os.Exit(1)
	}
	slog.Info("token cached", "module", *module, "account", *account, "cache", cfg.TokenCache)
}
