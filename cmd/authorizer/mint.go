package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/vyrodovalexey/avauthz/internal/authorizer"
	"github.com/vyrodovalexey/avauthz/internal/config"
	"github.com/vyrodovalexey/avauthz/internal/observability"
)

// runMint prints one signed internal token for the flagged identity.
func runMint(ctx context.Context, flags cliFlags, out io.Writer) error {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	if !cfg.Identity.Internal.Enabled() {
		return errors.New("no internal token secret configured")
	}

	p, err := authorizer.Build(ctx, cfg, authorizer.Deps{Logger: observability.NopLogger()})
	if err != nil {
		return fmt.Errorf("build signer: %w", err)
	}
	defer func() { _ = p.Close() }()

	token, err := p.Signer().Mint(flags.subject, flags.email, flags.roles, nil)
	if err != nil {
		return fmt.Errorf("mint token: %w", err)
	}
	_, err = fmt.Fprintln(out, token)
	return err
}
