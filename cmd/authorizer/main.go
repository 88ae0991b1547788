// Package main is the entry point for the authorizer.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
)

// Version information (set at build time).
var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

// cliFlags holds command line flags.
type cliFlags struct {
	configPath  string
	logLevel    string
	logFormat   string
	showVersion bool

	mintToken bool
	subject   string
	email     string
	roles     []string
}

func main() {
	flags, err := parseFlags(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(2)
	}

	if flags.showVersion {
		printVersion(os.Stdout)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if flags.mintToken {
		err = runMint(ctx, flags, os.Stdout)
	} else {
		err = run(ctx, flags)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "authorizer: %v\n", err)
		os.Exit(1)
	}
}

// parseFlags parses command line flags. Unset flags fall back to AUTHZ_*
// environment variables.
func parseFlags(args []string) (cliFlags, error) {
	fs := flag.NewFlagSet("authorizer", flag.ContinueOnError)

	configPath := fs.String("config", getEnvOrDefault("AUTHZ_CONFIG_PATH", "configs/authorizer.yaml"),
		"Path to configuration file")
	logLevel := fs.String("log-level", getEnvOrDefault("AUTHZ_LOG_LEVEL", ""),
		"Log level override (debug, info, warn, error)")
	logFormat := fs.String("log-format", getEnvOrDefault("AUTHZ_LOG_FORMAT", ""),
		"Log format override (json, console)")
	showVersion := fs.Bool("version", false, "Show version information")

	mintToken := fs.Bool("mint-token", false, "Print a signed internal token and exit")
	subject := fs.String("sub", "", "Subject of the minted token")
	email := fs.String("email", "", "Email of the minted token")
	roles := fs.String("roles", "", "Comma separated roles of the minted token")

	if err := fs.Parse(args); err != nil {
		return cliFlags{}, err
	}

	f := cliFlags{
		configPath:  *configPath,
		logLevel:    *logLevel,
		logFormat:   *logFormat,
		showVersion: *showVersion,
		mintToken:   *mintToken,
		subject:     *subject,
		email:       *email,
		roles:       splitList(*roles),
	}
	if f.mintToken && (f.subject == "" || f.email == "") {
		return cliFlags{}, errors.New("-mint-token requires -sub and -email")
	}
	return f, nil
}

// printVersion prints version information.
func printVersion(w io.Writer) {
	fmt.Fprintf(w, "avauthz version %s\n", version)
	fmt.Fprintf(w, "  Build time: %s\n", buildTime)
	fmt.Fprintf(w, "  Git commit: %s\n", gitCommit)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// getEnvOrDefault returns the environment variable value or a default.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
