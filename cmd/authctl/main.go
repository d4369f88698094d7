// Command authctl signs in to an erp-auth server and keeps the session and
// active tenant on disk between invocations.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"erpcore.dev/internal/client"
	"erpcore.dev/internal/config"
	"erpcore.dev/internal/obs"
)

const usage = `usage: authctl [-server URL] [-state DIR] <command> [args]

commands:
  login <identifier>   sign in; the secret is read from ERP_AUTH_SECRET or stdin
  whoami               show the signed-in user and active tenant
  tenants              list memberships
  use [-primary] <tenant>
                       switch the active tenant by id or code
  permissions          list permissions in the active tenant
  logout               revoke the session and forget local state
`

func main() {
	server := flag.String("server", envOr("ERP_AUTH_SERVER", "http://localhost:8080"), "Auth server base URL")
	state := flag.String("state", envOr("ERP_AUTH_STATE_DIR", defaultStateDir()), "Directory for session state")
	verbose := flag.Bool("v", false, "Log client events to stderr")
	flag.Usage = func() { fmt.Fprint(flag.CommandLine.Output(), usage) }
	flag.Parse()
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	level := "error"
	if *verbose {
		level = "debug"
	}
	logger := obs.NewLogger(config.LoggingConfig{Level: level, Format: "text", Output: "stderr"}, obs.Version)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	api, err := client.NewHTTPClient(*server, nil)
	if err != nil {
		fatal(err)
	}
	records, err := client.NewFileStore(*state)
	if err != nil {
		fatal(err)
	}
	app := newApp(api, records, logger, os.Stdout)
	app.secret = func() (string, error) { return readSecret(os.Stdin) }
	if err := app.start(ctx); err != nil {
		fatal(err)
	}
	if err := app.run(ctx, flag.Args()); err != nil {
		if errors.Is(err, errUsage) {
			flag.Usage()
			os.Exit(2)
		}
		fatal(err)
	}
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "authctl:", err)
	os.Exit(1)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func defaultStateDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ".erp-auth"
	}
	return filepath.Join(dir, "erp-auth")
}

func readSecret(r io.Reader) (string, error) {
	if v := os.Getenv("ERP_AUTH_SECRET"); v != "" {
		return v, nil
	}
	fmt.Fprint(os.Stderr, "secret: ")
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}
