// Command relay-passwd manages the SQLite credential store used by
// [auth] mode = "sqlite", and prints bcrypt hashes for mode = "static".
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/aeolun/reverb/pkg/auth"
	"github.com/aeolun/reverb/pkg/server"
)

const usage = `usage: relay-passwd [-db path] <command> [args]

commands:
  add <username>      create a user; the secret is read from stdin
  passwd <username>   replace a user's secret; read from stdin
  remove <username>   delete a user
  list                list users
  hash                print a bcrypt hash of the secret on stdin
`

var errUsage = errors.New("invalid arguments")

func main() {
	code, err := run(os.Args[1:], os.Stdin, os.Stdout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "relay-passwd: %v\n", err)
		if errors.Is(err, errUsage) {
			fmt.Fprint(os.Stderr, usage)
		}
	}
	os.Exit(code)
}

func run(args []string, stdin io.Reader, stdout io.Writer) (int, error) {
	fs := flag.NewFlagSet("relay-passwd", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	dbPath := fs.String("db", "~/.reverb/users.db", "Path to the credential database")
	if err := fs.Parse(args); err != nil {
		return 2, fmt.Errorf("%w: %v", errUsage, err)
	}

	rest := fs.Args()
	if len(rest) == 0 {
		return 2, errUsage
	}
	cmd, rest := rest[0], rest[1:]

	if cmd == "hash" {
		secret, err := readSecret(stdin)
		if err != nil {
			return 1, err
		}
		hash, err := auth.HashSecret(secret)
		if err != nil {
			return 1, err
		}
		fmt.Fprintln(stdout, hash)
		return 0, nil
	}

	store, err := openStore(*dbPath)
	if err != nil {
		return 1, err
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch cmd {
	case "add", "passwd":
		if len(rest) != 1 {
			return 2, errUsage
		}
		secret, err := readSecret(stdin)
		if err != nil {
			return 1, err
		}
		if cmd == "add" {
			err = store.AddUser(ctx, rest[0], secret)
		} else {
			err = store.SetSecret(ctx, rest[0], secret)
		}
		if err != nil {
			return 1, err
		}
	case "remove":
		if len(rest) != 1 {
			return 2, errUsage
		}
		if err := store.RemoveUser(ctx, rest[0]); err != nil {
			return 1, err
		}
	case "list":
		users, err := store.ListUsers(ctx)
		if err != nil {
			return 1, err
		}
		tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "USERNAME\tCREATED")
		for _, u := range users {
			fmt.Fprintf(tw, "%s\t%s\n", u.Username, u.CreatedAt.Format(time.RFC3339))
		}
		if err := tw.Flush(); err != nil {
			return 1, err
		}
	default:
		return 2, fmt.Errorf("%w: unknown command %q", errUsage, cmd)
	}
	return 0, nil
}

func openStore(path string) (*auth.Store, error) {
	path, err := server.ExpandHome(path)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}
	return auth.OpenStore(path)
}

// readSecret reads the first line of r.
func readSecret(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read secret: %w", err)
	}
	secret := strings.TrimRight(line, "\r\n")
	if secret == "" {
		return "", errors.New("empty secret")
	}
	return secret, nil
}
