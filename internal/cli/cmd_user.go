package cli

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/tunlify/tunlify/internal/auth"
	"github.com/tunlify/tunlify/internal/store/sqlite"
)

func runUserAdmin(ctx context.Context, args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: tunlify user create [flags]")
		return 2
	}
	switch args[0] {
	case "create":
		return runUserCreate(ctx, args[1:])
	default:
		fmt.Fprintln(os.Stderr, "unknown user command:", args[0])
		return 2
	}
}

func runUserCreate(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("user-create", flag.ContinueOnError)
	var dbPath, email, name, pepper string
	fs.StringVar(&dbPath, "db", envOr("TUNLIFY_DB_PATH", "./tunlify.db"), "sqlite db path")
	fs.StringVar(&email, "email", "", "user email (unique)")
	fs.StringVar(&name, "name", "", "display name")
	fs.StringVar(&pepper, "api-key-pepper", envOr("TUNLIFY_API_KEY_PEPPER", ""), "pepper mixed into the stored key hash")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	email = strings.TrimSpace(email)
	name = strings.TrimSpace(name)
	if email == "" {
		fmt.Fprintln(os.Stderr, "user create error: missing --email")
		return 2
	}
	if name == "" {
		fmt.Fprintln(os.Stderr, "user create error: missing --name")
		return 2
	}

	store, err := sqlite.Open(dbPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "db error:", err)
		return 1
	}
	defer store.Close()

	plain, err := auth.GenerateAPIKey()
	if err != nil {
		fmt.Fprintln(os.Stderr, "generate key:", err)
		return 1
	}
	user, err := store.CreateUser(ctx, email, name, auth.HashAPIKey(plain, pepper))
	if err != nil {
		fmt.Fprintln(os.Stderr, "create user:", err)
		return 1
	}
	fmt.Println("id:", user.ID)
	fmt.Println("email:", user.Email)
	fmt.Println("api_key:", plain)
	fmt.Println("the key is stored hashed and cannot be shown again")
	return 0
}
