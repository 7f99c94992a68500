// Command session mints a session token in the configured store, for use as
// a session_token cookie or an opaque bearer token during development.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/ggoodman/rpc-server-go/identity"
	"github.com/ggoodman/rpc-server-go/internal/config"
	"github.com/ggoodman/rpc-server-go/store"
	"github.com/ggoodman/rpc-server-go/store/redis"
)

func main() {
	envFile := flag.String("env", ".env", "optional dotenv file")
	user := flag.String("user", "", "user id (required)")
	admin := flag.Bool("admin", false, "grant the administrator role")
	revoke := flag.String("revoke", "", "revoke this token instead of minting one")
	flag.Parse()

	if err := run(*envFile, *user, *admin, *revoke); err != nil {
		fmt.Fprintf(os.Stderr, "session: %v\n", err)
		os.Exit(1)
	}
}

func run(envFile, user string, admin bool, revoke string) error {
	cfg, err := config.Load(envFile)
	if err != nil {
		return err
	}
	if cfg.RedisURL == "" {
		return fmt.Errorf("REDIS_URL must be set: in-memory sessions do not outlive this process")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	st, err := redis.Dial(ctx, cfg.RedisURL, cfg.StoreKeyPrefix)
	if err != nil {
		return err
	}
	shared := store.SharedOf(st)
	defer shared.Close()

	sessions := identity.NewSessions(shared, identity.WithSessionTTL(cfg.SessionTTL))

	if revoke != "" {
		return sessions.Revoke(ctx, revoke)
	}
	if user == "" {
		return fmt.Errorf("-user is required")
	}
	role := identity.RoleStandard
	if admin {
		role = identity.RoleAdministrator
	}
	tok, err := sessions.Create(ctx, identity.Identity{UserID: user, Role: role})
	if err != nil {
		return err
	}
	fmt.Println(tok)
	return nil
}
