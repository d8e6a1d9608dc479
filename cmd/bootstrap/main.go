// Command bootstrap seeds a fresh metadata store: role templates and
// the initial global admin. Run once against an empty database.
package main

import (
	"context"
	"flag"
	"log"
	"time"

	"github.com/platformbuilds/querygate-core/internal/apperrors"
	"github.com/platformbuilds/querygate-core/internal/auth"
	"github.com/platformbuilds/querygate-core/internal/config"
	"github.com/platformbuilds/querygate-core/internal/rbac"
	"github.com/platformbuilds/querygate-core/internal/store"
	"github.com/platformbuilds/querygate-core/pkg/logger"
)

func main() {
	var (
		username = flag.String("username", "admin", "global admin username")
		email    = flag.String("email", "", "global admin email")
		password = flag.String("password", "", "global admin password")
	)
	flag.Parse()

	if *email == "" || *password == "" {
		log.Fatal("both -email and -password are required")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}
	if cfg.Metadata.DSN == "" {
		log.Fatal("metadata.dsn must be configured")
	}

	logg := logger.New(cfg.LogLevel)
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	hasher, err := auth.NewPasswordHasher(cfg.Auth.PBKDF2Iterations)
	if err != nil {
		logg.Fatal("bad hasher configuration", "error", err)
	}
	st, err := store.NewPostgres(ctx, cfg.Metadata, hasher, logg)
	if err != nil {
		logg.Fatal("failed to connect metadata store", "error", err)
	}
	defer st.Close()

	for _, t := range rbac.SeededTemplates() {
		if err := st.PutRoleTemplate(ctx, t); err != nil {
			logg.Fatal("failed to seed role template", "role", t.Name, "error", err)
		}
		logg.Info("role template seeded", "role", t.Name)
	}

	user, err := st.CreateUser(ctx, store.NewUser{
		Username:      *username,
		Email:         *email,
		Password:      *password,
		FullName:      "Global Administrator",
		IsGlobalAdmin: true,
	})
	if err != nil {
		if apperrors.Is(err, apperrors.KindDuplicateIdentifier) {
			logg.Info("admin user already exists, leaving it untouched", "username", *username)
			return
		}
		logg.Fatal("failed to create admin user", "error", err)
	}

	logg.Info("bootstrap complete", "user_id", user.ID, "username", user.Username)
}
