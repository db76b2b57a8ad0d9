// Package main provides a development seeding tool for the IAM core. It
// constructs a representative SeedDocument (organization, identities, roles,
// an access policy, an authentication policy) and applies it through the Orchestrator,
// exercising the same Init path the demonstration server uses.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/radek-zitek-cloud/iam-core/internal/config"
	"github.com/radek-zitek-cloud/iam-core/internal/models"
	"github.com/radek-zitek-cloud/iam-core/internal/orchestrator"
	"github.com/radek-zitek-cloud/iam-core/internal/token"
	"github.com/radek-zitek-cloud/iam-core/pkg/clock"
	"github.com/radek-zitek-cloud/iam-core/pkg/logger"
)

func main() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if cfg.App.Environment == "production" {
		fmt.Println("Seeding is not allowed in production environment")
		os.Exit(1)
	}

	log, err := logger.New(&cfg.Logger)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	log.Info("Starting IAM core seeding...", logger.String("environment", cfg.App.Environment))

	orch := orchestrator.New(
		clock.NewSystem(),
		log,
		nil, // no Redis connection needed for seeding
		nil, // no archival sink needed for seeding
		cfg.Auth.DecisionCacheTTL,
		int64(cfg.Session.DefaultTTL.Seconds()),
		cfg.Session.MaxConcurrent,
		cfg.Auth.BCryptCost,
		token.SigningConfig{
			Issuer:         cfg.Auth.Issuer,
			KeyID:          "iam-core-seed",
			AccessTokenTTL: cfg.Auth.AccessTokenTTL,
		},
	)

	seed := buildSampleSeed()
	if err := orch.Init(ctx, seed); err != nil {
		log.Error(ctx, "Seeding failed", err)
		os.Exit(1)
	}

	if err := createSamplePasswords(ctx, orch); err != nil {
		log.Error(ctx, "Failed to set sample passwords", err)
		os.Exit(1)
	}

	log.Info("IAM core seeding completed successfully",
		logger.Int("identities", len(seed.Identities)),
		logger.Int("roles", len(seed.Roles)),
		logger.Int("access_policies", len(seed.AccessPolicies)),
	)
}

// buildSampleSeed constructs a representative development dataset: one
// organization, three identities (admin, auditor, owner), matching roles,
// a wildcard admin access policy, and a default password authentication
// policy.
func buildSampleSeed() *orchestrator.SeedDocument {
	org := models.Organization{
		Name:   "Sample Financial Services Inc.",
		Domain: "samplefinance.com",
		Active: true,
	}

	adminRole := models.Role{Name: "admin", Description: "Full administrative access"}
	auditorRole := models.Role{Name: "auditor", Description: "Read-only audit access"}
	ownerRole := models.Role{Name: "owner", Description: "Control ownership access"}

	identities := []models.Identity{
		{Type: models.IdentityTypeUser, Username: "admin", Email: "admin@samplefinance.com", DisplayName: "John Admin"},
		{Type: models.IdentityTypeUser, Username: "auditor", Email: "auditor@samplefinance.com", DisplayName: "Jane Auditor"},
		{Type: models.IdentityTypeUser, Username: "owner", Email: "owner@samplefinance.com", DisplayName: "Mike Owner"},
	}

	adminPolicy := models.AccessPolicy{
		Name:      "admin-full-access",
		Effect:    models.EffectAllow,
		Subjects:  []models.SubjectSelector{{Type: models.SubjectAny}},
		Resources: []models.ResourceSelector{{Identifier: "*"}},
		Actions:   []string{"*"},
		Priority:  100,
		Enabled:   true,
	}

	authPolicy := models.AuthPolicy{
		Name:                   "default-password-policy",
		AllowedMethods:         []models.AuthMethod{models.MethodPassword, models.MethodMFA},
		MaxFailedAttempts:      5,
		LockoutDurationMinutes: 30,
		Priority:               1,
		Enabled:                true,
	}

	return &orchestrator.SeedDocument{
		Organizations:  []models.Organization{org},
		Identities:     identities,
		Roles:          []models.Role{adminRole, auditorRole, ownerRole},
		AccessPolicies: []models.AccessPolicy{adminPolicy},
		AuthPolicies:   []models.AuthPolicy{authPolicy},
	}
}

// createSamplePasswords looks the seeded identities up by username and sets
// a placeholder development password for each.
func createSamplePasswords(ctx context.Context, orch *orchestrator.Orchestrator) error {
	for _, username := range []string{"admin", "auditor", "owner"} {
		idy, found := orch.Identity.FindByUsernameOrEmail(ctx, username)
		if !found {
			return fmt.Errorf("seeded identity %q not found after creation", username)
		}
		if err := orch.Credential.SetPassword(ctx, idy.ID, "ChangeMe123!", nil); err != nil {
			return fmt.Errorf("set password for %q: %w", username, err)
		}
	}
	return nil
}
