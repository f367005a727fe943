package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/rizome-dev/conductor/pkg/config"
	"github.com/rizome-dev/conductor/pkg/middleware"
	"github.com/spf13/cobra"
)

var (
	tokenUserID string
	tokenName   string
	tokenRoles  []string
	tokenExpiry time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue a signed API token",
	Long: `Issue a JWT signed with the secret from the loaded configuration
(security.authentication.jwt.secret_key or CONDUCTOR_JWT_SECRET_KEY).`,
	RunE: runToken,
}

func init() {
	tokenCmd.Flags().StringVar(&tokenUserID, "user", "", "User id (subject) of the token")
	tokenCmd.Flags().StringVar(&tokenName, "name", "", "Username; defaults to the user id")
	tokenCmd.Flags().StringSliceVar(&tokenRoles, "roles", []string{"operator"}, "Comma separated roles")
	tokenCmd.Flags().DurationVar(&tokenExpiry, "expiry", 0, "Token lifetime; defaults to the configured expiry")
	_ = tokenCmd.MarkFlagRequired("user")
}

func runToken(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if tokenExpiry > 0 {
		cfg.Security.Authentication.JWTConfig.ExpiryDuration = tokenExpiry
	}

	name := tokenName
	if name == "" {
		name = tokenUserID
	}
	roles := make([]string, 0, len(tokenRoles))
	for _, r := range tokenRoles {
		if r = strings.TrimSpace(r); r != "" {
			roles = append(roles, r)
		}
	}

	token, err := middleware.NewAuthService(&cfg.Security).GenerateToken(tokenUserID, name, roles)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}
