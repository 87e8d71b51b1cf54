package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/cobra"
)

// devClaims is the token layout development backends accept.
type devClaims struct {
	UserID string `json:"user_id"`
	jwt.RegisteredClaims
}

func init() {
	rootCmd.AddCommand(tokenCmd)
	tokenCmd.Flags().String("user", "", "user id the token is issued for (default auth.user_id)")
	tokenCmd.Flags().String("secret", "", "HMAC signing secret (default auth.secret)")
	tokenCmd.Flags().Duration("ttl", 24*time.Hour, "token lifetime")
	tokenCmd.Flags().Bool("print", false, "print the token instead of saving it")
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Sign a development token and store it",
	Long: "Sign an HS256 token for a development backend that shares the secret.\n" +
		"Production backends issue their own tokens; store those with 'chatstate config set auth.token'.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := readConfigFile()
		if err != nil {
			return err
		}
		user, _ := cmd.Flags().GetString("user")
		secret, _ := cmd.Flags().GetString("secret")
		ttl, _ := cmd.Flags().GetDuration("ttl")
		printOnly, _ := cmd.Flags().GetBool("print")

		user = valueOrDefault(user, cfg.Auth.UserID)
		secret = valueOrDefault(secret, cfg.Auth.Secret)
		if user == "" {
			return errors.New("--user is required")
		}
		if secret == "" {
			return errors.New("--secret is required")
		}

		token, expires, err := signDevToken(user, secret, ttl, time.Now())
		if err != nil {
			return err
		}
		if printOnly {
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		}

		cfg.Auth.Token = token
		cfg.Auth.UserID = user
		cfg.Auth.TokenExpires = expires.Format(time.RFC3339)
		if err := saveConfig(cfg); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Token for %s saved (expires %s)\n", user, cfg.Auth.TokenExpires)
		return nil
	},
}

func signDevToken(userID, secret string, ttl time.Duration, now time.Time) (string, time.Time, error) {
	expires := now.Add(ttl)
	claims := devClaims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return token, expires, nil
}

// tokenExpiry reads the exp claim without verifying the signature; the CLI
// never holds production secrets.
func tokenExpiry(token string) (time.Time, bool) {
	var claims devClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}
