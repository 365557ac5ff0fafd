package main

import (
	"fmt"

	"github.com/npezzotti/pairchat/internal/auth"
	"github.com/npezzotti/pairchat/internal/config"
	"github.com/spf13/cobra"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Print a relay token for a user",
	RunE:  runToken,
}

func init() {
	tokenCmd.Flags().String("user", "", "id of the user the token names")
	tokenCmd.Flags().Duration("expiry", auth.DefaultExpiry, "token lifetime")
}

func runToken(cmd *cobra.Command, args []string) error {
	cfg, err := config.NewClientConfig(v)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	expiry, _ := cmd.Flags().GetDuration("expiry")
	token, err := auth.NewSigner(cfg.SigningKey, expiry).Sign(cfg.UserId)
	if err != nil {
		return err
	}

	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}
