package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/triage-ai/bastion/internal/auth"
)

var hashKeyCmd = &cobra.Command{
	Use:   "hash-key [api-key]",
	Short: "Generate an API key or hash an existing one for auth.api_key_hashes",
	Long: `Print the bcrypt hash of an API key for the auth.api_key_hashes list.
Without an argument a new random key is generated and printed once.

  bastion hash-key
  bastion hash-key bst_...`,
	Args: cobra.MaximumNArgs(1),
	RunE: hashKeyCommand,
}

func init() {
	rootCmd.AddCommand(hashKeyCmd)
}

func hashKeyCommand(cmd *cobra.Command, args []string) error {
	var key string
	if len(args) == 1 {
		key = strings.TrimSpace(args[0])
		if !strings.HasPrefix(key, auth.KeyPrefix) {
			return fmt.Errorf("api keys must start with %q", auth.KeyPrefix)
		}
	} else {
		var err error
		key, err = auth.GenerateKey()
		if err != nil {
			return err
		}
	}

	hash, err := auth.HashKey(key)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(args) == 0 {
		fmt.Fprintf(out, "key:  %s\n", key)
	}
	fmt.Fprintf(out, "hash: %s\n", hash)
	return nil
}
