package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/bytedance/sonic"
	"github.com/golang-jwt/jwt/v4"
	"github.com/spf13/cobra"
)

func tokenCmd() *cobra.Command {
	var (
		count  int
		prefix string
		start  int
		ttl    time.Duration
		output string
	)
	cmd := &cobra.Command{
		Use:   "token [subject]",
		Short: "Mint HS256 tokens for LOCAL_AUTH_MODE=hs256",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := os.Getenv("LOCAL_AUTH_SHARED_SECRET")
			if secret == "" {
				return errors.New("LOCAL_AUTH_SHARED_SECRET must be set")
			}
			if count < 1 || start < 1 {
				return errors.New("count and start must be at least 1")
			}
			if len(args) > 0 && count > 1 {
				return errors.New("explicit subject cannot be combined with --count")
			}

			tokens, err := mintTokens([]byte(secret), subjects(count, prefix, start, args), ttl)
			if err != nil {
				return err
			}
			if output != "" {
				if err := writeTokens(output, tokens); err != nil {
					return fmt.Errorf("write tokens: %w", err)
				}
			}
			fmt.Fprintln(cmd.OutOrStdout(), tokens[0])
			return nil
		},
	}
	cmd.Flags().IntVar(&count, "count", 1, "number of tokens to mint")
	cmd.Flags().StringVar(&prefix, "prefix", "local-user", "subject prefix when minting several tokens")
	cmd.Flags().IntVar(&start, "start", 1, "first subject index when minting several tokens")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	cmd.Flags().StringVar(&output, "output", "", "also write all tokens to this file as a JSON array")
	return cmd
}

func subjects(count int, prefix string, start int, args []string) []string {
	if len(args) > 0 {
		return []string{args[0]}
	}
	if count == 1 {
		return []string{prefix}
	}
	out := make([]string, count)
	for i := range out {
		out[i] = fmt.Sprintf("%s-%d", prefix, start+i)
	}
	return out
}

func mintTokens(secret []byte, subs []string, ttl time.Duration) ([]string, error) {
	tokens := make([]string, len(subs))
	for i, sub := range subs {
		tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
			"sub": sub,
			"exp": time.Now().Add(ttl).Unix(),
		}).SignedString(secret)
		if err != nil {
			return nil, err
		}
		tokens[i] = tok
	}
	return tokens, nil
}

func writeTokens(path string, tokens []string) error {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	data, err := sonic.Marshal(tokens)
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o600)
}
