package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/spf13/cobra"
)

type issuedToken struct {
	Token     string `json:"token"`
	ExpiresIn int    `json:"expires_in"`
	TokenType string `json:"token_type"`
}

// tokenCmd represents the token command
var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Fetch a JWT from the token server",
	Long: `Request a token for a reader client from the development token server.
Pass the result to --token or export it as JWT_TOKEN.

Example:
  export JWT_TOKEN=$(storyctl token --client-id tablet-1)`,
	RunE: func(cmd *cobra.Command, args []string) error {
		issuerURL, _ := cmd.Flags().GetString("issuer-url")
		clientID, _ := cmd.Flags().GetString("client-id")
		ttl, _ := cmd.Flags().GetInt("ttl")

		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()

		tok, err := fetchToken(ctx, http.DefaultClient, issuerURL, clientID, ttl)
		if err != nil {
			return err
		}
		printOutput(cmd.OutOrStdout(), tok, func(w io.Writer) {
			fmt.Fprintln(w, tok.Token)
		})
		return nil
	},
}

func fetchToken(ctx context.Context, hc *http.Client, issuerURL, clientID string, ttl int) (issuedToken, error) {
	body, err := json.Marshal(map[string]any{"client_id": clientID, "ttl_seconds": ttl})
	if err != nil {
		return issuedToken{}, err
	}
	url := strings.TrimRight(issuerURL, "/") + "/token"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return issuedToken{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := hc.Do(req)
	if err != nil {
		return issuedToken{}, fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return issuedToken{}, fmt.Errorf("token request failed (HTTP %d): %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	var tok issuedToken
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return issuedToken{}, fmt.Errorf("decode token response: %w", err)
	}
	return tok, nil
}

func init() {
	rootCmd.AddCommand(tokenCmd)

	tokenCmd.Flags().String("issuer-url", "http://localhost:8082", "token server base URL")
	tokenCmd.Flags().String("client-id", "", "reader client ID (required)")
	tokenCmd.Flags().Int("ttl", 0, "token lifetime in seconds (0 uses the server default)")
	_ = tokenCmd.MarkFlagRequired("client-id")
}
