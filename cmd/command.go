package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kilianp07/ocppgw/auth"
)

var (
	apiURL     string
	apiTimeout time.Duration
	apiAuth    auth.Conf
)

var commandCmd = &cobra.Command{
	Use:   "command <station> <action> [payload]",
	Short: "Send an OCPP command to a connected station through the admin API",
	Args:  cobra.RangeArgs(2, 3),
	RunE:  runCommand,
}

var stationsCmd = &cobra.Command{
	Use:   "stations [id]",
	Short: "List known stations or show one",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runStations,
}

func init() {
	for _, c := range []*cobra.Command{commandCmd, stationsCmd} {
		c.Flags().StringVar(&apiURL, "api", "http://localhost:8080", "admin API base URL")
		c.Flags().DurationVar(&apiTimeout, "timeout", 35*time.Second, "request timeout")
		c.Flags().StringVar(&apiAuth.ClientID, "client-id", "", "OAuth2 client id for the admin API")
		c.Flags().StringVar(&apiAuth.ClientSecret, "client-secret", os.Getenv("OCPPGW_CLIENT_SECRET"), "OAuth2 client secret")
		c.Flags().StringVar(&apiAuth.TokenURL, "token-url", "", "OAuth2 token endpoint")
		c.Flags().StringSliceVar(&apiAuth.Scopes, "scope", nil, "OAuth2 scopes")
		rootCmd.AddCommand(c)
	}
}

func runCommand(cmd *cobra.Command, args []string) error {
	payload := "{}"
	if len(args) == 3 {
		payload = args[2]
	}
	if !json.Valid([]byte(payload)) {
		return fmt.Errorf("payload is not valid JSON")
	}
	path := fmt.Sprintf("/api/stations/%s/commands/%s", url.PathEscape(args[0]), url.PathEscape(args[1]))
	return doAPI(cmd, http.MethodPost, path, strings.NewReader(payload))
}

func runStations(cmd *cobra.Command, args []string) error {
	path := "/api/stations"
	if len(args) == 1 {
		path += "/" + url.PathEscape(args[0])
	}
	return doAPI(cmd, http.MethodGet, path, nil)
}

func doAPI(cmd *cobra.Command, method, path string, body io.Reader) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), apiTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimSuffix(apiURL, "/")+path, body)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := auth.NewHTTPClient(ctx, apiAuth).Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	var out bytes.Buffer
	if err := json.Indent(&out, raw, "", "  "); err != nil {
		out.Reset()
		out.Write(raw)
	}
	fmt.Fprintln(cmd.OutOrStdout(), out.String())
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s %s: %s", method, path, resp.Status)
	}
	return nil
}
