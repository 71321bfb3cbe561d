package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/heitortanoue/slidesync/pkg/slides"
)

func newDeckCmd() *cobra.Command {
	deckCmd := &cobra.Command{
		Use:   "deck",
		Short: "Validate decks and load them into a running participant",
	}
	deckCmd.AddCommand(newDeckValidateCmd(), newDeckLoadCmd())
	return deckCmd
}

func newDeckValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file>",
		Short: "Check that a TOML deck parses and every slide has a source",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			deck, err := slides.LoadDeck(args[0])
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "deck %q: %d slides\n", deck.Name, deck.Len())
			return err
		},
	}
}

func newDeckLoadCmd() *cobra.Command {
	var (
		url     string
		timeout time.Duration
	)
	loadCmd := &cobra.Command{
		Use:   "load <file>",
		Short: "Load a TOML deck into the participant at --url",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := slides.LoadDeck(args[0]); err != nil {
				return err
			}
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read deck: %w", err)
			}

			req, err := http.NewRequestWithContext(cmd.Context(), http.MethodPost,
				strings.TrimSuffix(url, "/")+"/shows", bytes.NewReader(data))
			if err != nil {
				return fmt.Errorf("create request: %w", err)
			}
			req.Header.Set("Content-Type", "application/toml")

			resp, err := (&http.Client{Timeout: timeout}).Do(req)
			if err != nil {
				return fmt.Errorf("load deck: %w", err)
			}
			defer resp.Body.Close()

			body, err := io.ReadAll(resp.Body)
			if err != nil {
				return fmt.Errorf("read response: %w", err)
			}
			if resp.StatusCode != http.StatusCreated {
				return fmt.Errorf("load deck: HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
			}

			var show struct {
				Controller string   `json:"controller"`
				Slides     []string `json:"slides"`
			}
			if err := json.Unmarshal(body, &show); err != nil {
				return fmt.Errorf("decode response: %w", err)
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "show %s: %d slides\n", show.Controller, len(show.Slides))
			return err
		},
	}
	loadCmd.Flags().StringVar(&url, "url", "http://localhost:8080", "Base URL of the participant")
	loadCmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "Request timeout")
	return loadCmd
}
