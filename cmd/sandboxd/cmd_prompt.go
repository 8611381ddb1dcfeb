package main

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
)

func init() {
	rootCmd.AddCommand(promptCmd, abortCmd)

	promptCmd.Flags().String("behavior", "", "streaming behavior (steer or followUp)")
	promptCmd.Flags().StringSlice("image", nil, "base64 image payload (repeatable)")
}

// daemonURL builds an endpoint URL against the listen address of the
// daemon this CLI shares a config file with.
func daemonURL(path string) string {
	cfg := loadConfig()
	return "http://" + cfg.Listen + path
}

var promptCmd = &cobra.Command{
	Use:   "prompt <message>",
	Short: "Send a prompt to the running daemon",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		behavior, _ := cmd.Flags().GetString("behavior")
		images, _ := cmd.Flags().GetStringSlice("image")

		body, err := json.Marshal(map[string]any{
			"message":           strings.Join(args, " "),
			"images":            images,
			"streamingBehavior": behavior,
		})
		if err != nil {
			return fmt.Errorf("encode prompt: %w", err)
		}

		client := &http.Client{Timeout: 30 * time.Second}
		resp, err := client.Post(daemonURL("/prompt"), "application/json", bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("send prompt: %w", err)
		}
		defer resp.Body.Close()

		out, _ := io.ReadAll(resp.Body)
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("daemon returned %d: %s", resp.StatusCode, strings.TrimSpace(string(out)))
		}
		fmt.Fprintln(os.Stdout, strings.TrimSpace(string(out)))
		return nil
	},
}

var abortCmd = &cobra.Command{
	Use:   "abort",
	Short: "Interrupt the agent's current turn",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		client := &http.Client{Timeout: 30 * time.Second}
		resp, err := client.Post(daemonURL("/abort"), "application/json", nil)
		if err != nil {
			return fmt.Errorf("send abort: %w", err)
		}
		defer resp.Body.Close()

		out, _ := io.ReadAll(resp.Body)
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("daemon returned %d: %s", resp.StatusCode, strings.TrimSpace(string(out)))
		}
		fmt.Fprintln(os.Stdout, strings.TrimSpace(string(out)))
		return nil
	},
}
