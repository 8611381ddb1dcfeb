package main

import (
	"bufio"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(eventsCmd)

	eventsCmd.Flags().Int64("cursor", 0, "replay from this cursor (exclusive)")
	eventsCmd.Flags().Bool("follow", true, "keep the stream open for live events")
}

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Stream events from the running daemon",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cursor, _ := cmd.Flags().GetInt64("cursor")
		follow, _ := cmd.Flags().GetBool("follow")

		url := daemonURL(fmt.Sprintf("/events?cursor=%d&follow=%d", cursor, boolFlag(follow)))
		resp, err := http.Get(url)
		if err != nil {
			return fmt.Errorf("connect to daemon: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("daemon returned %d", resp.StatusCode)
		}

		// Frames are id/data line pairs separated by blank lines.
		// Heartbeats carry an event: header and are not printed.
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		heartbeat := false
		for scanner.Scan() {
			line := scanner.Text()
			switch {
			case line == "":
				heartbeat = false
			case strings.HasPrefix(line, "event: "):
				heartbeat = strings.TrimPrefix(line, "event: ") == "heartbeat"
			case strings.HasPrefix(line, "data: "):
				if !heartbeat {
					fmt.Fprintln(os.Stdout, strings.TrimPrefix(line, "data: "))
				}
			}
		}
		return scanner.Err()
	},
}

func boolFlag(b bool) int {
	if b {
		return 1
	}
	return 0
}
