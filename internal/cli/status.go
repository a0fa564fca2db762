package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/harun/embodia/internal/config"
	"github.com/harun/embodia/internal/daemon"
)

// liveStatus is the part of GET /status the command prints. Action
// parameters are left undecoded.
type liveStatus struct {
	State      string   `json:"state"`
	Ticks      uint64   `json:"ticks"`
	Actuators  []string `json:"actuators"`
	Channels   []string `json:"channels"`
	Clients    int      `json:"clients"`
	LastReport *struct {
		TickID      uint64            `json:"tick_id"`
		Duration    time.Duration     `json:"duration"`
		NoOp        bool              `json:"noop"`
		Diagnostics []json.RawMessage `json:"diagnostics"`
		Results     []struct {
			Status string `json:"status"`
		} `json:"results"`
	} `json:"last_report"`
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show runtime status",
	Long: `Show whether the embodia runtime is running. When the HTTP server is
enabled the live tick state and registered actuators are shown too.`,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	pid, running := runningPID(cfg)
	if !running {
		fmt.Fprintln(out, "Status: stopped")
		return nil
	}

	fmt.Fprintln(out, "Status: running")
	fmt.Fprintf(out, "PID: %d\n", pid)
	if info, err := os.Stat(daemon.PIDFilePath(cfg.DataDir)); err == nil {
		fmt.Fprintf(out, "Uptime: %s\n", formatDuration(time.Since(info.ModTime())))
	}

	if !cfg.Server.Enabled {
		return nil
	}
	live, err := fetchStatus(cfg, 2*time.Second)
	if err != nil {
		fmt.Fprintf(out, "Server: unreachable (%v)\n", err)
		return nil
	}
	printStatus(out, live)
	return nil
}

func fetchStatus(cfg *config.Config, timeout time.Duration) (*liveStatus, error) {
	host := cfg.Server.Host
	if host == "" || host == "0.0.0.0" {
		host = "127.0.0.1"
	}
	url := "http://" + net.JoinHostPort(host, strconv.Itoa(cfg.Server.Port)) + "/status"

	client := &http.Client{Timeout: timeout}
	resp, err := client.Get(url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}

	var s liveStatus
	if err := json.NewDecoder(resp.Body).Decode(&s); err != nil {
		return nil, fmt.Errorf("failed to decode status: %w", err)
	}
	return &s, nil
}

func printStatus(out io.Writer, s *liveStatus) {
	fmt.Fprintf(out, "State: %s\n", s.State)
	fmt.Fprintf(out, "Ticks: %d\n", s.Ticks)
	fmt.Fprintf(out, "Actuators: %d %v\n", len(s.Actuators), s.Actuators)
	fmt.Fprintf(out, "Channels: %v\n", s.Channels)
	fmt.Fprintf(out, "Clients: %d\n", s.Clients)
	if r := s.LastReport; r != nil {
		dispatched := 0
		for _, res := range r.Results {
			if res.Status == "dispatched" {
				dispatched++
			}
		}
		fmt.Fprintf(out, "Last tick: #%d took %s, %d dispatched, %d diagnostics\n",
			r.TickID, r.Duration.Round(time.Millisecond), dispatched, len(r.Diagnostics))
	}
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh%dm%ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm%ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
