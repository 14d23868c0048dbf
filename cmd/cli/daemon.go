package cli

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/anstrom/scanfleet/internal/daemon"
	"github.com/anstrom/scanfleet/internal/logging"
)

const (
	daemonStopProgressStep = 5  // show progress every N seconds
	daemonStopTimeout      = 30 // seconds to wait before force kill
	statusLineLength       = 30 // characters for status separator line
)

var daemonPidFile string

// daemonCmd represents the daemon command.
var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the scanfleet server",
	Long: `Run the scanfleet server: the agent API and, when enabled, the planner
loop. The process runs in the foreground, use a service manager to detach it.

Signals: SIGTERM and SIGINT stop the server, SIGHUP reloads the configuration,
SIGUSR1 logs a status dump and SIGUSR2 toggles debug logging.`,
	Example: `  scanfleet daemon start
  scanfleet daemon status
  scanfleet daemon reload
  scanfleet daemon stop`,
}

var daemonStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the scanfleet server in the foreground",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if daemonPidFile != "" {
			cfg.Daemon.PIDFile = daemonPidFile
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Starting scanfleet daemon (PID file: %s)\n", cfg.Daemon.PIDFile)
		if err := daemon.New(cfg, getConfigFilePath(), logging.Default()).Start(); err != nil {
			return fmt.Errorf("daemon failed: %w", err)
		}
		return nil
	},
}

var daemonStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running daemon",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return stopDaemon(cmd.OutOrStdout(), resolvePIDFile())
	},
}

var daemonStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check whether the daemon is running",
	RunE: func(cmd *cobra.Command, _ []string) error {
		printDaemonStatus(cmd.OutOrStdout(), resolvePIDFile())
		return nil
	},
}

var daemonReloadCmd = &cobra.Command{
	Use:   "reload",
	Short: "Ask the running daemon to reload its configuration",
	RunE: func(cmd *cobra.Command, _ []string) error {
		pidFile := resolvePIDFile()
		pid, err := readPIDFile(pidFile)
		if err != nil {
			return fmt.Errorf("daemon is not running: %w", err)
		}
		if err := syscall.Kill(pid, syscall.SIGHUP); err != nil {
			return fmt.Errorf("error sending reload signal to daemon: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Reload signal sent to daemon (PID %d)\n", pid)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(daemonCmd)
	daemonCmd.AddCommand(daemonStartCmd, daemonStopCmd, daemonStatusCmd, daemonReloadCmd)

	daemonCmd.PersistentFlags().StringVar(&daemonPidFile, "pid-file", "",
		"File holding the daemon process ID (default from config)")
}

// resolvePIDFile prefers the flag, then the configured path.
func resolvePIDFile() string {
	if daemonPidFile != "" {
		return daemonPidFile
	}
	if cfg, err := loadConfig(); err == nil && cfg.Daemon.PIDFile != "" {
		return cfg.Daemon.PIDFile
	}
	return "/var/run/scanfleet.pid"
}

func stopDaemon(w io.Writer, pidFile string) error {
	if !isDaemonRunning(pidFile) {
		fmt.Fprintf(w, "Daemon is not running (no live process in %s)\n", pidFile)
		return nil
	}

	pid, err := readPIDFile(pidFile)
	if err != nil {
		return fmt.Errorf("error reading PID file: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("error finding daemon process: %w", err)
	}
	if err := process.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("error sending stop signal to daemon: %w", err)
	}

	fmt.Fprintf(w, "Stopping daemon (PID %d)...\n", pid)
	for i := 0; i < daemonStopTimeout; i++ {
		if !isDaemonRunning(pidFile) {
			fmt.Fprintln(w, "Daemon stopped successfully")
			return nil
		}
		time.Sleep(1 * time.Second)
		if i%daemonStopProgressStep == (daemonStopProgressStep - 1) {
			fmt.Fprintf(w, "Waiting for daemon to stop... (%d seconds)\n", i+1)
		}
	}

	fmt.Fprintln(w, "Daemon did not stop gracefully, sending SIGKILL...")
	if err := process.Signal(syscall.SIGKILL); err != nil {
		return fmt.Errorf("error force-killing daemon: %w", err)
	}
	time.Sleep(2 * time.Second)
	if isDaemonRunning(pidFile) {
		return fmt.Errorf("failed to stop daemon")
	}
	// a killed daemon leaves its PID file behind
	_ = os.Remove(pidFile)
	fmt.Fprintln(w, "Daemon force-stopped")
	return nil
}

func printDaemonStatus(w io.Writer, pidFile string) {
	fmt.Fprintln(w, "scanfleet daemon status")
	fmt.Fprintln(w, strings.Repeat("=", statusLineLength))

	pid, err := readPIDFile(pidFile)
	if err != nil {
		fmt.Fprintln(w, "Status: Not running")
		fmt.Fprintf(w, "PID file: %s (not found)\n", pidFile)
		return
	}
	if !processAlive(pid) {
		fmt.Fprintln(w, "Status: Not running (process not responding)")
		fmt.Fprintf(w, "PID file: %s (stale)\n", pidFile)
		return
	}

	fmt.Fprintln(w, "Status: Running")
	fmt.Fprintf(w, "PID: %d\n", pid)
	fmt.Fprintf(w, "PID file: %s\n", pidFile)
	if info, err := os.Stat(pidFile); err == nil {
		fmt.Fprintf(w, "Started: %s\n", info.ModTime().Format("2006-01-02 15:04:05"))
		fmt.Fprintf(w, "Uptime: %s\n", formatDuration(time.Since(info.ModTime())))
	}
}

func isDaemonRunning(pidFile string) bool {
	pid, err := readPIDFile(pidFile)
	if err != nil {
		return false
	}
	return processAlive(pid)
}

func processAlive(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}

func readPIDFile(pidFile string) (int, error) {
	// #nosec G304 - pidFile comes from the config or a command line flag
	data, err := os.ReadFile(pidFile)
	if err != nil {
		return 0, err
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("invalid PID in file %s", pidFile)
	}
	return pid, nil
}

// formatDuration renders d as e.g. "2d 3h 4m" or "45s".
func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60

	switch {
	case days > 0:
		return fmt.Sprintf("%dd %dh %dm", days, hours, minutes)
	case hours > 0:
		return fmt.Sprintf("%dh %dm", hours, minutes)
	case minutes > 0:
		return fmt.Sprintf("%dm %ds", minutes, int(d.Seconds())%60)
	default:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
}
