// Package main is the entrypoint for the Arkivo agent CLI.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/spf13/cobra"

	"github.com/arkivo-backup/arkivo/internal/agentd"
	"github.com/arkivo-backup/arkivo/internal/config"
	"github.com/arkivo-backup/arkivo/internal/models"
)

// Build-time variables set via ldflags.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "arkivo-agent",
		Short: "Arkivo backup agent",
		Long: `Arkivo Agent polls an Arkivo server for backup and restore tasks
queued for this device and reports their results back.

Run 'arkivo-agent activate' to connect this device to an account.`,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		newVersionCmd(),
		newActivateCmd(),
		newRegisterCmd(),
		newRunCmd(),
		newHistoryCmd(),
	)

	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Arkivo Agent %s\n", Version)
			fmt.Printf("  Commit:     %s\n", Commit)
			fmt.Printf("  Built:      %s\n", BuildDate)
			fmt.Printf("  Go version: %s\n", runtime.Version())
			fmt.Printf("  OS/Arch:    %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	}
}

// hostIdentity returns this machine's device identity: a stable device ID,
// hostname and hardware fingerprint.
func hostIdentity() (deviceID, hostname, hardwareID string) {
	hostname, _ = os.Hostname()

	if info, err := host.Info(); err == nil {
		hardwareID = info.HostID
		if hostname == "" {
			hostname = info.Hostname
		}
	}

	deviceID = hardwareID
	if deviceID == "" {
		deviceID = hostname
	}
	return deviceID, hostname, hardwareID
}

func newActivateCmd() *cobra.Command {
	var serverURL string
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "activate",
		Short: "Request an activation code and wait for it to be redeemed",
		Long: `Request an activation code from the server and poll until a user
redeems it. The code is shown here; enter it in the Arkivo dashboard to bind
this device to your account.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runActivate(serverURL, timeout)
		},
	}

	cmd.Flags().StringVar(&serverURL, "server", "", "Arkivo server URL (required)")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Minute, "How long to wait for the code to be redeemed")
	_ = cmd.MarkFlagRequired("server")

	return cmd
}

func runActivate(serverURL string, timeout time.Duration) error {
	parsed, err := url.Parse(serverURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("invalid server URL %q", serverURL)
	}
	serverURL = strings.TrimRight(serverURL, "/")

	deviceID, hostname, hardwareID := hostIdentity()
	client := agentd.NewClient(serverURL, "", "")

	resp, err := client.RequestActivation(deviceID, hostname, runtime.GOOS, runtime.GOARCH, hardwareID)
	if err != nil {
		return err
	}

	if resp.Activated {
		fmt.Println("This device is already activated.")
		return saveActivation(serverURL, deviceID, hostname, resp.Agent)
	}

	fmt.Printf("Activation code: %s\n", resp.ActivationCode)
	fmt.Println("Enter this code in the Arkivo dashboard to activate this device.")
	fmt.Println("Waiting for activation...")

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		time.Sleep(5 * time.Second)

		status, err := client.ResolveActivation(resp.ActivationCode, deviceID, hardwareID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "poll failed: %v\n", err)
			continue
		}
		if status.Activated {
			fmt.Println("Device activated.")
			return saveActivation(serverURL, deviceID, hostname, status.Agent)
		}
	}

	return fmt.Errorf("activation code was not redeemed within %s", timeout)
}

func saveActivation(serverURL, deviceID, hostname string, agent *models.Agent) error {
	cfg, err := config.LoadAgentDefault()
	if err != nil {
		return err
	}
	cfg.ServerURL = serverURL
	cfg.DeviceID = deviceID
	cfg.Hostname = hostname
	if agent != nil {
		cfg.AgentID = agent.ID.String()
	}
	if err := cfg.SaveDefault(); err != nil {
		return err
	}

	path, _ := config.DefaultConfigPath()
	fmt.Printf("Configuration saved to %s\n", path)
	return nil
}

func newRegisterCmd() *cobra.Command {
	var serverURL, token string

	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register this device with a server using a bearer token",
		Long: `Register this device directly, authenticated with your account's
bearer token. No activation code is involved; the device is bound to your
account immediately and receives an API key for read access.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRegister(serverURL, token)
		},
	}

	cmd.Flags().StringVar(&serverURL, "server", "", "Arkivo server URL (required)")
	cmd.Flags().StringVar(&token, "token", "", "Bearer token (required)")
	_ = cmd.MarkFlagRequired("server")
	_ = cmd.MarkFlagRequired("token")

	return cmd
}

func runRegister(serverURL, token string) error {
	parsed, err := url.Parse(serverURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("invalid server URL %q", serverURL)
	}
	serverURL = strings.TrimRight(serverURL, "/")

	deviceID, hostname, hardwareID := hostIdentity()
	client := agentd.NewClient(serverURL, token, "")

	resp, err := client.Register(deviceID, hostname, runtime.GOOS, runtime.GOARCH, hardwareID)
	if err != nil {
		return err
	}

	cfg, err := config.LoadAgentDefault()
	if err != nil {
		return err
	}
	cfg.ServerURL = serverURL
	cfg.Token = token
	cfg.DeviceID = deviceID
	cfg.Hostname = hostname
	if resp.Agent != nil {
		cfg.AgentID = resp.Agent.ID.String()
	}
	if resp.APIKey != "" {
		cfg.APIKey = resp.APIKey
		fmt.Println("API key saved. It will not be shown again.")
	}
	if err := cfg.SaveDefault(); err != nil {
		return err
	}

	if resp.Created {
		fmt.Println("Device registered.")
	} else {
		fmt.Println("Device registration refreshed.")
	}
	return nil
}

func newRunCmd() *cobra.Command {
	var interval time.Duration
	var handler string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Poll the server for tasks and execute them",
		Long: `Poll the server for pending tasks for this device. Each claimed
task is passed as JSON on stdin to the handler command; a zero exit status
reports DONE, anything else reports ERROR.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(interval, handler)
		},
	}

	cmd.Flags().DurationVar(&interval, "interval", 30*time.Second, "Polling interval")
	cmd.Flags().StringVar(&handler, "handler", "", "Command to execute claimed tasks (required)")
	_ = cmd.MarkFlagRequired("handler")

	return cmd
}

func runDaemon(interval time.Duration, handler string) error {
	cfg, err := config.LoadAgentDefault()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("agent is not configured: %w (run 'arkivo-agent register' first)", err)
	}

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Str("device_id", cfg.DeviceID).Logger()

	configDir, err := config.DefaultConfigDir()
	if err != nil {
		return err
	}
	state, err := agentd.NewStateDB(configDir, logger)
	if err != nil {
		return err
	}
	defer state.Close()

	client := agentd.NewClient(cfg.ServerURL, cfg.Token, cfg.APIKey)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info().Dur("interval", interval).Msg("agent started")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		pollOnce(ctx, client, state, cfg.DeviceID, handler, logger)

		select {
		case <-ctx.Done():
			logger.Info().Msg("agent stopped")
			return nil
		case <-ticker.C:
		}
	}
}

func pollOnce(ctx context.Context, client *agentd.Client, state *agentd.StateDB, deviceID, handler string, logger zerolog.Logger) {
	task, err := client.ClaimTask(deviceID)
	if err != nil {
		logger.Error().Err(err).Msg("claim failed")
		return
	}
	if task == nil {
		return
	}

	logger.Info().
		Str("task_id", task.ID.String()).
		Str("type", string(task.Type)).
		Msg("task claimed")

	if err := state.RecordClaim(ctx, task.ID, string(task.Type), task.Payload); err != nil {
		logger.Warn().Err(err).Msg("failed to record claim locally")
	}

	status, errMsg := executeTask(ctx, task, handler)

	if _, err := client.CompleteTask(task.ID, status, errMsg); err != nil {
		logger.Error().Err(err).Str("task_id", task.ID.String()).Msg("failed to report completion")
		return
	}

	localErr := ""
	if errMsg != nil {
		localErr = *errMsg
	}
	if err := state.RecordCompletion(ctx, task.ID, string(status), localErr); err != nil {
		logger.Warn().Err(err).Msg("failed to record completion locally")
	}

	logger.Info().
		Str("task_id", task.ID.String()).
		Str("status", string(status)).
		Msg("task completed")
}

// executeTask feeds the task JSON to the handler command and maps its exit
// status to a terminal task status.
func executeTask(ctx context.Context, task *models.Task, handler string) (models.TaskStatus, *string) {
	payload, err := json.Marshal(task)
	if err != nil {
		msg := fmt.Sprintf("encode task: %v", err)
		return models.TaskStatusError, &msg
	}

	cmd := exec.CommandContext(ctx, handler)
	cmd.Stdin = strings.NewReader(string(payload))
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Run(); err != nil {
		msg := err.Error()
		return models.TaskStatusError, &msg
	}
	return models.TaskStatusDone, nil
}

func newHistoryCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show the local task execution history",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHistory(limit)
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum records to show")

	return cmd
}

func runHistory(limit int) error {
	configDir, err := config.DefaultConfigDir()
	if err != nil {
		return err
	}

	state, err := agentd.NewStateDB(configDir, zerolog.Nop())
	if err != nil {
		return err
	}
	defer state.Close()

	records, err := state.History(context.Background(), limit)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Println("No task history.")
		return nil
	}

	for _, rec := range records {
		line := fmt.Sprintf("%s  %-7s  %-7s  %s", rec.ClaimedAt.Format(time.RFC3339), rec.Type, rec.Status, rec.TaskID)
		if rec.Error != "" {
			line += "  " + rec.Error
		}
		fmt.Println(line)
	}
	return nil
}
