package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	serverrun "github.com/SamSaffron/message-bus/internal/cmd/server"
	cfgpkg "github.com/SamSaffron/message-bus/internal/config"
	logpkg "github.com/SamSaffron/message-bus/pkg/log"
)

func main() {
	level := os.Getenv("MSGBUS_LOG_LEVEL")
	parsed, err := logpkg.ParseLevel(level)
	if err != nil || level == "" {
		parsed = logpkg.InfoLevel
	}
	logger := logpkg.NewLogger(
		logpkg.WithLevel(parsed),
		logpkg.WithFormatter(&logpkg.TextFormatter{}),
		logpkg.WithOutput(logpkg.NewConsoleOutput()),
	)
	logpkg.RedirectStdLog(logger)

	rootCmd := &cobra.Command{
		Use:   "msgbus",
		Short: "Message bus CLI",
		Long:  "msgbus runs the message bus server and offers basic client operations.",
	}

	serverCmd := &cobra.Command{Use: "server", Short: "Server commands"}
	serverStartCmd := &cobra.Command{
		Use:     "start",
		Short:   "Start the message bus server",
		Aliases: []string{"run"},
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath, _ := cmd.Flags().GetString("config")
			dataDir, _ := cmd.Flags().GetString("data-dir")
			httpAddr, _ := cmd.Flags().GetString("http")
			fsync, _ := cmd.Flags().GetString("fsync")
			logLevel, _ := cmd.Flags().GetString("log-level")
			logFormat, _ := cmd.Flags().GetString("log-format")

			cfg, err := cfgpkg.Load(configPath)
			if err != nil {
				return err
			}
			cfgpkg.FromEnv(&cfg)
			if dataDir != "" {
				cfg.DataDir = dataDir
			}
			if httpAddr != "" {
				cfg.HTTPAddr = httpAddr
			}
			if fsync != "" {
				cfg.Fsync = fsync
			}
			if logLevel != "" {
				cfg.Log.Level = logLevel
			}
			if logFormat != "" {
				cfg.Log.Format = logFormat
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			if err := serverrun.Run(ctx, serverrun.Options{Config: cfg}); err != nil {
				return fmt.Errorf("server error: %w", err)
			}
			return nil
		},
	}
	serverStartCmd.Flags().String("config", os.Getenv("MSGBUS_CONFIG"), "Path to a JSON or YAML config file")
	serverStartCmd.Flags().String("data-dir", "", "Data directory override")
	serverStartCmd.Flags().String("http", "", "HTTP listen address override")
	serverStartCmd.Flags().String("fsync", "", "Fsync mode: always|interval|never")
	serverStartCmd.Flags().String("log-level", os.Getenv("MSGBUS_LOG_LEVEL"), "Log level: debug|info|warn|error")
	serverStartCmd.Flags().String("log-format", os.Getenv("MSGBUS_LOG_FORMAT"), "Log format: text|json")
	serverCmd.AddCommand(serverStartCmd)
	rootCmd.AddCommand(serverCmd)

	publishCmd := &cobra.Command{
		Use:   "publish",
		Short: "Publish a message through a running server",
		RunE: func(cmd *cobra.Command, args []string) error {
			channel, _ := cmd.Flags().GetString("channel")
			data, _ := cmd.Flags().GetString("data")
			body, _ := json.Marshal(map[string]string{"channel": channel, "data": data})
			resp, err := http.Post(apiURL()+"/v1/publish", "application/json", bytes.NewReader(body))
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			out, _ := io.ReadAll(resp.Body)
			fmt.Printf("status: %s %s", resp.Status, out)
			return nil
		},
	}
	publishCmd.Flags().String("channel", "", "Channel name, e.g. /foo")
	publishCmd.Flags().String("data", "", "Message payload")
	_ = publishCmd.MarkFlagRequired("channel")
	rootCmd.AddCommand(publishCmd)

	pollCmd := &cobra.Command{
		Use:   "poll",
		Short: "Long-poll a channel through a running server",
		RunE: func(cmd *cobra.Command, args []string) error {
			channel, _ := cmd.Flags().GetString("channel")
			since, _ := cmd.Flags().GetInt64("since")
			client, _ := cmd.Flags().GetString("client-id")
			immediate, _ := cmd.Flags().GetBool("immediate")

			url := fmt.Sprintf("%s/v1/bus/%s", apiURL(), client)
			if immediate {
				url += "?dlp=t"
			}
			body, _ := json.Marshal(map[string]int64{channel: since})
			resp, err := http.Post(url, "application/json", bytes.NewReader(body))
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			out, _ := io.ReadAll(resp.Body)
			fmt.Printf("%s", out)
			return nil
		},
	}
	pollCmd.Flags().String("channel", "", "Channel name, e.g. /foo")
	pollCmd.Flags().Int64("since", 0, "Last seen message id (-1 status, -2 from now)")
	pollCmd.Flags().String("client-id", "cli", "Client id")
	pollCmd.Flags().Bool("immediate", false, "Return immediately instead of long polling")
	_ = pollCmd.MarkFlagRequired("channel")
	rootCmd.AddCommand(pollCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func apiURL() string {
	if v := os.Getenv("MSGBUS_HTTP"); v != "" {
		return v
	}
	return "http://127.0.0.1:8765"
}
