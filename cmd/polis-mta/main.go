// Package main is the entry point for the polis-mta binary.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	poliscert "github.com/polisai/polis-mta/internal/tls"
	"github.com/polisai/polis-mta/pkg/app"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "polis-mta",
		Short: "Pluggable mail transfer agent",
		Long: `polis-mta accepts mail on SMTP and HTTP edges, runs it through queue
policies, and delivers it through relays, all wired from one YAML file.

Without a subcommand the agent runs until SIGINT or SIGTERM.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runAgent,
	}
	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to the configuration file")
	rootCmd.Flags().BoolP("foreground", "f", false, "Stay attached to the terminal even when process.daemon is set")

	rootCmd.AddCommand(newCheckCmd(), newCertCmd())
	return rootCmd
}

func runAgent(cmd *cobra.Command, _ []string) error {
	configPath, err := cmd.Flags().GetString("config")
	if err != nil {
		return fmt.Errorf("failed to get config flag: %w", err)
	}
	foreground, err := cmd.Flags().GetBool("foreground")
	if err != nil {
		return fmt.Errorf("failed to get foreground flag: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, app.Options{ConfigPath: configPath, Attached: foreground})
	if err != nil {
		return err
	}
	return a.Run(ctx)
}

func newCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate the configuration without starting anything",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			configPath, err := cmd.Flags().GetString("config")
			if err != nil {
				return fmt.Errorf("failed to get config flag: %w", err)
			}
			return checkConfig(cmd.Context(), configPath, cmd.OutOrStdout())
		},
	}
}

func checkConfig(ctx context.Context, configPath string, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := app.New(ctx, app.Options{ConfigPath: configPath, Attached: true})
	if err != nil {
		return err
	}
	if err := a.Check(ctx); err != nil {
		return err
	}
	fmt.Fprintln(out, "configuration ok")
	return nil
}

func newCertCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cert",
		Short: "Generate a self-signed certificate for an SMTP edge",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			hosts, _ := cmd.Flags().GetString("hosts")
			days, _ := cmd.Flags().GetInt("days")
			certFile, _ := cmd.Flags().GetString("cert")
			keyFile, _ := cmd.Flags().GetString("key")
			return generateCert(splitHosts(hosts), days, certFile, keyFile, cmd.OutOrStdout())
		},
	}
	cmd.Flags().String("hosts", "localhost", "Comma-separated host names and IPs")
	cmd.Flags().Int("days", 365, "Validity in days")
	cmd.Flags().String("cert", "cert.pem", "Certificate output file")
	cmd.Flags().String("key", "key.pem", "Private key output file")
	return cmd
}

func splitHosts(s string) []string {
	var hosts []string
	for _, h := range strings.Split(s, ",") {
		if h = strings.TrimSpace(h); h != "" {
			hosts = append(hosts, h)
		}
	}
	return hosts
}

func generateCert(hosts []string, days int, certFile, keyFile string, out io.Writer) error {
	if len(hosts) == 0 {
		return fmt.Errorf("at least one host is required")
	}
	if days <= 0 {
		return fmt.Errorf("days must be positive, got %d", days)
	}
	certPEM, keyPEM, err := poliscert.SelfSigned(hosts, time.Duration(days)*24*time.Hour)
	if err != nil {
		return err
	}
	if err := poliscert.WriteCertificateFiles(certPEM, keyPEM, certFile, keyFile); err != nil {
		return err
	}
	fmt.Fprintf(out, "wrote %s and %s for %s\n", certFile, keyFile, strings.Join(hosts, ", "))
	return nil
}
