// Command webhookctl is a small operator CLI for triggering sweep jobs
// and reprocessing stuck webhook events without hand-rolling curl
// invocations from a terminal or a Kubernetes CronJob.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	serverURL string
	timeout   time.Duration
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "webhookctl",
		Short: "Operate the payledger webhook ingestion service",
	}
	root.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8080", "base URL of the running service")
	root.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "request timeout")

	root.AddCommand(enforceGraceCmd())
	root.AddCommand(expireSubscriptionsCmd())
	root.AddCommand(retryFailedWebhooksCmd())
	root.AddCommand(reprocessWebhookCmd())
	return root
}

func enforceGraceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "enforce-grace",
		Short: "Cancel past_due subscriptions whose grace period has elapsed",
		RunE: func(cmd *cobra.Command, args []string) error {
			return postAndPrint("/v1/jobs/enforce-grace", nil)
		},
	}
}

func expireSubscriptionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "expire-subscriptions",
		Short: "Transition active subscriptions whose period has elapsed",
		RunE: func(cmd *cobra.Command, args []string) error {
			return postAndPrint("/v1/jobs/expire-subscriptions", nil)
		},
	}
}

func retryFailedWebhooksCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "retry-failed-webhooks",
		Short: "Re-dispatch failed webhook events eligible for retry",
		RunE: func(cmd *cobra.Command, args []string) error {
			return postAndPrint(fmt.Sprintf("/v1/jobs/retry-failed-webhooks?limit=%d", limit), nil)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of events to retry")
	return cmd
}

func reprocessWebhookCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reprocess [event_id]",
		Short: "Force reprocessing of a webhook event regardless of status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return postAndPrint(fmt.Sprintf("/v1/admin/webhooks/%s/reprocess", args[0]), nil)
		},
	}
}

func postAndPrint(path string, body []byte) error {
	client := &http.Client{Timeout: timeout}
	resp, err := client.Post(serverURL+path, "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		fmt.Println(string(raw))
	} else {
		fmt.Println(pretty.String())
	}

	if resp.StatusCode >= 400 {
		return fmt.Errorf("%s returned %s", path, resp.Status)
	}
	return nil
}
