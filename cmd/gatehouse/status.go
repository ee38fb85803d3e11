// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatehouse Contributors

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

// CheckStatus holds the result of probing one health endpoint.
type CheckStatus struct {
	Check  string `json:"check"`
	Up     bool   `json:"up"`
	Status string `json:"status,omitempty"`
	Error  string `json:"error,omitempty"`
}

// statusConfig holds configuration for the status command.
type statusConfig struct {
	metricsAddr string
	jsonOutput  bool
}

// NewStatusCmd creates the status subcommand.
func NewStatusCmd() *cobra.Command {
	cfg := &statusConfig{}

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show health of a running Gatehouse server",
		Long:  `Probe the liveness and readiness endpoints of a running server.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStatus(cmd, cfg)
		},
	}

	cmd.Flags().StringVar(&cfg.metricsAddr, "metrics-addr", "127.0.0.1:9100", "observability listen address to probe")
	cmd.Flags().BoolVar(&cfg.jsonOutput, "json", false, "output status as JSON")

	return cmd
}

// runStatus executes the status command.
func runStatus(cmd *cobra.Command, cfg *statusConfig) error {
	client := &http.Client{Timeout: 2 * time.Second}
	statuses := []CheckStatus{
		probeCheck(client, cfg.metricsAddr, "liveness", "/healthz/liveness"),
		probeCheck(client, cfg.metricsAddr, "readiness", "/healthz/readiness"),
	}

	if cfg.jsonOutput {
		data, err := json.MarshalIndent(statuses, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal status: %w", err)
		}
		cmd.Println(string(data))
		return nil
	}

	cmd.Println(formatStatusTable(statuses))
	return nil
}

// probeCheck queries one health endpoint and converts the response to a
// CheckStatus.
func probeCheck(client *http.Client, addr, name, path string) CheckStatus {
	status := CheckStatus{Check: name}

	resp, err := client.Get("http://" + addr + path)
	if err != nil {
		status.Error = fmt.Sprintf("failed to connect: %v", err)
		return status
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 256))
	if err != nil {
		status.Error = fmt.Sprintf("failed to read response: %v", err)
		return status
	}

	status.Up = resp.StatusCode == http.StatusOK
	status.Status = strings.TrimSpace(string(body))
	return status
}

// formatStatusTable formats the checks as a human-readable table.
func formatStatusTable(statuses []CheckStatus) string {
	var sb strings.Builder
	w := tabwriter.NewWriter(&sb, 0, 0, 2, ' ', 0)

	_, _ = fmt.Fprintln(w, "CHECK\tUP\tSTATUS")
	_, _ = fmt.Fprintln(w, "-----\t--\t------")
	for _, status := range statuses {
		detail := status.Status
		if status.Error != "" {
			detail = status.Error
		}
		_, _ = fmt.Fprintf(w, "%s\t%v\t%s\n", status.Check, status.Up, detail)
	}

	_ = w.Flush()
	return sb.String()
}
