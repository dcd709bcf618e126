package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	serverURL   string
	apiKey      string
	instanceID  string
	database    string
	language    string
	submitterID string
	teamID      string
	approverID  string
	reason      string
	status      string
	limit       int
)

func main() {
	root := &cobra.Command{
		Use:   "portal-cli",
		Short: "CLI client for query-portal-engine",
	}

	root.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8080", "Server URL")
	root.PersistentFlags().StringVar(&apiKey, "api-key", os.Getenv("PORTAL_API_KEY"), "API key")

	// Submit a query
	submitQueryCmd := &cobra.Command{
		Use:   "submit-query [query]",
		Short: "Submit a query for review (reads stdin when no argument)",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runSubmitQuery,
	}
	addSubmitFlags(submitQueryCmd)
	root.AddCommand(submitQueryCmd)

	// Submit a script from a file
	submitScriptCmd := &cobra.Command{
		Use:   "submit-script [file]",
		Short: "Submit a script file for review",
		Args:  cobra.ExactArgs(1),
		RunE:  runSubmitScript,
	}
	addSubmitFlags(submitScriptCmd)
	submitScriptCmd.Flags().StringVarP(&language, "language", "l", "python", "Script language")
	root.AddCommand(submitScriptCmd)

	// Approve and execute
	approveCmd := &cobra.Command{
		Use:   "approve [token]",
		Short: "Approve a pending request and wait for execution",
		Args:  cobra.ExactArgs(1),
		RunE:  runApprove,
	}
	approveCmd.Flags().StringVar(&approverID, "approver", "", "Approver id")
	root.AddCommand(approveCmd)

	// Reject
	rejectCmd := &cobra.Command{
		Use:   "reject [token]",
		Short: "Reject a pending request",
		Args:  cobra.ExactArgs(1),
		RunE:  runReject,
	}
	rejectCmd.Flags().StringVar(&approverID, "approver", "", "Approver id")
	rejectCmd.Flags().StringVar(&reason, "reason", "", "Rejection reason")
	root.AddCommand(rejectCmd)

	// Show one request
	root.AddCommand(&cobra.Command{
		Use:   "get [token]",
		Short: "Show a request by token",
		Args:  cobra.ExactArgs(1),
		RunE:  runGet,
	})

	// List requests
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List requests",
		RunE:  runList,
	}
	listCmd.Flags().StringVar(&status, "status", "", "Filter by status")
	listCmd.Flags().StringVar(&submitterID, "submitter", "", "Filter by submitter")
	listCmd.Flags().IntVar(&limit, "limit", 50, "Max results")
	root.AddCommand(listCmd)

	// Health check
	root.AddCommand(&cobra.Command{
		Use:   "health",
		Short: "Check server health",
		RunE:  runHealth,
	})

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func addSubmitFlags(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&instanceID, "instance", "i", "", "Target instance id")
	cmd.Flags().StringVarP(&database, "database", "d", "", "Database name")
	cmd.Flags().StringVar(&submitterID, "submitter", "", "Submitter id")
	cmd.Flags().StringVar(&teamID, "team", "", "Team id")
}

func runSubmitQuery(cmd *cobra.Command, args []string) error {
	var query string

	if len(args) > 0 {
		query = args[0]
	} else {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("reading stdin: %w", err)
		}
		query = string(data)
	}

	return doRequest("POST", "/api/requests", map[string]any{
		"instance_id":   instanceID,
		"database_name": database,
		"kind":          "query",
		"query":         query,
		"submitter_id":  submitterID,
		"team_id":       teamID,
	})
}

func runSubmitScript(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("reading file: %w", err)
	}

	return doRequest("POST", "/api/requests", map[string]any{
		"instance_id":   instanceID,
		"database_name": database,
		"kind":          "script",
		"script":        string(data),
		"language":      language,
		"submitter_id":  submitterID,
		"team_id":       teamID,
	})
}

func runApprove(cmd *cobra.Command, args []string) error {
	return doRequest("POST", "/api/requests/"+args[0]+"/approve", map[string]any{
		"approver_id": approverID,
	})
}

func runReject(cmd *cobra.Command, args []string) error {
	return doRequest("POST", "/api/requests/"+args[0]+"/reject", map[string]any{
		"approver_id": approverID,
		"reason":      reason,
	})
}

func runGet(cmd *cobra.Command, args []string) error {
	return doRequest("GET", "/api/requests/"+args[0], nil)
}

func runList(_ *cobra.Command, _ []string) error {
	params := url.Values{}
	if status != "" {
		params.Set("status", status)
	}
	if submitterID != "" {
		params.Set("submitter_id", submitterID)
	}
	params.Set("limit", fmt.Sprint(limit))

	return doRequest("GET", "/api/requests?"+params.Encode(), nil)
}

func runHealth(_ *cobra.Command, _ []string) error {
	resp, err := http.Get(serverURL + "/health")
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	var result map[string]any
	json.NewDecoder(resp.Body).Decode(&result)
	formatted, _ := json.MarshalIndent(result, "", "  ")
	fmt.Println(string(formatted))
	return nil
}

func doRequest(method, path string, payload any) error {
	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequest(method, serverURL+path, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}

	// Approvals block until the execution finishes, so the client outlives
	// the server's write timeout.
	client := &http.Client{Timeout: 370 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	var result any
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}

	// Pretty print
	formatted, _ := json.MarshalIndent(result, "", "  ")
	fmt.Println(string(formatted))

	if resp.StatusCode >= 400 {
		os.Exit(1)
	}

	return nil
}
