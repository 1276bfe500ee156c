package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"pipewarden/internal/server"
)

var (
	submitBranch  string
	submitBuild   string
	submitTimeout string

	decisionActor   string
	decisionComment string

	submitCmd = &cobra.Command{
		Use:   "submit <pipeline.yaml>",
		Short: "Submit a pipeline definition to a pipewarden server",
		Args:  cobra.ExactArgs(1),
		RunE:  submitPipeline,
	}
	statusCmd = &cobra.Command{
		Use:   "status [run-id]",
		Short: "Show one run, or list runs, on a pipewarden server",
		Args:  cobra.MaximumNArgs(1),
		RunE:  showStatus,
	}
	approveCmd = &cobra.Command{
		Use:   "approve <run-id> <stage>",
		Short: "Approve a pending approval gate",
		Args:  cobra.ExactArgs(2),
		RunE:  decide("approve"),
	}
	rejectCmd = &cobra.Command{
		Use:   "reject <run-id> <stage>",
		Short: "Reject a pending approval gate",
		Args:  cobra.ExactArgs(2),
		RunE:  decide("reject"),
	}
)

func init() {
	submitCmd.Flags().StringVar(&submitBranch, "branch", os.Getenv("BRANCH_NAME"), "branch being built")
	submitCmd.Flags().StringVar(&submitBuild, "build", os.Getenv("BUILD_ID"), "build identifier")
	submitCmd.Flags().StringVar(&submitTimeout, "timeout", "", "global timeout")

	for _, c := range []*cobra.Command{approveCmd, rejectCmd} {
		c.Flags().StringVar(&decisionActor, "actor", os.Getenv("USER"), "who is deciding")
		c.Flags().StringVar(&decisionComment, "comment", "", "optional comment")
	}
}

var httpClient = &http.Client{Timeout: 30 * time.Second}

// apiCall sends a request to the server and decodes a JSON response into out.
// Non-2xx responses become errors carrying the server's message.
func apiCall(method, path, contentType string, body io.Reader, out any) error {
	req, err := http.NewRequest(method, strings.TrimRight(serverURL, "/")+path, body)
	if err != nil {
		return err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("server returned %d: %s", resp.StatusCode, apiErr.Error)
		}
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}

func submitPipeline(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return usageError(err)
	}
	q := url.Values{}
	if submitBranch != "" {
		q.Set("branch", submitBranch)
	}
	if submitBuild != "" {
		q.Set("build", submitBuild)
	}
	if submitTimeout != "" {
		q.Set("timeout", submitTimeout)
	}
	path := "/pipelines"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var rec server.RunRecord
	if err := apiCall(http.MethodPost, path, "application/x-yaml", bytes.NewReader(data), &rec); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Submitted %s as run %s (%s)\n", rec.Pipeline, rec.ID, rec.State)
	return nil
}

func showStatus(cmd *cobra.Command, args []string) error {
	w := cmd.OutOrStdout()
	if len(args) == 1 {
		var rec server.RunRecord
		if err := apiCall(http.MethodGet, "/runs/"+url.PathEscape(args[0]), "", nil, &rec); err != nil {
			return err
		}
		if rec.Outcome != nil {
			printOutcome(w, rec.Outcome)
		} else {
			fmt.Fprintf(w, "Run %s (%s): %s\n", rec.ID, rec.Pipeline, rec.State)
		}
		if rec.Error != "" {
			fmt.Fprintf(w, "error: %s\n", rec.Error)
		}
		return nil
	}

	var runs []server.RunRecord
	if err := apiCall(http.MethodGet, "/runs", "", nil, &runs); err != nil {
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tPIPELINE\tBRANCH\tSTATE\tSTATUS")
	for _, r := range runs {
		status := "-"
		if r.Outcome != nil {
			status = string(r.Outcome.Status)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", r.ID, r.Pipeline, r.Branch, r.State, status)
	}
	return tw.Flush()
}

func decide(decision string) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		if decisionActor == "" {
			return usageError(fmt.Errorf("--actor is required"))
		}
		body, err := json.Marshal(server.DecisionRequest{
			Decision: decision,
			Actor:    decisionActor,
			Comment:  decisionComment,
		})
		if err != nil {
			return err
		}
		path := "/runs/" + url.PathEscape(args[0]) + "/approvals/" + url.PathEscape(args[1])
		if err := apiCall(http.MethodPost, path, "application/json", bytes.NewReader(body), nil); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Recorded %s for %s/%s\n", decision, args[0], args[1])
		return nil
	}
}
