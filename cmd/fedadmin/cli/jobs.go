// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

package cli

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/openfedcore/fedcore/pkg/admin"
)

func (a *App) submitJobCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "submit_job <folder>",
		Short: "Submit a job folder; prints the new job id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, blob, err := admin.ReadFolder(args[0])
			if err != nil {
				return err
			}
			var created struct {
				JobID string `json:"job_id"`
			}
			if err := a.client.postJSON("/api/v1/jobs", blob, &created); err != nil {
				return err
			}
			fmt.Println(created.JobID)
			return nil
		},
	}
}

var (
	tableHeaderStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	tableCellStyle   = lipgloss.NewStyle().Padding(0, 1)
)

func (a *App) listJobsCmd() *cobra.Command {
	var namePrefix string
	var detailed bool

	cmd := &cobra.Command{
		Use:   "list_jobs [id_prefix]",
		Short: "List jobs",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			query := url.Values{}
			if namePrefix != "" {
				query.Set("name_prefix", namePrefix)
			}
			if len(args) == 1 {
				query.Set("id_prefix", args[0])
			}

			if detailed {
				query.Set("detailed", "true")
				var jobs []map[string]any
				if err := a.client.getJSON("/api/v1/jobs", query, &jobs); err != nil {
					return err
				}
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(jobs)
			}

			var rows []struct {
				JobID      string `json:"job_id"`
				Name       string `json:"name"`
				Status     string `json:"status"`
				SubmitTime string `json:"submit_time"`
				Duration   string `json:"duration"`
			}
			if err := a.client.getJSON("/api/v1/jobs", query, &rows); err != nil {
				return err
			}

			out := []string{renderRow(tableHeaderStyle, "Job ID", "Name", "Status", "Submit Time", "Duration")}
			for _, r := range rows {
				out = append(out, renderRow(tableCellStyle, r.JobID, r.Name, r.Status, r.SubmitTime, r.Duration))
			}
			fmt.Println(strings.Join(out, "\n"))
			return nil
		},
	}
	cmd.Flags().StringVarP(&namePrefix, "name", "n", "", "filter by job name prefix")
	cmd.Flags().BoolVarP(&detailed, "detailed", "d", false, "print full job metadata as JSON")
	return cmd
}

func renderRow(style lipgloss.Style, cols ...string) string {
	widths := []int{36, 20, 28, 25, 12}
	rendered := make([]string, len(cols))
	for i, col := range cols {
		rendered[i] = style.Width(widths[i]).Render(col)
	}
	return lipgloss.JoinHorizontal(lipgloss.Top, rendered...)
}

func (a *App) abortJobCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "abort_job <job_id>",
		Short: "Signal a job abort (idempotent)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.client.postJSON("/api/v1/jobs/"+args[0]+"/abort", nil, nil)
		},
	}
}

func (a *App) abortTaskCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "abort_task <job_id> <client>",
		Short: "Abort the current task of a job on one client only",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/api/v1/jobs/" + args[0] + "/abort_task?client=" + url.QueryEscape(args[1])
			return a.client.postJSON(path, nil, nil)
		},
	}
}

func (a *App) deleteJobCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete_job <job_id>",
		Short: "Delete a job that is not DISPATCHED or RUNNING",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := a.client.do(http.MethodDelete, "/api/v1/jobs/"+args[0], nil, nil)
			return err
		},
	}
}

func (a *App) cloneJobCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clone_job <job_id>",
		Short: "Re-submit a job's content under a new id; prints the new job id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var created struct {
				JobID string `json:"job_id"`
			}
			if err := a.client.postJSON("/api/v1/jobs/"+args[0]+"/clone", nil, &created); err != nil {
				return err
			}
			fmt.Println(created.JobID)
			return nil
		},
	}
}

func (a *App) downloadJobCmd() *cobra.Command {
	var outFile string

	cmd := &cobra.Command{
		Use:   "download_job <job_id>",
		Short: "Download a job's app payload",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := a.client.do(http.MethodGet, "/api/v1/jobs/"+args[0]+"/download", nil, nil)
			if err != nil {
				return err
			}

			// Large blobs come back as a JSON download URL instead of the
			// zip itself.
			var indirect struct {
				DownloadURL string `json:"download_url"`
			}
			if json.Unmarshal(data, &indirect) == nil && indirect.DownloadURL != "" {
				fmt.Println(a.client.baseURL + indirect.DownloadURL)
				return nil
			}

			if outFile == "" {
				outFile = args[0] + ".zip"
			}
			if err := os.WriteFile(outFile, data, 0o644); err != nil {
				return err
			}
			fmt.Println(outFile)
			return nil
		},
	}
	cmd.Flags().StringVarP(&outFile, "output", "o", "", "output file (default <job_id>.zip)")
	return cmd
}
