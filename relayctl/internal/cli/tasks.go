package cli

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/you-humble/genrelay/core/relayapi"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

func newTasksCmd() *cobra.Command {
	var status string

	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "List tasks known to the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := clientFrom(cmd)
			if err != nil {
				return err
			}
			tasks, err := c.ListTasks(cmd.Context())
			if err != nil {
				return fmt.Errorf("list tasks: %w", err)
			}

			if status != "" {
				kept := tasks[:0]
				for _, t := range tasks {
					if string(t.Status) == status {
						kept = append(kept, t)
					}
				}
				tasks = kept
			}

			out := cmd.OutOrStdout()
			if len(tasks) == 0 {
				fmt.Fprintln(out, "No tasks found.")
				return nil
			}
			renderTasks(out, tasks)
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "only show tasks in this status")

	return cmd
}

func renderTasks(w io.Writer, tasks []relayapi.TaskSummary) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Task Code", "Status", "Priority", "Tags", "Occupied By", "Retries", "Error", "Updated At"})
	table.SetBorder(false)
	table.SetAutoWrapText(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)

	for _, t := range tasks {
		errText := ""
		if t.Error != nil {
			errText = *t.Error
		}
		table.Append([]string{
			t.TaskCode,
			string(t.Status),
			strconv.Itoa(t.Priority),
			strings.Join(t.Tags, ","),
			t.OccupiedBy,
			strconv.Itoa(t.PipelineRetries),
			errText,
			t.UpdatedAt.Format(time.RFC3339),
		})
	}
	table.Render()
}
