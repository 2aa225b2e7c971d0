package cli

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/you-humble/genrelay/core/relayapi"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

func newFilesCmd() *cobra.Command {
	var (
		taskCode string
		tags     []string
	)

	cmd := &cobra.Command{
		Use:   "files",
		Short: "List uploaded artifacts",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := clientFrom(cmd)
			if err != nil {
				return err
			}
			listing, err := c.ListFiles(cmd.Context(), taskCode, tags)
			if err != nil {
				return fmt.Errorf("list files: %w", err)
			}

			out := cmd.OutOrStdout()
			if listing.Total == 0 {
				fmt.Fprintln(out, "No files found.")
				return nil
			}
			renderFiles(out, listing)
			if len(listing.AllTags) > 0 {
				fmt.Fprintf(out, "\ntags: %s\n", strings.Join(listing.AllTags, ", "))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&taskCode, "task", "", "only files of this task")
	cmd.Flags().StringSliceVar(&tags, "tags", nil, "only files of tasks carrying any of these tags")

	return cmd
}

// renderFiles prints one block per task, tasks in code order.
func renderFiles(w io.Writer, listing relayapi.Listing) {
	codes := make([]string, 0, len(listing.Grouped))
	for code := range listing.Grouped {
		codes = append(codes, code)
	}
	sort.Strings(codes)

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Task Code", "File ID", "Quality", "Filename", "Size", "Uploaded At"})
	table.SetBorder(false)
	table.SetAutoWrapText(false)
	table.SetAutoMergeCells(true)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)

	for _, code := range codes {
		for _, a := range listing.Grouped[code] {
			table.Append([]string{
				code,
				a.FileID,
				string(a.Quality),
				a.Filename,
				strconv.FormatInt(a.Size, 10),
				a.UploadedAt.Format(time.RFC3339),
			})
		}
	}
	table.Render()
}
