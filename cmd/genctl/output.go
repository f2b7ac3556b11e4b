package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/suPer8Hu/genstudio/internal/generation"
)

func asJSON(cmd *cobra.Command) bool {
	v, _ := cmd.Flags().GetBool("json")
	return v
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printJobs(w io.Writer, jobs []generation.Job) {
	if len(jobs) == 0 {
		fmt.Fprintln(w, "no pending jobs")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tOPERATION\tMODE\tUSER\tCREATED")
	for _, j := range jobs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n",
			j.ID, j.Status, j.Operation, j.Mode, j.UserID, j.CreatedAt.Format(time.RFC3339))
	}
	_ = tw.Flush()
}

func printJob(w io.Writer, j *generation.Job) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "id:\t%s\n", j.ID)
	fmt.Fprintf(tw, "status:\t%s\n", j.Status)
	fmt.Fprintf(tw, "operation:\t%s (%s, %s)\n", j.Operation, j.Kind, j.Mode)
	fmt.Fprintf(tw, "user:\t%d\n", j.UserID)
	fmt.Fprintf(tw, "prompt:\t%s\n", j.Prompt)
	if j.OutputPath != nil {
		fmt.Fprintf(tw, "output:\t%s\n", *j.OutputPath)
	}
	if j.Error != nil {
		fmt.Fprintf(tw, "error:\t%s\n", *j.Error)
	}
	if j.NSFWAction != nil {
		fmt.Fprintf(tw, "moderation:\t%s %v\n", *j.NSFWAction, tagStrings(j))
	}
	fmt.Fprintf(tw, "updated:\t%s\n", j.UpdatedAt.Format(time.RFC3339))
	_ = tw.Flush()
}

func tagStrings(j *generation.Job) []string {
	out := make([]string, 0, len(j.NSFWTags))
	for _, t := range j.NSFWTags {
		out = append(out, string(t))
	}
	return out
}

func printReviews(w io.Writer, revs []generation.ModerationReview) {
	if len(revs) == 0 {
		fmt.Fprintln(w, "no reviews")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tACTION\tREVIEWER\tTAGS\tCREATED")
	for _, r := range revs {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%v\t%s\n",
			r.ID, r.Action, r.ReviewerID, r.Tags, r.CreatedAt.Format(time.RFC3339))
	}
	_ = tw.Flush()
}
