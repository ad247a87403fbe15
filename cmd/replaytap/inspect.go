package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/mattn/go-runewidth"
	"github.com/spf13/cobra"

	"github.com/funnyzak/replaytap/pkg/checkpoint"
	"github.com/funnyzak/replaytap/pkg/session"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect <session.jsonl>",
	Short: "Summarize the call sites recorded in a session log",
	Args:  cobra.ExactArgs(1),
	RunE:  runInspect,
}

func init() {
	flags := inspectCmd.Flags()
	flags.String("main", "", "Package path that replaces \"main\" in call-site ids")
	flags.Bool("schema", false, "Validate every line against the checkpoint schema")
	flags.String("match", "", "Only include call sites matching this glob")
	flags.String("recorder", "", "Only include checkpoints from this recorder")
}

type siteSummary struct {
	Site   string
	Calls  int
	Errors int
	Total  time.Duration
}

func runInspect(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()
	var opts []session.Option
	if pkg, _ := flags.GetString("main"); pkg != "" {
		opts = append(opts, session.WithMain(pkg))
	}
	if validate, _ := flags.GetBool("schema"); validate {
		opts = append(opts, session.WithSchemaValidation())
	}

	s, err := session.LoadFile(args[0], opts...)
	if err != nil {
		return err
	}

	var preds []session.Predicate
	if pattern, _ := flags.GetString("match"); pattern != "" {
		preds = append(preds, session.Match(pattern))
	}
	if name, _ := flags.GetString("recorder"); name != "" {
		preds = append(preds, session.Recorder(name))
	}

	writeSummary(cmd.OutOrStdout(), summarize(s.Filter(session.And(preds...))))
	return nil
}

// summarize groups entries by call site in first-seen order.
func summarize(entries []checkpoint.Entry) []siteSummary {
	index := make(map[string]int)
	var rows []siteSummary
	for _, e := range entries {
		site := e.SiteID()
		i, ok := index[site]
		if !ok {
			i = len(rows)
			index[site] = i
			rows = append(rows, siteSummary{Site: site})
		}
		rows[i].Calls++
		if e.Failed() {
			rows[i].Errors++
		}
		rows[i].Total += e.Range().Duration()
	}
	return rows
}

func writeSummary(w io.Writer, rows []siteSummary) {
	siteWidth := runewidth.StringWidth("SITE")
	for _, row := range rows {
		siteWidth = max(siteWidth, runewidth.StringWidth(row.Site))
	}
	siteWidth = min(siteWidth, 80)

	header := color.New(color.Bold)
	header.Fprintf(w, "%s  %8s  %8s  %12s\n", runewidth.FillRight("SITE", siteWidth), "CALLS", "ERRORS", "TOTAL")

	var calls, errs int
	for _, row := range rows {
		site := runewidth.FillRight(runewidth.Truncate(row.Site, siteWidth, "…"), siteWidth)
		errText := fmt.Sprintf("%8s", humanize.Comma(int64(row.Errors)))
		if row.Errors > 0 {
			errText = color.RedString(errText)
		}
		fmt.Fprintf(w, "%s  %8s  %s  %12s\n", site, humanize.Comma(int64(row.Calls)), errText,
			row.Total.Round(time.Microsecond))
		calls += row.Calls
		errs += row.Errors
	}

	fmt.Fprintln(w, strings.Repeat("-", siteWidth+36))
	fmt.Fprintf(w, "%s sites, %s calls, %s errors\n",
		humanize.Comma(int64(len(rows))), humanize.Comma(int64(calls)), humanize.Comma(int64(errs)))
}
