package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/google/uuid"

	"github.com/zsiec/mxl/inspect"
	"github.com/zsiec/mxl/store"
)

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "mxl-info: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("mxl-info", flag.ContinueOnError)
	domainFlag := fs.String("domain", envOr("MXL_DOMAIN", ""), "Domain directory (default: $MXL_DOMAIN)")
	flowFlag := fs.String("flow", "", "Print details of one flow")
	gcFlag := fs.Bool("gc", false, "Remove flows no process is using")
	jsonFlag := fs.Bool("json", false, "Print JSON instead of text")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *domainFlag == "" {
		fs.Usage()
		return errors.New("no domain given")
	}

	dom, err := store.Open(*domainFlag, store.Options{})
	if err != nil {
		return err
	}
	defer dom.Close()

	switch {
	case *gcFlag:
		n, err := dom.GarbageCollect()
		if err != nil {
			return err
		}
		if *jsonFlag {
			return writeJSON(out, map[string]int{"removed": n})
		}
		fmt.Fprintf(out, "removed %d unused flow(s)\n", n)
		return nil

	case *flowFlag != "":
		id, err := uuid.Parse(*flowFlag)
		if err != nil {
			return fmt.Errorf("invalid flow id %q: %w", *flowFlag, err)
		}
		d, err := inspect.Describe(dom, id)
		if err != nil {
			return err
		}
		if *jsonFlag {
			return writeJSON(out, d)
		}
		printDetail(out, d)
		return nil
	}

	flows, err := inspect.Summaries(dom)
	if err != nil {
		return err
	}
	if *jsonFlag {
		return writeJSON(out, flows)
	}
	printList(out, flows)
	return nil
}

func printList(out io.Writer, flows []inspect.FlowSummary) {
	if len(flows) == 0 {
		fmt.Fprintln(out, "no flows")
		return
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tFORMAT\tRATE\tHEAD\tLATENCY\tLABEL")
	for _, f := range flows {
		latency := fmt.Sprint(f.Latency)
		if f.Stale {
			latency += " (stale)"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n", f.ID, f.Format, f.Rate, f.HeadIndex, latency, f.Label)
	}
	tw.Flush()
}

func printDetail(out io.Writer, d inspect.FlowDetail) {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	row := func(k string, v any) { fmt.Fprintf(tw, "%s\t%v\n", k, v) }
	row("Flow", d.ID)
	row("Label", d.Label)
	row("Media type", d.MediaType)
	row("Format", d.Format)
	row("Rate", d.Rate)
	c := d.Config
	if c.Format == store.FormatDiscrete {
		row("Grain count", c.GrainCount)
		row("Grain size", c.GrainSize)
		row("Slices", c.TotalSlices)
	} else {
		row("Channels", c.ChannelCount)
		row("Buffer length", c.BufferLength)
		row("Word size", c.SampleWordSize)
	}
	row("Commit batch hint", c.MaxCommitBatchSizeHint)
	row("Sync batch hint", c.MaxSyncBatchSizeHint)
	row("Head index", d.HeadIndex)
	row("Current index", d.Current)
	row("Latency", d.Latency)
	row("Last write", fmt.Sprintf("%dms ago", d.LastWriteAgeMs))
	row("Last read", fmt.Sprintf("%dms ago", d.LastReadAgeMs))
	tw.Flush()
	if d.Stale {
		fmt.Fprintf(out, "warning: latency %d exceeds the %d indices the flow retains\n", d.Latency, d.Capacity)
	}
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
