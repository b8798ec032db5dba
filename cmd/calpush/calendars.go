package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/macjediwizard/calpush/internal/validator"
	"github.com/spf13/cobra"
)

const probeTimeout = 15 * time.Second

var calendarsCmd = &cobra.Command{
	Use:   "calendars",
	Short: "List calendars on the CalDAV server and mark the push target",
	RunE:  runCalendars,
}

func init() {
	calendarsCmd.Flags().Bool("probe", false, "check the endpoint advertises calendar-access before discovery")
}

func runCalendars(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	ctx := cmd.Context()

	probe, err := cmd.Flags().GetBool("probe")
	if err != nil {
		return err
	}
	if probe {
		var opts []validator.Option
		if !a.cfg.IsProduction() {
			opts = append(opts, validator.WithAllowPrivateIPs())
		}
		probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
		err := validator.New(opts...).ValidateCalDAVEndpoint(probeCtx, a.cfg.CalDAV.URL, a.cfg.IsProduction())
		cancel()
		if err != nil {
			a.log.WithError(err).Warn("Endpoint probe failed")
		}
	}

	collections, selected, err := a.engine.Calendars(ctx)
	if err != nil && collections == nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "\tPATH\tNAME\tCOMPONENTS\tACCESS")
	for _, col := range collections {
		mark := ""
		if selected != nil && col.Path == selected.Path {
			mark = "*"
		}
		access := "rw"
		if col.ReadOnly {
			access = "ro"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", mark, col.Path, col.Name,
			strings.Join(col.SupportedComponents, ","), access)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	// err is set when no listed collection can be pushed to
	return err
}
