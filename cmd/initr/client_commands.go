package main

import (
	"context"
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/initr/pkg/client"
)

// APIFlags holds connection flags shared by the client subcommands.
type APIFlags struct {
	URL     string
	Timeout time.Duration
}

func (f *APIFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.URL, "api-url", "http://localhost:8080", "control API base URL")
	cmd.Flags().DurationVar(&f.Timeout, "api-timeout", 10*time.Second, "control API request timeout")
}

func (f *APIFlags) client() *client.Client {
	return client.New(client.Config{BaseURL: f.URL, Timeout: f.Timeout})
}

func newStatusCmd() *cobra.Command {
	api := &APIFlags{}
	var name string
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the status of supervised services",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), api.Timeout)
			defer cancel()
			c := api.client()
			if name != "" {
				st, err := c.Service(ctx, name)
				if err != nil {
					return err
				}
				return printStatuses(cmd, []client.ServiceStatus{st}, asJSON)
			}
			sts, err := c.Services(ctx)
			if err != nil {
				return err
			}
			return printStatuses(cmd, sts, asJSON)
		},
	}
	api.register(cmd)
	cmd.Flags().StringVar(&name, "name", "", "show only this service")
	cmd.Flags().BoolVar(&asJSON, "json", false, "output JSON")
	return cmd
}

func printStatuses(cmd *cobra.Command, sts []client.ServiceStatus, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(sts)
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "NAME\tSTATE\tPID\tREADY\tRESTARTS")
	for _, st := range sts {
		pid := ""
		if st.PID != 0 {
			pid = fmt.Sprintf("%d", st.PID)
		}
		state := st.State
		if st.Blocked {
			state += " (blocked)"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%v\t%d\n", st.Name, state, pid, st.Ready, st.Restarts)
	}
	return w.Flush()
}

func newSignalCmd() *cobra.Command {
	api := &APIFlags{}
	var name, sig string
	cmd := &cobra.Command{
		Use:   "signal",
		Short: "Send a signal to a running service",
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" || sig == "" {
				return fmt.Errorf("--name and --signal are required")
			}
			ctx, cancel := context.WithTimeout(context.Background(), api.Timeout)
			defer cancel()
			if err := api.client().Signal(ctx, name, sig); err != nil {
				return err
			}
			cmd.Printf("signal %s sent to %s\n", sig, name)
			return nil
		},
	}
	api.register(cmd)
	cmd.Flags().StringVar(&name, "name", "", "service name")
	cmd.Flags().StringVar(&sig, "signal", "", "signal name, e.g. HUP or SIGUSR1")
	return cmd
}

func newShutdownCmd() *cobra.Command {
	api := &APIFlags{}
	cmd := &cobra.Command{
		Use:   "shutdown",
		Short: "Ask the supervisor to shut all services down gracefully",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), api.Timeout)
			defer cancel()
			if err := api.client().Shutdown(ctx); err != nil {
				return err
			}
			cmd.Println("shutdown requested")
			return nil
		},
	}
	api.register(cmd)
	return cmd
}
