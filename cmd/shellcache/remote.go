package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/shellcache/shellcache"
	"github.com/spf13/cobra"
)

// controlClient talks to the control endpoints of a running shellcache.
type controlClient struct {
	base   string
	client *http.Client
}

func newControlClient(base string) *controlClient {
	return &controlClient{
		base:   strings.TrimRight(base, "/") + shellcache.ControlPrefix,
		client: &http.Client{Timeout: 2 * time.Minute},
	}
}

// do sends the request and decodes the JSON answer into out, if not nil.
func (c *controlClient) do(ctx context.Context, method, path string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	res, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		if json.NewDecoder(res.Body).Decode(&e) == nil && e.Error != "" {
			return fmt.Errorf("%s %s: %s", method, path, e.Error)
		}
		return fmt.Errorf("%s %s: %s", method, path, res.Status)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(res.Body).Decode(out)
}

func newCachesCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "caches",
		Short: "List cache generations, connected pages and queued writes",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var status shellcache.Status
			if err := newControlClient(root.controlURL).do(cmd.Context(), http.MethodGet, "/status", nil, &status); err != nil {
				return err
			}
			return renderStatus(cmd.OutOrStdout(), status)
		},
	}
}

func renderStatus(w io.Writer, status shellcache.Status) error {
	green := color.New(color.FgGreen).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()

	table := tablewriter.NewTable(w)
	table.Header([]string{"Generation", "Entries", "State"})
	for _, c := range status.Caches {
		state := red("stale")
		switch c.Name {
		case status.Registration.ActiveVersion():
			state = green("active")
		case status.Registration.WaitingVersion():
			state = yellow("waiting")
		}
		if err := table.Append([]string{c.Name, fmt.Sprint(c.Entries), state}); err != nil {
			return err
		}
	}
	if err := table.Render(); err != nil {
		return fmt.Errorf("an error occurred while rendering the table: %w", err)
	}

	if status.Registration.Installing != nil {
		fmt.Fprintf(w, "Installing: %s\n", status.Registration.Installing.Version)
	}
	fmt.Fprintf(w, "Pages: %d, queued writes: %d\n", len(status.Clients), status.Pending)
	return nil
}

func newRegisterCmd(root *rootOptions) *cobra.Command {
	var version string
	var manifest []string
	cmd := &cobra.Command{
		Use:     "register",
		Short:   "Install a new version on a running shellcache",
		Example: `shellcache register --cache-version 2024-05-01 --manifest /,/index.html,/css/style.css,/js/app.js`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			body, err := json.Marshal(map[string]any{"version": version, "manifest": manifest})
			if err != nil {
				return err
			}
			var reg shellcache.Registration
			if err := newControlClient(root.controlURL).do(cmd.Context(), http.MethodPost, "/register", body, &reg); err != nil {
				return err
			}
			printRegistration(cmd.OutOrStdout(), reg)
			return nil
		},
	}
	cmd.Flags().StringVar(&version, "cache-version", "", "Version to install")
	cmd.Flags().StringSliceVar(&manifest, "manifest", nil, "URLs of the app shell")
	cmd.MarkFlagRequired("cache-version")
	cmd.MarkFlagRequired("manifest")
	return cmd
}

func newSkipWaitingCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "skip-waiting",
		Short: "Activate the waiting version now, taking over open pages",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var reg shellcache.Registration
			body := []byte(`{"type":"SKIP_WAITING"}`)
			if err := newControlClient(root.controlURL).do(cmd.Context(), http.MethodPost, "/message", body, &reg); err != nil {
				return err
			}
			printRegistration(cmd.OutOrStdout(), reg)
			return nil
		},
	}
}

func newPushCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "push [payload]",
		Short:   "Deliver a push message to the connected pages",
		Example: `shellcache push '{"title":"Reminder","body":"Chapter 3 is open"}'`,
		Args:    cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload := []byte("{}")
			if len(args) == 1 {
				payload = []byte(args[0])
			}
			if err := newControlClient(root.controlURL).do(cmd.Context(), http.MethodPost, "/push", payload, nil); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Push delivered")
			return nil
		},
	}
}

func newSyncCmd(root *rootOptions) *cobra.Command {
	var tag string
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Replay queued offline writes",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var res struct {
				Replayed int `json:"replayed"`
			}
			body, err := json.Marshal(map[string]string{"tag": tag})
			if err != nil {
				return err
			}
			if err := newControlClient(root.controlURL).do(cmd.Context(), http.MethodPost, "/sync", body, &res); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Replayed %d queued writes\n", res.Replayed)
			return nil
		},
	}
	cmd.Flags().StringVar(&tag, "tag", shellcache.SyncTag, "Sync tag")
	return cmd
}

func printRegistration(w io.Writer, reg shellcache.Registration) {
	active := reg.ActiveVersion()
	if active == "" {
		active = "-"
	}
	fmt.Fprintf(w, "Active: %s\n", color.New(color.FgGreen).Sprint(active))
	if waiting := reg.WaitingVersion(); waiting != "" {
		fmt.Fprintf(w, "Waiting: %s (activates when all pages are closed)\n", color.New(color.FgYellow).Sprint(waiting))
	}
}
