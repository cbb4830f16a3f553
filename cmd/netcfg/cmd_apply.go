package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charlesren/netcfg/connection"
	"github.com/charlesren/netcfg/manager"
	"github.com/charlesren/netcfg/task"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

type applyOptions struct {
	file         string
	addresses    []string
	port         int
	family       string
	authRef      string
	username     string
	password     string
	enableSecret string
	jsonOutput   bool
}

// readPassword 从终端读取密码，不回显
var readPassword = func(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("password required: use --password or NETCFG_PASSWORD")
	}
	fmt.Fprint(os.Stderr, prompt)
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func newApplyCmd(c *cli) *cobra.Command {
	o := &applyOptions{}
	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Apply one intent to one or more devices",
		Long: `Decode an intent document (YAML or JSON) and push its command batch
to each --address. The batch is sent at most once per device; only
failures before any command was sent are retried.

  netcfg apply -f ospf.yaml --address 192.0.2.1 --family cisco_ios -u admin
  cat acl.json | netcfg apply -f - --address 192.0.2.1 --address 192.0.2.2`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runApply(cmd, c, o)
		},
	}
	f := cmd.Flags()
	f.StringVarP(&o.file, "file", "f", "", "intent document, - for stdin")
	f.StringSliceVarP(&o.addresses, "address", "a", nil, "device address (repeatable)")
	f.IntVarP(&o.port, "port", "p", 0, "device port (default: family default)")
	f.StringVar(&o.family, "family", "", "device family, e.g. cisco_ios")
	f.StringVar(&o.authRef, "auth-ref", "", "credential reference recorded with the device")
	f.StringVarP(&o.username, "username", "u", os.Getenv("NETCFG_USERNAME"), "login username")
	f.StringVar(&o.password, "password", os.Getenv("NETCFG_PASSWORD"), "login password (prompted when empty)")
	f.StringVar(&o.enableSecret, "enable-secret", os.Getenv("NETCFG_ENABLE_SECRET"), "privileged mode secret")
	f.BoolVar(&o.jsonOutput, "json", false, "print results as JSON")
	cmd.MarkFlagRequired("file")
	cmd.MarkFlagRequired("address")
	return cmd
}

func runApply(cmd *cobra.Command, c *cli, o *applyOptions) error {
	data, err := readIntentFile(cmd.InOrStdin(), o.file)
	if err != nil {
		return err
	}
	intent, err := task.DecodeIntent(data)
	if err != nil {
		return err
	}

	if o.password == "" {
		if o.password, err = readPassword(fmt.Sprintf("Password for %s: ", o.username)); err != nil {
			return err
		}
	}
	creds := connection.Credentials{Username: o.username, Password: o.password, EnableSecret: o.enableSecret}

	reqs := make([]manager.ApplyRequest, 0, len(o.addresses))
	for _, addr := range o.addresses {
		reqs = append(reqs, manager.ApplyRequest{
			Intent: intent,
			Endpoint: connection.DeviceEndpoint{
				Address: strings.TrimSpace(addr),
				Port:    o.port,
				Family:  connection.Family(o.family),
				AuthRef: o.authRef,
			},
			Credentials: creds,
		})
	}

	a, err := newApp(cmd.Context(), c.cfg)
	if err != nil {
		return err
	}
	results := a.mgr.ApplyAll(cmd.Context(), reqs)
	if err := a.Close(); err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "warning: shutdown: %v\n", err)
	}

	out := cmd.OutOrStdout()
	if o.jsonOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(results); err != nil {
			return err
		}
	} else {
		for _, r := range results {
			printResult(out, r)
		}
	}

	var errs []error
	for _, r := range results {
		if err := r.Err(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", r.Endpoint.Key(), err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%d of %d devices did not apply cleanly: %w", len(errs), len(results), errors.Join(errs...))
	}
	return nil
}

func readIntentFile(stdin io.Reader, path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(stdin)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading intent: %w", err)
	}
	return data, nil
}

func printResult(w io.Writer, r task.ExecutionResult) {
	fmt.Fprintln(w, r.Summary())
	for _, s := range r.CommandStatus {
		mark := "ok"
		if s.State != connection.CommandOK {
			mark = string(s.State)
		}
		fmt.Fprintf(w, "  [%s] %s\n", mark, s.Command)
		if s.State != connection.CommandOK && s.Output != "" {
			fmt.Fprintf(w, "        %s\n", strings.TrimSpace(s.Output))
		}
	}
	if r.NeedsVerification {
		fmt.Fprintf(w, "  device %s needs manual verification\n", r.Endpoint.Key())
	}
	if r.PersistError != "" {
		fmt.Fprintf(w, "  warning: result not saved: %s\n", r.PersistError)
	}
}
