package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/artpar/csmclient/core/record"
)

var servicesCmd = &cobra.Command{
	Use:     "services",
	Aliases: []string{"svc"},
	Short:   "Manage registry services",
	Long: `List, inspect, publish and remove services.

Values are written as NAME=VALUE. Lists are comma separated and are
parsed with the element type the schema declares for the field.

Examples:
  csmctl services list
  csmctl services list --out services.txt
  csmctl services get 3fa2...
  csmctl services create name=chat uri=http://10.0.0.1:8080 ttl=5 lifetime=3600 tag=chat,mesh
  csmctl services set 3fa2... ttl=10
  csmctl services unset 3fa2... icon
  csmctl services remove 3fa2...`,
}

var servicesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List services",
	RunE:  runServicesList,
}

var servicesGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Show one service",
	Args:  cobra.ExactArgs(1),
	RunE:  runServicesGet,
}

var servicesCreateCmd = &cobra.Command{
	Use:   "create NAME=VALUE...",
	Short: "Publish a new local service",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runServicesCreate,
}

var servicesSetCmd = &cobra.Command{
	Use:   "set <key> NAME=VALUE...",
	Short: "Change fields of a local service",
	Args:  cobra.MinimumNArgs(2),
	RunE:  runServicesSet,
}

var servicesUnsetCmd = &cobra.Command{
	Use:   "unset <key> NAME...",
	Short: "Remove fields from a local service",
	Args:  cobra.MinimumNArgs(2),
	RunE:  runServicesUnset,
}

var servicesRemoveCmd = &cobra.Command{
	Use:   "remove <key>",
	Short: "Remove a local service from the registry",
	Args:  cobra.ExactArgs(1),
	RunE:  runServicesRemove,
}

var (
	servicesOut string
)

func init() {
	rootCmd.AddCommand(servicesCmd)

	servicesCmd.AddCommand(servicesListCmd)
	servicesCmd.AddCommand(servicesGetCmd)
	servicesCmd.AddCommand(servicesCreateCmd)
	servicesCmd.AddCommand(servicesSetCmd)
	servicesCmd.AddCommand(servicesUnsetCmd)
	servicesCmd.AddCommand(servicesRemoveCmd)

	servicesListCmd.Flags().StringVarP(&servicesOut, "out", "o", "", "write a full service dump to this file")
}

func runServicesList(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	app, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer app.Close()

	if servicesOut != "" {
		if err := app.Dump(ctx, servicesOut); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s Wrote %d services to %s\n", checkMark, app.Collection.Len(), servicesOut)
		return nil
	}

	out := cmd.OutOrStdout()
	if app.Collection.Len() == 0 {
		fmt.Fprintln(out, "No services found.")
		fmt.Fprintln(out)
		fmt.Fprintln(out, "Publish one with: csmctl services create name=<name> uri=<uri> ttl=<ttl> lifetime=<seconds>")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "KEY\tLOCAL\tNAME\tURI\tFIELDS")
	fmt.Fprintln(w, "---\t-----\t----\t---\t------")
	for r, err := range app.Collection.All() {
		if err != nil {
			return fmt.Errorf("read services: %w", err)
		}
		fmt.Fprintf(w, "%s\t%t\t%s\t%s\t%d\n", r.Key(), r.IsLocal(), text(r, "name"), text(r, "uri"), r.Len())
	}
	return w.Flush()
}

// text returns a string field for display, or "-".
func text(r *record.Record, name string) string {
	v, err := r.Get(name)
	if err != nil {
		return "-"
	}
	if s, ok := v.AsString(); ok {
		return s
	}
	return v.String()
}

func runServicesGet(cmd *cobra.Command, args []string) error {
	app, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer app.Close()

	r, err := app.Collection.Get(args[0])
	if err != nil {
		return err
	}
	printRecord(cmd, r)
	if r.IsLocal() {
		fmt.Fprintf(cmd.OutOrStdout(), "\nsignature valid: %t\n", app.Verify(r))
	}
	return nil
}

func printRecord(cmd *cobra.Command, r *record.Record) {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "key\t%s\n", r.Key())
	fmt.Fprintf(w, "local\t%t\n", r.IsLocal())
	for name, v := range r.All() {
		if name == "key" {
			continue
		}
		fmt.Fprintf(w, "%s\t%s\n", name, v)
	}
	w.Flush()
}

func runServicesCreate(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	app, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer app.Close()

	assignments, err := parseAssignments(app.Catalog, args)
	if err != nil {
		return err
	}

	r, err := app.NewRecord(ctx)
	if err != nil {
		return err
	}
	defer r.Close()

	for _, a := range assignments {
		if err := r.Set(a.name, a.value); err != nil {
			return err
		}
	}
	if err := app.Collection.Append(ctx, r); err != nil {
		return fmt.Errorf("publish service: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "%s Published service %s\n\n", checkMark, r.Key())
	printRecord(cmd, r)
	return nil
}

func runServicesSet(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	app, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer app.Close()

	r, err := app.Collection.Get(args[0])
	if err != nil {
		return err
	}
	assignments, err := parseAssignments(app.Catalog, args[1:])
	if err != nil {
		return err
	}
	for _, a := range assignments {
		if err := r.Set(a.name, a.value); err != nil {
			return err
		}
	}
	if err := r.Commit(ctx); err != nil {
		return fmt.Errorf("commit service: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "%s Updated service %s\n", checkMark, r.Key())
	return nil
}

func runServicesUnset(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	app, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer app.Close()

	r, err := app.Collection.Get(args[0])
	if err != nil {
		return err
	}
	for _, name := range args[1:] {
		if err := r.Delete(name); err != nil {
			return err
		}
	}
	if err := r.Commit(ctx); err != nil {
		return fmt.Errorf("commit service: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "%s Updated service %s\n", checkMark, r.Key())
	return nil
}

func runServicesRemove(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	app, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer app.Close()

	if err := app.Collection.Delete(ctx, args[0]); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s Removed service %s\n", checkMark, args[0])
	return nil
}
