package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var schemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Inspect the registry schema",
	Long: `Inspect the schema that every service is validated against.

Examples:
  csmctl schema list
  csmctl schema show ttl
  csmctl schema version`,
}

var schemaListCmd = &cobra.Command{
	Use:   "list",
	Short: "List schema fields",
	RunE:  runSchemaList,
}

var schemaShowCmd = &cobra.Command{
	Use:   "show <field>",
	Short: "Show one schema field",
	Args:  cobra.ExactArgs(1),
	RunE:  runSchemaShow,
}

var schemaVersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the schema version",
	RunE:  runSchemaVersion,
}

func init() {
	rootCmd.AddCommand(schemaCmd)

	schemaCmd.AddCommand(schemaListCmd)
	schemaCmd.AddCommand(schemaShowCmd)
	schemaCmd.AddCommand(schemaVersionCmd)
}

func runSchemaList(cmd *cobra.Command, args []string) error {
	app, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer app.Close()

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tTYPE\tREQUIRED")
	fmt.Fprintln(w, "----\t----\t--------")
	for f, err := range app.Catalog.All() {
		if err != nil {
			return fmt.Errorf("read schema: %w", err)
		}
		fmt.Fprintf(w, "%s\t%s\t%t\n", f.Name, f.Describe(), f.Required)
	}
	return w.Flush()
}

func runSchemaShow(cmd *cobra.Command, args []string) error {
	app, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer app.Close()

	f, err := app.Catalog.FieldByName(args[0])
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Field:     %s\n", f.Name)
	fmt.Fprintf(out, "Type:      %s\n", f.Type)
	fmt.Fprintf(out, "Required:  %t\n", f.Required)
	if f.Min != nil {
		fmt.Fprintf(out, "Min:       %d\n", *f.Min)
	}
	if f.Max != nil {
		fmt.Fprintf(out, "Max:       %d\n", *f.Max)
	}
	if f.Length != nil {
		fmt.Fprintf(out, "Length:    %d\n", *f.Length)
	}
	if f.Subtype.Valid() {
		fmt.Fprintf(out, "Subtype:   %s\n", f.Subtype)
	}
	return nil
}

func runSchemaVersion(cmd *cobra.Command, args []string) error {
	app, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer app.Close()

	fmt.Fprintln(cmd.OutOrStdout(), app.Catalog.Version())
	return nil
}
