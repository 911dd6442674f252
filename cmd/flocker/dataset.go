package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/xucaiyong/flocker/pkg/api"
	"github.com/xucaiyong/flocker/pkg/client"
)

func controlClient(cmd *cobra.Command) *client.ControlClient {
	addr, _ := cmd.Flags().GetString("control")
	return client.NewControlClient(addr)
}

func cliContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 30*time.Second)
}

// Dataset commands
var datasetCmd = &cobra.Command{
	Use:   "dataset",
	Short: "Manage datasets",
}

var datasetCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a dataset on a node",
	RunE: func(cmd *cobra.Command, args []string) error {
		primary, _ := cmd.Flags().GetString("node")
		size, _ := cmd.Flags().GetInt64("size")
		metadata, _ := cmd.Flags().GetStringToString("metadata")
		datasetID, _ := cmd.Flags().GetString("dataset-id")

		ctx, cancel := cliContext()
		defer cancel()

		resp, err := controlClient(cmd).CreateDataset(ctx, api.CreateDatasetRequest{
			DatasetID:   datasetID,
			Primary:     primary,
			MaximumSize: size,
			Metadata:    metadata,
		})
		if err != nil {
			return err
		}

		fmt.Printf("✓ Dataset created\n")
		fmt.Printf("  Dataset ID: %s\n", resp.Dataset.ID)
		fmt.Printf("  Primary: %s\n", resp.Primary)
		fmt.Printf("  Maximum Size: %d\n", resp.Dataset.MaximumSize)
		return nil
	},
}

var datasetMoveCmd = &cobra.Command{
	Use:   "move DATASET_ID",
	Short: "Move a dataset's primary to another node",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		primary, _ := cmd.Flags().GetString("node")

		ctx, cancel := cliContext()
		defer cancel()

		if err := controlClient(cmd).MoveDataset(ctx, args[0], primary); err != nil {
			return err
		}
		fmt.Printf("✓ Dataset %s moving to %s\n", args[0], primary)
		fmt.Println("The agents hand the data off in the background; watch 'flocker state list'.")
		return nil
	},
}

var datasetDeleteCmd = &cobra.Command{
	Use:     "delete DATASET_ID",
	Aliases: []string{"rm"},
	Short:   "Mark a dataset for deletion everywhere",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := cliContext()
		defer cancel()

		if err := controlClient(cmd).DeleteDataset(ctx, args[0]); err != nil {
			return err
		}
		fmt.Printf("✓ Dataset %s marked for deletion\n", args[0])
		return nil
	},
}

var datasetMetadataCmd = &cobra.Command{
	Use:   "set-metadata DATASET_ID",
	Short: "Replace a dataset's metadata",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		metadata, _ := cmd.Flags().GetStringToString("metadata")

		ctx, cancel := cliContext()
		defer cancel()

		if err := controlClient(cmd).SetDatasetMetadata(ctx, args[0], metadata); err != nil {
			return err
		}
		fmt.Printf("✓ Metadata updated for dataset %s\n", args[0])
		return nil
	},
}

var datasetListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List configured datasets",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := cliContext()
		defer cancel()

		datasets, err := controlClient(cmd).ListDatasets(ctx)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "DATASET ID\tPRIMARY\tSIZE\tDELETED")
		for _, d := range datasets {
			fmt.Fprintf(w, "%s\t%s\t%d\t%v\n", d.Dataset.ID, d.Primary, d.Dataset.MaximumSize, d.Deleted)
		}
		return w.Flush()
	},
}

func init() {
	datasetCmd.AddCommand(datasetCreateCmd)
	datasetCmd.AddCommand(datasetMoveCmd)
	datasetCmd.AddCommand(datasetDeleteCmd)
	datasetCmd.AddCommand(datasetMetadataCmd)
	datasetCmd.AddCommand(datasetListCmd)

	datasetCreateCmd.Flags().String("node", "", "Node ID for the primary manifestation")
	datasetCreateCmd.Flags().Int64("size", 0, "Maximum size in bytes (0 = unsized)")
	datasetCreateCmd.Flags().StringToString("metadata", nil, "Metadata key/value pairs")
	datasetCreateCmd.Flags().String("dataset-id", "", "Dataset ID (generated when omitted)")
	datasetCreateCmd.MarkFlagRequired("node")

	datasetMoveCmd.Flags().String("node", "", "Destination node ID")
	datasetMoveCmd.MarkFlagRequired("node")

	datasetMetadataCmd.Flags().StringToString("metadata", nil, "Metadata key/value pairs")
}

// Node commands
var nodeCmd = &cobra.Command{
	Use:   "node",
	Short: "Manage nodes",
}

var nodeListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List registered nodes",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := cliContext()
		defer cancel()

		nodes, err := controlClient(cmd).ListNodes(ctx)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NODE ID\tADDRESS")
		for _, n := range nodes {
			fmt.Fprintf(w, "%s\t%s\n", n.ID, n.Address)
		}
		return w.Flush()
	},
}

func init() {
	nodeCmd.AddCommand(nodeListCmd)
}

// State commands
var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Inspect observed cluster state",
}

var stateListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List observed dataset placement and convergence status",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := cliContext()
		defer cancel()

		state, err := controlClient(cmd).GetState(ctx)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NODE\tDATASET ID\tPRIMARY\tSTATUS\tOBSERVED")
		for nodeID, ns := range state.Nodes {
			statuses := make(map[string]string)
			for _, st := range ns.Statuses {
				statuses[st.DatasetID] = string(st.Kind)
			}
			for _, m := range ns.Manifestations {
				status := statuses[m.Dataset.ID]
				if status == "" {
					status = "-"
				}
				fmt.Fprintf(w, "%s\t%s\t%v\t%s\t%s\n",
					nodeID, m.Dataset.ID, m.Primary, status,
					ns.ObservedAt.Format(time.RFC3339))
			}
		}
		return w.Flush()
	},
}

func init() {
	stateCmd.AddCommand(stateListCmd)
}
