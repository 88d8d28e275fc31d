package cli

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/strand-protocol/strand/mgmtapi/pkg/batch"
)

var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Allocate and release batch ids on a server",
}

var batchCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Allocate a batch id",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext(cmd)
		defer cancel()
		c, err := dial(ctx)
		if err != nil {
			return err
		}
		defer c.Close()

		id, err := c.CreateBatchID(ctx)
		if errors.Is(err, batch.ErrNoManager) {
			return fmt.Errorf("server at %s has no batch id manager", targetAddr())
		}
		if err != nil {
			return fmt.Errorf("create batch id: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), id)
		return nil
	},
}

var batchFreeCmd = &cobra.Command{
	Use:   "free ID",
	Short: "Release a batch id",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 32)
		if err != nil {
			return fmt.Errorf("invalid batch id %q: %w", args[0], err)
		}

		ctx, cancel := requestContext(cmd)
		defer cancel()
		c, err := dial(ctx)
		if err != nil {
			return err
		}
		defer c.Close()

		if err := c.FreeBatchID(ctx, int32(id)); err != nil {
			return fmt.Errorf("free batch id %d: %w", id, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "freed batch id %d\n", id)
		return nil
	},
}

func init() {
	batchCmd.AddCommand(batchCreateCmd, batchFreeCmd)
	rootCmd.AddCommand(batchCmd)
}
