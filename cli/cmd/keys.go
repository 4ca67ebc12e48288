package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var keyCmd = &cobra.Command{
	Use:   "key",
	Short: "Manage encryption keys",
}

var keyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all known key ids",
	RunE: func(cmd *cobra.Command, args []string) error {
		ids, err := vaultSvc.ListKeys(context.Background())
		if err != nil {
			return err
		}
		return printYAML(map[string]interface{}{"keys": ids, "count": len(ids)})
	},
}

var keyGenerateCmd = &cobra.Command{
	Use:   "generate <key-id>",
	Short: "Generate a fresh key bundle for the given id",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := vaultSvc.GenerateKey(context.Background(), args[0]); err != nil {
			return err
		}
		fmt.Printf("Key %q generated\n", args[0])
		return nil
	},
}

var keyRotateCmd = &cobra.Command{
	Use:   "rotate <key-id>",
	Short: "Rotate a single key, archiving its prior material",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := vaultSvc.RotateKey(context.Background(), args[0]); err != nil {
			return err
		}
		fmt.Printf("Key %q rotated\n", args[0])
		return nil
	},
}

var keyDeleteCmd = &cobra.Command{
	Use:   "delete <key-id>",
	Short: "Delete a key bundle",
	Long: `Deletes the key bundle for the given id. Records encrypted under the key
become permanently undecryptable, so this asks for confirmation unless
--force is given.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")
		if !force {
			fmt.Printf("Deleting key %q makes its records undecryptable. Continue? [y/N]: ", args[0])
			var answer string
			_, _ = fmt.Scanln(&answer)
			if answer != "y" && answer != "Y" {
				fmt.Println("Aborted")
				return nil
			}
		}
		if err := vaultSvc.DeleteKey(context.Background(), args[0]); err != nil {
			return err
		}
		fmt.Printf("Key %q deleted\n", args[0])
		return nil
	},
}

func init() {
	keyDeleteCmd.Flags().Bool("force", false, "skip the confirmation prompt")
	keyCmd.AddCommand(keyListCmd, keyGenerateCmd, keyRotateCmd, keyDeleteCmd)
	rootCmd.AddCommand(keyCmd)
}
