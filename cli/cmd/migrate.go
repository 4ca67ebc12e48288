package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	vault "github.com/CrisisCore-Systems/pain-tracker-sub010"
)

// Migration exit codes, part of the tool's contract with calling scripts.
const (
	exitClean      = 0 // completed with zero errors
	exitWithErrors = 1 // completed, some records failed
	exitFatal      = 2 // fatal or unhandled failure
)

var (
	migrateDryRun     bool
	migrateBackupPath string
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Upgrade legacy-format records to the current wire format",
	Long: `Scans every record in the store, decrypts records written in the legacy
(1.x) wire format, and rewrites them in the current authenticated format.

With --dry-run the scan reports what would change without writing anything.
With --backup a JSON export of all legacy records is written before the
first rewrite; if the path is "-" the export goes to standard output.`,
	RunE: runMigrate,
}

func init() {
	migrateCmd.Flags().BoolVarP(&migrateDryRun, "dry-run", "n", false, "scan and report without writing")
	migrateCmd.Flags().StringVar(&migrateBackupPath, "backup", "", "write a pre-migration export to this path (\"-\" for stdout)")
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, args []string) error {
	opts := vault.MigrationOptions{DryRun: migrateDryRun}
	switch migrateBackupPath {
	case "":
	case "-":
		opts.BackupWriter = os.Stdout
	default:
		opts.BackupPath = migrateBackupPath
	}

	report, err := vaultSvc.MigrateLegacyRecords(context.Background(), opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Migration failed: %v\n", err)
		exit(exitFatal)
	}

	if err = printYAML(report); err != nil {
		return err
	}

	if len(report.Errors) > 0 {
		exit(exitWithErrors)
	}
	return nil
}

// exit closes the vault before terminating, since os.Exit skips the cobra
// post-run hook.
func exit(code int) {
	if vaultSvc != nil {
		_ = vaultSvc.Close()
	}
	os.Exit(code)
}
