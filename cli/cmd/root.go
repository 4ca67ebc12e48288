package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	vault "github.com/CrisisCore-Systems/pain-tracker-sub010"
	"github.com/CrisisCore-Systems/pain-tracker-sub010/audit"
	"github.com/CrisisCore-Systems/pain-tracker-sub010/securestore"
)

var (
	cfgFile     string
	vaultPath   string
	passphrase  string
	vaultSvc    *vault.Vault
	auditLogger audit.Logger
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "painvault",
	Short: "Key lifecycle and record migration tooling for the encrypted record store",
	Long: `painvault manages the envelope-encryption engine that protects health
records at rest: generating, rotating, and deleting encryption keys, and
migrating records written in the legacy wire format to the current
authenticated format.`,
	PersistentPreRunE: initializeVault,
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if vaultSvc != nil {
			return vaultSvc.Close()
		}
		return nil
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitFatal)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.painvault.yaml)")
	rootCmd.PersistentFlags().StringVarP(&vaultPath, "vault-path", "p", "", "path to vault storage")
	rootCmd.PersistentFlags().StringVar(&passphrase, "passphrase", "", "vault passphrase (or use PAINVAULT_PASSPHRASE env var)")
	rootCmd.PersistentFlags().String("store-type", "", "storage backend type (filesystem, s3)")

	bindFlagOrPanic("vault.path", "vault-path")
	bindFlagOrPanic("vault.passphrase", "passphrase")
	bindFlagOrPanic("vault.store_type", "store-type")

	rootCmd.PersistentFlags().Bool("audit", false, "enable audit logging")
	rootCmd.PersistentFlags().String("audit-type", "", "audit logger type (file, syslog)")
	rootCmd.PersistentFlags().String("audit-file", "", "audit log file path")

	bindFlagOrPanic("audit.enabled", "audit")
	bindFlagOrPanic("audit.type", "audit-type")
	bindFlagOrPanic("audit.options.file_path", "audit-file")

	rootCmd.PersistentFlags().String("s3-endpoint", "", "S3 endpoint URL")
	rootCmd.PersistentFlags().String("s3-region", "", "S3 region")
	rootCmd.PersistentFlags().String("s3-bucket", "", "S3 bucket name")
	rootCmd.PersistentFlags().String("s3-prefix", "", "S3 key prefix")
	rootCmd.PersistentFlags().String("s3-access-key", "", "S3 access key ID")
	rootCmd.PersistentFlags().String("s3-secret-key", "", "S3 secret access key")
	rootCmd.PersistentFlags().Bool("s3-use-ssl", true, "Use SSL for S3 connections")

	bindFlagOrPanic("vault.s3.endpoint", "s3-endpoint")
	bindFlagOrPanic("vault.s3.region", "s3-region")
	bindFlagOrPanic("vault.s3.bucket", "s3-bucket")
	bindFlagOrPanic("vault.s3.prefix", "s3-prefix")
	bindFlagOrPanic("vault.s3.access_key_id", "s3-access-key")
	bindFlagOrPanic("vault.s3.secret_access_key", "s3-secret-key")
	bindFlagOrPanic("vault.s3.use_ssl", "s3-use-ssl")
}

func bindFlagOrPanic(configKey, flagName string) {
	if err := viper.BindPFlag(configKey, rootCmd.PersistentFlags().Lookup(flagName)); err != nil {
		panic(fmt.Sprintf("failed to bind %s flag: %v", flagName, err))
	}
}

func initConfig() {
	setDefaults()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(home)
		}
		viper.AddConfigPath(".")

		viper.SetConfigType("yaml")
		viper.SetConfigName(".painvault")
	}

	viper.SetEnvPrefix("PAINVAULT")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			fmt.Fprintf(os.Stderr, "Error reading config file: %v\n", err)
		}
		// Config file not found is OK, defaults and env vars apply
	}
}

func setDefaults() {
	viper.SetDefault("vault.path", ".painvault")
	viper.SetDefault("vault.store_type", "filesystem")

	viper.SetDefault("vault.s3.region", "us-east-1")
	viper.SetDefault("vault.s3.prefix", "painvault/")
	viper.SetDefault("vault.s3.use_ssl", true)

	viper.SetDefault("audit.enabled", false)
	viper.SetDefault("audit.type", "file")
	viper.SetDefault("audit.log_level", "info")
	viper.SetDefault("audit.options.file_path", "audit.log")
}

func initializeVault(cmd *cobra.Command, args []string) error {
	if cmd.Name() == "help" || cmd.Name() == "completion" || cmd.Name() == "__complete" {
		return nil
	}

	vaultPath = viper.GetString("vault.path")

	if viper.GetString("audit.options.file_path") == "audit.log" {
		viper.Set("audit.options.file_path", filepath.Join(vaultPath, "audit.log"))
	}

	passphrase = viper.GetString("vault.passphrase")
	if passphrase == "" {
		passphrase = os.Getenv("PAINVAULT_PASSPHRASE")
	}

	store, err := createStore(viper.GetString("vault.store_type"))
	if err != nil {
		return fmt.Errorf("failed to create storage backend: %w", err)
	}

	auditLogger, err = createAuditLogger()
	if err != nil {
		return fmt.Errorf("failed to create audit logger: %w", err)
	}

	options := vault.DefaultOptions()
	options.DerivationPassphrase = passphrase

	vaultSvc, err = vault.New(options, store, auditLogger)
	if err != nil {
		return fmt.Errorf("failed to initialize vault: %w", err)
	}

	if err := auditLogger.Log("cli_invoke", true, map[string]interface{}{
		"command": cmd.Name(),
		"flags":   sanitizeFlags(cmd),
	}); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: audit log write failed: %v\n", err)
	}

	return nil
}

// sanitizeFlags collects the flags set on the invocation for the audit
// trail, masking values that may carry secrets.
func sanitizeFlags(cmd *cobra.Command) map[string]interface{} {
	flags := make(map[string]interface{})
	cmd.Flags().VisitAll(func(flag *pflag.Flag) {
		if flag.Changed {
			if isSensitiveFlag(flag.Name) {
				flags[flag.Name] = "[REDACTED]"
			} else {
				flags[flag.Name] = flag.Value.String()
			}
		}
	})
	return flags
}

func isSensitiveFlag(name string) bool {
	switch name {
	case "passphrase", "s3-secret-key", "s3-access-key":
		return true
	}
	return false
}

func createStore(storeType string) (securestore.Store, error) {
	switch securestore.StoreType(storeType) {
	case securestore.StoreTypeFileSystem, "":
		if err := os.MkdirAll(vaultPath, 0700); err != nil {
			return nil, fmt.Errorf("failed to create vault directory: %w", err)
		}
		return securestore.NewFileSystemStore(vaultPath)

	case securestore.StoreTypeS3:
		return securestore.NewS3Store(securestore.S3Config{
			Endpoint:        viper.GetString("vault.s3.endpoint"),
			AccessKeyID:     viper.GetString("vault.s3.access_key_id"),
			SecretAccessKey: viper.GetString("vault.s3.secret_access_key"),
			UseSSL:          viper.GetBool("vault.s3.use_ssl"),
			Region:          viper.GetString("vault.s3.region"),
			Bucket:          viper.GetString("vault.s3.bucket"),
			KeyPrefix:       viper.GetString("vault.s3.prefix"),
		})

	case securestore.StoreTypeMemory:
		return securestore.NewMemoryStore(), nil

	default:
		return nil, fmt.Errorf("unsupported store type: %s", storeType)
	}
}

func createAuditLogger() (audit.Logger, error) {
	return audit.NewLogger(&audit.Config{
		Enabled: viper.GetBool("audit.enabled"),
		Type:    audit.ConfigType(viper.GetString("audit.type")),
		Options: map[string]interface{}{
			"file_path": viper.GetString("audit.options.file_path"),
		},
		LogLevel: viper.GetString("audit.log_level"),
	})
}
