package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/fatih/color"
	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"github.com/tansive/console/internal/common/httpclient"
	"github.com/tansive/console/internal/common/logtrace"
)

const binaryName = "console"

var ErrAlreadyHandled = errors.New("already handled")

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var okLabel = color.New(color.FgGreen)
var errorLabel = color.New(color.FgRed)
var warnLabel = color.New(color.FgYellow)

// rootOptions holds the persistent flags.
type rootOptions struct {
	jsonOutput bool
	configFile string
	logLevel   string
	retries    uint
	retryDelay time.Duration
}

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	o := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:   binaryName + " [command] [flags]",
		Short: "Console CLI - browse users, teams and hosts of a console server",
		Long: `Console CLI is a command line client for a console server.
It keeps a session token in your configuration file and lists server
collections page by page.

Examples:
  # Point the CLI at a server
  console config --server https://console.example.com

  # Log in
  console login --username root --password secret

  # List the second page of users, 20 per page
  console list users --page 2 --limit 20

  # Export every host of a batch as JSON
  console list hosts --batch b1 --all -j`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logtrace.InitLoggerWithWriter(cmd.ErrOrStderr(), o.logLevel)
		},
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&o.configFile, "config", "", "", "Path to configuration file to override default")
	rootCmd.PersistentFlags().BoolVarP(&o.jsonOutput, "json", "j", false, "Output in JSON format")
	rootCmd.PersistentFlags().StringVarP(&o.logLevel, "log-level", "", "warn", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().UintVarP(&o.retries, "retries", "", 1, "Attempts per request on network failures")
	rootCmd.PersistentFlags().DurationVarP(&o.retryDelay, "retry-delay", "", 200*time.Millisecond, "Initial back-off between retries")

	rootCmd.AddCommand(newVersionCmd(o))
	rootCmd.AddCommand(newConfigCmd(o))
	rootCmd.AddCommand(newLoginCmd(o))
	rootCmd.AddCommand(newLogoutCmd(o))
	rootCmd.AddCommand(newWhoamiCmd(o))
	rootCmd.AddCommand(newStatusCmd(o))
	rootCmd.AddCommand(newListCmd(o))

	rootCmd.SilenceErrors = true // Prevent Cobra from printing the error
	rootCmd.SilenceUsage = true  // Prevent Cobra from printing usage on error
	return rootCmd
}

// Execute runs the CLI with the process arguments. This is called by
// main.main().
func Execute(ctx context.Context) {
	rootCmd := NewRootCmd()
	err := rootCmd.ExecuteContext(ctx)
	if err != nil {
		if errors.Is(err, ErrAlreadyHandled) {
			os.Exit(1)
		}
		if jsonFlag, _ := rootCmd.PersistentFlags().GetBool("json"); jsonFlag {
			printJSON(os.Stdout, map[string]string{
				"error": err.Error(),
			})
		} else {
			errorLabel.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}

// loadApp loads the configuration and wires the components for cmd.
func (o *rootOptions) loadApp(cmd *cobra.Command) (*app, error) {
	cfg, err := LoadConfig(o.configFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found. Configure the CLI with \"%s config --server URL\" first", binaryName)
		}
		return nil, err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return newApp(o, cfg, cmd.ErrOrStderr(), httpclient.WithBaseContext(ctx))
}

// newVersionCmd creates and returns a new version command
func newVersionCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version number of the console CLI",
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath := o.configFile
			if configPath == "" {
				var err error
				configPath, err = GetDefaultConfigPath()
				if err != nil {
					configPath = "unknown"
				}
			}

			if o.jsonOutput {
				return printJSON(cmd.OutOrStdout(), map[string]string{
					"version":     getCLIVersion(),
					"config_file": configPath,
				})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s CLI %s\n", binaryName, getCLIVersion())
			fmt.Fprintf(cmd.OutOrStdout(), "Config file: %s\n", configPath)
			return nil
		},
	}
}

// printJSON prints data as indented JSON to w
func printJSON(w io.Writer, data any) error {
	jsonData, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(jsonData))
	return err
}

// getCLIVersion returns the current CLI version
func getCLIVersion() string {
	return "v0.1.0"
}
