package cmd

import (
	"errors"
	"fmt"
	"log"
	"os"
	"runtime"
	"strings"

	"github.com/containerd/console"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/vlama/vlama/api"
	"github.com/vlama/vlama/envconfig"
	"github.com/vlama/vlama/version"
)

func appendEnvDocs(cmd *cobra.Command, envs []envconfig.EnvVar) {
	if len(envs) == 0 {
		return
	}

	envUsage := `
Environment Variables:
`
	for _, e := range envs {
		envUsage += fmt.Sprintf("      %-24s   %s\n", e.Name, e.Description)
	}

	cmd.SetUsageTemplate(cmd.UsageTemplate() + envUsage)
}

func versionHandler(cmd *cobra.Command, _ []string) {
	client, err := api.ClientFromEnvironment()
	if err != nil {
		return
	}

	serverVersion, err := client.Version(cmd.Context())
	if err != nil {
		fmt.Println("Warning: could not connect to a running vlama instance")
	}

	if serverVersion != "" {
		fmt.Printf("vlama version is %s\n", serverVersion)
	}

	if serverVersion != version.Version {
		fmt.Printf("Warning: client version is %s\n", version.Version)
	}
}

func checkServerHeartbeat(cmd *cobra.Command, _ []string) error {
	client, err := api.ClientFromEnvironment()
	if err != nil {
		return err
	}

	if err := client.Heartbeat(cmd.Context()); err != nil {
		if !strings.Contains(err.Error(), " refused") && !strings.Contains(err.Error(), "could not connect") {
			return err
		}

		return errors.New("could not connect to a vlama server, run 'vlama serve' to start it")
	}

	return nil
}

func NewCLI() *cobra.Command {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	cobra.EnableCommandSorting = false

	if runtime.GOOS == "windows" && term.IsTerminal(int(os.Stdout.Fd())) {
		// enable VT processing on windows so ANSI escapes in responses render
		console.ConsoleFromFile(os.Stdin) //nolint:errcheck
	}

	rootCmd := &cobra.Command{
		Use:           "vlama",
		Short:         "Vision language model runner",
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		Run: func(cmd *cobra.Command, args []string) {
			if version, _ := cmd.Flags().GetBool("version"); version {
				versionHandler(cmd, args)
				return
			}

			cmd.Print(cmd.UsageString())
		},
	}

	rootCmd.Flags().BoolP("version", "v", false, "Show version information")

	serveCmd := NewServeCmd()
	runCmd := NewRunCmd()
	listCmd := NewListCmd()
	importCmd := NewImportCmd()

	envVars := envconfig.AsMap()
	envs := []envconfig.EnvVar{envVars["VLAMA_HOST"]}

	for _, cmd := range []*cobra.Command{runCmd, listCmd, serveCmd, importCmd} {
		switch cmd {
		case serveCmd:
			appendEnvDocs(cmd, []envconfig.EnvVar{
				envVars["VLAMA_DEBUG"],
				envVars["VLAMA_HOST"],
				envVars["VLAMA_KEEP_ALIVE"],
				envVars["VLAMA_MAX_QUEUE"],
				envVars["VLAMA_MAX_SESSIONS"],
				envVars["VLAMA_MODELS"],
				envVars["VLAMA_NUM_THREADS"],
				envVars["VLAMA_ORIGINS"],
			})
		case importCmd:
			appendEnvDocs(cmd, []envconfig.EnvVar{envVars["VLAMA_MODELS"]})
		default:
			appendEnvDocs(cmd, envs)
		}
	}

	rootCmd.AddCommand(
		serveCmd,
		runCmd,
		listCmd,
		importCmd,
	)

	return rootCmd
}
