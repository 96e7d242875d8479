package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/b55585wy/SGGG/internal/api"
	"github.com/b55585wy/SGGG/internal/config"
	"github.com/b55585wy/SGGG/internal/telemetry"
)

var (
	cfgFile    string
	serverURL  string
	grpcAddr   string
	timeout    time.Duration
	outputJSON bool
	prettyJSON bool
	jwtToken   string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "storyctl",
	Short: "Storybook CLI - drive and inspect the reading telemetry service",
	Long: `storyctl is a command line tool for the storybook reading telemetry
service.

You can use it to register stories, start reading sessions, simulate a reader,
report or replay telemetry, submit feedback and inspect session statistics.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	env := config.FromEnv()
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.storyctl.yaml)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", env.Client.APIBaseURL, "reporting service base URL")
	rootCmd.PersistentFlags().StringVar(&grpcAddr, "grpc-addr", "localhost"+env.GRPCPort, "gRPC health address (host:port)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "request timeout")
	rootCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().BoolVar(&prettyJSON, "pretty", false, "use jq for pretty JSON formatting (requires jq)")
	rootCmd.PersistentFlags().StringVar(&jwtToken, "token", "", "JWT token for authentication (overrides JWT_TOKEN env var)")

	for _, name := range configKeys {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

// configKeys are the persistent flags that may be set in the config file.
var configKeys = []string{"server", "grpc-addr", "timeout", "json", "pretty", "token"}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)

		viper.AddConfigPath(home)
		viper.SetConfigType("yaml")
		viper.SetConfigName(".storyctl")
	}

	viper.SetEnvPrefix("STORYCTL")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}

	flags := rootCmd.PersistentFlags()
	if !flags.Changed("server") {
		if s := viper.GetString("server"); s != "" {
			serverURL = s
		}
	}
	if !flags.Changed("grpc-addr") {
		if s := viper.GetString("grpc-addr"); s != "" {
			grpcAddr = s
		}
	}
	if !flags.Changed("timeout") {
		if d := viper.GetDuration("timeout"); d > 0 {
			timeout = d
		}
	}
	if !flags.Changed("json") {
		outputJSON = viper.GetBool("json")
	}
	if !flags.Changed("pretty") {
		prettyJSON = viper.GetBool("pretty")
	}
	if !flags.Changed("token") {
		if t := viper.GetString("token"); t != "" {
			jwtToken = t
		} else if t := os.Getenv("JWT_TOKEN"); t != "" {
			jwtToken = t
		}
	}
}

func newClient() *api.Client {
	return api.NewClient(serverURL, api.WithTimeout(timeout), api.WithToken(jwtToken))
}

func httpOptions() []telemetry.HTTPOption {
	if jwtToken == "" {
		return nil
	}
	return []telemetry.HTTPOption{telemetry.WithBearerToken(jwtToken)}
}

// checkJQAvailable checks if jq is available in PATH
func checkJQAvailable() bool {
	_, err := exec.LookPath("jq")
	return err == nil
}

// formatWithJQ formats JSON using jq for pretty printing
func formatWithJQ(jsonData []byte) (string, error) {
	if !checkJQAvailable() {
		return "", fmt.Errorf("jq not found in PATH")
	}

	cmd := exec.Command("jq", ".")
	cmd.Stdin = bytes.NewReader(jsonData)

	var out bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("jq formatting failed: %s", stderr.String())
	}
	return out.String(), nil
}

// printOutput prints v as JSON when --json is set, otherwise with human.
func printOutput(w io.Writer, v any, human func(io.Writer)) {
	if !outputJSON {
		human(w)
		return
	}

	var (
		data []byte
		err  error
	)
	if prettyJSON {
		data, err = json.Marshal(v)
	} else {
		data, err = json.MarshalIndent(v, "", "  ")
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error marshaling to JSON: %v\n", err)
		return
	}

	if prettyJSON {
		formatted, jqErr := formatWithJQ(data)
		if jqErr == nil {
			fmt.Fprint(w, formatted)
			return
		}
		fmt.Fprintf(os.Stderr, "Warning: %v, falling back to standard formatting\n", jqErr)
		data, _ = json.MarshalIndent(v, "", "  ")
	}
	fmt.Fprintln(w, string(data))
}

// readJSONFile decodes a JSON file, or stdin when path is "-".
func readJSONFile(path string, v any) error {
	var r io.Reader
	if path == "-" {
		r = os.Stdin
	} else {
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("open %s: %w", path, err)
		}
		defer f.Close()
		r = f
	}
	if err := json.NewDecoder(r).Decode(v); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
