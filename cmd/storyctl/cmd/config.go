package cmd

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const configFileName = ".storyctl.yaml"

// configCmd represents the config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage storyctl configuration",
	Long:  `Manage storyctl configuration settings.`,
}

// configViewCmd represents the config view command
var configViewCmd = &cobra.Command{
	Use:   "view",
	Short: "View current configuration",
	Long:  `Display the current configuration settings.`,
	Run: func(cmd *cobra.Command, args []string) {
		current := map[string]any{
			"server":    serverURL,
			"grpc-addr": grpcAddr,
			"timeout":   timeout.String(),
			"json":      outputJSON,
			"pretty":    prettyJSON,
			"token_set": jwtToken != "",
		}
		printOutput(cmd.OutOrStdout(), current, func(w io.Writer) {
			fmt.Fprintln(w, "Current configuration:")
			fmt.Fprintf(w, "  Server: %s\n", serverURL)
			fmt.Fprintf(w, "  gRPC address: %s\n", grpcAddr)
			fmt.Fprintf(w, "  Timeout: %s\n", timeout)
			fmt.Fprintf(w, "  JSON Output: %v\n", outputJSON)
			fmt.Fprintf(w, "  Pretty JSON: %v\n", prettyJSON)
			fmt.Fprintf(w, "  Token: %v\n", jwtToken != "")

			if prettyJSON && !checkJQAvailable() {
				fmt.Fprintln(w, "  Warning: pretty=true but jq not found in PATH")
			}
			if viper.ConfigFileUsed() != "" {
				fmt.Fprintf(w, "  Config file: %s\n", viper.ConfigFileUsed())
			} else {
				fmt.Fprintln(w, "  Config file: none (using defaults)")
			}
		})
	},
}

// configSetCmd represents the config set command
var configSetCmd = &cobra.Command{
	Use:   "set [key] [value]",
	Short: "Set a configuration value",
	Long: `Set a configuration value and save it to the config file.

Examples:
  storyctl config set server http://localhost:8000
  storyctl config set timeout 60s
  storyctl config set pretty true`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]
		parsed, err := parseConfigValue(key, value)
		if err != nil {
			return err
		}
		viper.Set(key, parsed)

		configPath, err := defaultConfigPath()
		if err != nil {
			return err
		}
		if err := viper.WriteConfigAs(configPath); err != nil {
			return fmt.Errorf("failed to write config file: %w", err)
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Set %s = %s\n", key, value)
		fmt.Fprintf(cmd.OutOrStdout(), "Configuration saved to: %s\n", configPath)
		return nil
	},
}

// configInitCmd represents the config init command
var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration file",
	Long:  `Create a default configuration file in the home directory.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, err := defaultConfigPath()
		if err != nil {
			return err
		}
		if _, err := os.Stat(configPath); err == nil {
			overwrite, _ := cmd.Flags().GetBool("force")
			if !overwrite {
				return fmt.Errorf("config file already exists at %s (use --force to overwrite)", configPath)
			}
		}

		viper.Set("server", "http://localhost:8000")
		viper.Set("grpc-addr", "localhost:50051")
		viper.Set("timeout", "30s")
		viper.Set("json", false)
		viper.Set("pretty", false)

		if err := viper.WriteConfigAs(configPath); err != nil {
			return fmt.Errorf("failed to create config file: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Configuration file created: %s\n", configPath)
		return nil
	},
}

func defaultConfigPath() (string, error) {
	if cfgFile != "" {
		return cfgFile, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, configFileName), nil
}

// parseConfigValue validates key and converts value to the type viper stores.
func parseConfigValue(key, value string) (any, error) {
	if !slices.Contains(configKeys, key) {
		return nil, fmt.Errorf("invalid configuration key: %s. Valid keys are: %s", key, strings.Join(configKeys, ", "))
	}
	switch key {
	case "json", "pretty":
		switch value {
		case "true", "1", "yes", "on":
			return true, nil
		case "false", "0", "no", "off":
			return false, nil
		default:
			return nil, fmt.Errorf("invalid boolean value for %s: %s (use true/false)", key, value)
		}
	case "timeout":
		d, err := time.ParseDuration(value)
		if err != nil {
			return nil, fmt.Errorf("invalid duration for timeout: %w", err)
		}
		return d.String(), nil
	default:
		return value, nil
	}
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configViewCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configInitCmd)

	configInitCmd.Flags().Bool("force", false, "overwrite existing config file")
}
