package commands

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/pulsechat/filecore/pkg/config"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a sample configuration file",
	Long: `Initialize a sample filecore configuration file.

By default, the configuration file is created at $XDG_CONFIG_HOME/filecore/config.yaml.
Use --config to specify a custom path.

Examples:
  # Initialize with default location
  filecore init

  # Initialize with custom path
  filecore init --config /etc/filecore/config.yaml

  # Force overwrite existing config
  filecore init --force`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "Force overwrite existing config file")
}

func runInit(cmd *cobra.Command, args []string) error {
	configPath := GetConfigFile()
	if configPath == "" {
		configPath = config.GetDefaultConfigPath()
	}

	if _, err := os.Stat(configPath); err == nil && !initForce {
		return fmt.Errorf("configuration file already exists: %s (use --force to overwrite)", configPath)
	}

	cfg := config.GetDefaultConfig()

	// A random development secret so the generated file starts a working
	// node. Production deployments should override it via environment.
	secret, err := randomSecret()
	if err != nil {
		return fmt.Errorf("failed to generate auth secret: %w", err)
	}
	cfg.Auth.Secret = secret

	if err := config.SaveConfig(cfg, configPath); err != nil {
		return fmt.Errorf("failed to initialize config: %w", err)
	}

	fmt.Printf("Configuration file created at: %s\n", configPath)
	fmt.Println("\nNext steps:")
	fmt.Println("  1. Edit the configuration file to customize your setup")
	fmt.Println("  2. Start the server with: filecore start")
	fmt.Printf("  3. Or specify custom config: filecore start --config %s\n", configPath)
	fmt.Println("\nSecurity note:")
	fmt.Println("  A random JWT secret has been generated for development use.")
	fmt.Println("  For production, inject the identity service's shared secret instead:")
	fmt.Println("    export FILECORE_AUTH_SECRET=<secret shared with the identity service>")

	return nil
}

// randomSecret returns 32 bytes of entropy hex-encoded (64 characters).
func randomSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
