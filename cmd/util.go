package cmd

import (
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// envPrefix is the prefix viper strips from KVCORE_-namespaced
// environment variables, grounded on util.InitClientConfig's dkv prefix.
const envPrefix = "kvcore"

// initConfig loads .env files (if present) and wires viper to read
// KVCORE_-prefixed environment variables as flag fallbacks.
func initConfig() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

// bindFlags binds cmd's own flags to viper. A KVCORE_ env var only takes
// effect for a flag whose value is then read back through viper, which
// RootCmd does for "server" alone.
func bindFlags(cmd *cobra.Command) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}
	return viper.BindPFlags(cmd.PersistentFlags())
}
