package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ssufhbfndk/yt-view-backend/internal/common"
	commonconfig "github.com/ssufhbfndk/yt-view-backend/internal/common/config"
	"github.com/ssufhbfndk/yt-view-backend/internal/viewpool/configuration"
)

const (
	CustomConfigLocation string = "config"
)

func RootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "viewpool",
		SilenceUsage: true,
		Short:        "Distributes view jobs to consumers",
	}

	cmd.PersistentFlags().StringSlice(
		CustomConfigLocation,
		[]string{},
		"Fully qualified path to application configuration file (for multiple config files repeat this arg or separate paths with commas)")
	if err := viper.BindPFlag(CustomConfigLocation, cmd.PersistentFlags().Lookup(CustomConfigLocation)); err != nil {
		panic(err)
	}

	cmd.AddCommand(
		runCmd(),
		migrateDbCmd(),
		pruneDbCmd(),
		submitCmd(),
		allocateCmd(),
		getJobCmd(),
	)

	return cmd
}

func loadConfig() (configuration.Configuration, error) {
	var config configuration.Configuration
	userSpecifiedConfigs := viper.GetStringSlice(CustomConfigLocation)

	common.LoadConfig(&config, "./config/viewpool", userSpecifiedConfigs)

	err := commonconfig.Validate(config)
	if err != nil {
		commonconfig.LogValidationErrors(err)
		return config, err
	}
	if err := config.Validate(); err != nil {
		commonconfig.LogValidationErrors(err)
		return config, err
	}
	return config, nil
}
