package mnemo

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string
	rootCmd = &cobra.Command{
		Use:   "mnemo",
		Short: "Mnemo: temporal knowledge-graph memory store",
		Long: `Mnemo ingests conversations and documents into per-user knowledge
graphs, tracks when each fact became true and when it stopped being true,
and serves relevance-ranked facts and entities back as assistant context.`,
	}
)

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./mnemo.yaml)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")

	viper.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
}
