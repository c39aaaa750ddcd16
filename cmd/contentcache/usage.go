package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/lucasew/contentcache/internal/errutil"
	"github.com/lucasew/contentcache/internal/quota"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var usageCmd = &cobra.Command{
	Use:   "usage",
	Short: "Prints the usage recorded at the last shutdown",
	Run: func(cmd *cobra.Command, args []string) {
		path := filepath.Join(viper.GetString("usage-cache-dir"), quota.UsageFileName)
		usage, err := quota.LoadUsage(path)
		if err != nil {
			errutil.ReportError(err, "Failed to read usage record", "path", path)
			os.Exit(1)
		}
		fmt.Printf("%d\t%s\n", usage, humanize.IBytes(uint64(usage)))
	},
}

func init() {
	rootCmd.AddCommand(usageCmd)
	usageCmd.Flags().String("cache-dir", "./cache", "Directory the cache lives in")
	mustBindPFlag("usage-cache-dir", usageCmd.Flags().Lookup("cache-dir"))
}
