package main

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/lucasew/contentcache/internal/errutil"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var getCmd = &cobra.Command{
	Use:   "get <algo> <hash>",
	Short: "Download an entry through a cache server",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		algo, hash := args[0], args[1]
		server := strings.TrimRight(viper.GetString("server"), "/")
		output := viper.GetString("output")
		sources, err := cmd.Flags().GetStringSlice("url")
		if err != nil {
			errutil.ReportError(err, "Failed to get url flag")
			os.Exit(1)
		}

		u := fmt.Sprintf("%s/fetch/%s/%s", server, algo, hash)
		if len(sources) > 0 {
			u += "?" + url.Values{"url": sources}.Encode()
		}

		req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, u, nil)
		if err != nil {
			errutil.ReportError(err, "Invalid request")
			os.Exit(1)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			errutil.ReportError(err, "Request failed", "url", u)
			os.Exit(1)
		}
		defer errutil.Close(resp.Body, "Failed to close response body")

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
			errutil.ReportError(fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(body))), "Fetch failed")
			os.Exit(1)
		}

		var out io.Writer = os.Stdout
		if output != "" {
			file, err := os.Create(output)
			if err != nil {
				errutil.ReportError(err, "Failed to create output file")
				os.Exit(1)
			}
			defer errutil.Close(file, "Failed to close output file")
			out = file
		}

		bar := progressbar.NewOptions64(
			resp.ContentLength,
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionSetDescription(resp.Header.Get("X-Cache")),
			progressbar.OptionShowBytes(true),
			progressbar.OptionSetWidth(10),
			progressbar.OptionThrottle(65*time.Millisecond),
			progressbar.OptionOnCompletion(func() {
				_, err := fmt.Fprint(os.Stderr, "\n")
				errutil.LogMsg(err, "Failed to print newline to stderr")
			}),
		)

		if _, err := io.Copy(io.MultiWriter(out, bar), resp.Body); err != nil {
			errutil.ReportError(err, "Download failed")
			if output != "" {
				errutil.LogMsg(os.Remove(output), "Failed to remove output file after failed fetch", "path", output)
			}
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.AddCommand(getCmd)
	getCmd.Flags().String("server", "http://localhost:8080", "Cache server URL")
	getCmd.Flags().StringP("output", "o", "", "Output file (default stdout)")
	getCmd.Flags().StringSlice("url", []string{}, "Source URLs to use on a miss")

	mustBindPFlag("server", getCmd.Flags().Lookup("server"))
	mustBindPFlag("output", getCmd.Flags().Lookup("output"))
}
