/*
Copyright © 2018-2023 blacktop

Permission is hereby granted, free of charge, to any person obtaining a copy
of this software and associated documentation files (the "Software"), to deal
in the Software without restriction, including without limitation the rights
to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
copies of the Software, and to permit persons to whom the Software is
furnished to do so, subject to the following conditions:

The above copyright notice and this permission notice shall be included in
all copies or substantial portions of the Software.

THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
THE SOFTWARE.
*/
package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/AlecAivazis/survey/v2"
	"github.com/apex/log"
	"github.com/blacktop/aota/internal/commands/ota"
	"github.com/blacktop/aota/internal/config"
	"github.com/blacktop/aota/internal/utils"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func init() {
	rootCmd.AddCommand(dumpCmd)

	dumpCmd.Flags().StringP("output", "o", "", "Output folder")
	dumpCmd.MarkFlagDirname("output")
	dumpCmd.Flags().String("source", "", "Folder holding old partition images (for differential OTAs)")
	dumpCmd.MarkFlagDirname("source")
	dumpCmd.Flags().String("proxy", "", "HTTP/HTTPS proxy")
	dumpCmd.Flags().Bool("insecure", false, "do not verify ssl certs")
	dumpCmd.Flags().IntP("jobs", "j", 4, "Partitions to extract in parallel")
	dumpCmd.Flags().Duration("timeout", 0, "deadline for the whole request (0 waits forever)")
	dumpCmd.Flags().BoolP("yes", "y", false, "overwrite existing images without asking")
	viper.BindPFlag("dump.output", dumpCmd.Flags().Lookup("output"))
	viper.BindPFlag("dump.source", dumpCmd.Flags().Lookup("source"))
	viper.BindPFlag("dump.proxy", dumpCmd.Flags().Lookup("proxy"))
	viper.BindPFlag("dump.insecure", dumpCmd.Flags().Lookup("insecure"))
	viper.BindPFlag("dump.jobs", dumpCmd.Flags().Lookup("jobs"))
	viper.BindPFlag("dump.timeout", dumpCmd.Flags().Lookup("timeout"))
	viper.BindPFlag("dump.yes", dumpCmd.Flags().Lookup("yes"))
}

// dumpCmd represents the dump command
var dumpCmd = &cobra.Command{
	Use:           "dump <OTA | URL> [PARTITION]...",
	Aliases:       []string{"d", "extract", "e"},
	Short:         "Dump partition images out of an OTA payload",
	Args:          cobra.MinimumNArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {

		if viper.GetBool("verbose") {
			log.SetLevel(log.DebugLevel)
		}
		color.NoColor = viper.GetBool("no-color")

		conf, err := config.LoadConfig()
		if err != nil {
			return err
		}

		cfg := &ota.Config{
			URL:         args[0],
			Source:      viper.GetString("dump.source"),
			Output:      viper.GetString("dump.output"),
			Proxy:       proxyOr(viper.GetString("dump.proxy"), conf),
			Insecure:    viper.GetBool("dump.insecure") || conf.Network.Insecure,
			Timeout:     viper.GetDuration("dump.timeout"),
			Concurrency: viper.GetInt("dump.jobs"),
			Allowed:     conf.Partitions,
			Progress:    !viper.GetBool("verbose"),
		}

		cfg.Partitions = args[1:]
		if len(cfg.Partitions) == 0 {
			nfo, err := ota.List(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("failed to list payload: %v", err)
			}
			for _, part := range nfo.Partitions {
				if len(conf.Partitions) == 0 || utils.StrSliceHas(conf.Partitions, part.Name) {
					cfg.Partitions = append(cfg.Partitions, part.Name)
				}
			}
		}

		if !viper.GetBool("dump.yes") {
			var existing []string
			for _, name := range cfg.Partitions {
				if _, err := os.Stat(filepath.Join(cfg.Output, name+".img")); err == nil {
					existing = append(existing, name)
				}
			}
			if len(existing) > 0 {
				cont := false
				prompt := &survey.Confirm{
					Message: fmt.Sprintf("You are about to overwrite %d existing images. Continue?", len(existing)),
				}
				survey.AskOne(prompt, &cont)
				if !cont {
					log.Warn("Exiting...")
					return nil
				}
			}
		}

		outs, err := ota.Dump(cmd.Context(), cfg)
		for _, out := range outs {
			log.Infof("Created %s", out)
		}
		return err
	},
}

// proxyOr falls back to the config file's network proxy.
func proxyOr(flag string, conf *config.Config) string {
	if flag != "" {
		return flag
	}
	return conf.Network.Proxy
}
