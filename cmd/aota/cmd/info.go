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
	"strings"
	"text/tabwriter"
	"time"

	"github.com/apex/log"
	"github.com/blacktop/aota/internal/commands/ota"
	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func init() {
	rootCmd.AddCommand(infoCmd)

	infoCmd.Flags().String("proxy", "", "HTTP/HTTPS proxy")
	infoCmd.Flags().Bool("insecure", false, "do not verify ssl certs")
	infoCmd.Flags().Duration("timeout", 0, "deadline for the whole request (0 waits forever)")
	viper.BindPFlag("info.proxy", infoCmd.Flags().Lookup("proxy"))
	viper.BindPFlag("info.insecure", infoCmd.Flags().Lookup("insecure"))
	viper.BindPFlag("info.timeout", infoCmd.Flags().Lookup("timeout"))
}

// infoCmd represents the info command
var infoCmd = &cobra.Command{
	Use:           "info <OTA | URL>",
	Aliases:       []string{"i"},
	Short:         "Display OTA payload metadata",
	Args:          cobra.ExactArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {

		if viper.GetBool("verbose") {
			log.SetLevel(log.DebugLevel)
		}
		color.NoColor = viper.GetBool("no-color")

		nfo, err := ota.List(cmd.Context(), &ota.Config{
			URL:      args[0],
			Proxy:    viper.GetString("info.proxy"),
			Insecure: viper.GetBool("info.insecure"),
			Timeout:  viper.GetDuration("info.timeout"),
		})
		if err != nil {
			return fmt.Errorf("failed to open payload: %v", err)
		}

		fmt.Println("\n[OTA Info]")
		fmt.Println("==========")
		fmt.Printf("Payload Version:      %d\n", nfo.Version)
		fmt.Printf("Minor Version:        %d\n", nfo.MinorVersion)
		fmt.Printf("Block Size:           %d\n", nfo.BlockSize)
		fmt.Printf("Payload Size:         %s\n", humanize.Bytes(uint64(nfo.Size)))
		if nfo.SecurityPatchLevel != "" {
			fmt.Printf("Security Patch Level: %s\n", nfo.SecurityPatchLevel)
		}
		if nfo.MaxTimestamp > 0 {
			fmt.Printf("Max Timestamp:        %s\n", time.Unix(nfo.MaxTimestamp, 0).UTC().Format("02Jan2006 15:04:05"))
		}
		fmt.Printf("Differential:         %t\n", nfo.Delta)
		fmt.Printf("Partial Update:       %t\n", nfo.PartialUpdate)
		fmt.Printf("Partitions:           %d\n", len(nfo.Partitions))

		if dp := nfo.DynamicPartitions; dp != nil {
			fmt.Printf("Snapshot Enabled:     %t\n", dp.SnapshotEnabled)
			if dp.VabcEnabled {
				fmt.Printf("VABC Compression:     %s\n", dp.VabcCompression)
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 1, ' ', tabwriter.DiscardEmptyColumns)
			fmt.Fprintf(w, "\n- [ DYNAMIC PARTITION GROUPS ] %s\n\n", strings.Repeat("-", 40))
			for _, grp := range dp.Groups {
				fmt.Fprintf(w, "%s\t%s\t%s\n",
					colorSize(humanize.Bytes(grp.Size)),
					colorName(grp.Name),
					strings.Join(grp.PartitionNames, ", "))
			}
			return w.Flush()
		}

		return nil
	},
}
