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

	"github.com/apex/log"
	"github.com/blacktop/aota/internal/commands/ota"
	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var colorName = color.New(color.Bold).SprintFunc()
var colorSize = color.New(color.FgHiCyan).SprintFunc()

func init() {
	rootCmd.AddCommand(listCmd)

	listCmd.Flags().String("proxy", "", "HTTP/HTTPS proxy")
	listCmd.Flags().Bool("insecure", false, "do not verify ssl certs")
	listCmd.Flags().Duration("timeout", 0, "deadline for the whole request (0 waits forever)")
	viper.BindPFlag("list.proxy", listCmd.Flags().Lookup("proxy"))
	viper.BindPFlag("list.insecure", listCmd.Flags().Lookup("insecure"))
	viper.BindPFlag("list.timeout", listCmd.Flags().Lookup("timeout"))
}

// listCmd represents the list command
var listCmd = &cobra.Command{
	Use:           "list <OTA | URL>",
	Aliases:       []string{"ls", "l"},
	Short:         "List the partitions inside an OTA payload",
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
			Proxy:    viper.GetString("list.proxy"),
			Insecure: viper.GetBool("list.insecure"),
			Timeout:  viper.GetDuration("list.timeout"),
		})
		if err != nil {
			return fmt.Errorf("failed to list payload: %v", err)
		}

		log.WithFields(log.Fields{
			"bytes": nfo.Size,
			"size":  humanize.Bytes(uint64(nfo.Size)),
		}).Info("Total Size")

		fmt.Println("\n[OTA Payload]")
		fmt.Println("=============")
		fmt.Printf("Security Patch Level: %s\n", nfo.SecurityPatchLevel)
		fmt.Printf("Block Size:           %d\n", nfo.BlockSize)
		fmt.Printf("Minor Version:        %d\n", nfo.MinorVersion)
		fmt.Printf("Differential:         %t\n", nfo.Delta)
		fmt.Printf("Partitions:           %d\n", len(nfo.Partitions))

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 1, ' ', tabwriter.DiscardEmptyColumns)
		fmt.Fprintf(w, "\n- [ PARTITIONS ] %s\n\n", strings.Repeat("-", 50))
		for _, part := range nfo.Partitions {
			fmt.Fprintf(w, "%s\t%s\n", colorSize(humanize.Bytes(part.Size)), colorName(part.Name))
		}
		return w.Flush()
	},
}
