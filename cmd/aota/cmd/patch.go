/*
Copyright © 2018-2025 blacktop

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

	"github.com/apex/log"
	"github.com/blacktop/aota/internal/commands/ota"
	"github.com/blacktop/aota/internal/config"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func init() {
	rootCmd.AddCommand(patchCmd)

	patchCmd.Flags().StringP("method", "m", "", "Root method to apply (kernelsu or magisk)")
	patchCmd.Flags().StringP("partition", "p", "boot", "Partition to patch (boot, init_boot or vendor_boot)")
	patchCmd.Flags().String("kmi", "", "Kernel module interface override (e.g. android14-6.1)")
	patchCmd.Flags().StringP("output", "o", "", "Output folder")
	patchCmd.MarkFlagDirname("output")
	patchCmd.Flags().String("source", "", "Folder holding old partition images (for differential OTAs)")
	patchCmd.MarkFlagDirname("source")
	patchCmd.Flags().String("proxy", "", "HTTP/HTTPS proxy")
	patchCmd.Flags().Bool("insecure", false, "do not verify ssl certs")
	patchCmd.Flags().Duration("timeout", 0, "deadline for the whole request (0 waits forever)")
	patchCmd.Flags().String("tools-dir", "", "Folder to cache ksud and magiskboot in")
	patchCmd.MarkFlagDirname("tools-dir")
	patchCmd.Flags().String("ksud", "", "Use a local ksud binary instead of downloading one")
	patchCmd.Flags().String("magiskboot", "", "Use a local magiskboot binary instead of downloading one")
	patchCmd.Flags().Bool("keep-verity", false, "Keep dm-verity when patching with magisk")
	patchCmd.Flags().Bool("keep-force-encrypt", false, "Keep forced encryption when patching with magisk")
	viper.BindPFlag("patch.method", patchCmd.Flags().Lookup("method"))
	viper.BindPFlag("patch.partition", patchCmd.Flags().Lookup("partition"))
	viper.BindPFlag("patch.kmi", patchCmd.Flags().Lookup("kmi"))
	viper.BindPFlag("patch.output", patchCmd.Flags().Lookup("output"))
	viper.BindPFlag("patch.source", patchCmd.Flags().Lookup("source"))
	viper.BindPFlag("patch.proxy", patchCmd.Flags().Lookup("proxy"))
	viper.BindPFlag("patch.insecure", patchCmd.Flags().Lookup("insecure"))
	viper.BindPFlag("patch.timeout", patchCmd.Flags().Lookup("timeout"))
	viper.BindPFlag("patch.tools-dir", patchCmd.Flags().Lookup("tools-dir"))
	viper.BindPFlag("patch.ksud", patchCmd.Flags().Lookup("ksud"))
	viper.BindPFlag("patch.magiskboot", patchCmd.Flags().Lookup("magiskboot"))
	viper.BindPFlag("patch.keep-verity", patchCmd.Flags().Lookup("keep-verity"))
	viper.BindPFlag("patch.keep-force-encrypt", patchCmd.Flags().Lookup("keep-force-encrypt"))
}

// patchCmd represents the patch command
var patchCmd = &cobra.Command{
	Use:           "patch <OTA | URL>",
	Aliases:       []string{"p", "root"},
	Short:         "Root-patch a boot image straight out of an OTA payload",
	Args:          cobra.ExactArgs(1),
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

		method := viper.GetString("patch.method")
		if method == "" {
			method = conf.Patch.Method
		}
		toolsDir := viper.GetString("patch.tools-dir")
		if toolsDir == "" {
			toolsDir = conf.Tools.Dir
		}

		cfg := &ota.Config{
			URL:              args[0],
			Source:           viper.GetString("patch.source"),
			Output:           viper.GetString("patch.output"),
			Proxy:            proxyOr(viper.GetString("patch.proxy"), conf),
			Insecure:         viper.GetBool("patch.insecure") || conf.Network.Insecure,
			Timeout:          viper.GetDuration("patch.timeout"),
			ToolsDir:         toolsDir,
			Ksud:             viper.GetString("patch.ksud"),
			Magiskboot:       viper.GetString("patch.magiskboot"),
			KeepVerity:       viper.GetBool("patch.keep-verity"),
			KeepForceEncrypt: viper.GetBool("patch.keep-force-encrypt"),
			KMI:              viper.GetString("patch.kmi"),
		}

		partition := viper.GetString("patch.partition")
		res, err := ota.Patch(cmd.Context(), cfg, partition, method)
		if err != nil {
			return fmt.Errorf("failed to patch %s: %v", partition, err)
		}

		log.Infof("Created %s", res.Path)

		return nil
	},
}
