/*
Copyright © 2024-2026 blacktop

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
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/apex/log"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/blacktop/crashwatch/internal/config"
	"github.com/blacktop/crashwatch/internal/signaldriver"
)

func init() {
	rootCmd.AddCommand(enableCmd)

	enableCmd.Flags().String("application-identifier", "", "monitored application's bundle/package identifier")
	enableCmd.Flags().String("application-version", "", "monitored application's version string")
	enableCmd.Flags().String("exception-handling", "uncaught-only", "one of none, uncaught-only, all")
	enableCmd.Flags().StringP("output-path", "o", "crash.log", "crash report output path")

	viper.BindPFlag("application_identifier", enableCmd.Flags().Lookup("application-identifier"))
	viper.BindPFlag("application_version", enableCmd.Flags().Lookup("application-version"))
	viper.BindPFlag("exception_handling", enableCmd.Flags().Lookup("exception-handling"))
	viper.BindPFlag("output_path", enableCmd.Flags().Lookup("output-path"))
}

// enableCmd represents the enable command.
var enableCmd = &cobra.Command{
	Use:   "enable <pid>",
	Short: "Attach to a running process and watch for fatal signals",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		pid, err := strconv.Atoi(args[0])
		if err != nil {
			return errors.Wrapf(err, "parsing pid %q", args[0])
		}

		cfg := config.Config{
			ApplicationIdentifier: viper.GetString("application_identifier"),
			ApplicationVersion:    viper.GetString("application_version"),
			ExceptionHandling:     config.Handling(viper.GetString("exception_handling")),
			OutputPath:            viper.GetString("output_path"),
		}
		if !cfg.ExceptionHandling.Valid() {
			return errors.Errorf("invalid --exception-handling %q", cfg.ExceptionHandling)
		}

		driver, err := signaldriver.Enable(cfg)
		if err != nil {
			return errors.Wrap(err, "enabling crash reporter")
		}
		defer driver.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		go func() {
			if err := signaldriver.LoaderWatch(ctx, pid, driver.Images(), time.Second); err != nil {
				log.WithError(err).Debug("loader watch stopped")
			}
		}()

		log.WithField("pid", pid).WithField("output", cfg.OutputPath).Info("watching for fatal signals")
		return driver.Watch(ctx, pid)
	},
}
