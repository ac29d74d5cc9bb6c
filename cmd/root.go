// Copyright 2025 The tracedemux Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cmd

import (
	"fmt"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/tracedemux/tracedemux/common"
	"github.com/tracedemux/tracedemux/confengine"
	"github.com/tracedemux/tracedemux/controller"
	"github.com/tracedemux/tracedemux/internal/sigs"
)

var (
	opts       controller.Options
	configPath string
)

// defaultConfig covers the ambient sections when no -c file is given:
// terminal logging, admin server off.
var defaultConfig = []byte(`
logger:
  stdout: true
server:
  enabled: false
`)

var rootCmd = &cobra.Command{
	Use:   "tracedemux",
	Short: "Demultiplex an ARM Cortex-M trace stream onto per-channel TCP ports",
	Long: `tracedemux ingests a raw trace byte stream from a USB probe, a debug
server, a serial tty or a file, optionally strips TPIU or COBS/ORBFLOW
framing, and serves each channel's bytes on its own TCP listener at
base-port+index.`,
	Run: func(cmd *cobra.Command, args []string) {
		runRoot()
	},
	Example: `  # USB probe, strip TPIU, serve channels 1 and 2 on 3443 and 3444
  tracedemux -t 1,2

  # Replay a capture file once, reporting throughput every second
  tracedemux -f trace.bin -e -t 1 -m 1000

  # SWO over a 2.25 MBaud serial link
  tracedemux -p /dev/ttyACM0 -a 2250000 -t 1`,
}

func runRoot() {
	if err := opts.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "bad options: %v\n", err)
		os.Exit(common.ExitBadOption)
	}

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(common.ExitBadOption)
	}

	ctr, err := controller.New(&opts, cfg, common.GetBuildInfo())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create controller: %v\n", err)
		os.Exit(1)
	}
	if err := ctr.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to start controller: %v\n", err)
		os.Exit(1)
	}

	go func() {
		<-sigs.Terminate()
		ctr.Stop()
		os.Exit(common.ExitOK)
	}()

	err = ctr.RunSource()
	ctr.Stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		switch {
		case errors.Is(err, controller.ErrFileOpen):
			os.Exit(common.ExitFileOpen)
		case errors.Is(err, controller.ErrSerialSetup):
			os.Exit(common.ExitSerialSetup)
		default:
			os.Exit(1)
		}
	}
}

func loadConfig() (*confengine.Config, error) {
	if configPath != "" {
		return confengine.LoadConfigPath(configPath)
	}
	return confengine.LoadContent(defaultConfig)
}

func init() {
	f := rootCmd.Flags()
	f.UintVarP(&opts.SerialSpeed, "serial-speed", "a", 0, "Serial link speed in baud; also the data rate the utilisation display scales against")
	f.BoolVarP(&opts.EOFTerminate, "eof-terminate", "e", false, "Terminate when the file source reaches EOF")
	f.StringVarP(&opts.File, "input-file", "f", "", "Take input from a file")
	f.IntVarP(&opts.ListenPort, "listen-port", "l", controller.DefaultListenPort, "Base TCP port for per-channel output")
	f.IntVarP(&opts.IntervalMs, "monitor", "m", 0, "Interval report period in ms, 0 disables")
	f.IntVarP(&opts.OrbtraceWidth, "orbtrace", "o", 0, "Use FPGA probe with the given trace width (1, 2 or 4); implies TPIU")
	f.StringVarP(&opts.SerialPort, "serial-port", "p", "", "Take input from a serial device")
	f.StringVarP(&opts.Server, "server", "s", "", "Take input from a debug server at host[:port]")
	f.StringVarP(&opts.TPIUChannels, "tpiu", "t", "", "Strip TPIU framing, serving the given comma-separated channel list")
	f.StringVar(&opts.OFlowChannels, "oflow", "", "Strip COBS/ORBFLOW framing, serving the given comma-separated channel list")
	f.IntVarP(&opts.Verbosity, "verbose", "v", 1, "Verbosity 0..3 (error..debug)")
	f.StringVarP(&configPath, "config", "c", "", "Optional YAML configuration for the logger and admin server")
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(common.ExitBadOption)
	}
}
