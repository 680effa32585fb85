// Power Profiler - headless front end for the USB current probe.
// Streams current readings from the probe (or a simulated one) and logs live status.
package main

import (
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile     string
	useMock     bool
	duration    time.Duration
	retries     int
	retryDelay  time.Duration
	statusEvery time.Duration
	window      time.Duration
	showTrace   bool
	traceStyle  string
	traceWidth  int
	traceHeight int
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "profiler",
	Short: "Stream current readings from a USB power profiler probe",
	Long: `Profiler opens the probe, streams calibrated current samples into an in-memory
history and periodically logs a summary of the recent window.

Keys (followed by Enter):
  g    toggle gain range
  p    pause / resume streaming
  r    clear the sample history
  q    quit`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context())
	},
}

var portsCmd = &cobra.Command{
	Use:   "ports",
	Short: "List serial ports and mark those that look like a probe",
	Args:  cobra.NoArgs,
	RunE:  listPorts,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "./config.yaml", "config file")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")

	rootCmd.Flags().StringP("port", "p", "", "serial port (default: discover by USB id)")
	rootCmd.Flags().Int("gain", 0, "initial gain range (0 or 1)")
	rootCmd.Flags().Int("rate", 0, "device sample rate in Hz")
	rootCmd.Flags().Int("log2-average", 0, "log2 of the device averaging count")
	rootCmd.Flags().BoolVar(&useMock, "mock", false, "use a simulated probe")
	rootCmd.Flags().DurationVarP(&duration, "duration", "d", 0, "stop after this long (0 runs until interrupted)")
	rootCmd.Flags().IntVar(&retries, "retry", 3, "restart attempts after a probe error")
	rootCmd.Flags().DurationVar(&retryDelay, "retry-delay", 2*time.Second, "pause before restarting")
	rootCmd.Flags().DurationVar(&statusEvery, "status", time.Second, "status log interval")
	rootCmd.Flags().DurationVar(&window, "window", 5*time.Second, "length of the summarized window")
	rootCmd.Flags().BoolVar(&showTrace, "trace", true, "print an ASCII trace of the window")
	rootCmd.Flags().StringVar(&traceStyle, "trace-style", styleEnvelope, "trace style (envelope, points)")
	rootCmd.Flags().IntVar(&traceWidth, "trace-width", 72, "trace width in columns")
	rootCmd.Flags().IntVar(&traceHeight, "trace-height", 12, "trace height in lines")

	// Bind command line flags to config keys
	viper.BindPFlag("serial.port", rootCmd.Flags().Lookup("port"))
	viper.BindPFlag("probe.gain", rootCmd.Flags().Lookup("gain"))
	viper.BindPFlag("probe.sample_rate", rootCmd.Flags().Lookup("rate"))
	viper.BindPFlag("probe.log2_average", rootCmd.Flags().Lookup("log2-average"))
	viper.BindPFlag("logging.level", rootCmd.PersistentFlags().Lookup("log-level"))

	rootCmd.AddCommand(portsCmd)
}

// initConfig enables POWER_PROFILER_* environment overrides
func initConfig() {
	bindEnv(viper.GetViper())
}

func bindEnv(v *viper.Viper) {
	v.SetEnvPrefix("POWER_PROFILER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

func main() {
	cobra.CheckErr(rootCmd.Execute())
}
