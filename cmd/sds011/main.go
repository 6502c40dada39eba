package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/bigbag/sds011/internal/config"
	"github.com/bigbag/sds011/internal/detect"
	"github.com/bigbag/sds011/internal/logging"
	"github.com/bigbag/sds011/internal/protocol"
	"github.com/bigbag/sds011/internal/sensor"
	"github.com/bigbag/sds011/internal/serial"
	"github.com/bigbag/sds011/internal/sink"
	"github.com/bigbag/sds011/internal/stream"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var (
	configFlag string
	jsonFlag   bool
	probeFlag  bool
	noSinkFlag bool
	keepMode   bool
)

// v collects flag overrides; config.LoadWith layers file and env below them.
var v = viper.New()

func main() {
	rootCmd := &cobra.Command{
		Use:   "sds011",
		Short: "Read and control SDS011 particulate matter sensors",
		Long: `sds011 talks to a Nova Fitness SDS011 sensor over a serial port.

It reads PM2.5 and PM10 concentrations, switches report mode, sleep state
and work period, and can forward measurements to webhook, redis, postgres
and nanomsg sinks.`,
		SilenceUsage: true,
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&configFlag, "config", "c", "", "Config file (default ./sds011.yaml)")
	pf.StringP("port", "p", protocol.DefaultPort, `Serial port ("auto" to detect)`)
	pf.IntP("baud", "b", protocol.DefaultBaudRate, "Baud rate")
	pf.String("device-id", "FFFF", "Device ID in hex (FFFF addresses any sensor)")
	pf.Duration("timeout", stream.DefaultTimeout, "Read cycle timeout")
	pf.String("log-level", "info", "Log level")
	bindFlag("serial.port", pf.Lookup("port"))
	bindFlag("serial.baud", pf.Lookup("baud"))
	bindFlag("serial.deviceID", pf.Lookup("device-id"))
	bindFlag("serial.timeout", pf.Lookup("timeout"))
	bindFlag("logging.level", pf.Lookup("log-level"))

	// Query command
	queryCmd := &cobra.Command{
		Use:   "query",
		Short: "Request one measurement (passive mode)",
		Args:  cobra.NoArgs,
		RunE:  runQuery,
	}
	queryCmd.Flags().BoolVar(&jsonFlag, "json", false, "Print JSON")

	// Read command
	readCmd := &cobra.Command{
		Use:   "read",
		Short: "Wait for one reported measurement (active mode)",
		Args:  cobra.NoArgs,
		RunE:  runRead,
	}
	readCmd.Flags().BoolVar(&jsonFlag, "json", false, "Print JSON")

	// Mode command
	modeCmd := &cobra.Command{
		Use:       "mode [active|passive]",
		Short:     "Show or set the report mode",
		Args:      cobra.MaximumNArgs(1),
		ValidArgs: []string{"active", "passive"},
		RunE:      runMode,
	}

	sleepCmd := &cobra.Command{
		Use:   "sleep",
		Short: "Stop the fan and laser",
		Args:  cobra.NoArgs,
		RunE:  runSleep,
	}

	wakeCmd := &cobra.Command{
		Use:   "wake",
		Short: "Start the fan and laser",
		Args:  cobra.NoArgs,
		RunE:  runWake,
	}

	stateCmd := &cobra.Command{
		Use:   "state",
		Short: "Show whether the sensor is sleeping or working",
		Args:  cobra.NoArgs,
		RunE:  runState,
	}

	periodCmd := &cobra.Command{
		Use:   "period [minutes]",
		Short: "Show or set the work period (0 = continuous, max 30)",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runPeriod,
	}

	// Sample command
	sampleCmd := &cobra.Command{
		Use:   "sample",
		Short: "Run one measurement cycle and push the result to the sinks",
		Long: `Wake the sensor, let the fan run for the warm-up time, query it
sample.count times, put it back to sleep and push the mean reading to the
configured sinks.`,
		Args: cobra.NoArgs,
		RunE: runSample,
	}
	sampleCmd.Flags().Duration("warmup", sensor.DefaultWarmup, "Warm-up time before querying")
	sampleCmd.Flags().Int("count", 1, "Number of queries to average")
	sampleCmd.Flags().BoolVar(&jsonFlag, "json", false, "Print JSON")
	sampleCmd.Flags().BoolVar(&noSinkFlag, "no-sinks", false, "Only print the result")
	bindFlag("sample.warmup", sampleCmd.Flags().Lookup("warmup"))
	bindFlag("sample.count", sampleCmd.Flags().Lookup("count"))

	// Monitor command
	monitorCmd := &cobra.Command{
		Use:   "monitor",
		Short: "Stream reported measurements to the sinks and serve HTTP",
		Long: `Switch the sensor to active mode and read every frame it reports.
Each measurement is recorded in metrics and history and pushed to the
configured sinks. The HTTP server exposes /healthz, /readyz, metrics,
/api/v1/reading and /api/v1/summary.`,
		Args: cobra.NoArgs,
		RunE: runMonitor,
	}
	monitorCmd.Flags().String("addr", ":9011", "HTTP listen address")
	monitorCmd.Flags().BoolVar(&keepMode, "keep-mode", false, "Do not switch the sensor to active mode")
	bindFlag("http.addr", monitorCmd.Flags().Lookup("addr"))

	// List command
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List available serial ports",
		Args:  cobra.NoArgs,
		RunE:  runList,
	}
	listCmd.Flags().BoolVar(&probeFlag, "probe", false, "Ask each port, or only --port when given, for an SDS011")

	// Version command
	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version info",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("sds011 %s\n", version)
			fmt.Printf("  commit: %s\n", commit)
			fmt.Printf("  built:  %s\n", date)
		},
	}

	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}
	configCmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE:  runConfigShow,
	})

	rootCmd.AddCommand(queryCmd, readCmd, modeCmd, sleepCmd, wakeCmd, stateCmd, periodCmd,
		sampleCmd, monitorCmd, listCmd, versionCmd, configCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func bindFlag(key string, flag *pflag.Flag) {
	if err := v.BindPFlag(key, flag); err != nil {
		panic(err)
	}
}

// session is an open sensor with its configuration and logger.
type session struct {
	cfg    *config.Config
	log    *zap.Logger
	port   *serial.Port
	sensor *sensor.Sensor
}

func (s *session) Close() {
	if s.port != nil {
		s.port.Close()
	}
	_ = s.log.Sync()
}

func loadConfig() (*config.Config, *zap.Logger, error) {
	cfg, err := config.LoadWith(v, configFlag)
	if err != nil {
		return nil, nil, err
	}
	log, err := logging.InitLogger(cfg.Logging)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to init logger: %w", err)
	}
	return cfg, log, nil
}

// openSession loads configuration, opens the port and creates the sensor.
// Extra reader options are appended to the configured ones.
func openSession(extra ...stream.Option) (*session, error) {
	cfg, log, err := loadConfig()
	if err != nil {
		return nil, err
	}

	deviceID, err := cfg.Serial.ParseDeviceID()
	if err != nil {
		return nil, err
	}

	portName := cfg.Serial.Port
	if portName == "auto" {
		fmt.Fprintln(os.Stderr, "Detecting sensor...")
		result, err := detect.DetectDevice(cfg.Serial.Baud)
		if err != nil {
			return nil, fmt.Errorf("sensor detection failed: %w", err)
		}
		portName = result.Port
		fmt.Fprintf(os.Stderr, "Found SDS011 %04X on %s\n", result.DeviceID, result.Port)
	}

	port, err := serial.Open(portName, cfg.Serial.Baud)
	if err != nil {
		return nil, fmt.Errorf("failed to open port: %w", err)
	}
	log.Debug("port opened", zap.String("port", port.PortName()), zap.Int("baud", port.BaudRate()))

	readerOpts := append([]stream.Option{
		stream.WithTimeout(cfg.Serial.Timeout),
		stream.WithMaxResync(cfg.Serial.MaxResync),
	}, extra...)

	s := sensor.New(port,
		sensor.WithDeviceID(deviceID),
		sensor.WithReplyTimeout(cfg.Serial.ReplyTimeout),
		sensor.WithReaderOptions(readerOpts...),
		sensor.WithLogger(log),
	)
	return &session{cfg: cfg, log: log, port: port, sensor: s}, nil
}

func printReading(r protocol.Reading, deviceID uint16) error {
	if !jsonFlag {
		fmt.Println(r)
		return nil
	}
	out, err := json.Marshal(sink.NewMeasurement(r, deviceID))
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func runQuery(cmd *cobra.Command, args []string) error {
	s, err := openSession()
	if err != nil {
		return err
	}
	defer s.Close()

	r, err := s.sensor.Query()
	if err != nil {
		return err
	}
	return printReading(r, s.sensor.DeviceID())
}

func runRead(cmd *cobra.Command, args []string) error {
	s, err := openSession()
	if err != nil {
		return err
	}
	defer s.Close()

	r, err := s.sensor.Read()
	if err != nil {
		return err
	}
	return printReading(r, s.sensor.DeviceID())
}

func parseMode(arg string) (byte, error) {
	switch strings.ToLower(arg) {
	case "active":
		return protocol.ModeActive, nil
	case "passive":
		return protocol.ModePassive, nil
	default:
		return 0, fmt.Errorf("%w: mode %q, want active or passive", protocol.ErrInvalidParameter, arg)
	}
}

func runMode(cmd *cobra.Command, args []string) error {
	var mode byte
	if len(args) == 1 {
		m, err := parseMode(args[0])
		if err != nil {
			return err
		}
		mode = m
	}

	s, err := openSession()
	if err != nil {
		return err
	}
	defer s.Close()

	if len(args) == 0 {
		mode, err := s.sensor.ReportMode()
		if err != nil {
			return err
		}
		fmt.Printf("Report mode: %s\n", protocol.ModeName(mode))
		return nil
	}

	if err := s.sensor.SetReportMode(mode); err != nil {
		return err
	}
	fmt.Printf("Report mode set to %s\n", protocol.ModeName(mode))
	return nil
}

func runSleep(cmd *cobra.Command, args []string) error {
	s, err := openSession()
	if err != nil {
		return err
	}
	defer s.Close()

	if err := s.sensor.Sleep(); err != nil {
		return err
	}
	fmt.Println("Sensor is sleeping")
	return nil
}

func runWake(cmd *cobra.Command, args []string) error {
	s, err := openSession()
	if err != nil {
		return err
	}
	defer s.Close()

	if err := s.sensor.Wake(); err != nil {
		return err
	}
	fmt.Println("Sensor is working")
	return nil
}

func runState(cmd *cobra.Command, args []string) error {
	s, err := openSession()
	if err != nil {
		return err
	}
	defer s.Close()

	state, err := s.sensor.WorkState()
	if err != nil {
		return err
	}
	fmt.Printf("State: %s\n", protocol.StateName(state))
	return nil
}

func runPeriod(cmd *cobra.Command, args []string) error {
	minutes := -1
	if len(args) == 1 {
		n, err := strconv.Atoi(args[0])
		if err != nil || n < 0 || n > protocol.MaxWorkPeriod {
			return fmt.Errorf("%w: work period %q, want 0..%d", protocol.ErrInvalidParameter, args[0], protocol.MaxWorkPeriod)
		}
		minutes = n
	}

	s, err := openSession()
	if err != nil {
		return err
	}
	defer s.Close()

	if minutes < 0 {
		minutes, err = s.sensor.WorkPeriod()
		if err != nil {
			return err
		}
		printPeriod("Work period", minutes)
		return nil
	}

	if err := s.sensor.SetWorkPeriod(minutes); err != nil {
		return err
	}
	printPeriod("Work period set to", minutes)
	return nil
}

func printPeriod(prefix string, minutes int) {
	if minutes == 0 {
		fmt.Printf("%s: continuous\n", prefix)
		return
	}
	fmt.Printf("%s: %d min\n", prefix, minutes)
}

func runSample(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	s, err := openSession()
	if err != nil {
		return err
	}
	defer s.Close()

	warmup := s.cfg.Sample.Warmup
	bar := progressbar.NewOptions(int(warmup/time.Second),
		progressbar.OptionSetDescription("Warming up"),
		progressbar.OptionSetWidth(40),
		progressbar.OptionSetPredictTime(true),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
		progressbar.OptionSetWriter(os.Stderr),
	)
	progress := func(elapsed, total time.Duration) {
		_ = bar.Set(int(elapsed / time.Second))
	}

	readings, err := s.sensor.Sample(ctx, warmup, s.cfg.Sample.Count, progress)
	_ = bar.Finish()
	if err != nil {
		return err
	}

	mean := sensor.Mean(readings)
	if err := printReading(mean, s.sensor.DeviceID()); err != nil {
		return err
	}
	if noSinkFlag {
		return nil
	}

	out, closeSinks, err := sink.Build(ctx, s.cfg.Sinks, s.log)
	if err != nil {
		return err
	}
	defer closeSinks()

	return out.Push(ctx, sink.NewMeasurement(mean, s.sensor.DeviceID()))
}

func runList(cmd *cobra.Command, args []string) error {
	if probeFlag {
		return runProbe(cmd.Flags().Changed("port"))
	}

	ports, err := serial.ListPorts()
	if err != nil {
		return err
	}

	if len(ports) == 0 {
		fmt.Println("No serial ports found")
		return nil
	}

	fmt.Println("Available serial ports:")
	for _, p := range ports {
		fmt.Printf("  %s\n", p)
	}

	return nil
}

func runProbe(onePort bool) error {
	cfg, err := config.LoadWith(v, configFlag)
	if err != nil {
		return err
	}

	var devices []detect.Result
	if onePort && cfg.Serial.Port != "auto" {
		result, err := detect.DetectOnPort(cfg.Serial.Port, cfg.Serial.Baud)
		if err != nil {
			return fmt.Errorf("failed to detect sensor on %s: %w", cfg.Serial.Port, err)
		}
		devices = append(devices, *result)
	} else {
		fmt.Println("Scanning for SDS011 sensors...")
		devices, err = detect.ListDevices(cfg.Serial.Baud)
		if err != nil {
			return err
		}
	}

	if len(devices) == 0 {
		fmt.Println("No SDS011 sensors found")
		return nil
	}

	fmt.Printf("Found %d sensor(s):\n\n", len(devices))
	for i, d := range devices {
		fmt.Printf("Sensor %d:\n", i+1)
		fmt.Printf("  Port:      %s\n", d.Port)
		fmt.Printf("  Device ID: %04X\n", d.DeviceID)
		fmt.Printf("  Mode:      %s\n", d.ModeName())
		fmt.Println()
	}

	return nil
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadWith(v, configFlag)
	if err != nil {
		return err
	}
	out, err := cfg.YAML()
	if err != nil {
		return err
	}
	fmt.Print(string(out))
	return nil
}
