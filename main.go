package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/jackfruit-vision/ripeness/acquire"
	"github.com/jackfruit-vision/ripeness/config"
	"github.com/jackfruit-vision/ripeness/detections"
	"github.com/jackfruit-vision/ripeness/logging"
	"github.com/jackfruit-vision/ripeness/metrics"
	"github.com/jackfruit-vision/ripeness/registry"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Time allowed for in-flight requests to finish on shutdown
const shutdownTimeout = 10 * time.Second

// app carries what every subcommand needs once configuration is loaded.
type app struct {
	v          *viper.Viper
	configFile string
	settings   *config.Settings
	log        logs.Log
}

func main() {
	a := &app{v: viper.New()}
	if err := a.rootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func (a *app) rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "jackfruit",
		Short:         "Jackfruit ripeness detection service and client",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	root.PersistentFlags().StringVarP(&a.configFile, "config", "c", "", "Config file (default: search ./config.yaml, ~/.config/jackfruit, /etc/jackfruit)")
	root.PersistentFlags().BoolP("debug", "d", false, "Enable debug output")
	root.PersistentFlags().String("api", "", "Inference service base URL, for client and predict")
	a.v.BindPFlag("debug", root.PersistentFlags().Lookup("debug"))
	a.v.BindPFlag("client.api", root.PersistentFlags().Lookup("api"))

	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		return a.initialize()
	}

	root.AddCommand(a.serveCommand(), a.clientCommand(), a.predictCommand())
	return root
}

func (a *app) initialize() error {
	settings, err := config.Load(a.v, a.configFile)
	if err != nil {
		return err
	}
	a.settings = settings

	log, err := logs.NewLog()
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	a.log = log
	if f := a.v.ConfigFileUsed(); f != "" {
		a.log.Infof("Using config file %v", f)
	}
	return nil
}

func (a *app) serveCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the inference service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.serve(ctx)
		},
	}
	cmd.Flags().String("listen", "", "Address to listen on")
	cmd.Flags().Bool("legacy-errors", false, "Report structured errors with status 200")
	cmd.Flags().String("onnx-library", "", "Path to the ONNX Runtime shared library")
	a.v.BindPFlag("server.listen", cmd.Flags().Lookup("listen"))
	a.v.BindPFlag("server.legacyerrorstatus", cmd.Flags().Lookup("legacy-errors"))
	a.v.BindPFlag("onnx.library", cmd.Flags().Lookup("onnx-library"))
	return cmd
}

func (a *app) serve(ctx context.Context) error {
	s := a.settings
	a.log.Infof("CPU features: %v", detections.CPUFeatures())

	if err := detections.InitRuntime(s.Onnx.Library); err != nil {
		return err
	}
	defer detections.ShutdownRuntime()

	specs := make([]registry.ModelSpec, 0, len(s.Models.Variants))
	for _, v := range s.Models.Variants {
		specs = append(specs, registry.ModelSpec{ID: v.ID, Path: v.Path, Labels: v.Labels})
	}
	reg, err := registry.New(a.log, specs, s.Models.Default, registry.OnnxLoader(detections.OnnxOptions{
		PoolSize:      s.Onnx.PoolSize,
		Threads:       s.Onnx.Threads,
		ConfThreshold: float32(s.Detect.Confidence),
		IouThreshold:  float32(s.Detect.Iou),
	}))
	if err != nil {
		return err
	}
	defer reg.Close()

	m := metrics.New()
	reg.SetLoadObserver(m.ObserveModelLoad)
	m.RegisterGaugeFunc("jackfruit_models_loaded", "Number of models loaded so far", func() float64 {
		return float64(len(reg.Loaded()))
	})
	m.RegisterGaugeFunc("jackfruit_sessions_in_use", "Inference sessions currently in use across loaded models", func() float64 {
		return float64(sessionsInUse(reg))
	})

	fetcher := acquire.NewFetcher(nil, acquire.FetcherConfig{
		Timeout:   s.Fetch.Timeout,
		UserAgent: s.Fetch.UserAgent,
		MaxBytes:  s.Fetch.MaxBytes,
	})

	state := &AppState{
		Log:      logging.NewPrefixLogger(a.log, "server:"),
		Settings: s,
		Registry: reg,
		Acquirer: acquire.New(fetcher),
		Metrics:  m,
	}

	srv := &http.Server{
		Handler:      state.Router(),
		Addr:         s.Server.Listen,
		WriteTimeout: s.Server.WriteTimeout,
		ReadTimeout:  s.Server.ReadTimeout,
	}
	a.log.Infof("Models: %v (default %v)", reg.Known(), reg.Default())
	return runServer(ctx, a.log, srv)
}

// sessionsInUse sums session pool usage over the loaded models.
func sessionsInUse(reg *registry.Registry) int {
	n := 0
	for _, h := range reg.Handles() {
		if p, ok := h.Detector.(poolReporter); ok {
			n += p.Stats().InUse
		}
	}
	return n
}

// runServer serves until ctx is cancelled, then shuts down gracefully.
func runServer(ctx context.Context, log logs.Log, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		log.Infof("Starting server on %s", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	log.Infof("%v", MsgServerStopped)
	return nil
}
