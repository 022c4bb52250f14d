package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackfruit-vision/ripeness/client"
	"github.com/jackfruit-vision/ripeness/logging"
	"github.com/jackfruit-vision/ripeness/metrics"
	"github.com/spf13/cobra"
)

// Pace of the image directory camera
const demoFrameInterval = 100 * time.Millisecond

func (a *app) clientCommand() *cobra.Command {
	var cameraURL, framesDir string
	var lowLatency bool

	cmd := &cobra.Command{
		Use:   "client",
		Short: "Run the interactive browser client",
		Long: "Serves a browser UI for analyzing uploaded or linked images, and streams a live webcam\n" +
			"through the inference service. The webcam is an MJPEG camera (--camera) or a directory of\n" +
			"images played in a loop (--frames).",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.runClient(ctx, cameraURL, framesDir, lowLatency)
		},
	}
	cmd.Flags().String("listen", "", "Address for the browser UI")
	cmd.Flags().StringVar(&cameraURL, "camera", "", "MJPEG camera URL for the webcam stream")
	cmd.Flags().StringVar(&framesDir, "frames", "", "Directory of images to use as the webcam stream")
	cmd.Flags().BoolVar(&lowLatency, "low-latency", false, "Start the webcam in Low Latency Mode")
	a.v.BindPFlag("client.listen", cmd.Flags().Lookup("listen"))
	return cmd
}

func (a *app) runClient(ctx context.Context, cameraURL, framesDir string, lowLatency bool) error {
	s := a.settings
	api := client.NewAPIClient(s.Client.API, nil)

	modelIDs, defaultModel := a.discoverModels(ctx, api)

	var newSource func() (client.FrameSource, error)
	switch {
	case cameraURL != "":
		newSource = func() (client.FrameSource, error) {
			return client.NewMJPEGSource(cameraURL, nil), nil
		}
	case framesDir != "":
		newSource = func() (client.FrameSource, error) {
			return client.NewDirSource(framesDir, demoFrameInterval, true)
		}
	}

	m := metrics.New()
	session := client.NewSession(a.log, api, defaultModel, s.Client.StaticTimeout)
	proc := client.NewProcessor(a.log, api, client.ProcessorOptions{
		Model:       defaultModel,
		LowLatency:  lowLatency,
		Width:       s.Client.LowLatency.Width,
		Height:      s.Client.LowLatency.Height,
		JpegQuality: s.Client.JpegQuality,
		Timeout:     s.Client.WebcamTimeout,
	})
	sink := client.NewBroadcaster(a.log, s.Client.JpegQuality)
	webcam := client.NewWebcam(a.log, newSource, proc, sink, m)
	defer webcam.Stop()

	ui := client.NewUI(a.log, session, webcam, proc, sink, modelIDs)
	router := ui.Router()
	router.Handle("/metrics", m.Handler()).Methods("GET")

	// No write timeout: the webcam stream is a long lived response
	srv := &http.Server{
		Handler:     router,
		Addr:        s.Client.Listen,
		ReadTimeout: s.Server.ReadTimeout,
	}
	a.log.Infof("Inference service at %v", s.Client.API)
	a.log.Infof("Open http://%v in a browser", s.Client.Listen)
	return runServer(ctx, a.log, srv)
}

// discoverModels asks the service for its models, falling back to the local configuration
// when the service is not reachable yet.
func (a *app) discoverModels(ctx context.Context, api *client.APIClient) ([]string, string) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	resp, err := api.Models(ctx)
	if err != nil {
		logging.NewPrefixLogger(a.log, "client:").Warnf("Cannot list models from service, using local config: %v", err)
		return a.settings.ModelIDs(), a.settings.Models.Default
	}
	return resp.Models, resp.Default
}
