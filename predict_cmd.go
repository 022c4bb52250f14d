package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/jackfruit-vision/ripeness/client"
	"github.com/spf13/cobra"
)

func (a *app) predictCommand() *cobra.Command {
	var model, out string
	var precise bool

	cmd := &cobra.Command{
		Use:   "predict <file|url>",
		Short: "Analyze one image with the inference service",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.predict(cmd.Context(), cmd.OutOrStdout(), args[0], model, out, precise)
		},
	}
	cmd.Flags().StringVarP(&model, "model", "m", "", "Model to use (default: the service default)")
	cmd.Flags().StringVarP(&out, "out", "o", "", "Write the annotated JPEG to this file")
	cmd.Flags().BoolVar(&precise, "precise", false, "Report unrounded confidences")
	return cmd
}

func (a *app) predict(ctx context.Context, w io.Writer, source, model, out string, precise bool) error {
	api := client.NewAPIClient(a.settings.Client.API, nil)
	session := client.NewSession(a.log, api, model, a.settings.Client.StaticTimeout)
	session.SetPrecise(precise)

	if client.IsValidURL(source) {
		session.SetURL(source)
	} else {
		data, err := os.ReadFile(source)
		if err != nil {
			return err
		}
		session.SetUpload(filepath.Base(source), data)
	}

	res, err := session.Analyze(ctx)
	if err != nil {
		return err
	}

	return writePrediction(w, res, out)
}

func writePrediction(w io.Writer, res *client.Result, out string) error {
	fmt.Fprintf(w, "Model: %v\n", res.Model)
	if len(res.Predictions) == 0 {
		fmt.Fprintln(w, MsgNoPredictions)
	}
	for i, p := range res.Predictions {
		fmt.Fprintf(w, "%3d  %-12s %v\n", i+1, p.Label, p.Confidence)
	}
	if out != "" {
		if err := os.WriteFile(out, res.JPEG, 0644); err != nil {
			return err
		}
		fmt.Fprintf(w, "Annotated image written to %v\n", out)
	}
	return nil
}
