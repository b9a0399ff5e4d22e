package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/instill-ai/model-derivative-backend/config"
	"github.com/instill-ai/model-derivative-backend/pkg/aps"
	"github.com/instill-ai/model-derivative-backend/pkg/format"
	"github.com/instill-ai/model-derivative-backend/pkg/logger"
	"github.com/instill-ai/model-derivative-backend/pkg/pipeline"
	"github.com/instill-ai/model-derivative-backend/pkg/types"

	errorsx "github.com/instill-ai/x/errors"
)

// Converter runs one conversion. *pipeline.Orchestrator implements it.
type Converter interface {
	Execute(ctx context.Context, in pipeline.Input, observer pipeline.Observer) (pipeline.Snapshot, error)
}

type convertOptions struct {
	configPath   string
	bucketKey    string
	targetFormat string
}

func newRootCmd() *cobra.Command {
	opts := convertOptions{}

	cmd := &cobra.Command{
		Use:   "convert [flags] <model file>",
		Short: "Convert a local design file with the remote conversion service",
		Long: `Convert uploads a local design file to the remote conversion service,
requests a viewable derivative and follows the job until it completes.
Each stage of the run is logged. Interrupting the command cancels the run.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConvert(cmd, opts, args[0])
		},
	}

	cmd.Flags().StringVarP(&opts.configPath, "file", "f", "config/config.yaml", "configuration file")
	cmd.Flags().StringVarP(&opts.bucketKey, "bucket", "b", "", "bucket receiving the upload (required)")
	cmd.Flags().StringVar(&opts.targetFormat, "format", "", "derivative format, svf or svf2 (defaults to the configured one)")
	_ = cmd.MarkFlagRequired("bucket")

	return cmd
}

func runConvert(cmd *cobra.Command, opts convertOptions, path string) error {
	if err := config.Init(opts.configPath); err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log, _ := logger.GetZapLogger(ctx)
	defer func() {
		// can't handle the error due to https://github.com/uber-go/zap/issues/880
		_ = log.Sync()
	}()

	apsCfg := config.Config.APS
	client := aps.NewClient(ctx, aps.Config{
		Host:         apsCfg.Host,
		ClientID:     apsCfg.ClientID,
		ClientSecret: apsCfg.ClientSecret,
		Scopes:       apsCfg.Scopes,
		Region:       apsCfg.Region,
		BucketPolicy: apsCfg.BucketPolicy,
		Timeout:      apsCfg.Timeout,
	})

	pipelineCfg := config.Config.Pipeline
	converter := pipeline.New(pipeline.Services{
		Credentials: client,
		Store:       client,
		Submitter:   client,
		Poller:      client,
	}, pipeline.Options{
		PollInterval:               pipelineCfg.PollInterval,
		MaxConsecutivePollFailures: pipelineCfg.MaxConsecutivePollFailures,
		CredentialSkew:             pipelineCfg.CredentialSkew,
		Logger:                     log,
	})

	targetFormat := opts.targetFormat
	if targetFormat == "" {
		targetFormat = pipelineCfg.TargetFormat
	}

	return convertFile(ctx, converter, path, opts.bucketKey, targetFormat, cmd.OutOrStdout(), log)
}

// convertFile runs one conversion of the file at path and prints the
// reference of the derivative to out.
func convertFile(
	ctx context.Context,
	converter Converter,
	path, bucketKey, targetFormat string,
	out io.Writer,
	log *zap.Logger,
) error {
	if err := aps.ValidateBucketKey(bucketKey); err != nil {
		return err
	}
	f, err := format.ParseTargetFormat(targetFormat, types.TargetFormatSVF2)
	if err != nil {
		return err
	}

	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening model: %w", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return fmt.Errorf("reading model size: %w", err)
	}

	name := filepath.Base(path)
	log = log.With(zap.String("model", name), zap.String("bucket", bucketKey))

	snap, err := converter.Execute(ctx, pipeline.Input{
		Payload: types.Payload{
			Name:   name,
			Size:   info.Size(),
			Reader: file,
		},
		BucketKey:    bucketKey,
		TargetFormat: f,
	}, func(s pipeline.Snapshot) {
		fields := []zap.Field{zap.Stringer("stage", s.Stage)}
		if s.Progress >= 0 {
			fields = append(fields, zap.Float64("progress", s.Progress))
		}
		if s.ObjectID != "" {
			fields = append(fields, zap.String("objectID", s.ObjectID))
		}
		if s.ArtifactRef != "" {
			fields = append(fields, zap.String("urn", s.ArtifactRef))
		}
		log.Info("Conversion stage", fields...)
	})
	if snap.Stage == pipeline.Failed {
		for _, m := range snap.Messages {
			log.Warn("Conversion diagnostic", zap.String("level", m.Level), zap.String("code", m.Code), zap.String("message", m.Message))
		}
		return fmt.Errorf("conversion failed: %s", errorsx.MessageOrErr(snap.Err))
	}
	if err != nil {
		log.Warn("Conversion cancelled", zap.Stringer("stage", snap.Stage))
		return err
	}

	_, err = fmt.Fprintf(out, "object: %s\nurn: %s\n", snap.ObjectID, snap.ArtifactRef)
	return err
}
