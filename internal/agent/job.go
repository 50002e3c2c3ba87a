package agent

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"time"

	"github.com/innoactive/asset-pipeline-connector/internal/hubapi"
	"github.com/innoactive/asset-pipeline-connector/internal/logging"
	log "github.com/sirupsen/logrus"
)

const failureReportTimeout = 10 * time.Second

// runJob downloads, converts and uploads one model. Failures are reported to the hub and
// returned; only authentication failures stop the agent.
func (a *Agent) runJob(ctx context.Context, c *conn, job *Job) error {
	ctx = logging.WithRequestID(ctx, job.ID)
	entry := jobLogger(ctx, job)
	entry.Infof("starting conversion of %s", job.File)
	started := time.Now()

	workDir := filepath.Join(a.opts.WorkDir, strconv.FormatInt(job.ModelID, 10))
	originalDir := filepath.Join(workDir, "original")
	convertedDir := filepath.Join(workDir, "converted")

	input, err := a.opts.Hub.Download(ctx, job.File, originalDir)
	if err != nil {
		return a.fail(ctx, c, job, nil, fmt.Errorf("download: %w", err))
	}
	a.notify(ctx, c, job, MessageConversionProgress, nil)

	platformModel, err := a.opts.Hub.CreatePlatformModel(ctx, job.ModelID, a.opts.PlatformID)
	if err != nil {
		return a.fail(ctx, c, job, nil, fmt.Errorf("create platform model: %w", err))
	}
	entry = entry.WithField("platform_model", platformModel.ID)
	entry.Debug("platform model created")

	result, err := a.opts.Converter.Convert(ctx, input, convertedDir)
	if err != nil {
		return a.fail(ctx, c, job, platformModel, fmt.Errorf("convert: %w", err))
	}

	uploaded, err := a.opts.Hub.UploadResult(ctx, platformModel.ID, result)
	if err != nil {
		return a.fail(ctx, c, job, platformModel, fmt.Errorf("upload: %w", err))
	}
	a.notify(ctx, c, job, MessageConversionSuccess, map[string]any{"platform_model_id": uploaded.ID})
	entry.Infof("model converted by %s in %s", a.opts.Converter.Name(), time.Since(started).Round(time.Millisecond))
	return nil
}

// fail marks the platform model as errored, when one exists, and sends CONVERSION_FAIL.
func (a *Agent) fail(ctx context.Context, c *conn, job *Job, platformModel *hubapi.PlatformModel, cause error) error {
	entry := jobLogger(ctx, job)
	entry.WithError(cause).Error("conversion failed")

	fields := map[string]any{"error": cause.Error()}
	if platformModel != nil {
		fields["platform_model_id"] = platformModel.ID
		reportCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), failureReportTimeout)
		if err := a.opts.Hub.UpdateState(reportCtx, platformModel.ID, hubapi.ConversionError); err != nil {
			entry.WithError(err).Warn("could not mark platform model as failed")
		}
		cancel()
	}
	a.notify(ctx, c, job, MessageConversionFail, fields)
	return cause
}

func (a *Agent) notify(ctx context.Context, c *conn, job *Job, msgType string, fields map[string]any) {
	data, err := statusMessage(msgType, job.ModelID, fields)
	if err == nil {
		err = c.send(data)
	}
	if err != nil {
		jobLogger(ctx, job).WithError(err).Warnf("could not send %s", msgType)
	}
}

func jobLogger(ctx context.Context, job *Job) *log.Entry {
	return logging.FromContext(ctx).WithField("model_id", job.ModelID)
}
