package tasks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"

	"github.com/sirupsen/logrus"

	"github.com/stevecastle/stereoeye/depthprep"
	"github.com/stevecastle/stereoeye/imageio"
	"github.com/stevecastle/stereoeye/jobqueue"
	"github.com/stevecastle/stereoeye/render"
	"github.com/stevecastle/stereoeye/stereo"
	"github.com/stevecastle/stereoeye/storage"
)

// RenderCommand is the job command handled by the render task.
const RenderCommand = "render"

// RenderParams is the JSON payload of a render job.
type RenderParams struct {
	BaseKey  string  `json:"baseKey"`
	MapKey   string  `json:"mapKey"`
	Size     string  `json:"size"`
	Layout   string  `json:"layout"`
	Format   string  `json:"format"`
	Invert   bool    `json:"invert,omitempty"`
	ClipLow  float64 `json:"clipLow,omitempty"`
	ClipHigh float64 `json:"clipHigh,omitempty"`
	FitMap   bool    `json:"fitMap,omitempty"`
	Quality  int     `json:"quality,omitempty"`
}

// Options converts the params into render options, applying defaults for
// empty fields.
func (p RenderParams) Options(workers int) (render.Options, error) {
	opts := render.DefaultOptions()
	if p.Size != "" {
		opts.Size = p.Size
	}
	if p.Layout != "" {
		layout, err := stereo.ParseLayout(p.Layout)
		if err != nil {
			return render.Options{}, err
		}
		opts.Layout = layout
	}
	opts.Workers = max(workers, 1)
	opts.Depth = depthprep.Options{Invert: p.Invert, ClipLow: p.ClipLow, ClipHigh: p.ClipHigh}
	opts.FitMap = p.FitMap
	return opts, opts.Validate()
}

// OutputFormat returns the requested encoding, PNG when unset.
func (p RenderParams) OutputFormat() (imageio.Format, error) {
	if p.Format == "" {
		return imageio.PNG, nil
	}
	return imageio.ParseFormat(p.Format)
}

// Validate checks everything that does not need the input images.
func (p RenderParams) Validate() error {
	if p.BaseKey == "" || p.MapKey == "" {
		return fmt.Errorf("render needs both a base image and a height map")
	}
	if p.Quality < 0 || p.Quality > 100 {
		return fmt.Errorf("jpeg quality must be within 0..100, got %d", p.Quality)
	}
	if _, err := p.Options(1); err != nil {
		return err
	}
	_, err := p.OutputFormat()
	return err
}

// RenderDeps are the services the render task uses.
type RenderDeps struct {
	Store         storage.Store
	Workers       int
	ThumbnailSize int
	JPEGQuality   int
}

// ResultKey and ThumbnailKey name a job's outputs in storage.
func ResultKey(jobID string, f imageio.Format) string { return "results/" + jobID + f.Ext() }
func ThumbnailKey(jobID string) string              { return "results/" + jobID + ".thumb.jpg" }

// NewRenderTask returns the task that turns an uploaded base/map pair into a
// stored stereo image plus a JPEG thumbnail.
func NewRenderTask(deps RenderDeps) TaskFunc {
	return func(j *jobqueue.Job, q *jobqueue.Queue) error {
		var p RenderParams
		if err := json.Unmarshal(j.Params, &p); err != nil {
			return fmt.Errorf("invalid render params: %w", err)
		}
		opts, err := p.Options(deps.Workers)
		if err != nil {
			return err
		}
		format, err := p.OutputFormat()
		if err != nil {
			return err
		}
		ctx := j.Ctx

		base, err := fetchImage(ctx, deps.Store, p.BaseKey)
		if err != nil {
			return fmt.Errorf("load base image: %w", err)
		}
		depthImg, err := fetchImage(ctx, deps.Store, p.MapKey)
		if err != nil {
			return fmt.Errorf("load height map: %w", err)
		}
		q.PushJobLog(j.ID, fmt.Sprintf("Loaded %dx%d base image", base.Bounds().Dx(), base.Bounds().Dy()))
		if err := ctx.Err(); err != nil {
			return err
		}

		out, stats, err := render.Images(imageio.ToRGBA(base), imageio.ToGray(depthImg), opts)
		if err != nil {
			return err
		}
		q.PushJobLog(j.ID, fmt.Sprintf("Rendered %s layout, %dpx shift, %dx%d output in %s",
			opts.Layout, stats.Magnitude, stats.OutWidth, stats.Height, stats.Elapsed))
		if err := ctx.Err(); err != nil {
			return err
		}

		quality := p.Quality
		if quality == 0 {
			quality = deps.JPEGQuality
		}
		data, err := imageio.EncodeBytes(out, format, imageio.EncodeOptions{JPEGQuality: quality})
		if err != nil {
			return fmt.Errorf("encode result: %w", err)
		}
		thumb, err := imageio.EncodeBytes(imageio.Thumbnail(out, deps.ThumbnailSize), imageio.JPEG, imageio.EncodeOptions{JPEGQuality: 80})
		if err != nil {
			return fmt.Errorf("encode thumbnail: %w", err)
		}

		statsJSON, err := json.Marshal(stats)
		if err != nil {
			return fmt.Errorf("encode stats: %w", err)
		}
		output := jobqueue.Output{
			ResultKey:    ResultKey(j.ID, format),
			ThumbnailKey: ThumbnailKey(j.ID),
			ContentType:  format.ContentType(),
			Stats:        statsJSON,
		}
		if err := storeOutput(ctx, deps.Store, q, j.ID, output, data, thumb); err != nil {
			return err
		}

		logrus.WithFields(logrus.Fields{
			"job":       j.ID,
			"layout":    opts.Layout,
			"magnitude": stats.Magnitude,
			"bytes":     len(data),
		}).Info("Render job finished")
		return nil
	}
}

// storeOutput writes the result and thumbnail and records them on the job.
// On failure the objects already written are deleted, since nothing else
// references them.
func storeOutput(ctx context.Context, store storage.Store, q *jobqueue.Queue, jobID string, out jobqueue.Output, result, thumb []byte) (err error) {
	var written []string
	defer func() {
		if err == nil {
			return
		}
		// The job context may be what failed the write.
		cleanup := context.WithoutCancel(ctx)
		for _, key := range written {
			if derr := store.Delete(cleanup, key); derr != nil && !errors.Is(derr, storage.ErrNotFound) {
				logrus.WithError(derr).WithFields(logrus.Fields{"job": jobID, "key": key}).Warn("Could not delete partial output")
			}
		}
	}()

	if err = store.Put(ctx, out.ResultKey, result, out.ContentType); err != nil {
		return fmt.Errorf("store result: %w", err)
	}
	written = append(written, out.ResultKey)
	if err = store.Put(ctx, out.ThumbnailKey, thumb, imageio.JPEG.ContentType()); err != nil {
		return fmt.Errorf("store thumbnail: %w", err)
	}
	written = append(written, out.ThumbnailKey)
	return q.SetOutput(jobID, out)
}

func fetchImage(ctx context.Context, store storage.Store, key string) (image.Image, error) {
	data, err := store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	img, _, err := imageio.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	return img, nil
}
