package tasks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stevecastle/stereoeye/imageio"
	"github.com/stevecastle/stereoeye/jobqueue"
	"github.com/stevecastle/stereoeye/stereo"
	"github.com/stevecastle/stereoeye/storage"
)

func pngBytes(t *testing.T, img image.Image) []byte {
	t.Helper()
	data, err := imageio.EncodeBytes(img, imageio.PNG, imageio.EncodeOptions{})
	require.NoError(t, err)
	return data
}

func seedStore(t *testing.T, w, h, mw, mh int) *storage.LocalStore {
	t.Helper()
	store, err := storage.NewLocalStore(t.TempDir())
	require.NoError(t, err)

	base := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := range base.Pix {
		base.Pix[i] = uint8(i)
		if i%4 == 3 {
			base.Pix[i] = 255
		}
	}
	depth := image.NewGray(image.Rect(0, 0, mw, mh))
	for i := range depth.Pix {
		depth.Pix[i] = 200
	}
	ctx := context.Background()
	require.NoError(t, store.Put(ctx, "uploads/base.png", pngBytes(t, base), "image/png"))
	require.NoError(t, store.Put(ctx, "uploads/map.png", pngBytes(t, depth), "image/png"))
	return store
}

func claim(t *testing.T, q *jobqueue.Queue, params RenderParams) *jobqueue.Job {
	t.Helper()
	_, err := q.AddJob(RenderCommand, params, []string{params.BaseKey, params.MapKey})
	require.NoError(t, err)
	j, err := q.ClaimJob()
	require.NoError(t, err)
	require.NotNil(t, j)
	return j
}

func TestRenderTask(t *testing.T) {
	store := seedStore(t, 64, 16, 64, 16)
	q := jobqueue.NewQueue()
	fn := NewRenderTask(RenderDeps{Store: store, Workers: 2, ThumbnailSize: 32})

	j := claim(t, q, RenderParams{BaseKey: "uploads/base.png", MapKey: "uploads/map.png", Layout: "LR", Format: "jpg"})
	require.NoError(t, fn(j, q))

	job, _ := q.GetJob(j.ID)
	assert.Equal(t, ResultKey(j.ID, imageio.JPEG), job.Output.ResultKey)
	assert.Equal(t, "image/jpeg", job.Output.ContentType)
	assert.NotEmpty(t, job.Log)

	var stats struct {
		Magnitude int `json:"magnitude"`
		OutWidth  int `json:"outWidth"`
	}
	require.NoError(t, json.Unmarshal(job.Output.Stats, &stats))
	assert.Equal(t, 1, stats.Magnitude) // 2% of 64
	assert.Equal(t, 128, stats.OutWidth)

	data, err := store.Get(context.Background(), job.Output.ResultKey)
	require.NoError(t, err)
	img, format, err := imageio.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, "jpeg", format)
	assert.Equal(t, image.Rect(0, 0, 128, 16), img.Bounds())

	thumbData, err := store.Get(context.Background(), job.Output.ThumbnailKey)
	require.NoError(t, err)
	thumb, _, err := imageio.Decode(bytes.NewReader(thumbData))
	require.NoError(t, err)
	assert.Equal(t, 32, thumb.Bounds().Dx())
	assert.Equal(t, 4, thumb.Bounds().Dy())
}

func TestRenderTaskDimensionMismatch(t *testing.T) {
	store := seedStore(t, 8, 8, 4, 4)
	q := jobqueue.NewQueue()
	fn := NewRenderTask(RenderDeps{Store: store})

	j := claim(t, q, RenderParams{BaseKey: "uploads/base.png", MapKey: "uploads/map.png"})
	assert.ErrorIs(t, fn(j, q), stereo.ErrDimensionMismatch)
}

func TestRenderTaskFitMap(t *testing.T) {
	store := seedStore(t, 8, 8, 4, 4)
	q := jobqueue.NewQueue()
	fn := NewRenderTask(RenderDeps{Store: store})

	j := claim(t, q, RenderParams{BaseKey: "uploads/base.png", MapKey: "uploads/map.png", FitMap: true, Layout: "L"})
	require.NoError(t, fn(j, q))
	job, _ := q.GetJob(j.ID)
	assert.Equal(t, "image/png", job.Output.ContentType)
}

func TestRenderTaskMissingInput(t *testing.T) {
	store := seedStore(t, 8, 8, 8, 8)
	q := jobqueue.NewQueue()
	fn := NewRenderTask(RenderDeps{Store: store})

	j := claim(t, q, RenderParams{BaseKey: "uploads/nope.png", MapKey: "uploads/map.png"})
	assert.ErrorIs(t, fn(j, q), storage.ErrNotFound)
}

func TestRenderTaskCorruptInput(t *testing.T) {
	store := seedStore(t, 8, 8, 8, 8)
	require.NoError(t, store.Put(context.Background(), "uploads/bad.png", []byte("nope"), ""))
	q := jobqueue.NewQueue()
	fn := NewRenderTask(RenderDeps{Store: store})

	j := claim(t, q, RenderParams{BaseKey: "uploads/base.png", MapKey: "uploads/bad.png"})
	var decErr *imageio.DecodeError
	assert.ErrorAs(t, fn(j, q), &decErr)
}

func TestRenderTaskCancelled(t *testing.T) {
	store := seedStore(t, 8, 8, 8, 8)
	q := jobqueue.NewQueue()
	fn := NewRenderTask(RenderDeps{Store: store})

	j := claim(t, q, RenderParams{BaseKey: "uploads/base.png", MapKey: "uploads/map.png"})
	require.NoError(t, q.CancelJob(j.ID))
	assert.ErrorIs(t, fn(j, q), context.Canceled)
}

// hookStore runs callbacks around LocalStore reads and writes.
type hookStore struct {
	*storage.LocalStore
	beforePut func(key string) error
	afterPut  func(key string)
	afterGet  func(key string)
}

func (s *hookStore) Put(ctx context.Context, key string, data []byte, contentType string) error {
	if s.beforePut != nil {
		if err := s.beforePut(key); err != nil {
			return err
		}
	}
	if err := s.LocalStore.Put(ctx, key, data, contentType); err != nil {
		return err
	}
	if s.afterPut != nil {
		s.afterPut(key)
	}
	return nil
}

func (s *hookStore) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := s.LocalStore.Get(ctx, key)
	if err == nil && s.afterGet != nil {
		s.afterGet(key)
	}
	return data, err
}

func storedResults(t *testing.T, store *storage.LocalStore) []string {
	t.Helper()
	entries, err := os.ReadDir(filepath.Join(store.Root(), "results"))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestRenderTaskLeavesNoPartialOutput(t *testing.T) {
	errDiskFull := errors.New("disk full")
	isThumb := func(key string) bool { return strings.HasSuffix(key, ".thumb.jpg") }

	tests := []struct {
		name  string
		hooks func(h *hookStore, q *jobqueue.Queue, id string)
		want  error
	}{
		{
			name: "result write fails",
			hooks: func(h *hookStore, q *jobqueue.Queue, id string) {
				h.beforePut = func(key string) error {
					if !isThumb(key) {
						return errDiskFull
					}
					return nil
				}
			},
			want: errDiskFull,
		},
		{
			name: "thumbnail write fails",
			hooks: func(h *hookStore, q *jobqueue.Queue, id string) {
				h.beforePut = func(key string) error {
					if isThumb(key) {
						return errDiskFull
					}
					return nil
				}
			},
			want: errDiskFull,
		},
		{
			name: "cancelled between writes",
			hooks: func(h *hookStore, q *jobqueue.Queue, id string) {
				h.beforePut = func(key string) error {
					if isThumb(key) {
						q.CancelJob(id)
					}
					return nil
				}
			},
			want: context.Canceled,
		},
		{
			name: "removed between writes",
			hooks: func(h *hookStore, q *jobqueue.Queue, id string) {
				h.beforePut = func(key string) error {
					if isThumb(key) {
						q.RemoveJob(id)
					}
					return nil
				}
			},
			want: context.Canceled,
		},
		{
			name: "cancelled before output is recorded",
			hooks: func(h *hookStore, q *jobqueue.Queue, id string) {
				h.afterPut = func(key string) {
					if isThumb(key) {
						q.CancelJob(id)
					}
				}
			},
			want: jobqueue.ErrInvalidState,
		},
		{
			name: "cancelled after loading inputs",
			hooks: func(h *hookStore, q *jobqueue.Queue, id string) {
				h.afterGet = func(key string) {
					if key == "uploads/map.png" {
						q.CancelJob(id)
					}
				}
			},
			want: context.Canceled,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			local := seedStore(t, 16, 4, 16, 4)
			store := &hookStore{LocalStore: local}
			q := jobqueue.NewQueue()
			fn := NewRenderTask(RenderDeps{Store: store, ThumbnailSize: 8})

			j := claim(t, q, RenderParams{BaseKey: "uploads/base.png", MapKey: "uploads/map.png"})
			tt.hooks(store, q, j.ID)

			assert.ErrorIs(t, fn(j, q), tt.want)
			assert.Empty(t, storedResults(t, local))
			if job, ok := q.GetJob(j.ID); ok {
				assert.Empty(t, job.Output.ResultKey)
			}
		})
	}
}

func TestRenderParams(t *testing.T) {
	p := RenderParams{BaseKey: "a", MapKey: "b"}
	require.NoError(t, p.Validate())

	opts, err := p.Options(0)
	require.NoError(t, err)
	assert.Equal(t, stereo.DefaultEffectSize, opts.Size)
	assert.Equal(t, stereo.LayoutRL, opts.Layout)
	assert.Equal(t, 1, opts.Workers)

	f, err := p.OutputFormat()
	require.NoError(t, err)
	assert.Equal(t, imageio.PNG, f)

	var argErr *stereo.ArgumentError
	assert.ErrorAs(t, RenderParams{BaseKey: "a", MapKey: "b", Layout: "XY"}.Validate(), &argErr)
	assert.ErrorIs(t, RenderParams{BaseKey: "a", MapKey: "b", Size: "-5%"}.Validate(), stereo.ErrNotPositive)
	assert.ErrorIs(t, RenderParams{BaseKey: "a", MapKey: "b", Format: "psd"}.Validate(), imageio.ErrUnsupportedFormat)
	assert.Error(t, RenderParams{BaseKey: "a"}.Validate())
	assert.Error(t, RenderParams{BaseKey: "a", MapKey: "b", Quality: 101}.Validate())
	assert.Error(t, RenderParams{BaseKey: "a", MapKey: "b", ClipLow: 60, ClipHigh: 40}.Validate())
}

func TestResultKeys(t *testing.T) {
	assert.Equal(t, "results/abc.tif", ResultKey("abc", imageio.TIFF))
	assert.Equal(t, "results/abc.thumb.jpg", ThumbnailKey("abc"))
}
