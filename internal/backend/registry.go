package backend

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/suPer8Hu/genstudio/internal/ai"
	"github.com/suPer8Hu/genstudio/internal/storage"
	"golang.org/x/sync/errgroup"
)

// Diffuser is the subset of the diffusion API the image backends use.
type Diffuser interface {
	Txt2Img(ctx context.Context, p ai.Txt2ImgParams) ([]byte, error)
	Img2Img(ctx context.Context, p ai.Img2ImgParams) ([]byte, error)
	Upscale(ctx context.Context, image []byte, factor float64, upscaler string) ([]byte, error)
	Ping(ctx context.Context) error
}

// Resources are the heavy handles shared by all variants. A nil Diffusion or
// empty FFmpeg means the resource is unavailable and variants degrade to
// their placeholder output.
type Resources struct {
	Diffusion Diffuser
	FFmpeg    string
}

type Options struct {
	DiffusionURL     string
	DiffusionTimeout time.Duration
	Upscaler         string
	UpscaleFactor    float64
	FFmpegBin        string
	PingTimeout      time.Duration
}

// Registry owns the backend resources and the per-operation variants. It is
// built once at process start and handed to whoever executes jobs.
type Registry struct {
	opts   Options
	layout *storage.Layout
	log    zerolog.Logger

	mu  sync.RWMutex
	res Resources

	backends map[Operation]Backend
}

func NewRegistry(opts Options, layout *storage.Layout, log zerolog.Logger) *Registry {
	if opts.Upscaler == "" {
		opts.Upscaler = "R-ESRGAN 4x+"
	}
	if opts.UpscaleFactor <= 0 {
		opts.UpscaleFactor = 4
	}
	if opts.PingTimeout <= 0 {
		opts.PingTimeout = 5 * time.Second
	}
	r := &Registry{opts: opts, layout: layout, log: log}
	r.backends = map[Operation]Backend{
		OpTxt2Img:   txt2img{r},
		OpImg2Img:   img2img{r},
		OpUpscale:   upscale{r},
		OpTxt2Video: txt2video{r},
		OpImg2Video: img2video{r},
	}
	return r
}

func (r *Registry) Backend(op Operation) (Backend, error) {
	b, ok := r.backends[op]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownOperation, op)
	}
	return b, nil
}

func (r *Registry) Resources() Resources {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.res
}

// Swap installs a new resource set; in-flight executions keep the set they
// already read.
func (r *Registry) Swap(res Resources) {
	r.mu.Lock()
	r.res = res
	r.mu.Unlock()
}

// Reload checks every configured resource and installs whatever is reachable.
// Unreachable resources are logged and left unset.
func (r *Registry) Reload(ctx context.Context) error {
	var (
		next Resources
		mu   sync.Mutex
	)
	g, gctx := errgroup.WithContext(ctx)

	if url := strings.TrimSpace(r.opts.DiffusionURL); url != "" {
		g.Go(func() error {
			client := ai.NewDiffusionClient(url, r.opts.DiffusionTimeout)
			pctx, cancel := context.WithTimeout(gctx, r.opts.PingTimeout)
			defer cancel()
			if err := client.Ping(pctx); err != nil {
				r.log.Warn().Err(err).Str("url", url).Msg("diffusion api unavailable, image backends use placeholders")
				return nil
			}
			mu.Lock()
			next.Diffusion = client
			mu.Unlock()
			return nil
		})
	}

	if bin := strings.TrimSpace(r.opts.FFmpegBin); bin != "" {
		g.Go(func() error {
			path, err := exec.LookPath(bin)
			if err != nil {
				r.log.Warn().Err(err).Str("bin", bin).Msg("ffmpeg unavailable, video backends use a placeholder clip")
				return nil
			}
			mu.Lock()
			next.FFmpeg = path
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	r.Swap(next)
	r.log.Info().
		Bool("diffusion", next.Diffusion != nil).
		Str("ffmpeg", next.FFmpeg).
		Msg("backend resources loaded")
	return nil
}

// Close drops every resource handle.
func (r *Registry) Close() error {
	res := r.Resources()
	if c, ok := res.Diffusion.(*ai.DiffusionClient); ok && c.Client != nil {
		c.Client.CloseIdleConnections()
	}
	r.Swap(Resources{})
	return nil
}
