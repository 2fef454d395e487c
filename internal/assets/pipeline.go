// Package assets computes a blunder's best move and continuation and
// renders its six images in the background.
package assets

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/ililio1/chesshelper/internal/blobstore"
	"github.com/ililio1/chesshelper/internal/engine"
	"github.com/ililio1/chesshelper/internal/notation"
	"github.com/ililio1/chesshelper/internal/render"
	"github.com/ililio1/chesshelper/internal/store"
)

// ErrNotReady is returned when an asset needs a best move that has not been
// computed yet.
var ErrNotReady = errors.New("best move not computed")

// Store is the part of the persistence gateway the pipeline uses.
type Store interface {
	GetBlunder(ctx context.Context, id uint) (*store.Blunder, error)
	MergeUpdateBlunderAssets(ctx context.Context, id uint, a store.BlunderAssets) error
}

type Config struct {
	Evaluator         engine.Evaluator
	Store             Store
	Renderer          *render.Renderer
	Blobs             blobstore.Store // optional mirror
	Logger            zerolog.Logger
	Workers           int
	QueueSize         int
	ContinuationPlies int
}

// Pipeline runs the secondary analysis and the render worker pool.
type Pipeline struct {
	eval   engine.Evaluator
	store  Store
	render *render.Renderer
	blobs  blobstore.Store
	log    zerolog.Logger
	queue  *Queue
	plies  int

	workers int
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	rendered atomic.Int64
	failed   atomic.Int64
}

func New(cfg Config) *Pipeline {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.ContinuationPlies <= 0 {
		cfg.ContinuationPlies = 6
	}
	if cfg.Renderer == nil {
		cfg.Renderer = render.New(64)
	}
	return &Pipeline{
		eval:    cfg.Evaluator,
		store:   cfg.Store,
		render:  cfg.Renderer,
		blobs:   cfg.Blobs,
		log:     cfg.Logger.With().Str("component", "assets").Logger(),
		queue:   NewQueue(cfg.QueueSize),
		plies:   cfg.ContinuationPlies,
		workers: cfg.Workers,
	}
}

// Start launches the render workers. They run until Stop, independent of
// any request context.
func (p *Pipeline) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
	p.log.Info().Int("workers", p.workers).Msg("render workers started")
}

// Stop cancels the workers and waits for in-flight jobs.
func (p *Pipeline) Stop() {
	if p.cancel == nil {
		return
	}
	p.cancel()
	p.wg.Wait()
	p.cancel = nil
}

func (p *Pipeline) worker(ctx context.Context, n int) {
	defer p.wg.Done()
	log := p.log.With().Int("worker", n).Logger()
	for {
		id, err := p.queue.Dequeue(ctx)
		if err != nil {
			return
		}
		if err := p.RenderBlunder(ctx, id); err != nil {
			log.Warn().Err(err).Uint("blunder", id).Msg("render job failed")
		}
	}
}

// Enqueue schedules a render job for id without waiting for it.
func (p *Pipeline) Enqueue(id uint) bool {
	return p.queue.Enqueue(id)
}

// QueueLen reports the number of pending render jobs.
func (p *Pipeline) QueueLen() int { return p.queue.Len() }

// Analyze computes the best move and continuation of b, persists them with
// the assets marked pending, and enqueues rendering.
func (p *Pipeline) Analyze(ctx context.Context, b *store.Blunder) error {
	best, err := p.eval.BestMove(ctx, b.FENBefore)
	if err != nil {
		return fmt.Errorf("best move for blunder %d: %w", b.ID, err)
	}
	line, err := p.continuation(ctx, b.FENBefore, best)
	if err != nil {
		return fmt.Errorf("continuation for blunder %d: %w", b.ID, err)
	}
	cont := strings.Join(line, " ")
	pending := store.AssetsPending
	if err := p.store.MergeUpdateBlunderAssets(ctx, b.ID, store.BlunderAssets{
		BestMove:     &best,
		Continuation: &cont,
		State:        &pending,
	}); err != nil {
		return err
	}
	b.BestMove, b.Continuation, b.AssetState = &best, &cont, pending

	p.Enqueue(b.ID)
	return nil
}

// continuation plays best from fen and then the engine's choice for each
// following position, stopping at p.plies moves or when no move comes back.
func (p *Pipeline) continuation(ctx context.Context, fen, best string) ([]string, error) {
	line := []string{best}
	cur, err := notation.FENAfter(fen, best)
	if err != nil {
		return nil, err
	}
	for len(line) < p.plies {
		mv, err := p.eval.BestMove(ctx, cur)
		if errors.Is(err, engine.ErrNoMove) {
			break
		}
		if err != nil {
			return nil, err
		}
		next, err := notation.FENAfter(cur, mv)
		if err != nil {
			break
		}
		line = append(line, mv)
		cur = next
	}
	return line, nil
}

// RenderBlunder renders every missing image of blunder id and merges the
// successful ones. The asset state becomes ready when all six exist.
func (p *Pipeline) RenderBlunder(ctx context.Context, id uint) error {
	b, err := p.store.GetBlunder(ctx, id)
	if err != nil {
		return err
	}
	if b.BestMove == nil {
		return fmt.Errorf("blunder %d: %w", id, ErrNotReady)
	}

	images := make(map[store.AssetKey][]byte)
	complete := true
	for _, key := range store.AllAssetKeys() {
		if b.Asset(key) != nil {
			continue
		}
		data, err := p.renderAsset(b, key)
		if err != nil {
			complete = false
			p.log.Warn().Err(err).Uint("blunder", id).Str("asset", key.String()).Msg("render failed")
			continue
		}
		images[key] = data
	}

	state := store.AssetsReady
	if !complete {
		state = store.AssetsFailed
		p.failed.Add(1)
	} else {
		p.rendered.Add(1)
	}
	if err := p.store.MergeUpdateBlunderAssets(ctx, id, store.BlunderAssets{Images: images, State: &state}); err != nil {
		return err
	}
	p.mirror(ctx, id, images)
	return nil
}

func (p *Pipeline) mirror(ctx context.Context, id uint, images map[store.AssetKey][]byte) {
	if p.blobs == nil {
		return
	}
	for key, data := range images {
		if err := p.blobs.Put(ctx, blobstore.Key(id, key), data, "image/gif"); err != nil {
			p.log.Warn().Err(err).Uint("blunder", id).Str("asset", key.String()).Msg("mirror failed")
		}
	}
}

// Asset returns the stored image for key, falling back to the blob mirror
// and then to rendering it on the spot.
func (p *Pipeline) Asset(ctx context.Context, b *store.Blunder, key store.AssetKey) ([]byte, error) {
	if data := b.Asset(key); data != nil {
		return data, nil
	}
	if p.blobs != nil {
		if data, err := p.blobs.Get(ctx, blobstore.Key(b.ID, key)); err == nil {
			return data, nil
		}
	}
	return p.renderAsset(b, key)
}

func (p *Pipeline) renderAsset(b *store.Blunder, key store.AssetKey) ([]byte, error) {
	flip := key.Orientation == store.OrientationBlack
	switch key.Kind {
	case store.AssetError:
		return p.render.Move(b.FENBefore, b.PlayedMove, flip)
	case store.AssetBest:
		if b.BestMove == nil {
			return nil, ErrNotReady
		}
		return p.render.Move(b.FENBefore, *b.BestMove, flip)
	case store.AssetLine:
		if b.Continuation == nil {
			return nil, ErrNotReady
		}
		return p.render.Line(b.FENBefore, strings.Fields(*b.Continuation), flip)
	}
	return nil, fmt.Errorf("%w: unknown asset kind %q", render.ErrRender, key.Kind)
}

// Stats reports completed render jobs.
type Stats struct {
	Queued   int
	Rendered int64
	Failed   int64
}

func (p *Pipeline) Stats() Stats {
	return Stats{Queued: p.queue.Len(), Rendered: p.rendered.Load(), Failed: p.failed.Load()}
}
