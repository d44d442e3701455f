package capture

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/compresr/prompt-gateway/internal/lineage"
	"github.com/compresr/prompt-gateway/internal/monitoring"
	"github.com/compresr/prompt-gateway/internal/similarity"
	"github.com/compresr/prompt-gateway/internal/store"
)

var tracer = otel.Tracer("github.com/compresr/prompt-gateway/internal/capture")

// Stage names.
const (
	StageParse    = "parse"
	StageEmbed    = "embed"
	StageClassify = "classify"
	StageLink     = "link"
)

var (
	// ErrNoPromptText is returned by the parse stage when no prompt could be extracted.
	ErrNoPromptText = errors.New("capture: no prompt text in request body")
	// ErrNotClassified is returned by the link stage when classification did not run.
	ErrNotClassified = errors.New("capture: context has no classification result")
)

// Embedder turns raw prompt text into a vector. *embedding.Client masks before embedding.
type Embedder interface {
	Embed(ctx context.Context, raw string) ([]float32, error)
}

// Classifier assigns a similarity tier to a vector.
type Classifier interface {
	Classify(ctx context.Context, vector []float32) (similarity.Result, error)
}

// Linker applies a classification to the prompt store.
type Linker interface {
	Apply(ctx context.Context, res similarity.Result, c lineage.Capture) (lineage.Outcome, error)
}

// StageFunc transforms a capture context. On error the returned Context is
// still used so partial results (e.g. the parsed model) reach the record.
type StageFunc func(ctx context.Context, c Context) (Context, error)

// Stage is one named step of the pipeline.
type Stage struct {
	Name    string
	Failure store.Status // terminal status when Run fails
	Run     StageFunc
}

// Pipeline runs stages in order and stops at the first failure.
type Pipeline struct {
	stages       []Stage
	stageTimeout time.Duration
	metrics      *monitoring.MetricsCollector
}

// NewPipeline creates a pipeline over stages. stageTimeout bounds each stage
// (0 = no per-stage bound); metrics may be nil.
func NewPipeline(stages []Stage, stageTimeout time.Duration, metrics *monitoring.MetricsCollector) *Pipeline {
	return &Pipeline{stages: stages, stageTimeout: stageTimeout, metrics: metrics}
}

// DefaultStages builds parse -> embed -> classify -> link.
func DefaultStages(embedder Embedder, classifier Classifier, linker Linker) []Stage {
	return []Stage{
		{Name: StageParse, Failure: store.StatusParseFailed, Run: parseStage},
		{Name: StageEmbed, Failure: store.StatusEmbeddingFailed, Run: embedStage(embedder)},
		{Name: StageClassify, Failure: store.StatusClassificationFailed, Run: classifyStage(classifier)},
		{Name: StageLink, Failure: store.StatusError, Run: linkStage(linker)},
	}
}

// Run executes every stage and returns a Context in a terminal status.
func (p *Pipeline) Run(ctx context.Context, c Context) Context {
	for _, st := range p.stages {
		next, err := p.runStage(ctx, st, c)
		c = next
		if err != nil {
			return c.WithStatus(st.Failure, fmt.Sprintf("%s: %v", st.Name, err))
		}
	}
	return c.WithStatus(store.StatusSuccess, "")
}

func (p *Pipeline) runStage(ctx context.Context, st Stage, c Context) (Context, error) {
	ctx, span := tracer.Start(ctx, "capture."+st.Name)
	defer span.End()
	span.SetAttributes(
		attribute.String("capture.correlation_id", c.req.CorrelationID),
		attribute.String("capture.provider", c.Provider().String()),
	)

	if p.stageTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.stageTimeout)
		defer cancel()
	}

	start := time.Now()
	next, err := st.Run(ctx, c)
	if p.metrics != nil {
		p.metrics.RecordStage(st.Name, time.Since(start))
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, st.Name+" failed")
		return next, err
	}
	span.SetStatus(codes.Ok, "")
	return next, nil
}

// =============================================================================
// STAGES
// =============================================================================

func parseStage(_ context.Context, c Context) (Context, error) {
	if c.adapter == nil {
		return c, ErrNoPromptText
	}
	parsed := c.adapter.ParseRequest(c.req.Path, c.body)
	c = c.WithParsed(parsed)
	if !parsed.OK() {
		return c, ErrNoPromptText
	}
	return c, nil
}

func embedStage(embedder Embedder) StageFunc {
	return func(ctx context.Context, c Context) (Context, error) {
		if c.parsed.PromptText == nil {
			return c, ErrNoPromptText
		}
		vec, err := embedder.Embed(ctx, *c.parsed.PromptText)
		if err != nil {
			return c, err
		}
		return c.WithVector(vec), nil
	}
}

func classifyStage(classifier Classifier) StageFunc {
	return func(ctx context.Context, c Context) (Context, error) {
		res, err := classifier.Classify(ctx, c.vector)
		if err != nil {
			return c, err
		}
		return c.WithResult(res), nil
	}
}

func linkStage(linker Linker) StageFunc {
	return func(ctx context.Context, c Context) (Context, error) {
		res, ok := c.Result()
		if !ok {
			return c, ErrNotClassified
		}
		out, err := linker.Apply(ctx, res, lineage.Capture{
			Content:   *c.parsed.PromptText,
			Embedding: c.vector,
			Provider:  c.Provider().String(),
			Model:     c.parsed.Model,
		})
		if err != nil {
			return c, err
		}
		return c.WithPromptID(out.PromptID), nil
	}
}
