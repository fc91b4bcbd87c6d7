// Package lifecycle runs each model strictly on demand: load, one pass,
// release, reclaim. Nothing stays resident between phases or requests.
package lifecycle

import (
	"context"
	"fmt"
	"log"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/Brownie44l1/breastscan-api/internal/activity"
	"github.com/Brownie44l1/breastscan-api/internal/codec"
	"github.com/Brownie44l1/breastscan-api/internal/fusion"
	"github.com/Brownie44l1/breastscan-api/internal/model"
	"github.com/Brownie44l1/breastscan-api/internal/telemetry"
)

// ModelLoader is the part of *model.Loader the coordinator needs.
type ModelLoader interface {
	Describe(kind model.Kind) (*model.Metadata, error)
	Load(ctx context.Context, kind model.Kind, stage model.Stage) (*model.Handle, error)
}

type Options struct {
	Events    *activity.Log
	Telemetry *telemetry.Provider
	// MaxInFlight caps concurrent requests process-wide. 0 means no cap.
	MaxInFlight int
	// Reclaim runs after every release. Defaults to Reclaim.
	Reclaim func()
}

type Coordinator struct {
	loader  ModelLoader
	events  *activity.Log
	tel     *telemetry.Provider
	sem     *semaphore.Weighted
	reclaim func()
}

func New(loader ModelLoader, opts Options) *Coordinator {
	c := &Coordinator{
		loader:  loader,
		events:  opts.Events,
		tel:     opts.Telemetry,
		reclaim: opts.Reclaim,
	}
	if c.tel == nil {
		c.tel = telemetry.Noop()
	}
	if c.reclaim == nil {
		c.reclaim = Reclaim
	}
	if opts.MaxInFlight > 0 {
		c.sem = semaphore.NewWeighted(int64(opts.MaxInFlight))
	}
	return c
}

type ImageOutcome struct {
	Prediction  model.Prediction
	Explanation *model.Explanation
}

type TabularOutcome struct {
	Prediction  model.Prediction
	Explanation *model.Explanation
	Report      codec.Report
}

type FusedOptions struct {
	ExplainImage   bool
	ExplainTabular bool
}

type FusedOutcome struct {
	fusion.Result
	ImageExplanation   *model.Explanation
	TabularExplanation *model.Explanation
	Report             codec.Report
}

// RunImage decodes raw, predicts, and optionally explains the predicted
// class with a second, freshly loaded handle.
func (c *Coordinator) RunImage(ctx context.Context, raw []byte, explain bool) (out *ImageOutcome, err error) {
	ctx, span := c.tel.Start(ctx, "lifecycle.image", attribute.Bool("breastscan.explain", explain))
	defer func() { telemetry.EndSpan(span, err) }()

	release, err := c.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	in, err := c.decodeImage(raw)
	if err != nil {
		return nil, err
	}
	out = &ImageOutcome{}
	if out.Prediction, out.Explanation, err = c.image(ctx, in, explain); err != nil {
		return nil, err
	}
	c.done(ctx, model.Image, out.Prediction)
	return out, nil
}

// RunTabular encodes in against the model's feature order, predicts, and
// optionally explains the predicted class.
func (c *Coordinator) RunTabular(ctx context.Context, in codec.TabularInput, explain bool) (out *TabularOutcome, err error) {
	ctx, span := c.tel.Start(ctx, "lifecycle.tabular", attribute.Bool("breastscan.explain", explain))
	defer func() { telemetry.EndSpan(span, err) }()

	release, err := c.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	vec, rep, err := c.encodeTabular(in)
	if err != nil {
		return nil, err
	}
	out = &TabularOutcome{Report: rep}
	if out.Prediction, out.Explanation, err = c.tabular(ctx, vec, explain); err != nil {
		return nil, err
	}
	c.done(ctx, model.Tabular, out.Prediction)
	return out, nil
}

// RunFused runs the image cycle to completion, then the tabular cycle, then
// combines. Both inputs are checked before either model is loaded, and a
// failure in either cycle fails the whole request.
func (c *Coordinator) RunFused(ctx context.Context, raw []byte, in codec.TabularInput, opts FusedOptions) (out *FusedOutcome, err error) {
	ctx, span := c.tel.Start(ctx, "lifecycle.fused")
	defer func() { telemetry.EndSpan(span, err) }()

	release, err := c.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	img, err := c.decodeImage(raw)
	if err != nil {
		return nil, err
	}
	vec, rep, err := c.encodeTabular(in)
	if err != nil {
		return nil, err
	}

	out = &FusedOutcome{Report: rep}
	imgPred, imgExp, err := c.image(ctx, img, opts.ExplainImage)
	if err != nil {
		return nil, err
	}
	tabPred, tabExp, err := c.tabular(ctx, vec, opts.ExplainTabular)
	if err != nil {
		return nil, err
	}

	out.Result = fusion.Combine(imgPred, tabPred)
	out.ImageExplanation = imgExp
	out.TabularExplanation = tabExp
	c.tel.RecordPrediction(ctx, "multimodal", out.Label.String())
	c.record(ctx, "multimodal", "", Done, fmt.Sprintf("%s p=%.4f", out.Label, out.Confidence()))
	return out, nil
}

func (c *Coordinator) decodeImage(raw []byte) (*codec.ImageInput, error) {
	meta, err := c.loader.Describe(model.Image)
	if err != nil {
		return nil, err
	}
	return codec.DecodeImage(raw, meta.ImageSpec())
}

func (c *Coordinator) encodeTabular(in codec.TabularInput) (codec.FeatureVector, codec.Report, error) {
	meta, err := c.loader.Describe(model.Tabular)
	if err != nil {
		return codec.FeatureVector{}, codec.Report{}, err
	}
	return codec.EncodeTabular(in, meta.FeatureNames)
}

func (c *Coordinator) image(ctx context.Context, in *codec.ImageInput, explain bool) (model.Prediction, *model.Explanation, error) {
	return c.predictAndExplain(ctx, model.Image, model.ForImage(in), explain)
}

func (c *Coordinator) tabular(ctx context.Context, vec codec.FeatureVector, explain bool) (model.Prediction, *model.Explanation, error) {
	return c.predictAndExplain(ctx, model.Tabular, model.ForFeatures(vec), explain)
}

func (c *Coordinator) predictAndExplain(ctx context.Context, kind model.Kind, in model.Input, explain bool) (model.Prediction, *model.Explanation, error) {
	var pred model.Prediction
	err := c.withHandle(ctx, kind, model.StagePredict, func(h *model.Handle) error {
		var err error
		pred, err = model.Predict(h, in)
		return err
	})
	if err != nil || !explain {
		return pred, nil, err
	}

	var exp *model.Explanation
	err = c.withHandle(ctx, kind, model.StageExplain, func(h *model.Handle) error {
		var err error
		exp, err = model.Explain(h, in, pred.ClassIndex)
		return err
	})
	if err != nil {
		return model.Prediction{}, nil, err
	}
	return pred, exp, nil
}

// withHandle loads a fresh handle, runs fn and always releases. A panic in
// fn is reported as an inference failure after the handle is gone.
func (c *Coordinator) withHandle(ctx context.Context, kind model.Kind, stage model.Stage, fn func(*model.Handle) error) (err error) {
	ctx, span := c.tel.Start(ctx, fmt.Sprintf("%s.%s", kind, stage))
	start := time.Now()

	c.record(ctx, kind.String(), stage.String(), Loading, "")
	h, err := c.loader.Load(ctx, kind, stage)
	if err != nil {
		c.record(ctx, kind.String(), stage.String(), Failed, err.Error())
		c.tel.RecordPhase(ctx, kind.String(), stage.String(), time.Since(start), true)
		telemetry.EndSpan(span, err)
		return err
	}
	c.tel.RecordLoad(ctx, kind.String(), stage.String())
	c.record(ctx, kind.String(), stage.String(), Loaded, "")

	defer func() {
		if r := recover(); r != nil {
			err = &model.InferenceError{Kind: kind, Stage: stage, Err: fmt.Errorf("panic: %v", r)}
		}
		if rerr := h.Release(); rerr != nil {
			log.Printf("lifecycle: release %s model (%s): %v", kind, stage, rerr)
		}
		c.tel.RecordRelease(ctx, kind.String(), stage.String())
		c.reclaim()
		mem := ReadMemory()
		c.record(ctx, kind.String(), stage.String(), Released, mem.String())
		log.Printf("lifecycle: released %s model (%s) %s", kind, stage, mem)

		if err != nil {
			c.record(ctx, kind.String(), stage.String(), Failed, err.Error())
		}
		c.tel.RecordPhase(ctx, kind.String(), stage.String(), time.Since(start), err != nil)
		telemetry.EndSpan(span, err)
	}()

	running := Predicting
	if stage == model.StageExplain {
		running = Explaining
	}
	c.record(ctx, kind.String(), stage.String(), running, "")
	return fn(h)
}

func (c *Coordinator) done(ctx context.Context, kind model.Kind, p model.Prediction) {
	c.tel.RecordPrediction(ctx, kind.String(), p.Label.String())
	c.record(ctx, kind.String(), "", Done, fmt.Sprintf("%s p=%.4f", p.Label, p.Confidence()))
}

func (c *Coordinator) acquire(ctx context.Context) (func(), error) {
	if c.sem == nil {
		return func() {}, nil
	}
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return func() { c.sem.Release(1) }, nil
}

func (c *Coordinator) record(ctx context.Context, kind, stage string, s State, note string) {
	trace.SpanFromContext(ctx).AddEvent(s.String(), trace.WithAttributes(attribute.String("breastscan.kind", kind)))
	c.events.Add(activity.Event{
		RequestID: RequestID(ctx),
		Kind:      kind,
		Stage:     stage,
		State:     s.String(),
		Note:      note,
	})
}
