package stream

import (
	"context"
	"log/slog"
)

// EmitFunc delivers one transformed text unit downstream.
type EmitFunc func(ctx context.Context, text string) error

// Pipeline chains the paragraph aggregator and the code extractor over one
// LLM turn. While a block is open the aggregator is bypassed so each raw
// fragment reaches the extractor immediately and code streams into its
// embed line by line.
type Pipeline struct {
	agg    *ParagraphAggregator
	ext    *Extractor
	emit   EmitFunc
	onUnit func(unit string)
}

// NewPipeline builds a pipeline emitting through emit. onUnit, when set,
// observes every plain-text unit before extraction (used for link
// collection); it never sees code block interiors.
func NewPipeline(sink CodeSink, logger *slog.Logger, emit EmitFunc, onUnit func(string)) *Pipeline {
	return &Pipeline{
		agg:    &ParagraphAggregator{},
		ext:    NewExtractor(sink, logger),
		emit:   emit,
		onUnit: onUnit,
	}
}

// Write feeds one raw text fragment through the pipeline.
func (p *Pipeline) Write(ctx context.Context, fragment string) error {
	var units []string
	if p.ext.State() != StateOutside {
		if pending := p.agg.Flush(); pending != "" {
			units = append(units, pending)
		}
		units = append(units, fragment)
	} else {
		units = p.agg.Add(fragment)
	}
	return p.process(ctx, units)
}

// Close flushes buffered text and settles any open block.
func (p *Pipeline) Close(ctx context.Context) error {
	if pending := p.agg.Flush(); pending != "" {
		if err := p.process(ctx, []string{pending}); err != nil {
			return err
		}
	}
	tail, err := p.ext.Finish(ctx)
	if err != nil {
		return err
	}
	if tail != "" {
		return p.emit(ctx, tail)
	}
	return nil
}

func (p *Pipeline) process(ctx context.Context, units []string) error {
	for _, unit := range units {
		if p.onUnit != nil && p.ext.State() == StateOutside {
			p.onUnit(unit)
		}
		out, err := p.ext.Process(ctx, unit)
		if err != nil {
			return err
		}
		if out != "" {
			if err := p.emit(ctx, out); err != nil {
				return err
			}
		}
	}
	return nil
}
