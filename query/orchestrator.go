// Package query composes retrieval and generation into the streamed
// answer pipeline.
package query

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/docbase/config"
	"github.com/BaSui01/docbase/llm"
	"github.com/BaSui01/docbase/rag"
	"github.com/BaSui01/docbase/types"
)

// FallbackAnswer is emitted verbatim when retrieval finds nothing; no
// generation call is made in that case.
const FallbackAnswer = "I don't know based on the provided documents."

// systemPrompt 固定的接地指令。
const systemPrompt = "You are a documentation assistant. Answer the question using only the " +
	"provided context passages. If the context does not contain the answer, say you don't know. " +
	"Do not use prior knowledge."

// EventType identifies one frame of the answer stream.
type EventType string

const (
	EventContext EventType = "context"
	EventStart   EventType = "start"
	EventAnswer  EventType = "answer"
	EventError   EventType = "error"
	EventEnd     EventType = "end"
)

// Citation points an answer fragment back at its source passage.
type Citation struct {
	DocID    uint    `json:"doc_id"`
	Filename string  `json:"filename"`
	Page     *int    `json:"page"`
	Section  *string `json:"section"`
}

// ContextItem is one retrieved chunk with its citation.
type ContextItem struct {
	Chunk    string   `json:"chunk"`
	Citation Citation `json:"citation"`
}

// AnswerFragment is one incremental piece of generated text. Raw and
// Cleaned are currently identical; the split leaves room for
// post-processing without a wire change.
type AnswerFragment struct {
	Raw     string `json:"raw"`
	Cleaned string `json:"cleaned"`
}

// Event is one frame of the answer stream.
type Event struct {
	Type     EventType
	Context  []ContextItem
	Fragment *AnswerFragment
	Err      *types.Error
}

// Generator streams a chat completion from the active model.
type Generator interface {
	StreamChat(ctx context.Context, messages []llm.Message) (<-chan llm.StreamChunk, error)
}

// Orchestrator answers questions over the indexed corpus.
type Orchestrator struct {
	retriever *rag.Retriever
	generator Generator
	runtime   *config.RuntimeStore
	logger    *zap.Logger

	// generationTimeout 包住整个生成流；超时按提供方错误上报。
	generationTimeout time.Duration
}

func NewOrchestrator(retriever *rag.Retriever, generator Generator, runtime *config.RuntimeStore, generationTimeout time.Duration, logger *zap.Logger) *Orchestrator {
	if generationTimeout <= 0 {
		generationTimeout = 5 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		retriever:         retriever,
		generator:         generator,
		runtime:           runtime,
		logger:            logger.With(zap.String("component", "query_orchestrator")),
		generationTimeout: generationTimeout,
	}
}

// Answer retrieves passages for the question and returns the event
// stream plus the retrieved passages. Retrieval failures are returned
// directly; failures after that arrive as an error event on the
// stream, which always terminates with exactly one end event. The
// producer observes ctx, so a disconnected consumer stops upstream
// generation.
func (o *Orchestrator) Answer(ctx context.Context, question string, k int, documentIDs []uint) (<-chan Event, []rag.RetrievedPassage, error) {
	settings := o.runtime.Retrieval()
	passages, err := o.retriever.Retrieve(ctx, question, k, documentIDs, settings)
	if err != nil {
		return nil, nil, err
	}

	ch := make(chan Event)
	go o.produce(ctx, ch, question, passages)
	return ch, passages, nil
}

func (o *Orchestrator) produce(ctx context.Context, ch chan<- Event, question string, passages []rag.RetrievedPassage) {
	defer close(ch)

	emit := func(ev Event) bool {
		select {
		case <-ctx.Done():
			return false
		case ch <- ev:
			return true
		}
	}
	// end 恒为最后一帧，错误之后也要发
	defer emit(Event{Type: EventEnd})

	if !emit(Event{Type: EventContext, Context: buildContext(passages)}) {
		return
	}
	if !emit(Event{Type: EventStart}) {
		return
	}

	if len(passages) == 0 {
		emit(Event{Type: EventAnswer, Fragment: &AnswerFragment{Raw: FallbackAnswer, Cleaned: FallbackAnswer}})
		return
	}

	genCtx, cancel := context.WithTimeout(ctx, o.generationTimeout)
	defer cancel()

	stream, err := o.generator.StreamChat(genCtx, buildMessages(question, passages))
	if err != nil {
		o.emitError(ctx, emit, err)
		return
	}

	for chunk := range stream {
		if chunk.Err != nil {
			o.emitError(ctx, emit, types.NewError(types.ErrGenerationFailed,
				"Generation failed mid-stream").WithCause(chunk.Err))
			return
		}
		if chunk.Content == "" {
			continue
		}
		if !emit(Event{Type: EventAnswer, Fragment: &AnswerFragment{Raw: chunk.Content, Cleaned: chunk.Content}}) {
			return
		}
	}
}

func (o *Orchestrator) emitError(ctx context.Context, emit func(Event) bool, err error) {
	appErr := types.AsError(err)
	o.logger.Error("answer stream failed",
		zap.String("code", string(appErr.Code)),
		zap.String("correlation_id", appErr.CorrelationID),
		zap.Error(err))
	emit(Event{Type: EventError, Err: appErr})
}

// buildContext converts retrieved passages into wire context items.
func buildContext(passages []rag.RetrievedPassage) []ContextItem {
	items := make([]ContextItem, 0, len(passages))
	for _, p := range passages {
		items = append(items, ContextItem{
			Chunk: p.Text,
			Citation: Citation{
				DocID:    p.DocumentID,
				Filename: p.Filename,
				Page:     p.PageNumber,
				Section:  p.SectionHeading,
			},
		})
	}
	return items
}

// buildMessages composes the grounded prompt. Each passage is tagged
// with its provenance; page and section tags appear only when known.
func buildMessages(question string, passages []rag.RetrievedPassage) []llm.Message {
	var sb strings.Builder
	sb.WriteString("Context:\n\n")
	for _, p := range passages {
		sb.WriteString(passageTag(p))
		sb.WriteByte('\n')
		sb.WriteString(p.Text)
		sb.WriteString("\n\n")
	}
	sb.WriteString("Question: ")
	sb.WriteString(question)

	return []llm.Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: sb.String()},
	}
}

func passageTag(p rag.RetrievedPassage) string {
	parts := []string{fmt.Sprintf("doc_id=%d", p.DocumentID)}
	if p.PageNumber != nil {
		parts = append(parts, fmt.Sprintf("page=%d", *p.PageNumber))
	}
	if p.SectionHeading != nil {
		parts = append(parts, fmt.Sprintf("section=%q", *p.SectionHeading))
	}
	return "[" + strings.Join(parts, ", ") + "]"
}
