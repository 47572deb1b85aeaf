package orchestrator

import (
	"context"
	"time"

	"go.uber.org/zap"

	"modelgate/internal/metrics"
	"modelgate/internal/provider"
)

// Stream runs one streaming chat completion. The returned channel always
// carries, in order: a model_selection chunk, zero or more content chunks,
// optionally an error chunk (with WillFallback set when a second provider
// is about to be tried), a metadata chunk and a terminal done chunk. The
// channel is closed in every outcome.
func (o *Orchestrator) Stream(ctx context.Context, req *Request) (<-chan provider.StreamResult, error) {
	reqID := o.tracker.Start(req.RequestID, map[string]any{"mode": "stream"})

	res, err := o.resolve(ctx, req, nil)
	o.tracker.RecordStage(reqID, "model_resolution", 0, nil)
	if err != nil {
		o.finalize(reqID, false)
		return nil, err
	}

	msgs, err := o.buildMessages(ctx, req)
	o.tracker.RecordStage(reqID, "validation", 0, nil)
	if err != nil {
		o.finalize(reqID, false)
		return nil, err
	}

	out := make(chan provider.StreamResult)
	go o.runStream(ctx, reqID, req, res, msgs, out)
	return out, nil
}

// runStream drives one or two provider attempts and owns the out channel.
func (o *Orchestrator) runStream(
	ctx context.Context,
	reqID string,
	req *Request,
	res *resolution,
	msgs []provider.ChatMessage,
	out chan<- provider.StreamResult,
) {
	start := time.Now()
	success := false

	defer close(out)
	defer func() {
		if rec := recover(); rec != nil {
			o.logger.Error("panic in stream",
				zap.String("request_id", reqID),
				zap.Any("panic", rec),
				zap.Stack("stack"),
			)
		}
		o.finalize(reqID, success)
	}()

	emit := func(c *provider.StreamChunk) bool {
		select {
		case out <- provider.StreamResult{Chunk: c}:
			return true
		case <-ctx.Done():
			return false
		}
	}

	if !emit(&provider.StreamChunk{
		Kind:      provider.ChunkModelSelection,
		Provider:  res.adapter.Name(),
		Model:     res.model.ID,
		Reasoning: res.reasoning,
	}) {
		return
	}

	chatReq := o.buildChatRequest(req, res.model, msgs, true)
	streamed, usage, err := o.pipe(ctx, reqID, res, chatReq, out, false)
	if err == nil {
		success = true
		o.emitDone(emit, res, start, false, usage)
		return
	}

	failedProvider := res.adapter.Name()
	o.registry.RecordError(failedProvider, err)
	metrics.ChatRequestsTotal.WithLabelValues(failedProvider, res.model.ID, "error").Inc()

	// Content already sent cannot be unsent; a mid-stream failure never
	// restarts on another provider.
	canFallback := o.fallbackAllowed(req) && !streamed

	if !canFallback {
		emit(&provider.StreamChunk{
			Kind:     provider.ChunkError,
			Provider: failedProvider,
			Error:    err.Error(),
		})
		return
	}

	if !emit(&provider.StreamChunk{
		Kind:         provider.ChunkError,
		Provider:     failedProvider,
		Error:        err.Error(),
		WillFallback: true,
	}) {
		return
	}
	metrics.FallbacksTotal.WithLabelValues(failedProvider).Inc()
	o.logger.Warn("stream provider failed, attempting fallback",
		zap.String("request_id", reqID),
		zap.String("provider", failedProvider),
		zap.Error(err),
	)

	for _, altID := range o.alternatives(ctx, req, failedProvider) {
		altRes, altErr := o.resolveExplicit(altID, failedProvider)
		if altErr != nil {
			continue
		}
		o.tracker.RecordStage(reqID, "fallback_attempt", 0, map[string]any{
			"model":    altID,
			"provider": altRes.adapter.Name(),
		})

		if !emit(&provider.StreamChunk{
			Kind:         provider.ChunkModelSelection,
			Provider:     altRes.adapter.Name(),
			Model:        altRes.model.ID,
			Reasoning:    "fallback after " + failedProvider + " failure: " + altRes.reasoning,
			FallbackUsed: true,
		}) {
			return
		}

		altReq := o.buildChatRequest(req, altRes.model, msgs, true)
		var altUsage *provider.Usage
		if _, altUsage, altErr = o.pipe(ctx, reqID, altRes, altReq, out, true); altErr == nil {
			success = true
			o.emitDone(emit, altRes, start, true, altUsage)
			return
		}

		o.registry.RecordError(altRes.adapter.Name(), altErr)
		metrics.ChatRequestsTotal.WithLabelValues(altRes.adapter.Name(), altID, "error").Inc()
		err = altErr
	}

	emit(&provider.StreamChunk{
		Kind:  provider.ChunkError,
		Error: err.Error(),
	})
}

// pipe connects the adapter stream to out, forwarding content chunks and
// timing the first token. It reports whether any content was delivered and
// the trailing usage the provider sent, for the metadata chunk.
func (o *Orchestrator) pipe(
	ctx context.Context,
	reqID string,
	res *resolution,
	chatReq *provider.ChatRequest,
	out chan<- provider.StreamResult,
	fallbackUsed bool,
) (streamed bool, usage *provider.Usage, err error) {
	pt := o.tracker.StartProviderTiming(reqID, res.adapter.Name(), res.model.ID)
	pt.RecordRequestSent()

	upstream, err := res.adapter.ChatCompletionStream(ctx, chatReq)
	if err != nil {
		return false, nil, err
	}

	firstToken := true
	sent := time.Now()

	for result := range upstream {
		if result.Err != nil {
			return streamed, usage, result.Err
		}
		chunk := result.Chunk
		if chunk == nil {
			continue
		}
		if chunk.Usage != nil {
			usage = chunk.Usage
		}
		if chunk.Kind != provider.ChunkContent {
			continue
		}
		if firstToken && chunk.Delta != "" {
			firstToken = false
			pt.RecordFirstToken()
			metrics.TimeToFirstTokenSeconds.
				WithLabelValues(res.adapter.Name()).
				Observe(time.Since(sent).Seconds())
		}
		chunk.Provider = res.adapter.Name()
		chunk.Model = res.model.ID
		chunk.FallbackUsed = fallbackUsed

		select {
		case out <- provider.StreamResult{Chunk: chunk}:
			streamed = true
			metrics.StreamChunksTotal.WithLabelValues(res.adapter.Name()).Inc()
		case <-ctx.Done():
			return streamed, usage, ctx.Err()
		}
	}

	in, outTok := 0, 0
	if usage != nil {
		in, outTok = usage.PromptTokens, usage.CompletionTokens
	}
	pt.RecordCompletion(in, outTok)
	o.registry.RecordUsage(res.adapter.Name(), usage, requestCost(usage, res.model), time.Since(sent))
	metrics.ChatRequestsTotal.WithLabelValues(res.adapter.Name(), res.model.ID, outcomeLabel(fallbackUsed)).Inc()
	return streamed, usage, nil
}

// emitDone sends the trailing metadata and done chunks. The metadata chunk
// carries the aggregate usage captured from the provider stream.
func (o *Orchestrator) emitDone(
	emit func(*provider.StreamChunk) bool,
	res *resolution,
	start time.Time,
	fallbackUsed bool,
	usage *provider.Usage,
) {
	if !emit(&provider.StreamChunk{
		Kind:         provider.ChunkMetadata,
		Provider:     res.adapter.Name(),
		Model:        res.model.ID,
		FallbackUsed: fallbackUsed,
		ResponseTime: time.Since(start),
		Usage:        usage,
	}) {
		return
	}
	emit(&provider.StreamChunk{Kind: provider.ChunkDone, FinishReason: "stop"})
}

func (o *Orchestrator) finalize(reqID string, success bool) {
	if _, err := o.tracker.Complete(reqID, map[string]any{"success": success}); err != nil {
		o.logger.Warn("ledger finalize failed", zap.String("request_id", reqID), zap.Error(err))
	}
}

func outcomeLabel(fallbackUsed bool) string {
	if fallbackUsed {
		return "fallback_success"
	}
	return "success"
}
