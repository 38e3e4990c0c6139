// Package runner drives token generation for a loaded model. A Session
// binds one model instance to one cache, turns a prompt and its images
// into model inputs, forwards them in batches and then decodes token by
// token, handling sampling, stop sequences and cache bookkeeping.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/vlama/vlama/api"
	"github.com/vlama/vlama/kvcache"
	"github.com/vlama/vlama/logutil"
	"github.com/vlama/vlama/ml"
	"github.com/vlama/vlama/model"
	"github.com/vlama/vlama/model/input"
	"github.com/vlama/vlama/sample"
)

const defaultBatchSize = 512

// ErrSessionUsed is returned by Generate and Stream when the session has
// already started a generation and has not been Reset since.
var ErrSessionUsed = errors.New("session already started a generation, Reset it to start another")

// DoneReason represents the reason why a generation stopped.
type DoneReason int

const (
	// DoneReasonStop indicates the generation hit an end of sequence
	// token or a stop string
	DoneReasonStop DoneReason = iota
	// DoneReasonLength indicates the generation hit its token limit or
	// ran out of cache positions
	DoneReasonLength
)

func (d DoneReason) String() string {
	switch d {
	case DoneReasonLength:
		return "length"
	default:
		return "stop"
	}
}

// ContextLengthExceededError is returned when a prompt needs more
// positions than the session can hold. Nothing is written to the cache,
// so the session remains usable.
type ContextLengthExceededError struct {
	Length int
	Limit  int
}

func (e *ContextLengthExceededError) Error() string {
	return fmt.Sprintf("the input length %d exceeds the context length %d", e.Length, e.Limit)
}

// Params configure a Session.
type Params struct {
	// NumCtx bounds the positions the session can hold, prompt and
	// generated tokens combined. Zero uses the model's trained context
	// length.
	NumCtx int

	// NumBatch is the maximum number of prompt positions submitted per
	// forward pass. Zero uses the default of 512.
	NumBatch int
}

// Request describes a single generation.
type Request struct {
	// Prompt is the text to continue. Image placeholder tokens in the
	// prompt pair up with Images in order.
	Prompt string

	// Images holds raw encoded image data, one entry per placeholder.
	Images [][]byte

	// Options control sampling and termination. Nil uses
	// api.DefaultOptions.
	Options *api.Options
}

// Response is the collected result of a generation.
type Response struct {
	// Text is the generated text with any stop sequence removed.
	Text string

	DoneReason DoneReason

	Metrics api.Metrics
}

// Session runs generations for a model instance, owning its cache
// exclusively. The model's weights may be shared with other sessions
// built over the same backend.
//
// A Session is not safe for concurrent use and holds a single sequence:
// once a generation has started, Reset returns it to an empty state.
type Session struct {
	id string

	model     model.Model
	processor model.TextProcessor

	cache    kvcache.Cache
	numCtx   int
	numBatch int

	// poisoned is set when a forward pass fails after the cache was
	// mutated, leaving it inconsistent. The session refuses further
	// work until Reset.
	poisoned error

	used bool
}

// NewSession prepares m for generation, sizing and initializing its
// cache. Close releases the cache memory when the session is done.
func NewSession(m model.Model, params Params) (*Session, error) {
	processor, ok := m.(model.TextProcessor)
	if !ok {
		return nil, errors.New("model does not expose a text processor")
	}

	numCtx := params.NumCtx
	if numCtx <= 0 {
		numCtx = trainedContextLength(m)
	}

	numBatch := params.NumBatch
	if numBatch <= 0 {
		numBatch = defaultBatchSize
	}
	numBatch = min(numBatch, numCtx)

	cache := m.Config().Cache
	if cache != nil {
		cache.Init(m.Backend(), ml.DTypeF32, numCtx)
	}

	s := &Session{
		id:        uuid.NewString(),
		model:     m,
		processor: processor,
		cache:     cache,
		numCtx:    numCtx,
		numBatch:  numBatch,
	}

	slog.Debug("session created", "session", s.id, "num_ctx", numCtx, "num_batch", numBatch)
	return s, nil
}

func trainedContextLength(m model.Model) int {
	c := m.Backend().Config()
	return int(c.Uint("text_config.max_position_embeddings", c.Uint("max_position_embeddings", 2048)))
}

// ID returns the session's unique identifier, used to correlate logs.
func (s *Session) ID() string {
	return s.id
}

// Reset returns the session to its initial empty state, clearing the
// cache and any poisoned status.
func (s *Session) Reset() {
	if s.cache != nil {
		s.cache.Reset()
	}
	s.poisoned = nil
	s.used = false
}

// Close frees the cache memory held by the session.
func (s *Session) Close() {
	if s.cache != nil {
		s.cache.Close()
	}
}

// Generate runs req to completion and returns the collected text.
func (s *Session) Generate(ctx context.Context, req Request) (Response, error) {
	stream, err := s.Stream(ctx, req)
	if err != nil {
		return Response{}, err
	}
	defer stream.Close()

	var sb strings.Builder
	for stream.Next(ctx) {
		sb.WriteString(stream.Text())
	}

	if err := stream.Err(); err != nil {
		return Response{}, err
	}

	return Response{
		Text:       sb.String(),
		DoneReason: stream.DoneReason(),
		Metrics:    stream.Metrics(),
	}, nil
}

// Stream validates req and prepares its inputs, returning a Stream that
// produces tokens as it is pulled. No forward pass runs until the first
// call to Next. The caller must Close the stream if it abandons it
// before Next returns false.
func (s *Session) Stream(ctx context.Context, req Request) (*Stream, error) {
	if s.poisoned != nil {
		return nil, fmt.Errorf("session is unusable after an earlier failure: %w", s.poisoned)
	}
	if s.used {
		return nil, ErrSessionUsed
	}

	opts := api.DefaultOptions()
	if req.Options != nil {
		opts = *req.Options
	}

	sampler, err := sample.NewSampler(opts.Temperature, opts.TopK, opts.TopP, opts.MinP, opts.Seed)
	if err != nil {
		return nil, err
	}

	ok := false
	var mmCtx ml.Context
	if len(req.Images) > 0 {
		// image embeddings live here so they stay resident until the
		// prompt batches that reference them have run
		mmCtx = s.model.Backend().NewContext()
		defer func() {
			if !ok {
				mmCtx.Close()
			}
		}()
	}

	inputs, err := s.inputs(mmCtx, req.Prompt, req.Images)
	if err != nil {
		return nil, fmt.Errorf("failed to process inputs: %w", err)
	} else if len(inputs) == 0 {
		return nil, errors.New("no input provided")
	}

	if len(inputs) > s.numCtx {
		return nil, &ContextLengthExceededError{Length: len(inputs), Limit: s.numCtx}
	}

	for _, inp := range inputs {
		if inp.Multimodal != nil {
			if width := multimodalWidth(inp.Multimodal); width > s.numBatch {
				return nil, fmt.Errorf("image spans %d positions, more than the batch size %d", width, s.numBatch)
			}
		}
	}

	s.used = true
	ok = true

	slog.Debug("starting generation", "session", s.id,
		"inputs", len(inputs), "images", len(req.Images), "num_predict", opts.NumPredict)

	return &Stream{
		session:          s,
		inputs:           inputs,
		sampler:          sampler,
		numPredict:       opts.NumPredict,
		stop:             opts.Stop,
		mmCtx:            mmCtx,
		numPromptInputs:  len(inputs),
		pendingResponses: make([]string, 0),
		startTime:        time.Now(),
	}, nil
}

// inputs tokenizes the prompt and encodes any images, then lets the
// model arrange the combined stream around its placeholders.
func (s *Session) inputs(mmCtx ml.Context, prompt string, images [][]byte) ([]input.Input, error) {
	tokens, err := s.processor.Encode(prompt)
	if err != nil {
		return nil, err
	}

	inputs := make([]input.Input, 0, len(tokens)+len(images))
	for _, t := range tokens {
		inputs = append(inputs, input.Input{Token: t})
	}

	mm, multimodal := s.model.(model.MultimodalProcessor)

	if len(images) > 0 {
		if !multimodal {
			return nil, errors.New("model does not support image input")
		}

		for _, image := range images {
			embedding, err := mm.EncodeMultimodal(mmCtx, image)
			if err != nil {
				return nil, err
			}

			inputs = append(inputs, input.Input{Multimodal: embedding})
		}
	}

	if multimodal {
		inputs, err = mm.PostTokenize(inputs)
		if err != nil {
			return nil, err
		}
	}

	return inputs, nil
}

func multimodalWidth(embedding any) int {
	if t, ok := embedding.(ml.Tensor); ok {
		return t.Dim(1)
	}
	return 1
}

// Stream produces one generation as it is pulled. Each call to Next
// advances the underlying session by one step; Token, Text, Err and
// DoneReason observe the result.
type Stream struct {
	session *Session

	inputs     []input.Input
	sampler    sample.Sampler
	numPredict int
	stop       []string

	// pins image embeddings during prompt processing
	mmCtx ml.Context

	// logits for the last committed position
	logits []float32

	prefilled bool
	nPast     int32

	// tokens that have been generated but not released yet, held back
	// for stop sequence and UTF-8 checking
	pendingResponses []string

	token      int32
	text       string
	err        error
	doneReason DoneReason
	done       bool

	// metrics
	numPredicted       int
	numPromptInputs    int
	processingDuration time.Duration
	generationDuration time.Duration
	startTime          time.Time
	totalDuration      time.Duration
}

// Next advances the stream one step. The first call forwards the whole
// prompt and samples the first token; each later call samples one more
// token and commits it to the cache. It reports whether the step
// produced anything to observe; once it returns false, Err and
// DoneReason describe how the stream ended.
func (st *Stream) Next(ctx context.Context) bool {
	if st.done {
		return false
	}

	st.text = ""

	if err := ctx.Err(); err != nil {
		st.fail(err)
		return false
	}

	s := st.session

	if !st.prefilled {
		start := time.Now()
		if err := st.prefill(ctx); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				st.fail(err)
			} else {
				st.poison(err)
			}
			return false
		}

		st.processingDuration = time.Since(start)
		st.prefilled = true
	}

	if st.numPredict >= 0 && st.numPredicted >= st.numPredict {
		st.finish(DoneReasonLength)
		return st.text != ""
	}

	start := time.Now()

	token, err := st.sampler.Sample(st.logits)
	if err != nil {
		st.poison(err)
		return false
	}

	st.token = token
	st.numPredicted++

	// an end of sequence token finishes the stream without entering the
	// cache or the output
	if s.processor.Is(token, model.SpecialEOS) {
		st.finish(DoneReasonStop)
		return st.text != ""
	}

	piece, err := s.processor.Decode([]int32{token})
	if err != nil {
		st.poison(err)
		return false
	}

	logutil.Trace("sampled", "session", s.id, "token", token, "piece", piece)

	st.pendingResponses = append(st.pendingResponses, piece)
	sequence := strings.Join(st.pendingResponses, "")

	if ok, stop := FindStop(sequence, st.stop); ok {
		slog.Debug("hit stop sequence", "session", s.id, "pending", st.pendingResponses, "stop", stop)
		st.pendingResponses, _ = TruncateStop(st.pendingResponses, stop)
		st.finish(DoneReasonStop)
		return st.text != ""
	}

	switch {
	case ContainsStopSuffix(sequence, st.stop):
		// hold the pending pieces until the potential stop sequence resolves
	case IncompleteUnicode(sequence):
		// hold a trailing partial UTF-8 character
	default:
		st.text = st.flushPending()
	}

	// feed the token back through the model so the next step has logits
	// to sample from
	err = st.forward(token)
	st.generationDuration += time.Since(start)
	if err != nil {
		if errors.Is(err, kvcache.ErrKvCacheFull) {
			st.finish(DoneReasonLength)
			return st.text != ""
		}

		st.poison(err)
		return false
	}

	return true
}

// prefill forwards the prompt in batches of at most numBatch positions,
// keeping logits only for the final position. An image span is never
// split across batches so its whole embedding lands in one pass.
func (st *Stream) prefill(ctx context.Context) error {
	s := st.session

	for i := 0; i < len(st.inputs); {
		if err := ctx.Err(); err != nil {
			return err
		}

		j := min(i+s.numBatch, len(st.inputs))
		for k := i; k < j; k++ {
			if st.inputs[k].Multimodal != nil {
				if width := multimodalWidth(st.inputs[k].Multimodal); k+width > j {
					j = k
					break
				}
			}
		}

		batchInputs := st.inputs[i:j]
		tokens := make([]int32, len(batchInputs))
		positions := make([]int32, len(batchInputs))
		var multimodal []input.MultimodalIndex

		for k, inp := range batchInputs {
			tokens[k] = inp.Token
			positions[k] = st.nPast + int32(k)
			if inp.Multimodal != nil {
				multimodal = append(multimodal, input.MultimodalIndex{Index: k, Multimodal: inp.Multimodal})
			}
		}

		batch := input.Batch{Positions: positions, Multimodal: multimodal}
		if j == len(st.inputs) {
			batch.Outputs = []int32{int32(len(batchInputs) - 1)}
		}

		cctx := s.model.Backend().NewContext()
		logits, err := model.Forward(cctx, s.model, tokens, batch)
		if err != nil {
			cctx.Close()
			return err
		}

		if len(batch.Outputs) > 0 {
			st.logits = logits.Floats()
		}
		cctx.Close()

		st.nPast += int32(len(batchInputs))
		i = j
	}

	return nil
}

// forward commits one generated token to the cache and computes the
// logits for the position after it.
func (st *Stream) forward(token int32) error {
	s := st.session

	ctx := s.model.Backend().NewContext()
	defer ctx.Close()

	batch := input.Batch{
		Positions: []int32{st.nPast},
		Outputs:   []int32{0},
	}

	logits, err := model.Forward(ctx, s.model, []int32{token}, batch)
	if err != nil {
		return err
	}

	st.logits = logits.Floats()
	st.nPast++

	return nil
}

func (st *Stream) flushPending() string {
	joined := strings.Join(st.pendingResponses, "")
	st.pendingResponses = st.pendingResponses[:0]

	// We check for incomplete UTF-8 as we generate, but some invalid
	// sequences can still arrive here, such as when the stream ends on a
	// partial character. Trim so consumers never see invalid text.
	for !utf8.ValidString(joined) {
		joined = joined[:len(joined)-1]
	}

	return joined
}

func (st *Stream) finish(reason DoneReason) {
	st.text += st.flushPending()
	st.doneReason = reason
	st.release()

	slog.Debug("generation finished", "session", st.session.id, "reason", reason,
		"prompt_tokens", st.numPromptInputs, "generated", st.numPredicted)
}

func (st *Stream) fail(err error) {
	st.err = err
	st.release()
}

// poison records err on the session as well: the cache may hold a
// partially committed step, so the session cannot continue until Reset.
func (st *Stream) poison(err error) {
	st.session.poisoned = err
	st.fail(err)

	slog.Error("generation failed", "session", st.session.id, "error", err)
}

func (st *Stream) release() {
	st.done = true
	st.totalDuration = time.Since(st.startTime)

	if st.mmCtx != nil {
		st.mmCtx.Close()
		st.mmCtx = nil
	}
}

// Close releases the stream's resources. A stream that ran until Next
// returned false has already done so; Close is for abandoning one early.
func (st *Stream) Close() {
	if !st.done {
		st.release()
	}
}

// Token returns the most recently sampled token.
func (st *Stream) Token() int32 {
	return st.token
}

// Text returns the text released by the most recent call to Next. It is
// empty while pieces are held back for stop sequence or UTF-8 checks,
// and may cover several tokens once a held sequence resolves.
func (st *Stream) Text() string {
	return st.text
}

// Err returns the error that ended the stream, if any.
func (st *Stream) Err() error {
	return st.err
}

// DoneReason reports why the stream finished.
func (st *Stream) DoneReason() DoneReason {
	return st.doneReason
}

// Metrics reports the work the stream has done so far.
func (st *Stream) Metrics() api.Metrics {
	total := st.totalDuration
	if !st.done {
		total = time.Since(st.startTime)
	}

	return api.Metrics{
		TotalDuration:      total,
		PromptEvalCount:    st.numPromptInputs,
		PromptEvalDuration: st.processingDuration,
		EvalCount:          st.numPredicted,
		EvalDuration:       st.generationDuration,
	}
}
