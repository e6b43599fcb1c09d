// Package extract asks a chat completion model for the structured fields of
// a tender document and shapes the answers into task results.
package extract

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"

	"github.com/podushkina/bidparse/internal/task"
)

var (
	ErrMalformedOutput  = errors.New("model output is not a JSON object")
	ErrUpstreamRejected = errors.New("model reported a failure")
)

// unknownError is reported when a failing answer carries no message.
const unknownError = "未知错误"

// Extractor produces the family result for the text of one document.
type Extractor interface {
	Extract(ctx context.Context, text string, rec *task.Record) (task.Result, error)
}

// RejectedError is returned when an answer carries a retCode other than
// success.
type RejectedError struct {
	Stage   string
	Code    string
	Message string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("%s失败：%s", e.Stage, e.Message)
}

func (e *RejectedError) Is(target error) bool { return target == ErrUpstreamRejected }

// ask renders the named prompt, sends it and decodes the answer.
func ask(ctx context.Context, llm Completer, name string, data promptData, checker *shapeChecker) (map[string]any, error) {
	prompt, err := render(name, data)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	raw, err := llm.Complete(ctx, prompt)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	log.Debug().
		Str("prompt", name).
		Int("prompt_chars", len([]rune(prompt))).
		Int("answer_chars", len([]rune(raw))).
		Dur("took", time.Since(start)).
		Msg("completion done")

	obj, err := ParseObject(raw)
	if err != nil {
		log.Error().Err(err).Str("prompt", name).Str("answer", snippet(raw)).Msg("unparseable answer")
		return nil, err
	}
	if err := checker.check(obj); err != nil {
		log.Warn().Err(err).Str("prompt", name).Msg("answer shape mismatch")
	}
	return obj, nil
}

// gate fails unless a pre-extraction answer reports success. An answer
// without a retCode is rejected too.
func gate(stage string, obj map[string]any) error {
	env, reported := task.EnvelopeOf(obj)
	if reported && env.RetCode == task.CodeSuccess {
		return nil
	}
	msg := task.String(obj["retMessage"])
	if msg == "" {
		if nested, ok := obj["返回状态"].(map[string]any); ok {
			msg = task.String(nested["retMessage"])
		}
	}
	if msg == "" {
		msg = unknownError
	}
	code := env.RetCode
	if !reported {
		code = ""
	}
	return &RejectedError{Stage: stage, Code: code, Message: msg}
}

func accepted(res task.Result) error {
	if res.Code() == task.CodeSuccess {
		return nil
	}
	return &RejectedError{Stage: "提取", Code: res.Code(), Message: res.Message()}
}

// Base extracts project, contact and bond information. With two stages the
// first answer is fed to the second prompt in place of the document text.
type Base struct {
	llm      Completer
	twoStage bool
}

func NewBase(llm Completer, twoStage bool) *Base {
	return &Base{llm: llm, twoStage: twoStage}
}

func (b *Base) Extract(ctx context.Context, text string, rec *task.Record) (task.Result, error) {
	input := text
	if b.twoStage {
		pre, err := ask(ctx, b.llm, "base_stage1", promptData{Text: text}, baseChecker)
		if err != nil {
			return nil, err
		}
		if err := gate("预处理", pre); err != nil {
			return nil, err
		}
		encoded, err := json.Marshal(pre)
		if err != nil {
			return nil, err
		}
		input = string(encoded)
	}

	out, err := ask(ctx, b.llm, "base_stage2", promptData{Text: input}, baseChecker)
	if err != nil {
		return nil, err
	}
	res := task.NormalizeBase(out)
	if err := accepted(res); err != nil {
		return nil, err
	}
	log.Info().Str("task_id", rec.ID).Str("project_code", res.ProjectInfo.ProjectCode).Msg("base info extracted")
	return res, nil
}

// Score extracts business scoring criteria. The first stage condenses the
// criteria into prose; the second structures it against an optional field
// reference file.
type Score struct {
	llm       Completer
	twoStage  bool
	schemaRef string
}

func NewScore(llm Completer, twoStage bool, schemaRef string) *Score {
	return &Score{llm: llm, twoStage: twoStage, schemaRef: schemaRef}
}

func (s *Score) Extract(ctx context.Context, text string, rec *task.Record) (task.Result, error) {
	input := text
	if s.twoStage {
		pre, err := ask(ctx, s.llm, "score_stage1", promptData{Text: text}, scoreProseChecker)
		if err != nil {
			return nil, err
		}
		if err := gate("预处理", pre); err != nil {
			return nil, err
		}
		input = task.String(pre["scoreCriteria"])
		log.Debug().Str("task_id", rec.ID).Int("chars", len([]rune(input))).Msg("score criteria condensed")
	}

	ref, err := s.reference()
	if err != nil {
		return nil, err
	}

	out, err := ask(ctx, s.llm, "score_stage2", promptData{Text: input, Reference: ref}, scoreChecker)
	if err != nil {
		return nil, err
	}
	res := task.NormalizeScore(out)
	if err := accepted(res); err != nil {
		return nil, err
	}
	log.Info().Str("task_id", rec.ID).Int("criteria", len(res.Criteria)).Msg("score criteria extracted")
	return res, nil
}

func (s *Score) reference() (string, error) {
	if s.schemaRef == "" {
		return "", nil
	}
	b, err := os.ReadFile(s.schemaRef)
	if err != nil {
		return "", fmt.Errorf("数据库结构文件不存在：%s: %w", s.schemaRef, err)
	}
	return string(b), nil
}

// Catalogue extracts the response-document catalogue in one stage and
// shapes it into a tree with generated ids.
type Catalogue struct {
	llm  Completer
	tags []CatalogueTag

	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

func NewCatalogue(llm Completer, tags []CatalogueTag) *Catalogue {
	if len(tags) == 0 {
		tags = DefaultCatalogueTags
	}
	return &Catalogue{
		llm:     llm,
		tags:    tags,
		entropy: ulid.Monotonic(rand.Reader, 0),
	}
}

func (c *Catalogue) Extract(ctx context.Context, text string, rec *task.Record) (task.Result, error) {
	out, err := ask(ctx, c.llm, "catalogue", promptData{Text: text, Tags: c.tags}, catalogueChecker)
	if err != nil {
		return nil, err
	}
	res := task.NormalizeCatalogue(out, rec.Bid, c.newID)
	if err := accepted(res); err != nil {
		return nil, err
	}
	log.Info().Str("task_id", rec.ID).Int("sections", len(res.Catalogue)).Msg("catalogue extracted")
	return res, nil
}

func (c *Catalogue) newID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ulid.MustNew(ulid.Now(), c.entropy).String()
}
