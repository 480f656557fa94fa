// Package generator drafts practice dialogues with a language model.
//
// A generated dialogue has the same shape as a scripted one: turns that
// start with the character speaking, with the phrase in the target language,
// a translation into the learner's mother language and a transliteration
// written with mother-language letters. Generation is rate limited per
// [Generator] so a single learner cannot exhaust the model quota.
package generator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/MrWong99/glossa/internal/observe"
	"github.com/MrWong99/glossa/pkg/provider/llm"
	"github.com/MrWong99/glossa/pkg/types"
)

const (
	systemPrompt = "You write short practice dialogues for language learners. Answer with JSON only."

	// tokensPerTurn budgets one turn with its translation and
	// transliteration.
	tokensPerTurn = 200
)

// DefaultRequestsPerMinute bounds how many dialogues one generator drafts
// per minute.
const DefaultRequestsPerMinute = 10

var (
	// ErrRateLimited is returned when the per-minute budget is spent. The
	// caller should fall back to the scripted dialogue.
	ErrRateLimited = errors.New("generator: rate limit exceeded, please wait before generating another dialogue")

	// ErrInvalidOutput is returned when the model's answer cannot be turned
	// into a dialogue.
	ErrInvalidOutput = errors.New("generator: invalid dialogue from model")
)

// Complexity controls the number of exchanges and the vocabulary level.
type Complexity string

const (
	Simple  Complexity = "simple"
	Normal  Complexity = "normal"
	Complex Complexity = "complex"
)

// exchanges is the number of NPC/learner pairs requested.
func (c Complexity) exchanges() int {
	switch c {
	case Simple:
		return 2
	case Complex:
		return 6
	default:
		return 4
	}
}

func (c Complexity) instructions() string {
	switch c {
	case Simple:
		return "Use very basic vocabulary, extremely short sentences, and the simplest grammar possible. Perfect for absolute beginners."
	case Complex:
		return "Use simple vocabulary, short sentences, and basic grammar structures. Keep it beginner-friendly."
	default:
		return "Use basic vocabulary with some variety, simple sentence structures, and straightforward grammar. Easy to understand."
	}
}

// Request describes the dialogue to draft.
type Request struct {
	CharacterID    string
	DialogueID     string
	TargetLanguage string
	MotherLanguage string

	// RequiredWords must all appear in the dialogue.
	RequiredWords []string

	// Preferences is free text from the learner. The fixed instructions
	// win when the two conflict.
	Preferences string

	// Length sets the number of exchanges; Linguistic sets the vocabulary
	// level. Both default to Normal.
	Length     Complexity
	Linguistic Complexity
}

// Option configures a [Generator].
type Option func(*Generator)

// WithRequestsPerMinute overrides [DefaultRequestsPerMinute].
func WithRequestsPerMinute(n int) Option {
	return func(g *Generator) {
		if n > 0 {
			g.perMinute = n
		}
	}
}

// WithNow replaces time.Now for the rate limiter.
func WithNow(now func() time.Time) Option {
	return func(g *Generator) { g.now = now }
}

// WithLogger sets the logger. The default is [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(g *Generator) { g.log = l }
}

// WithMetrics sets the metrics sink. The default is [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(g *Generator) { g.metrics = m }
}

// Generator drafts dialogues. It is safe for concurrent use.
type Generator struct {
	llm       llm.Provider
	limiter   *rate.Limiter
	perMinute int
	now       func() time.Time
	log       *slog.Logger
	metrics   *observe.Metrics
}

// New creates a Generator backed by p. Pass a resilience.LLMFallback to try
// several models in order.
func New(p llm.Provider, opts ...Option) *Generator {
	g := &Generator{
		llm:       p,
		perMinute: DefaultRequestsPerMinute,
		now:       time.Now,
		log:       slog.Default(),
	}
	for _, o := range opts {
		o(g)
	}
	if g.metrics == nil {
		g.metrics = observe.DefaultMetrics()
	}
	g.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(g.perMinute)), g.perMinute)
	return g
}

// Generate drafts a dialogue for req. Requests over the rate limit fail
// with [ErrRateLimited] without calling the model.
func (g *Generator) Generate(ctx context.Context, req Request) (types.Dialogue, error) {
	if req.TargetLanguage == "" || req.MotherLanguage == "" {
		return types.Dialogue{}, errors.New("generator: target and mother language are required")
	}
	if !g.limiter.AllowN(g.now(), 1) {
		g.log.Warn("generator: rate limit exceeded", "character", req.CharacterID, "dialogue", req.DialogueID)
		return types.Dialogue{}, ErrRateLimited
	}

	ctx, span := observe.StartSpan(ctx, "generator.Generate", trace.WithAttributes(
		observe.AttrDialogue.String(req.DialogueID),
		observe.AttrLanguage.String(req.TargetLanguage),
	))
	defer span.End()

	start := time.Now()
	resp, err := g.llm.Complete(ctx, g.llm.Limits().Fit(llm.Request{
		System:      systemPrompt,
		Messages:    []llm.Message{{Role: llm.RoleUser, Content: Prompt(req)}},
		Temperature: 0.7,
		MaxTokens:   tokensPerTurn * 2 * req.Length.exchanges(),
	}))
	g.metrics.LLMDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		return types.Dialogue{}, fmt.Errorf("generator: complete: %w", err)
	}
	if resp == nil {
		return types.Dialogue{}, fmt.Errorf("%w: empty response", ErrInvalidOutput)
	}

	steps, err := ParseSteps(resp.Text)
	if err != nil {
		g.log.Error("generator: unusable model output", "err", err, "output", truncate(resp.Text, 200))
		return types.Dialogue{}, err
	}
	d := ToDialogue(req, steps)
	g.log.Info("generator: dialogue generated",
		"character", req.CharacterID,
		"dialogue", d.ID,
		"steps", len(d.Turns),
		"target", req.TargetLanguage,
		"tokens", resp.Usage.TotalTokens,
	)
	return d, nil
}

// Step is one turn as the model writes it.
type Step struct {
	Speaker         string `json:"speaker"`
	Text            string `json:"text"`
	Translation     string `json:"translation"`
	Transliteration string `json:"transliteration"`
}

// ParseSteps extracts the JSON array of steps from a model answer. Markdown
// code fences and surrounding prose are ignored. When the model starts with
// the learner, every speaker is swapped so the character speaks first.
func ParseSteps(output string) ([]Step, error) {
	start := strings.Index(output, "[")
	end := strings.LastIndex(output, "]")
	if start < 0 || end < start {
		return nil, fmt.Errorf("%w: no JSON array found", ErrInvalidOutput)
	}
	var steps []Step
	if err := json.Unmarshal([]byte(output[start:end+1]), &steps); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidOutput, err)
	}
	if len(steps) == 0 {
		return nil, fmt.Errorf("%w: no steps", ErrInvalidOutput)
	}
	for i, s := range steps {
		if s.Text == "" || s.Translation == "" || s.Transliteration == "" {
			return nil, fmt.Errorf("%w: step %d is incomplete", ErrInvalidOutput, i)
		}
		if _, ok := types.ParseSpeaker(s.Speaker); !ok {
			return nil, fmt.Errorf("%w: step %d has speaker %q", ErrInvalidOutput, i, s.Speaker)
		}
	}
	if sp, _ := types.ParseSpeaker(steps[0].Speaker); sp != types.SpeakerSystem {
		for i := range steps {
			if sp, _ := types.ParseSpeaker(steps[i].Speaker); sp == types.SpeakerSystem {
				steps[i].Speaker = "User"
			} else {
				steps[i].Speaker = "NPC"
			}
		}
	}
	return steps, nil
}

// ToDialogue turns parsed steps into a dialogue for req. The required words
// become the dialogue's vocabulary in the target language.
func ToDialogue(req Request, steps []Step) types.Dialogue {
	id := req.DialogueID
	if id == "" {
		id = "generated"
	}
	d := types.Dialogue{
		ID:          id,
		CharacterID: req.CharacterID,
		Title:       "Generated dialogue",
		Turns:       make([]types.Turn, 0, len(steps)),
	}
	for i, s := range steps {
		sp, _ := types.ParseSpeaker(s.Speaker)
		d.Turns = append(d.Turns, types.Turn{
			ID:              fmt.Sprintf("%s-%d", id, i+1),
			StepIndex:       i + 1,
			Speaker:         sp,
			Phrase:          map[string]string{req.TargetLanguage: s.Text},
			Transliteration: map[string]string{req.TargetLanguage: s.Transliteration},
			Translation:     map[string]string{req.MotherLanguage: s.Translation},
		})
	}
	for _, w := range req.RequiredWords {
		d.Words = append(d.Words, types.WordEntry{ID: w, Forms: map[string]string{req.TargetLanguage: w}})
	}
	return d
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
