package continuity

import (
	"context"
	"fmt"
	"strings"
)

// GenerateFunc produces raw text for a prompt.
type GenerateFunc func(ctx context.Context, prompt string) (string, error)

// Refinement is the accepted chunk and how it was obtained.
type Refinement struct {
	Text        string
	Validation  Result
	Corrections int

	// Accepted with unresolved issues after MaxCorrections regenerations.
	Degraded bool
}

// Refiner generates a chunk and regenerates it with a corrective prompt while
// validation fails, at most MaxCorrections times. A chunk that still fails is
// accepted with a warning so that the job never stalls on validation.
type Refiner struct {
	Instructions string
	Context      Context

	// LogFn receives progress lines. May be nil.
	LogFn func(level, msg string)
}

// Refine runs the generate-validate-correct loop for chunk ch on top of accumulated.
func (r *Refiner) Refine(ctx context.Context, gen GenerateFunc, ch Chunk, accumulated string) (Refinement, error) {
	prompt := ChunkPrompt(r.Instructions, r.Context, ch, ContinuityHint(accumulated))

	var out Refinement
	for attempt := 0; ; attempt++ {
		raw, err := gen(ctx, prompt)
		if err != nil {
			return out, err
		}
		text := FormatParagraphs(Sanitize(raw))
		res := Validate(text, accumulated, r.Context.Language, ch.TargetWords, ch.IsLast)

		out.Text = text
		out.Validation = res
		out.Corrections = attempt

		if res.Valid() {
			return out, nil
		}
		if attempt >= MaxCorrections {
			out.Degraded = true
			r.log("warning", "Part %d accepted with issues after %d corrections: %s",
				ch.Index+1, attempt, strings.Join(res.Errors, "; "))
			return out, nil
		}

		r.log("warning", "Part %d rejected: %s", ch.Index+1, strings.Join(res.Errors, "; "))
		r.log("info", "Regenerating part %d (%d/%d)", ch.Index+1, attempt+1, MaxCorrections)
		prompt = EmergencyPrompt(r.Instructions, r.Context, ch, res.DuplicateSample, res.Errors)
	}
}

func (r *Refiner) log(level, format string, args ...interface{}) {
	if r.LogFn == nil {
		return
	}
	r.LogFn(level, fmt.Sprintf(format, args...))
}
