package continuity

import (
	"context"
	"fmt"
	"strings"
	"testing"
)

// tokens returns n distinct words that never appear in prompt boilerplate.
func tokens(prefix string, from, n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("%s%04dx", prefix, from+i)
	}
	return out
}

func TestPlanWords(t *testing.T) {
	tests := []struct {
		target    int
		wantWords []int
		wantMax   []int
	}{
		{target: 2500, wantWords: []int{1000, 1000, 500}, wantMax: []int{1000, 1000, 2000}},
		{target: 3000, wantWords: []int{1000, 1000, 1000}, wantMax: []int{1000, 1000, 2000}},
		{target: 1500, wantWords: []int{1500}, wantMax: []int{1500}},
		{target: 600, wantWords: []int{600}, wantMax: []int{600}},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.target), func(t *testing.T) {
			p := PlanWords(tt.target)
			if len(p.Chunks) != len(tt.wantWords) {
				t.Fatalf("got %d chunks, want %d", len(p.Chunks), len(tt.wantWords))
			}
			for i, c := range p.Chunks {
				if c.TargetWords != tt.wantWords[i] || c.MaxWords != tt.wantMax[i] {
					t.Errorf("chunk %d = %d/%d words, want %d/%d", i, c.TargetWords, c.MaxWords, tt.wantWords[i], tt.wantMax[i])
				}
				if c.Index != i || c.Total != len(tt.wantWords) {
					t.Errorf("chunk %d index/total = %d/%d", i, c.Index, c.Total)
				}
			}
			last := p.Chunks[len(p.Chunks)-1]
			if !last.IsLast || last.MaxTokens != lastChunkMaxTokens || last.Timeout != lastChunkTimeout {
				t.Errorf("last chunk = %+v, want extended budget", last)
			}
			if p.Chunked() != (len(tt.wantWords) > 1) {
				t.Errorf("Chunked() = %v", p.Chunked())
			}
		})
	}
}

func TestPlanChunksFromMinutes(t *testing.T) {
	p := PlanChunks(20)
	if p.TargetWords != 3000 || len(p.Chunks) != 3 {
		t.Errorf("PlanChunks(20) = %d words in %d chunks, want 3000 in 3", p.TargetWords, len(p.Chunks))
	}
	if p.Chunks[0].Temperature != ScriptTemperature || p.Chunks[0].MaxTokens != chunkMaxTokens {
		t.Errorf("first chunk = %+v", p.Chunks[0])
	}
}

func TestChunkPromptCarriesOnlyBoundedHint(t *testing.T) {
	chunk1 := strings.Join(tokens("tok", 0, 1000), " ")
	plan := PlanWords(2500)
	c := Context{Title: "The Farm", Language: "en-US", Premise: "A quiet premise about a farm."}

	prompt := ChunkPrompt("Write calmly.", c, plan.Chunks[1], ContinuityHint(chunk1))

	last := tokens("tok", 980, 20)
	if !strings.Contains(prompt, strings.Join(last, " ")) {
		t.Error("prompt is missing the trailing 20 words of the previous chunk")
	}
	for _, w := range tokens("tok", 0, 980) {
		if strings.Contains(prompt, w) {
			t.Fatalf("prompt contains %q, which is outside the continuity window", w)
		}
	}
	if !strings.Contains(prompt, "PART 2 of 3") {
		t.Error("prompt does not name the part")
	}
}

func TestContinuityHintIsBounded(t *testing.T) {
	h := ContinuityHint(strings.Join(tokens("w", 0, 500), " "))
	if got := WordCount(h.LastWords); got != HintWords {
		t.Errorf("hint has %d words, want %d", got, HintWords)
	}
	if len(h.Anchors) > MaxAnchors {
		t.Errorf("hint has %d anchors, want at most %d", len(h.Anchors), MaxAnchors)
	}
	if h := ContinuityHint("short text"); h.LastWords != "short text" || h.Anchors != nil {
		t.Errorf("ContinuityHint(short) = %+v", h)
	}
}

func TestFindOverlap(t *testing.T) {
	previous := tokens("old", 0, 100)
	accumulated := strings.Join(previous, " ")

	fresh := tokens("new", 0, 200)
	withRun := func(n int) string {
		words := append([]string{}, fresh[:50]...)
		words = append(words, previous[40:40+n]...)
		words = append(words, fresh[50:]...)
		return strings.Join(words, " ")
	}

	if _, ok := FindOverlap(accumulated, withRun(OverlapWords-1), OverlapWords); ok {
		t.Error("a 29-word run must not be flagged")
	}
	sample, ok := FindOverlap(accumulated, withRun(OverlapWords), OverlapWords)
	if !ok {
		t.Fatal("a 30-word run must be flagged")
	}
	if !strings.HasPrefix(sample, previous[40]) || WordCount(sample) != overlapSampleWords {
		t.Errorf("sample = %q", sample)
	}

	// case and whitespace do not hide a duplicate
	shouted := strings.ToUpper(strings.Join(previous[10:45], "\n  "))
	if _, ok := FindOverlap(accumulated, shouted, OverlapWords); !ok {
		t.Error("duplicate with different case and spacing was not flagged")
	}

	if _, ok := FindOverlap("", withRun(OverlapWords), OverlapWords); ok {
		t.Error("nothing can overlap an empty script")
	}
}

func TestValidateLanguage(t *testing.T) {
	pt := "Você não sabe como isso aconteceu quando ela chegou para casa com muito medo."
	en := "You would never know what happened when they were there."

	tests := []struct {
		name     string
		text     string
		language string
		want     Issue
	}{
		{"portuguese ok", pt, "pt-BR", ""},
		{"english ok", en, "en-US", ""},
		{"mixed", pt + " " + en, "pt-BR", IssueMixedLanguage},
		{"wrong language", pt, "en-US", IssueWrongLanguage},
		{"mixed without expected pair", pt + " " + en, "fr-FR", IssueMixedLanguage},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var r Result
			checkLanguage(&r, tt.text, tt.language)
			if tt.want == "" {
				if len(r.Issues) != 0 {
					t.Errorf("unexpected issues %v", r.Errors)
				}
				return
			}
			if !r.Has(tt.want) {
				t.Errorf("issues = %v, want %q", r.Issues, tt.want)
			}
		})
	}
}

func TestMetaCommentary(t *testing.T) {
	tests := []struct {
		text string
		want bool
	}{
		{"Claro, vou escrever a próxima parte agora.", true},
		{"Sure, here is the next part of the story.", true},
		{"The door opened (as requested, the tone stays calm) and she walked in.", true},
		{"(Este é o bloco final da narrativa)", true},
		{"The rain kept falling over the old farm while Maria waited.", false},
	}
	for _, tt := range tests {
		if _, got := MetaCommentary(tt.text); got != tt.want {
			t.Errorf("MetaCommentary(%q) = %v, want %v", tt.text, got, tt.want)
		}
	}
}

func TestMinWords(t *testing.T) {
	tests := []struct {
		target int
		isLast bool
		want   int
	}{
		{1000, false, 200},
		{400, false, 160},
		{250, false, 120},
		{100, true, 80},
		{0, true, 80},
		{0, false, 120},
	}
	for _, tt := range tests {
		if got := MinWords(tt.target, tt.isLast); got != tt.want {
			t.Errorf("MinWords(%d, %v) = %d, want %d", tt.target, tt.isLast, got, tt.want)
		}
	}
}

func TestValidateTooShort(t *testing.T) {
	r := Validate(strings.Join(tokens("w", 0, 50), " "), "", "", 1000, false)
	if !r.Has(IssueTooShort) {
		t.Errorf("50 words for a 1000 word target should be too short, got %v", r.Issues)
	}
	r = Validate(strings.Join(tokens("w", 0, 300), " "), "", "", 1000, false)
	if !r.Valid() || len(r.Warnings) == 0 {
		t.Errorf("300 words should pass with a warning, got issues %v warnings %v", r.Issues, r.Warnings)
	}
}

type scriptedGenerator struct {
	responses []string
	prompts   []string
}

func (g *scriptedGenerator) generate(ctx context.Context, prompt string) (string, error) {
	g.prompts = append(g.prompts, prompt)
	i := len(g.prompts) - 1
	if i >= len(g.responses) {
		i = len(g.responses) - 1
	}
	return g.responses[i], nil
}

func TestRefineRegeneratesDuplicatesAtMostTwice(t *testing.T) {
	previous := tokens("old", 0, 300)
	accumulated := strings.Join(previous, " ")

	dup := append(append([]string{}, tokens("new", 0, 250)...), previous[100:140]...)
	g := &scriptedGenerator{responses: []string{strings.Join(dup, " ")}}

	r := &Refiner{Instructions: "Tell it plainly.", Context: Context{Title: "T", Premise: "P"}}
	ch := PlanWords(2500).Chunks[1]

	out, err := r.Refine(context.Background(), g.generate, ch, accumulated)
	if err != nil {
		t.Fatal(err)
	}
	if len(g.prompts) != 1+MaxCorrections {
		t.Errorf("generator called %d times, want %d", len(g.prompts), 1+MaxCorrections)
	}
	if !out.Degraded || out.Corrections != MaxCorrections {
		t.Errorf("Refinement = degraded %v corrections %d, want degraded after %d", out.Degraded, out.Corrections, MaxCorrections)
	}
	if !out.Validation.Has(IssueDuplicate) {
		t.Error("accepted chunk should still carry the duplicate issue")
	}
	if !strings.Contains(g.prompts[1], "CRITICAL") {
		t.Error("corrective prompt does not mention the repetition")
	}
	if strings.Contains(g.prompts[1], strings.Join(previous[100:140], " ")) {
		t.Error("corrective prompt quotes more than the bounded excerpt")
	}
}

func TestRefineAcceptsCorrectedChunk(t *testing.T) {
	previous := tokens("old", 0, 300)
	accumulated := strings.Join(previous, " ")

	dup := append(append([]string{}, tokens("new", 0, 250)...), previous[100:140]...)
	clean := tokens("fresh", 0, 250)
	g := &scriptedGenerator{responses: []string{strings.Join(dup, " "), strings.Join(clean, " ")}}

	var logs []string
	r := &Refiner{
		Context: Context{Title: "T", Premise: "P"},
		LogFn:   func(level, msg string) { logs = append(logs, msg) },
	}
	out, err := r.Refine(context.Background(), g.generate, PlanWords(2500).Chunks[1], accumulated)
	if err != nil {
		t.Fatal(err)
	}
	if out.Degraded || out.Corrections != 1 || !out.Validation.Valid() {
		t.Errorf("Refinement = %+v, want one correction and a valid chunk", out)
	}
	if len(g.prompts) != 2 {
		t.Errorf("generator called %d times, want 2", len(g.prompts))
	}
	if len(logs) == 0 {
		t.Error("expected the rejection to be logged")
	}
}

func TestSanitize(t *testing.T) {
	in := "## Parte 1\n**Era** uma vez [MÚSICA: tensa] um homem (pausa longa) sozinho.\n\n- Ele andou."
	want := "Era uma vez um homem sozinho.\n\nEle andou."
	if got := Sanitize(in); got != want {
		t.Errorf("Sanitize() = %q, want %q", got, want)
	}

	pre := "Claro, aqui está o roteiro que você pediu. A noite caiu sobre a vila."
	if got := Sanitize(pre); got != "A noite caiu sobre a vila." {
		t.Errorf("Sanitize(preamble) = %q", got)
	}
}

func TestFormatParagraphs(t *testing.T) {
	in := "One. Two. Three. Four. Five.\n\nShort one. Short two."
	want := "One. Two.\n\nThree. Four. Five.\n\nShort one. Short two."
	if got := FormatParagraphs(in); got != want {
		t.Errorf("FormatParagraphs() = %q, want %q", got, want)
	}
}

func TestReplacePlaceholders(t *testing.T) {
	data := map[string]string{"titulo": "A Fazenda", "channel": "Histórias", "language": "pt-BR", "duration": "20"}
	got := ReplacePlaceholders("[title] | [canal] | [idioma] | [duracao] min | [desconhecido]", data)
	want := "A Fazenda | Histórias | pt-BR | 20 min | [desconhecido]"
	if got != want {
		t.Errorf("ReplacePlaceholders() = %q, want %q", got, want)
	}
	if left := UnresolvedPlaceholders(got); len(left) != 1 || left[0] != "[desconhecido]" {
		t.Errorf("UnresolvedPlaceholders() = %v", left)
	}
}

func TestContextUnresolved(t *testing.T) {
	c := Context{Title: "A Fazenda", Channel: "Histórias", DurationMin: 20}
	if left := c.Unresolved("[titulo] on [canal], [duracao] min"); len(left) != 0 {
		t.Errorf("Unresolved() = %v, want none", left)
	}
	if left := c.Unresolved("[titulo] from [premissa] and [personagem]"); len(left) != 2 || left[0] != "[personagem]" || left[1] != "[premissa]" {
		t.Errorf("Unresolved() = %v, want [personagem] [premissa]", left)
	}
	c.Premise = "A storm."
	if left := c.Unresolved("[premissa]"); len(left) != 0 {
		t.Errorf("Unresolved() with premise = %v", left)
	}
}

func TestPremiseSection(t *testing.T) {
	premise := "[SECTION 1]\nThe farm.\n[SECTION 2]\nThe storm.\n[SECTION 3]\nThe end."
	for n, want := range map[int]string{1: "The farm.", 2: "The storm.", 3: "The end."} {
		if got := PremiseSection(premise, n); got != want {
			t.Errorf("PremiseSection(%d) = %q, want %q", n, got, want)
		}
	}
	if got := PremiseSection("Just one paragraph.", 2); got != "Just one paragraph." {
		t.Errorf("PremiseSection(no markers) = %q", got)
	}
}

func TestExtractAnchors(t *testing.T) {
	text := "Maria Silva chegou na fazenda velha ao anoitecer, e descobriu o segredo da família que ninguém contava havia anos."
	anchors := ExtractAnchors(text, MaxAnchors)
	if len(anchors) != 3 {
		t.Fatalf("anchors = %v, want 3", anchors)
	}
	if anchors[0] != "characters: Maria Silva" {
		t.Errorf("anchors[0] = %q", anchors[0])
	}
	if anchors[2] != "scenes in: na fazenda velha ao anoitecer" {
		t.Errorf("anchors[2] = %q", anchors[2])
	}
}

func TestPremisePromptInjectsContext(t *testing.T) {
	p := PremisePrompt("Create a premise for [titulo] set in [localizacao].", Context{
		Title: "A Fazenda", Language: "pt-BR", Location: "Brasil",
	}, 0)
	for _, want := range []string{"Create a premise for A Fazenda set in Brasil.", "Português Brasileiro", "about 500 words"} {
		if !strings.Contains(p, want) {
			t.Errorf("premise prompt missing %q", want)
		}
	}
}
