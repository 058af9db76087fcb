package continuity

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
)

const (
	// OverlapWords is the shortest repeated run flagged as duplication.
	OverlapWords = 30

	// overlapSampleWords is the length of the sample reported for a duplicate.
	overlapSampleWords = 40

	// MaxCorrections bounds corrective regenerations of one chunk.
	MaxCorrections = 2

	mixedThreshold = 3.0
	wrongThreshold = 10.0
)

// Issue names a failed validation check.
type Issue string

const (
	IssueDuplicate     Issue = "duplicate"
	IssueMixedLanguage Issue = "mixed_language"
	IssueWrongLanguage Issue = "wrong_language"
	IssueMeta          Issue = "meta_commentary"
	IssueTooShort      Issue = "too_short"
)

// Result is the outcome of validating one chunk.
type Result struct {
	Issues   []Issue
	Errors   []string
	Warnings []string

	// DuplicateSample is up to 40 words starting at the first repeated run.
	DuplicateSample string
}

// Valid reports whether the chunk passed every check.
func (r Result) Valid() bool {
	return len(r.Issues) == 0
}

// Has reports whether issue was raised.
func (r Result) Has(issue Issue) bool {
	for _, i := range r.Issues {
		if i == issue {
			return true
		}
	}
	return false
}

func (r *Result) add(issue Issue, msg string) {
	r.Issues = append(r.Issues, issue)
	r.Errors = append(r.Errors, msg)
}

// Validate checks chunk against the script accumulated so far. language is
// the expected language code; target is the chunk's word target.
func Validate(chunk, accumulated, language string, target int, isLast bool) Result {
	var r Result

	if sample, ok := FindOverlap(accumulated, chunk, OverlapWords); ok {
		r.add(IssueDuplicate, "repeats a passage that already exists in the script")
		r.DuplicateSample = sample
	}

	if language != "" {
		checkLanguage(&r, chunk, language)
	}

	if pattern, ok := MetaCommentary(chunk); ok {
		r.add(IssueMeta, fmt.Sprintf("contains meta-commentary (%s)", pattern))
	}

	words := WordCount(chunk)
	if floor := MinWords(target, isLast); words < floor {
		r.add(IssueTooShort, fmt.Sprintf("too short: %d words, minimum %d", words, floor))
	} else if target > 0 && words < target*7/10 {
		r.Warnings = append(r.Warnings, fmt.Sprintf("short chunk: %d words, target %d", words, target))
	}

	return r
}

// MinWords is the shortest acceptable chunk: 40% of target, at least 120
// words (80 for the final chunk) and never more than 200.
func MinWords(target int, isLast bool) int {
	floor := 120
	if isLast {
		floor = 80
	}
	if target <= 0 {
		return floor
	}
	n := (target*4 + 5) / 10
	if n < floor {
		n = floor
	}
	if n > 200 {
		n = 200
	}
	return n
}

// WordCount counts whitespace-separated words.
func WordCount(text string) int {
	return len(strings.Fields(text))
}

// FindOverlap looks for any run of minWords consecutive words of chunk that
// already appears in accumulated. Comparison is case-insensitive and ignores
// whitespace differences.
func FindOverlap(accumulated, chunk string, minWords int) (sample string, found bool) {
	if strings.TrimSpace(accumulated) == "" || strings.TrimSpace(chunk) == "" || minWords <= 0 {
		return "", false
	}

	previous := " " + strings.Join(strings.Fields(strings.ToLower(accumulated)), " ") + " "
	words := strings.Fields(strings.ToLower(chunk))

	for i := 0; i+minWords <= len(words); i++ {
		window := " " + strings.Join(words[i:i+minWords], " ") + " "
		if strings.Contains(previous, window) {
			end := i + overlapSampleWords
			if end > len(words) {
				end = len(words)
			}
			return strings.Join(words[i:end], " "), true
		}
	}
	return "", false
}

// LanguageScore is the share of indicator words per language, in percent.
type LanguageScore struct {
	PT float64
	EN float64
	ES float64
}

// ScoreLanguages computes indicator word percentages over words longer than two characters.
func ScoreLanguages(text string) LanguageScore {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})

	total, pt, en, es := 0, 0, 0, 0
	for _, w := range words {
		if len([]rune(w)) <= 2 {
			continue
		}
		total++
		if portugueseIndicators[w] {
			pt++
		}
		if englishIndicators[w] {
			en++
		}
		if spanishIndicators[w] {
			es++
		}
	}
	if total == 0 {
		return LanguageScore{}
	}
	pct := func(n int) float64 { return float64(n) / float64(total) * 100 }
	return LanguageScore{PT: pct(pt), EN: pct(en), ES: pct(es)}
}

func checkLanguage(r *Result, text, language string) {
	s := ScoreLanguages(text)
	code := strings.ToLower(language)

	var expected, other float64
	var expectedName, otherName string
	switch {
	case strings.HasPrefix(code, "pt"):
		expected, other, expectedName, otherName = s.PT, s.EN, "Portuguese", "English"
	case strings.HasPrefix(code, "en"):
		expected, other, expectedName, otherName = s.EN, s.PT, "English", "Portuguese"
	case strings.HasPrefix(code, "es"):
		expected, other, expectedName, otherName = s.ES, s.EN, "Spanish", "English"
	default:
		if s.PT > mixedThreshold && s.EN > mixedThreshold {
			r.add(IssueMixedLanguage, fmt.Sprintf("mixed languages: PT %.1f%% EN %.1f%%", s.PT, s.EN))
		}
		return
	}

	if expected > mixedThreshold && other > mixedThreshold {
		r.add(IssueMixedLanguage, fmt.Sprintf("mixed languages: %s %.1f%% %s %.1f%%", expectedName, expected, otherName, other))
		return
	}
	if other > wrongThreshold {
		r.add(IssueWrongLanguage, fmt.Sprintf("wrong language: expected %s, found %.1f%% %s", expectedName, other, otherName))
	}
}

var metaPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\(o roteiro foi`),
	regexp.MustCompile(`(?i)\(conforme solicitado`),
	regexp.MustCompile(`(?i)\(de acordo com`),
	regexp.MustCompile(`(?i)\(seguindo as instruções`),
	regexp.MustCompile(`(?i)\(o bloco anterior`),
	regexp.MustCompile(`(?i)\(este é o bloco`),
	regexp.MustCompile(`(?i)\(concluído no bloco`),
	regexp.MustCompile(`(?i)\(a narrativa foi`),
	regexp.MustCompile(`(?i)\(como você pediu`),
	regexp.MustCompile(`(?i)\(aqui está`),
	regexp.MustCompile(`(?i)^\s*claro,?\s+vou`),
	regexp.MustCompile(`(?i)^\s*de acuerdo,?\s+aquí`),
	regexp.MustCompile(`(?i)^\s*ok,?\s+vou`),
	regexp.MustCompile(`(?i)roteiro está completo conforme`),
	regexp.MustCompile(`(?i)violaria a estrutura`),
	regexp.MustCompile(`(?i)instrução de não repetir`),
	regexp.MustCompile(`(?i)^\s*(sure|certainly|of course|okay|ok)[,!.]?\s+here\b`),
	regexp.MustCompile(`(?i)^\s*here(?:'s| is) (?:the|your) (?:script|story|text|part)`),
	regexp.MustCompile(`(?i)\bas (?:you )?requested\b`),
	regexp.MustCompile(`(?i)\(this is (?:part|block|section)`),
	regexp.MustCompile(`(?s)^\s*\(.*\)\s*$`),
}

// MetaCommentary reports whether text narrates its own compliance instead of
// telling the story, returning the matching pattern.
func MetaCommentary(text string) (string, bool) {
	for _, re := range metaPatterns {
		if re.MatchString(text) {
			return re.String(), true
		}
	}
	return "", false
}

func wordSet(words ...string) map[string]bool {
	m := make(map[string]bool, len(words))
	for _, w := range words {
		m[w] = true
	}
	return m
}

var portugueseIndicators = wordSet(
	"você", "voce", "não", "nao", "também", "tambem", "até", "ate", "através", "atraves",
	"então", "entao", "está", "esta", "são", "sao", "será", "sera", "foram", "muito",
	"mais", "como", "para", "isso", "esse", "essa", "aqui", "agora", "quando", "onde",
	"porque", "porquê", "pode", "fazer", "tem", "tinha", "foi", "ser", "vai", "vamos",
	"precisa", "quer", "saber", "tudo", "nada", "algo", "alguém", "algum", "alguns",
	"outro", "outra", "outros", "outras", "mesmo", "mesma", "sobre", "entre", "sem",
	"com", "seu", "sua", "seus", "suas", "meu", "minha", "meus", "minhas", "nosso",
	"nossa", "nossos", "nossas", "dele", "dela", "deles", "delas", "este",
	"estes", "estas", "aquele", "aquela", "aqueles", "aquelas", "isto", "aquilo",
)

var englishIndicators = wordSet(
	"you", "your", "have", "has", "had", "been", "were", "was", "are", "will",
	"would", "could", "should", "can", "must", "may", "might", "does", "did",
	"going", "make", "made", "know", "knew", "think", "thought", "want", "wanted",
	"need", "needed", "get", "got", "some", "any", "all", "every", "each", "many",
	"much", "more", "most", "very", "really", "just", "only", "even", "also", "too",
	"about", "through", "between", "without", "with", "from", "into", "onto", "upon",
	"before", "after", "during", "while", "since", "until", "because", "when",
	"where", "what", "which", "who", "whom", "whose", "how", "why", "there", "here",
	"then", "now", "today", "tomorrow", "yesterday", "never", "always", "sometimes",
	"often", "usually", "already", "still", "yet", "again", "once", "twice",
)

var spanishIndicators = wordSet(
	"que", "pero", "muy", "también", "cuando", "donde", "porque", "puede", "hacer",
	"tiene", "había", "fue", "ser", "está", "están", "ellos", "ellas", "nosotros",
	"usted", "algo", "nada", "todo", "otro", "otra", "mismo", "sobre", "entre", "sin",
	"con", "hasta", "desde", "aquí", "ahora", "entonces", "siempre", "nunca", "después",
	"antes", "mientras", "aunque", "sólo", "cada", "mucho", "mucha", "hay", "del",
	"los", "las", "una", "unos", "unas", "estaba", "dijo",
)
