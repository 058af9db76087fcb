package continuity

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"unicode"
)

// HintWords is the number of trailing words a chunk prompt may quote.
const HintWords = 20

// MaxAnchors bounds the semantic anchors passed to a chunk prompt.
const MaxAnchors = 3

// Context is the video metadata injected around an agent's instructions.
type Context struct {
	Title       string
	Channel     string
	Language    string
	Location    string
	DurationMin int
	Premise     string
}

var languageNames = map[string]string{
	"pt-BR": "Português Brasileiro",
	"pt-PT": "Português",
	"en-US": "English",
	"en-GB": "English",
	"es-ES": "Español",
	"es-MX": "Español",
	"fr-FR": "Français",
	"de-DE": "Deutsch",
	"it-IT": "Italiano",
	"ja-JP": "日本語",
	"ko-KR": "한국어",
	"zh-CN": "中文",
	"ru-RU": "Русский",
}

// LanguageName returns the display name of a language code, or the code itself.
func LanguageName(code string) string {
	if name, ok := languageNames[code]; ok {
		return name
	}
	return code
}

// placeholderAliases maps each context field to the bracketed names agents use for it.
var placeholderAliases = []struct {
	field   string
	aliases []string
}{
	{"title", []string{"titulo", "title"}},
	{"channel", []string{"canal", "channelName", "channel"}},
	{"duration", []string{"duracao", "duration"}},
	{"language", []string{"idioma", "language", "lang"}},
	{"location", []string{"localizacao", "location", "local"}},
	{"premise", []string{"premissa", "premise"}},
}

var placeholderRe = regexp.MustCompile(`\[([^\[\]\n]+)\]`)

// ReplacePlaceholders substitutes [name] placeholders in template. data is
// keyed by field (title, channel, duration, language, location, premise) and
// every alias of a field resolves to the same value. Unknown placeholders
// are left in place.
func ReplacePlaceholders(template string, data map[string]string) string {
	values := make(map[string]string)
	for k, v := range data {
		values[k] = v
	}
	for _, p := range placeholderAliases {
		v, ok := data[p.field]
		if !ok {
			for _, a := range p.aliases {
				if v, ok = data[a]; ok {
					break
				}
			}
		}
		if !ok {
			continue
		}
		for _, a := range p.aliases {
			values[a] = v
		}
	}

	return placeholderRe.ReplaceAllStringFunc(template, func(m string) string {
		if v, ok := values[m[1:len(m)-1]]; ok {
			return v
		}
		return m
	})
}

// UnresolvedPlaceholders lists bracketed names left in text, sorted and unique.
func UnresolvedPlaceholders(text string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, m := range placeholderRe.FindAllString(text, -1) {
		if !seen[m] {
			seen[m] = true
			out = append(out, m)
		}
	}
	sort.Strings(out)
	return out
}

// Unresolved lists the placeholders in template that c cannot fill.
func (c Context) Unresolved(template string) []string {
	return UnresolvedPlaceholders(ReplacePlaceholders(template, c.placeholderData()))
}

func (c Context) placeholderData() map[string]string {
	data := map[string]string{
		"title":    c.Title,
		"channel":  c.Channel,
		"language": c.Language,
		"location": c.Location,
		"duration": strconv.Itoa(c.DurationMin),
	}
	if c.Premise != "" {
		data["premise"] = c.Premise
	}
	return data
}

func languageRules(code string) string {
	name := LanguageName(code)
	return fmt.Sprintf(`[LANGUAGE RULES]
- Write ALL of the text in %s (%s).
- Do not mix in other languages.
- The text will be narrated as is.`, name, code)
}

// PremisePrompt builds the premise request from an agent's premise instructions.
func PremisePrompt(instructions string, c Context, wordTarget int) string {
	if wordTarget <= 0 {
		wordTarget = DefaultPremiseWords
	}
	channel := c.Channel
	if channel == "" {
		channel = "Channel"
	}

	var b strings.Builder
	b.WriteString(languageRules(c.Language))
	b.WriteString("\n\n")
	fmt.Fprintf(&b, "Video title: %s\n", c.Title)
	fmt.Fprintf(&b, "Channel: %s\n", channel)
	fmt.Fprintf(&b, "Language: %s\n", c.Language)
	fmt.Fprintf(&b, "Location/Audience: %s\n", c.Location)
	fmt.Fprintf(&b, "Premise length: about %d words\n\n", wordTarget)
	b.WriteString("Premise instructions (FOLLOW THE TEXT BELOW EXACTLY):\n")
	b.WriteString(ReplacePlaceholders(instructions, c.placeholderData()))
	return strings.TrimSpace(b.String())
}

const deliveryRules = `=== DELIVERY FORMAT ===
- Running prose only, written to be read aloud.
- No numbering, bullet points or section titles such as "Chapter 1" or "Conclusion".
- No brackets, parentheses or production notes such as [music] or (pause).
- No stage directions such as "Silence." or "NARRATOR:".
- Convey pauses and drama through the narration itself.`

// Hint is the bounded continuity context passed from one chunk to the next.
type Hint struct {
	// LastWords holds at most HintWords words of the accumulated script.
	LastWords string
	Anchors   []string
}

// ContinuityHint extracts the hint for the chunk that follows accumulated.
// The full prior text is never carried forward.
func ContinuityHint(accumulated string) Hint {
	return Hint{
		LastWords: LastWords(accumulated, HintWords),
		Anchors:   ExtractAnchors(accumulated, MaxAnchors),
	}
}

// LastWords returns the final n whitespace-separated words of text.
func LastWords(text string, n int) string {
	words := strings.Fields(text)
	if len(words) > n {
		words = words[len(words)-n:]
	}
	return strings.Join(words, " ")
}

var (
	properNameRe = regexp.MustCompile(`\p{Lu}\p{Ll}+(?:\s\p{Lu}\p{Ll}+)?`)
	locationRe   = regexp.MustCompile(`(?i)\b(?:na|no|em|para a|para o|para|in the|at the|to the)\s+(fazenda|casa|hospital|praça|cidade|vila|sala|quarto|escritório|rua|estrada|farm|house|town|village|room|office|street|road)\b[^,.\n]*`)

	commonCapitalized = map[string]bool{
		"Ele": true, "Ela": true, "Era": true, "Foi": true, "Mas": true, "Então": true, "Quando": true,
		"The": true, "Then": true, "When": true, "But": true, "She": true, "They": true, "There": true,
		"That": true, "This": true, "What": true,
	}

	revelationKeywords = []string{"descobr", "revel", "perceb", "entend", "segredo", "verdade", "discover", "reveal", "realiz", "secret", "truth"}
)

// ExtractAnchors returns up to max short semantic anchors from content:
// recurring character names, whether a revelation happened, and scene locations.
func ExtractAnchors(content string, max int) []string {
	if len(strings.TrimSpace(content)) < 100 || max <= 0 {
		return nil
	}

	var anchors []string

	var names []string
	seen := make(map[string]bool)
	for _, m := range properNameRe.FindAllString(content, -1) {
		if seen[m] || len([]rune(m)) <= 3 || commonCapitalized[m] {
			continue
		}
		seen[m] = true
		names = append(names, m)
		if len(names) == 2 {
			break
		}
	}
	if len(names) > 0 {
		anchors = append(anchors, "characters: "+strings.Join(names, ", "))
	}

	lower := strings.ToLower(content)
	for _, kw := range revelationKeywords {
		if strings.Contains(lower, kw) {
			anchors = append(anchors, "a revelation already happened")
			break
		}
	}

	var places []string
	seenPlace := make(map[string]bool)
	for _, m := range locationRe.FindAllString(content, -1) {
		if words := strings.Fields(m); len(words) > 5 {
			m = strings.Join(words[:5], " ")
		}
		m = strings.TrimSpace(m)
		if seenPlace[m] {
			continue
		}
		seenPlace[m] = true
		places = append(places, m)
		if len(places) == 2 {
			break
		}
	}
	if len(places) > 0 {
		anchors = append(anchors, "scenes in: "+strings.Join(places, ", "))
	}

	if len(anchors) > max {
		anchors = anchors[:max]
	}
	return anchors
}

var sectionHeaderRe = regexp.MustCompile(`(?i)[\[\(]?\b(?:SEÇÃO|SECAO|SECTION|BLOCO|BLOCK|PARTE|PART)\s*(\d+)\b[^\n]*`)

// PremiseSection returns the part of premise that belongs to section n
// (1-based). Premises are expected to mark sections as "SECTION 1",
// "[BLOCO 2]" and so on; without markers the premise is split by paragraphs.
func PremiseSection(premise string, n int) string {
	headers := sectionHeaderRe.FindAllStringSubmatchIndex(premise, -1)
	for i, h := range headers {
		num, err := strconv.Atoi(premise[h[2]:h[3]])
		if err != nil || num != n {
			continue
		}
		end := len(premise)
		if i+1 < len(headers) {
			end = headers[i+1][0]
		}
		return strings.TrimLeftFunc(strings.TrimSpace(premise[h[1]:end]), func(r rune) bool {
			return r == ':' || r == '-' || unicode.IsSpace(r)
		})
	}

	var paragraphs []string
	for _, p := range paragraphSplitRe.Split(premise, -1) {
		if strings.TrimSpace(p) != "" {
			paragraphs = append(paragraphs, strings.TrimSpace(p))
		}
	}
	if len(paragraphs) >= 3 {
		head := (len(paragraphs)*3 + 9) / 10
		switch {
		case n <= 1:
			return strings.Join(paragraphs[:head], "\n\n")
		case n == 2:
			return strings.Join(paragraphs[head:len(paragraphs)-1], "\n\n")
		default:
			return paragraphs[len(paragraphs)-1]
		}
	}
	return strings.TrimSpace(premise)
}

// ChunkPrompt builds the request for chunk ch. Only hint carries text from
// earlier chunks.
func ChunkPrompt(instructions string, c Context, ch Chunk, hint Hint) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Role: professional YouTube scriptwriter\n")
	fmt.Fprintf(&b, "Output language: %s (mandatory)\n", LanguageName(c.Language))
	if ch.MaxWords > ch.TargetWords {
		fmt.Fprintf(&b, "Length: about %d words, up to %d to reach a proper ending\n", ch.TargetWords, ch.MaxWords)
	} else {
		fmt.Fprintf(&b, "Length: about %d words\n", ch.TargetWords)
	}
	fmt.Fprintf(&b, "Title: %q\n\n", c.Title)

	if ch.Total > 1 {
		fmt.Fprintf(&b, "CONTEXT: this is PART %d of %d.\n\n", ch.Index+1, ch.Total)
		fmt.Fprintf(&b, "---\nPREMISE FOR THIS PART ONLY:\n%s\n---\n\n", PremiseSection(c.Premise, ch.Index+1))
	} else {
		fmt.Fprintf(&b, "---\nPREMISE:\n%s\n---\n\n", c.Premise)
	}

	b.WriteString("=== STYLE AND TONE GUIDELINES (DO NOT COPY LITERALLY) ===\n")
	b.WriteString(ReplacePlaceholders(instructions, c.placeholderData()))
	b.WriteString("\n- These are guidelines for how to write, not text to reproduce.\n")
	b.WriteString("- Examples in the guidelines show a style; never insert them verbatim.\n")
	b.WriteString("=== END OF GUIDELINES ===\n\n")
	b.WriteString(deliveryRules)
	b.WriteString("\n")

	if ch.Index > 0 && hint.LastWords != "" {
		fmt.Fprintf(&b, "\nSTORY SO FAR ends with:\n\"...%s\"\n", hint.LastWords)
		if len(hint.Anchors) > 0 {
			fmt.Fprintf(&b, "Established so far: %s\n", strings.Join(hint.Anchors, "; "))
		}
		b.WriteString("\nCONTINUITY RULES:\n")
		b.WriteString("1. Do NOT repeat the text above.\n")
		b.WriteString("2. Do NOT summarize what already happened.\n")
		b.WriteString("3. Continue the action immediately from where it stopped.\n")
	} else if ch.Index == 0 {
		b.WriteString("\nThis is the START of the video. Open with a strong hook in the first 15 seconds.\n")
	}

	if ch.IsLast {
		b.WriteString("\nThis is the FINAL part. Build to the climax and conclude the story.\n")
	}

	if ch.Total > 1 {
		fmt.Fprintf(&b, "\nWrite ONLY the text of part %d now:\n", ch.Index+1)
	} else {
		b.WriteString("\nWrite the full script now:\n")
	}
	return b.String()
}

// EmergencyPrompt is the short corrective prompt used to regenerate a chunk
// that failed validation. excerpt is the offending text; at most 100
// characters of it are quoted.
func EmergencyPrompt(instructions string, c Context, ch Chunk, excerpt string, problems []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Story narrator. Running prose. %s. About %d words.\n\n", LanguageName(c.Language), ch.TargetWords)
	fmt.Fprintf(&b, "%q\n\n", c.Title)
	fmt.Fprintf(&b, "Style: %s\n\n", truncateRunes(ReplacePlaceholders(instructions, c.placeholderData()), 500))
	section := c.Premise
	if ch.Total > 1 {
		section = PremiseSection(c.Premise, ch.Index+1)
	}
	fmt.Fprintf(&b, "Premise: %s\n", truncateRunes(section, 600))

	if len(problems) > 0 {
		fmt.Fprintf(&b, "\nThe previous attempt was rejected: %s\n", strings.Join(problems, "; "))
	}
	if excerpt != "" {
		fmt.Fprintf(&b, "\nCRITICAL: you repeated text that already exists:\n\"%s...\"\n", truncateRunes(excerpt, 100))
		b.WriteString("\nWrite 100% NEW content. MOVE the story forward.\n")
	}
	if ch.IsLast {
		b.WriteString("\nFinal part. Conclude the story.\n")
	}
	b.WriteString("\nNarrate now:\n")
	return b.String()
}

// SaferPrompt rewrites prompt for a retry after a content-safety refusal.
func SaferPrompt(prompt string) string {
	return prompt + "\n\nKeep the narration suitable for a general audience: no graphic violence, " +
		"no explicit content and no real people in harmful situations. Handle sensitive themes with restraint.\n"
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
