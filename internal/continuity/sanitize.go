package continuity

import (
	"regexp"
	"strings"
)

var paragraphSplitRe = regexp.MustCompile(`\n\s*\n`)

type replacement struct {
	re   *regexp.Regexp
	with string
}

var sanitizeRules = []replacement{
	// production tags
	{regexp.MustCompile(`(?i)\[(?:IMAGEM|IMAGE|MÚSICA|MUSICA|MUSIC|CENA|SCENE|SFX|NARRADOR|NARRATOR):[^\]]*\]`), ""},
	{regexp.MustCompile(`(?im)^(?:Silêncio\.|Pausa\.|Música\.|Silence\.|Pause\.|Music\.)[ \t]*`), ""},
	{regexp.MustCompile(`(?i)\((?:pausa|pause|silêncio|silence|suspiro|sigh)[^)]*\)`), ""},

	// section titles
	{regexp.MustCompile(`(?m)^#+[ \t]*`), ""},
	{regexp.MustCompile(`(?im)^(?:Capítulo|Parte|Seção|Bloco|Chapter|Part|Section)[ \t]*\d+[:\-–]?[ \t]*`), ""},
	{regexp.MustCompile(`(?im)^(?:Introdução|Conclusão|Abertura|Fechamento|Introduction|Conclusion)[:\-–]?[ \t]*`), ""},

	// model preambles
	{regexp.MustCompile(`(?i)^\s*(?:Claro,? aqui (?:está|vai)|Certo,? vou|Ok,? aqui)[^.]*\.\s*`), ""},
	{regexp.MustCompile(`(?i)^\s*(?:Aqui está o roteiro|Segue o texto|Here is the script|Here's the script)[^.]*\.\s*`), ""},
	{regexp.MustCompile(`(?i)^\s*(?:claro,?\s+(?:vou|aquí|tienes)|de acuerdo,?\s+aquí|ok,?\s+(?:vou|here)|seguindo suas instruções)[^.!?]*[.!?]\s*`), ""},
	{regexp.MustCompile(`(?i)[ \t]*\([^)]*(?:o roteiro foi|conforme solicitado|de acordo com|seguindo|instrução|concluído|bloco anterior|violaria a estrutura|roteiro está completo|as requested|this is part)[^)]*\)`), ""},

	// markdown
	{regexp.MustCompile(`\*\*([^*]+)\*\*`), "$1"},
	{regexp.MustCompile(`\*([^*\n]+)\*`), "$1"},
	{regexp.MustCompile(`(?m)^[ \t]*[-•*][ \t]+`), ""},
	{regexp.MustCompile(`(?m)^[ \t]*\d+[.)][ \t]+`), ""},

	{regexp.MustCompile(`[ \t]{2,}`), " "},
	{regexp.MustCompile(`\n{3,}`), "\n\n"},
}

// Sanitize strips production tags, section headers, markdown and model
// preambles from generated text.
func Sanitize(text string) string {
	if text == "" {
		return ""
	}
	for _, r := range sanitizeRules {
		text = r.re.ReplaceAllString(text, r.with)
	}
	return strings.TrimSpace(text)
}

var sentenceRe = regexp.MustCompile(`[^.!?]+[.!?]+`)

// FormatParagraphs breaks paragraphs of more than three sentences into
// shorter paragraphs for narration.
func FormatParagraphs(text string) string {
	if text == "" {
		return ""
	}

	var out []string
	for _, para := range paragraphSplitRe.Split(text, -1) {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		idx := sentenceRe.FindAllStringIndex(para, -1)
		if len(idx) <= 3 {
			out = append(out, para)
			continue
		}
		sentences := make([]string, len(idx))
		for i, loc := range idx {
			sentences[i] = strings.TrimSpace(para[loc[0]:loc[1]])
		}
		if head := strings.TrimSpace(para[:idx[0][0]]); head != "" {
			sentences[0] = head + " " + sentences[0]
		}
		if tail := strings.TrimSpace(para[idx[len(idx)-1][1]:]); tail != "" {
			sentences[len(sentences)-1] += " " + tail
		}

		for i := 0; i < len(sentences); {
			end := i + 2
			// a lone trailing sentence joins the previous group
			if len(sentences)-end == 1 {
				end++
			}
			out = append(out, strings.Join(sentences[i:end], " "))
			i = end
		}
	}
	return strings.Join(out, "\n\n")
}

// Join appends chunk to script with a paragraph break.
func Join(script, chunk string) string {
	script = strings.TrimSpace(script)
	chunk = strings.TrimSpace(chunk)
	switch {
	case script == "":
		return chunk
	case chunk == "":
		return script
	}
	return script + "\n\n" + chunk
}
