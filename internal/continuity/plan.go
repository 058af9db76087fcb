// Package continuity splits long scripts into sequential chunks and keeps
// them coherent: every chunk prompt carries a bounded continuity hint, and
// every returned chunk is checked for repeated text, language drift and
// meta-commentary before it is accepted.
package continuity

import "time"

const (
	// WordsPerMinute converts narration minutes into a word target.
	WordsPerMinute = 150

	// ChunkThreshold is the word target above which a script is chunked.
	ChunkThreshold = 1500

	// WordsPerChunk is the target of every chunk but the last.
	WordsPerChunk = 1000

	// LastChunkMaxWords is the extended budget the final chunk may use to close the story.
	LastChunkMaxWords = 2000

	// ScriptTemperature is the base temperature of script chunks.
	ScriptTemperature = 0.45

	// PremiseTemperature is the base temperature of premise generation.
	PremiseTemperature = 0.6

	// PremiseTimeout bounds a premise call.
	PremiseTimeout = 180 * time.Second

	// PremiseMaxTokens caps premise output.
	PremiseMaxTokens = 40000

	// PremiseMinChars is the shortest premise accepted.
	PremiseMinChars = 100

	// DefaultPremiseWords is used when an agent sets no premise word target.
	DefaultPremiseWords = 500

	chunkMaxTokens     = 50000
	lastChunkMaxTokens = 80000
	chunkTimeout       = 300 * time.Second
	lastChunkTimeout   = 360 * time.Second
)

// Chunk describes one sequential generation call. MaxWords is the upper
// budget the prompt allows; only the final chunk of a chunked script
// extends it beyond TargetWords.
type Chunk struct {
	Index       int
	Total       int
	TargetWords int
	MaxWords    int
	IsLast      bool
	MaxTokens   int
	Timeout     time.Duration
	Temperature float64
}

// Plan is the chunk layout of one script.
type Plan struct {
	TargetWords int
	Chunks      []Chunk
}

// Chunked reports whether the script is generated in more than one call.
func (p Plan) Chunked() bool {
	return len(p.Chunks) > 1
}

// PlanChunks lays out a script of durationMin narration minutes.
func PlanChunks(durationMin int) Plan {
	if durationMin <= 0 {
		durationMin = 1
	}
	return PlanWords(durationMin * WordsPerMinute)
}

// PlanWords lays out a script of target words. Scripts above ChunkThreshold
// are split into WordsPerChunk parts, the last one carrying the remainder.
func PlanWords(target int) Plan {
	if target <= ChunkThreshold {
		return Plan{
			TargetWords: target,
			Chunks:      []Chunk{newChunk(0, 1, target)},
		}
	}

	n := (target + WordsPerChunk - 1) / WordsPerChunk
	chunks := make([]Chunk, 0, n)
	for i := 0; i < n; i++ {
		words := target - i*WordsPerChunk
		if words > WordsPerChunk {
			words = WordsPerChunk
		}
		chunks = append(chunks, newChunk(i, n, words))
	}
	return Plan{TargetWords: target, Chunks: chunks}
}

func newChunk(index, total, words int) Chunk {
	c := Chunk{
		Index:       index,
		Total:       total,
		TargetWords: words,
		MaxWords:    words,
		IsLast:      index == total-1,
		MaxTokens:   chunkMaxTokens,
		Timeout:     chunkTimeout,
		Temperature: ScriptTemperature,
	}
	if c.IsLast {
		c.MaxTokens = lastChunkMaxTokens
		c.Timeout = lastChunkTimeout
		if total > 1 && c.MaxWords < LastChunkMaxWords {
			c.MaxWords = LastChunkMaxWords
		}
	}
	return c
}
