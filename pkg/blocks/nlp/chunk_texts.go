package nlp

import (
	"encoding/base64"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"

	"github.com/keiri-labs/keiri-engine/pkg/block"
	"github.com/keiri-labs/keiri-engine/pkg/blockerr"
	"github.com/keiri-labs/keiri-engine/pkg/extract"
)

// ChunkTextsBlock splits documents into retrieval-sized chunks. The
// tokens strategy windows over cl100k_base tokens with overlap; the
// sentence, paragraph, and markdown strategies split on structure and
// pack units up to a character budget of roughly four characters per
// token. Inputs come either from a texts list or from file entries
// carrying extracted text (with a bytes/base64 recovery path).
type ChunkTextsBlock struct{}

func (ChunkTextsBlock) ID() string      { return "nlp.chunk_texts" }
func (ChunkTextsBlock) Version() string { return "1.0.0" }

const (
	defaultMaxTokens     = 400
	defaultOverlapTokens = 40
)

type chunkSource struct {
	name string
	text string
}

func (ChunkTextsBlock) Run(_ *block.Context, inputs map[string]any) (map[string]any, error) {
	strategy, err := block.StringOr(inputs, "strategy", "tokens")
	if err != nil {
		return nil, err
	}
	strategy = strings.ToLower(strategy)
	if strategy == "" {
		strategy = "tokens"
	}
	maxTokens, err := block.IntOr(inputs, "max_tokens", defaultMaxTokens)
	if err != nil {
		return nil, err
	}
	overlap, err := block.IntOr(inputs, "overlap_tokens", defaultOverlapTokens)
	if err != nil {
		return nil, err
	}
	normalizeWS, err := block.BoolOr(inputs, "normalize_whitespace", true)
	if err != nil {
		return nil, err
	}

	sources := collectSources(inputs)
	if len(sources) == 0 {
		return nil, blockerr.New(blockerr.CodeInputRequiredMissing,
			"texts or files must provide at least one document").
			WithDetail("field", "texts|files")
	}

	switch strategy {
	case "tokens", "sentences", "paragraphs", "markdown_headings":
	default:
		return nil, blockerr.Newf(blockerr.CodeInputValidationFailed,
			"input %q must be one of [tokens, sentences, paragraphs, markdown_headings]", "strategy").
			WithDetail("field", "strategy").
			WithDetail("value", strategy)
	}
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	chunks := []any{}
	for idx, src := range sources {
		s := src.text
		if normalizeWS {
			s = normalizeSpaces(s)
		}
		if s == "" {
			continue
		}

		if strategy == "tokens" {
			enc, err := tiktoken.GetEncoding("cl100k_base")
			if err != nil {
				return nil, blockerr.Newf(blockerr.CodeDependencyNotFound,
					"cl100k_base encoding unavailable: %v", err)
			}
			toks := enc.Encode(s, nil, nil)
			step := maxTokens - overlap
			if overlap < 0 {
				step = maxTokens
			}
			if step < 1 {
				step = 1
			}
			c := 0
			for pos := 0; pos < len(toks); pos += step {
				end := pos + maxTokens
				if end > len(toks) {
					end = len(toks)
				}
				text := enc.Decode(toks[pos:end])
				// byte offset into the normalized text
				start := len(enc.Decode(toks[:pos]))
				chunks = append(chunks, map[string]any{
					"id":     fmt.Sprintf("%d-%d", idx, c),
					"source": src.name,
					"start":  start,
					"end":    start + len(text),
					"text":   text,
					"tokens": end - pos,
				})
				c++
			}
			continue
		}

		var units []string
		switch strategy {
		case "sentences":
			units = splitSentences(s)
		case "paragraphs":
			units = splitParagraphs(s)
		default:
			units = splitMarkdownHeadings(s)
		}

		maxChars := maxTokens * 4
		c := 0
		emit := func(buf []string) {
			text := strings.TrimSpace(strings.Join(buf, " "))
			chunks = append(chunks, map[string]any{
				"id":     fmt.Sprintf("%d-%d", idx, c),
				"source": src.name,
				"start":  0,
				"end":    utf8.RuneCountInString(text),
				"text":   text,
				"tokens": nil,
			})
			c++
		}
		var buf []string
		curLen := 0
		for _, u := range units {
			ul := utf8.RuneCountInString(u)
			switch {
			case len(buf) > 0 && curLen+1+ul > maxChars:
				emit(buf)
				buf = []string{u}
				curLen = ul
			case len(buf) > 0:
				buf = append(buf, u)
				curLen += 1 + ul
			default:
				buf = []string{u}
				curLen = ul
			}
		}
		if len(buf) > 0 {
			emit(buf)
		}
	}

	return map[string]any{
		"chunks": chunks,
		"summary": map[string]any{
			"texts":    len(sources),
			"chunks":   len(chunks),
			"strategy": strategy,
		},
	}, nil
}

// collectSources prefers the texts list; a files list contributes
// entries whose text can be found or recovered from raw bytes.
func collectSources(inputs map[string]any) []chunkSource {
	if texts, ok := listOf(inputs["texts"]); ok {
		var out []chunkSource
		for i, t := range texts {
			if t == nil {
				continue
			}
			out = append(out, chunkSource{name: fmt.Sprintf("text:%d", i), text: coerce(t)})
		}
		return out
	}
	files, ok := listOf(inputs["files"])
	if !ok {
		return nil
	}
	var out []chunkSource
	for _, f := range files {
		m, ok := f.(map[string]any)
		if !ok {
			continue
		}
		name := coerce(m["name"])
		if name == "" {
			name = coerce(m["path"])
		}
		if name == "" {
			name = "file"
		}
		s := coerce(m["text_excerpt"])
		if s == "" {
			s = coerce(m["text"])
		}
		if s == "" {
			var raw []byte
			switch b := m["bytes"].(type) {
			case []byte:
				raw = b
			default:
				if enc, ok := m["base64"].(string); ok {
					if decoded, err := base64.StdEncoding.DecodeString(enc); err == nil {
						raw = decoded
					}
				}
			}
			if raw != nil {
				if texts := extract.Texts([]extract.File{{Name: name, Data: raw}}, extract.DefaultBudget); len(texts) > 0 {
					s = texts[0]
				}
			}
		}
		if s != "" {
			out = append(out, chunkSource{name: name, text: s})
		}
	}
	return out
}
