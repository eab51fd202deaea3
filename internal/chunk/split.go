// Package chunk は大きな Markdown 文書を翻訳用のチャンクに分割します。
package chunk

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/yourusername/paper-burner/internal/logging"
	"github.com/yourusername/paper-burner/internal/token"
)

// DefaultTokenLimit はトークン上限が未指定のときに使う値です。
const DefaultTokenLimit = 2000

// Separator は翻訳済みチャンクを連結するときの区切りです。
const Separator = "\n\n"

var headingPattern = regexp.MustCompile(`^(#+)\s`)

// Chunk は文書の連続した一部分です。
type Chunk struct {
	Index  int    `json:"index"`
	Text   string `json:"text"`
	Tokens int    `json:"tokens"`
	// Oversized はそれ以上分割できず上限を超えたままのチャンクを示します。
	Oversized bool `json:"oversized,omitempty"`
}

// Splitter は Markdown をトークン上限に収まるよう分割します。
type Splitter struct {
	logger *zap.Logger
}

// NewSplitter は Splitter を作成します。
func NewSplitter(logger *zap.Logger) *Splitter {
	return &Splitter{logger: logging.OrNop(logger)}
}

// Split は markdown を tokenLimit を目安に分割し、文書順のチャンクを返します。
//
// 文書全体が上限 × 1.1 以内なら分割しません。行単位の分割で上限を超えたチャンクは
// 段落単位、さらに文単位へと細かくしていき、それでも収まらない段落や文はそのまま
// 1 チャンクとして残します。
func (s *Splitter) Split(markdown string, tokenLimit int) []Chunk {
	if tokenLimit <= 0 {
		tokenLimit = DefaultTokenLimit
	}

	total := token.Estimate(markdown)
	if !overSoftLimit(total, tokenLimit) {
		return []Chunk{{Index: 0, Text: markdown, Tokens: total}}
	}

	s.logger.Debug("splitting markdown",
		zap.Int("estimatedTokens", total),
		zap.Int("tokenLimit", tokenLimit),
	)

	var pieces []piece
	for i, text := range splitByLines(markdown, tokenLimit) {
		tokens := token.Estimate(text)
		if !overSoftLimit(tokens, tokenLimit) {
			pieces = append(pieces, piece{text: text, tokens: tokens})
			continue
		}
		s.logger.Warn("chunk still exceeds limit, splitting by paragraph",
			zap.Int("chunk", i+1),
			zap.Int("tokens", tokens),
			zap.Int("tokenLimit", tokenLimit),
		)
		pieces = append(pieces, s.splitByParagraphs(text, tokenLimit)...)
	}

	chunks := make([]Chunk, len(pieces))
	for i, p := range pieces {
		chunks[i] = Chunk{
			Index:     i,
			Text:      p.text,
			Tokens:    p.tokens,
			Oversized: overSoftLimit(p.tokens, tokenLimit),
		}
	}
	return chunks
}

// NeedsSplit は markdown が分割対象の大きさかどうかを返します。
func NeedsSplit(markdown string, tokenLimit int) bool {
	if tokenLimit <= 0 {
		tokenLimit = DefaultTokenLimit
	}
	return overSoftLimit(token.Estimate(markdown), tokenLimit)
}

// Texts はチャンクの本文だけを順に取り出します。
func Texts(chunks []Chunk) []string {
	out := make([]string, len(chunks))
	for i, c := range chunks {
		out[i] = c.Text
	}
	return out
}

// Join はチャンク本文を Separator で連結します。
func Join(texts []string) string {
	return strings.Join(texts, Separator)
}

type piece struct {
	text   string
	tokens int
}

// splitByLines は行を順に溜め、上限または大見出しの位置で区切ります。
// 溜めた分のトークン数は毎回連結後の文字列で見積もります。
func splitByLines(markdown string, tokenLimit int) []string {
	var (
		chunks  []string
		current strings.Builder
		inCode  bool
	)

	for _, line := range strings.Split(markdown, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "```") {
			inCode = !inCode
		}

		split := false
		if current.Len() > 0 {
			count := token.Estimate(current.String())
			if token.Estimate(current.String()+"\n"+line) > tokenLimit {
				// 1 割未満しか溜まっていない段階では区切らない
				split = count*10 > tokenLimit
			} else if !inCode && isTopHeading(line) {
				split = count*2 > tokenLimit
			}
		}

		if split {
			chunks = append(chunks, current.String())
			current.Reset()
		} else if current.Len() > 0 {
			current.WriteString("\n")
		}
		current.WriteString(line)
	}

	if current.Len() > 0 {
		chunks = append(chunks, current.String())
	}
	return chunks
}

func isTopHeading(line string) bool {
	m := headingPattern.FindStringSubmatch(line)
	return m != nil && len(m[1]) <= 2
}

// splitByParagraphs は段落をまとめ直します。Estimate は加算的ではないので、上限は連結後の文字列で判定します。
func (s *Splitter) splitByParagraphs(text string, tokenLimit int) []piece {
	var (
		out     []piece
		current []string
	)
	flush := func() {
		if len(current) == 0 {
			return
		}
		joined := strings.Join(current, "\n\n")
		out = append(out, piece{text: joined, tokens: token.Estimate(joined)})
		current = nil
	}

	for _, para := range strings.Split(text, "\n\n") {
		if overSoftLimit(token.Estimate(para), tokenLimit) {
			flush()
			out = append(out, s.splitBySentences(para, tokenLimit)...)
			continue
		}
		if len(current) > 0 {
			candidate := strings.Join(current, "\n\n") + "\n\n" + para
			if token.Estimate(candidate) > tokenLimit {
				flush()
			}
		}
		current = append(current, para)
	}
	flush()
	return out
}

func (s *Splitter) splitBySentences(paragraph string, tokenLimit int) []piece {
	var (
		out     []piece
		current strings.Builder
	)
	flush := func() {
		if current.Len() == 0 {
			return
		}
		text := current.String()
		out = append(out, piece{text: text, tokens: token.Estimate(text)})
		current.Reset()
	}

	for _, sentence := range sentences(paragraph) {
		tokens := token.Estimate(sentence)
		if overSoftLimit(tokens, tokenLimit) {
			flush()
			s.logger.Warn("sentence exceeds token limit, keeping it intact",
				zap.Int("tokens", tokens),
				zap.Int("tokenLimit", tokenLimit),
			)
			out = append(out, piece{text: sentence, tokens: tokens})
			continue
		}
		if current.Len() > 0 && token.Estimate(current.String()+sentence) > tokenLimit {
			flush()
		}
		current.WriteString(sentence)
	}
	flush()
	return out
}

// sentences は文末記号の直後（続く空白を含む）で区切ります。連結すると元の文字列に戻ります。
func sentences(text string) []string {
	var out []string
	start := 0
	for i := 0; i < len(text); {
		r, size := utf8.DecodeRuneInString(text[i:])
		i += size
		if !isTerminal(r) {
			continue
		}
		next, _ := utf8.DecodeRuneInString(text[i:])
		if r == '.' && i < len(text) && !unicode.IsSpace(next) {
			continue
		}
		for i < len(text) {
			n, sz := utf8.DecodeRuneInString(text[i:])
			if !unicode.IsSpace(n) {
				break
			}
			i += sz
		}
		out = append(out, text[start:i])
		start = i
	}
	if start < len(text) {
		out = append(out, text[start:])
	}
	return out
}

func isTerminal(r rune) bool {
	switch r {
	case '.', '!', '?', '。', '！', '？':
		return true
	default:
		return false
	}
}

// overSoftLimit は tokens が上限 × 1.1 を超えるかを整数演算で判定します。
func overSoftLimit(tokens, limit int) bool {
	return tokens*10 > limit*11
}
