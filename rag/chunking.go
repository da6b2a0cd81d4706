package rag

import (
	"strings"

	"go.uber.org/zap"

	"github.com/BaSui01/docbase/config"
)

// ChunkingMethod 分块方法，封闭集合。
type ChunkingMethod string

const (
	ChunkRecursive      ChunkingMethod = config.MethodRecursiveCharacter // 递归字符分块（默认）
	ChunkCharacter      ChunkingMethod = config.MethodCharacter          // 固定字符分块
	ChunkToken          ChunkingMethod = config.MethodToken              // 空白 token 滑动窗口
	ChunkMarkdownHeader ChunkingMethod = config.MethodMarkdownHeader     // 标题感知分块
	ChunkSentence       ChunkingMethod = config.MethodSentence           // 句子分块
	ChunkSemantic       ChunkingMethod = config.MethodSemantic           // 语义分块
)

// KnownChunkingMethod reports whether the method is in the closed set.
func KnownChunkingMethod(m ChunkingMethod) bool {
	switch m {
	case ChunkRecursive, ChunkCharacter, ChunkToken, ChunkMarkdownHeader, ChunkSentence, ChunkSemantic:
		return true
	}
	return false
}

// PassageCandidate 一个待持久化的文本块。
type PassageCandidate struct {
	Text           string
	SectionHeading *string
	PageNumber     *int
}

// ChunkerConfig 分块配置。
type ChunkerConfig struct {
	ChunkSize    int // 块大小（字符；token 窗口变体按 token 计）
	ChunkOverlap int // 重叠大小

	// 语义分块：相邻句子相似度低于阈值时切分
	SimilarityThreshold float64
}

// DefaultChunkerConfig 生产默认值。
func DefaultChunkerConfig() ChunkerConfig {
	return ChunkerConfig{
		ChunkSize:           1024,
		ChunkOverlap:        400,
		SimilarityThreshold: 0.3,
	}
}

// Chunker 把规范化 markdown 切分为有序 Passage 候选。
type Chunker struct {
	cfg       ChunkerConfig
	tokenizer Tokenizer
	logger    *zap.Logger
}

// NewChunker 创建分块器。tokenizer 为 nil 时使用字符估算。
func NewChunker(cfg ChunkerConfig, tokenizer Tokenizer, logger *zap.Logger) *Chunker {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkerConfig().ChunkSize
	}
	if cfg.ChunkOverlap < 0 {
		cfg.ChunkOverlap = 0
	}
	if cfg.SimilarityThreshold <= 0 {
		cfg.SimilarityThreshold = DefaultChunkerConfig().SimilarityThreshold
	}
	if tokenizer == nil {
		tokenizer = EstimatorTokenizer{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Chunker{cfg: cfg, tokenizer: tokenizer, logger: logger}
}

// Split 按指定方法切分文本。空输入产生空序列。未知方法与执行中
// panic 的方法都回退到递归字符分块，切分失败不应使摄取失败。
func (c *Chunker) Split(text string, method ChunkingMethod) (candidates []PassageCandidate) {
	if strings.TrimSpace(text) == "" {
		return []PassageCandidate{}
	}

	if !KnownChunkingMethod(method) {
		c.logger.Warn("unknown chunking method, using recursive_character",
			zap.String("method", string(method)))
		method = ChunkRecursive
	}

	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("chunking method panicked, falling back to recursive_character",
				zap.String("method", string(method)),
				zap.Any("panic", r))
			candidates = textsToCandidates(c.recursiveSplit(text, recursiveSeparators))
		}
	}()

	var texts []string
	switch method {
	case ChunkCharacter:
		texts = c.characterSplit(text)
	case ChunkToken:
		texts = c.tokenWindowSplit(text)
	case ChunkMarkdownHeader:
		candidates = c.markdownHeaderSplit(text)
	case ChunkSentence:
		texts = c.sentenceSplit(text)
	case ChunkSemantic:
		texts = c.semanticSplit(text)
	default:
		texts = c.recursiveSplit(text, recursiveSeparators)
	}

	if candidates == nil {
		candidates = textsToCandidates(texts)
	}

	c.logger.Debug("chunking completed",
		zap.String("method", string(method)),
		zap.Int("chunks", len(candidates)))
	return candidates
}

func textsToCandidates(texts []string) []PassageCandidate {
	out := make([]PassageCandidate, 0, len(texts))
	for _, t := range texts {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		out = append(out, PassageCandidate{Text: t})
	}
	return out
}

// 分隔符优先级：段落 > 行 > 句子 > 单词 > 字符
var recursiveSeparators = []string{"\n\n", "\n", ". ", "。", " ", ""}

// recursiveSplit 递归字符分块：用最高优先级分隔符切开，贪心合并到
// ChunkSize 字符；超长片段降级到下一级分隔符。
func (c *Chunker) recursiveSplit(text string, separators []string) []string {
	if len(text) <= c.cfg.ChunkSize {
		return []string{text}
	}
	if len(separators) == 0 {
		return c.splitRunes(text)
	}

	sep := separators[0]
	var parts []string
	if sep == "" {
		return c.splitRunes(text)
	}
	raw := strings.Split(text, sep)
	for i, p := range raw {
		if i < len(raw)-1 {
			p += sep
		}
		if p != "" {
			parts = append(parts, p)
		}
	}

	// 小片段进合并缓冲；超长片段先清空缓冲，再降级递归，
	// 递归产物已按大小切好，不再参与合并。
	var chunks []string
	var buffer []string
	flush := func() {
		if len(buffer) > 0 {
			chunks = append(chunks, c.mergeWithOverlap(buffer)...)
			buffer = buffer[:0]
		}
	}
	for _, part := range parts {
		if len(part) > c.cfg.ChunkSize {
			flush()
			chunks = append(chunks, c.recursiveSplit(part, separators[1:])...)
			continue
		}
		buffer = append(buffer, part)
	}
	flush()
	return chunks
}

// splitRunes 按字符硬切，最后手段。
func (c *Chunker) splitRunes(text string) []string {
	runes := []rune(text)
	step := c.cfg.ChunkSize - c.cfg.ChunkOverlap
	if step < 1 {
		step = 1
	}
	var chunks []string
	for i := 0; i < len(runes); i += step {
		end := i + c.cfg.ChunkSize
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[i:end]))
		if end >= len(runes) {
			break
		}
	}
	return chunks
}

// mergeWithOverlap 贪心合并相邻片段到 ChunkSize，并从前一块尾部取
// ChunkOverlap 字符作为重叠前缀。
func (c *Chunker) mergeWithOverlap(parts []string) []string {
	var chunks []string
	current := ""
	for _, part := range parts {
		if len(current)+len(part) > c.cfg.ChunkSize && current != "" {
			chunks = append(chunks, current)
			current = c.overlapTail(current)
		}
		current += part
	}
	if strings.TrimSpace(current) != "" {
		chunks = append(chunks, current)
	}
	return chunks
}

func (c *Chunker) overlapTail(chunk string) string {
	if c.cfg.ChunkOverlap <= 0 {
		return ""
	}
	runes := []rune(chunk)
	if len(runes) <= c.cfg.ChunkOverlap {
		return chunk
	}
	return string(runes[len(runes)-c.cfg.ChunkOverlap:])
}

// characterSplit 固定字符分块：仅按段落边界切开后合并。
func (c *Chunker) characterSplit(text string) []string {
	raw := strings.Split(text, "\n\n")
	var parts []string
	for i, p := range raw {
		if i < len(raw)-1 {
			p += "\n\n"
		}
		if len(p) > c.cfg.ChunkSize {
			// 超长段落按字符硬切
			parts = append(parts, c.splitRunes(p)...)
			continue
		}
		parts = append(parts, p)
	}
	return c.mergeWithOverlap(parts)
}

// tokenWindowSplit 空白 token 滑动窗口。窗口大小 ChunkSize 个 token，
// 每次前移 ChunkSize-ChunkOverlap 个 token，窗口触底即停。
// overlap >= size 时步长会停滞，这里强制每次至少前进 1 个 token，
// 避免重复发出相同窗口。
func (c *Chunker) tokenWindowSplit(text string) []string {
	tokens := strings.Fields(text)
	if len(tokens) == 0 {
		return nil
	}

	step := c.cfg.ChunkSize - c.cfg.ChunkOverlap
	if step < 1 {
		step = 1
	}

	var chunks []string
	for start := 0; ; start += step {
		end := start + c.cfg.ChunkSize
		if end > len(tokens) {
			end = len(tokens)
		}
		chunks = append(chunks, strings.Join(tokens[start:end], " "))
		if end >= len(tokens) {
			break
		}
	}
	return chunks
}

// markdownHeaderSplit 标题感知分块。跟踪 1-3 级标题层级，每个块的
// section_heading 取其所在区域最深层级的标题文本；N 级标题出现时
// 清空更深层级。过长的节正文再做递归字符分块。
func (c *Chunker) markdownHeaderSplit(text string) []PassageCandidate {
	type section struct {
		heading string
		body    []string
	}

	var sections []section
	headings := [3]string{} // 当前活跃的 1-3 级标题
	current := section{}
	inFence := false

	flush := func() {
		if strings.TrimSpace(strings.Join(current.body, "\n")) != "" {
			sections = append(sections, current)
		}
		current = section{heading: deepestHeading(headings)}
	}

	for _, line := range strings.Split(text, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "```") {
			inFence = !inFence
			current.body = append(current.body, line)
			continue
		}
		level, title := parseHeading(line)
		if level > 0 && !inFence {
			flush()
			headings[level-1] = title
			for i := level; i < 3; i++ {
				headings[i] = ""
			}
			current.heading = deepestHeading(headings)
			continue
		}
		current.body = append(current.body, line)
	}
	flush()

	var out []PassageCandidate
	for _, sec := range sections {
		body := strings.TrimSpace(strings.Join(sec.body, "\n"))
		if body == "" {
			continue
		}
		var heading *string
		if sec.heading != "" {
			h := sec.heading
			heading = &h
		}
		for _, piece := range c.recursiveSplit(body, recursiveSeparators) {
			piece = strings.TrimSpace(piece)
			if piece == "" {
				continue
			}
			out = append(out, PassageCandidate{Text: piece, SectionHeading: heading})
		}
	}
	return out
}

// parseHeading 解析 1-3 级 ATX 标题，非标题返回 level 0。
func parseHeading(line string) (int, string) {
	trimmed := strings.TrimSpace(line)
	level := 0
	for level < len(trimmed) && trimmed[level] == '#' {
		level++
	}
	if level == 0 || level > 3 || level >= len(trimmed) || trimmed[level] != ' ' {
		return 0, ""
	}
	return level, strings.TrimSpace(trimmed[level+1:])
}

func deepestHeading(headings [3]string) string {
	for i := 2; i >= 0; i-- {
		if headings[i] != "" {
			return headings[i]
		}
	}
	return ""
}

// sentenceSplit 句子分块：按标点切句后贪心合并到 ChunkSize 字符。
func (c *Chunker) sentenceSplit(text string) []string {
	sentences := splitSentences(text)
	var parts []string
	for _, s := range sentences {
		if len(s) > c.cfg.ChunkSize {
			parts = append(parts, c.splitRunes(s)...)
			continue
		}
		parts = append(parts, s+" ")
	}
	return c.mergeWithOverlap(parts)
}

// semanticSplit 语义分块：相邻句子词重叠相似度低于阈值、或 token 预算
// 超出时切分。
func (c *Chunker) semanticSplit(text string) []string {
	sentences := splitSentences(text)
	if len(sentences) == 0 {
		return nil
	}

	var chunks []string
	current := sentences[0]
	for i := 1; i < len(sentences); i++ {
		similarity := wordOverlapSimilarity(sentences[i-1], sentences[i])
		test := current + " " + sentences[i]
		if similarity < c.cfg.SimilarityThreshold || c.tokenizer.CountTokens(test) > c.cfg.ChunkSize {
			chunks = append(chunks, current)
			current = sentences[i]
			continue
		}
		current = test
	}
	if current != "" {
		chunks = append(chunks, current)
	}
	return chunks
}

// splitSentences 按句末标点切句。
func splitSentences(text string) []string {
	var sentences []string
	var b strings.Builder
	for _, r := range text {
		b.WriteRune(r)
		switch r {
		case '.', '。', '!', '！', '?', '？', '\n':
			if s := strings.TrimSpace(b.String()); s != "" {
				sentences = append(sentences, s)
			}
			b.Reset()
		}
	}
	if s := strings.TrimSpace(b.String()); s != "" {
		sentences = append(sentences, s)
	}
	return sentences
}

// wordOverlapSimilarity 词重叠 Jaccard 相似度。
func wordOverlapSimilarity(s1, s2 string) float64 {
	words1 := strings.Fields(strings.ToLower(s1))
	words2 := strings.Fields(strings.ToLower(s2))
	if len(words1) == 0 || len(words2) == 0 {
		return 0
	}

	set1 := make(map[string]bool, len(words1))
	for _, w := range words1 {
		set1[w] = true
	}
	overlap := 0
	for _, w := range words2 {
		if set1[w] {
			overlap++
		}
	}
	union := len(words1) + len(words2) - overlap
	if union == 0 {
		return 0
	}
	return float64(overlap) / float64(union)
}
