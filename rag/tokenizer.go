package rag

import (
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
	"go.uber.org/zap"
)

// Tokenizer 统计文本 token 数，供分块器衡量块大小。
type Tokenizer interface {
	CountTokens(text string) int
}

// TiktokenTokenizer 基于 tiktoken 编码计数，首次使用时惰性初始化
// （编码数据可能需要下载）。初始化失败时回退到 CJK 感知的字符估算。
type TiktokenTokenizer struct {
	encoding string
	logger   *zap.Logger

	once    sync.Once
	enc     *tiktoken.Tiktoken
	initErr error
}

// NewTiktokenTokenizer 创建分词器。encoding 为空时使用 cl100k_base。
func NewTiktokenTokenizer(encoding string, logger *zap.Logger) *TiktokenTokenizer {
	if encoding == "" {
		encoding = "cl100k_base"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TiktokenTokenizer{encoding: encoding, logger: logger}
}

func (t *TiktokenTokenizer) init() error {
	t.once.Do(func() {
		enc, err := tiktoken.GetEncoding(t.encoding)
		if err != nil {
			t.initErr = err
			t.logger.Warn("tiktoken encoding unavailable, using estimator",
				zap.String("encoding", t.encoding), zap.Error(err))
			return
		}
		t.enc = enc
	})
	return t.initErr
}

func (t *TiktokenTokenizer) CountTokens(text string) int {
	if text == "" {
		return 0
	}
	if err := t.init(); err != nil {
		return EstimateTokens(text)
	}
	return len(t.enc.Encode(text, nil, nil))
}

// EstimatorTokenizer 纯估算分词器，不依赖编码数据下载，测试用。
type EstimatorTokenizer struct{}

func (EstimatorTokenizer) CountTokens(text string) int {
	return EstimateTokens(text)
}

// EstimateTokens 按字符估算 token 数。CJK 约 1.5 字符/token，
// 其余约 4 字符/token。
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	totalChars := utf8.RuneCountInString(text)
	cjkCount := 0
	for _, r := range text {
		if isCJK(r) {
			cjkCount++
		}
	}
	estimated := int(float64(cjkCount)/1.5 + float64(totalChars-cjkCount)/4.0)
	if estimated == 0 {
		estimated = 1
	}
	return estimated
}

func isCJK(r rune) bool {
	return (r >= 0x4E00 && r <= 0x9FFF) || // CJK Unified Ideographs
		(r >= 0x3400 && r <= 0x4DBF) || // Extension A
		(r >= 0x3040 && r <= 0x30FF) || // Hiragana + Katakana
		(r >= 0xAC00 && r <= 0xD7AF) // Hangul
}
