// Package tokenizer estimates and trims chat-completion payloads to a token
// budget. OpenAI-family models are counted with a real byte-pair encoder;
// every other model falls back to a fixed chars-per-token heuristic.
package tokenizer

import (
	"fmt"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
)

// charsPerTokenNum/charsPerTokenDen approximate 2.5 characters per token,
// the ratio the fixed encoder uses for non-OpenAI models.
const (
	charsPerTokenNum = 2
	charsPerTokenDen = 5
)

// Message is the minimal shape Count/CountMessages needs from a chat turn.
type Message struct {
	Role    string
	Content string
}

// Tool is the minimal shape CountTools needs from a tool descriptor.
type Tool struct {
	Name        string
	Description string
	Parameters  string // JSON-schema text, already serialized
}

var (
	encOnce  sync.Once
	enc      *tiktoken.Tiktoken
	encErr   error
	modelEnc sync.Map // model name -> *tiktoken.Tiktoken, populated lazily
)

func loadDefaultEncoding() (*tiktoken.Tiktoken, error) {
	encOnce.Do(func() {
		enc, encErr = tiktoken.GetEncoding("cl100k_base")
	})
	return enc, encErr
}

// isOpenAIFamily reports whether model should be counted with a real BPE
// encoder rather than the fixed heuristic.
func isOpenAIFamily(model string) bool {
	m := strings.ToLower(model)
	for _, prefix := range []string{"gpt-", "o1-", "o3-", "text-embedding-"} {
		if strings.HasPrefix(m, prefix) {
			return true
		}
	}
	return false
}

func encoderFor(model string) *tiktoken.Tiktoken {
	if cached, ok := modelEnc.Load(model); ok {
		return cached.(*tiktoken.Tiktoken)
	}

	e, err := tiktoken.EncodingForModel(model)
	if err != nil || e == nil {
		e, err = loadDefaultEncoding()
		if err != nil || e == nil {
			return nil
		}
	}
	modelEnc.Store(model, e)
	return e
}

// Count returns the token count of text under model's encoding.
func Count(text string, model string) int {
	if text == "" {
		return 0
	}
	if isOpenAIFamily(model) {
		if e := encoderFor(model); e != nil {
			return len(e.Encode(text, nil, nil))
		}
	}
	return fixedCount(text)
}

func fixedCount(text string) int {
	n := utf8.RuneCountInString(text)
	return n * charsPerTokenNum / charsPerTokenDen
}

// CountMessages sums Count across every message's role label and content.
func CountMessages(msgs []Message, model string) int {
	total := 0
	for _, m := range msgs {
		total += Count(m.Role, model)
		total += Count(m.Content, model)
		total += 4 // per-message framing overhead, constant regardless of encoder
	}
	return total
}

// CountTools sums Count across every tool's name, description, and
// serialized parameter schema.
func CountTools(tools []Tool, model string) int {
	total := 0
	for _, t := range tools {
		total += Count(t.Name, model)
		total += Count(t.Description, model)
		total += Count(t.Parameters, model)
	}
	return total
}

// Strategy selects which end of the text survives truncation.
type Strategy int

const (
	// TruncateSuffix retains the tail of the text (recency bias), used for
	// session logs and conversation history.
	TruncateSuffix Strategy = iota
	// TruncatePrefixEllipsis retains the head plus a trailing ellipsis
	// marker naming the source, used for a single over-long tool result.
	TruncatePrefixEllipsis
)

// TruncateTo shrinks text to fit within maxTokens under model's encoding,
// using strategy to decide which end of the text to keep. source labels the
// ellipsis marker when strategy is TruncatePrefixEllipsis; it is ignored
// otherwise. TruncateTo is a no-op if text already fits.
func TruncateTo(text string, maxTokens int, model string, strategy Strategy, source string) string {
	if maxTokens <= 0 {
		return ""
	}
	if Count(text, model) <= maxTokens {
		return text
	}

	switch strategy {
	case TruncatePrefixEllipsis:
		return truncatePrefixEllipsis(text, maxTokens, model, source)
	default:
		return truncateSuffix(text, maxTokens, model)
	}
}

func truncateSuffix(text string, maxTokens int, model string) string {
	runes := []rune(text)
	lo, hi := 0, len(runes)
	for lo < hi {
		mid := (lo + hi + 1) / 2
		candidate := string(runes[len(runes)-mid:])
		if Count(candidate, model) <= maxTokens {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	return string(runes[len(runes)-lo:])
}

func truncatePrefixEllipsis(text string, maxTokens int, model string, source string) string {
	marker := fmt.Sprintf("\n... [truncated: %s]", source)
	if source == "" {
		marker = "\n... [truncated]"
	}
	budget := maxTokens - Count(marker, model)
	if budget <= 0 {
		return truncateSuffix(marker, maxTokens, model)
	}

	runes := []rune(text)
	lo, hi := 0, len(runes)
	for lo < hi {
		mid := (lo + hi + 1) / 2
		candidate := string(runes[:mid])
		if Count(candidate, model) <= budget {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	return string(runes[:lo]) + marker
}
