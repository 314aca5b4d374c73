// Package logparser extracts structured commands and conversation turns
// from a session log's plain text, and produces the tiered summary the
// context assembler injects into a chat-loop prompt.
package logparser

import (
	"math"
	"regexp"
	"strings"

	"mvdan.cc/sh/v3/expand"
	"mvdan.cc/sh/v3/syntax"
)

// CommandEntry is one parsed "$ <cmd>" / output pair.
type CommandEntry struct {
	Command string
	Output  string
}

// Turn is one parsed conversation message suitable for a chat API.
type Turn struct {
	Role    string // "user" or "assistant"
	Content string
}

var (
	promptCmdRe  = regexp.MustCompile(`^\$ (.+)$`)
	scriptCmdRe  = regexp.MustCompile(`^└──╼ \$(.+)$`)
	errorLineRe  = regexp.MustCompile(`(?i)error|failed`)

	aiQueryRe       = regexp.MustCompile(`^\$ (?:ai|aixterm) (.+)$`)
	scriptAiQueryRe = regexp.MustCompile(`^└──╼ \$(?:ai|aixterm) (.+)$`)
	userTurnRe      = regexp.MustCompile(`^\$ User: (.+)$`)
	assistantTurnRe = regexp.MustCompile(`^\$ Assistant: (.+)$`)

	progressMarkerRe = regexp.MustCompile(`^(Thinking\.\.\.|\x1b\[[0-9;]*[A-Za-z])$`)
)

// ExtractCommands scans log content for the "$ <cmd>" and
// "└──╼ $<cmd>" syntaxes. Lines between commands are the preceding
// command's output. Lines matching /error|failed/i are additionally
// collected into errorLines, in encounter order.
func ExtractCommands(content string) (commands []CommandEntry, errorLines []string) {
	lines := strings.Split(content, "\n")

	var current *CommandEntry
	var outputBuf []string

	flush := func() {
		if current != nil {
			current.Output = strings.TrimRight(strings.Join(outputBuf, "\n"), "\n")
			commands = append(commands, *current)
		}
		current = nil
		outputBuf = nil
	}

	for _, line := range lines {
		if m := promptCmdRe.FindStringSubmatch(line); m != nil {
			flush()
			current = &CommandEntry{Command: m[1]}
			continue
		}
		if m := scriptCmdRe.FindStringSubmatch(line); m != nil {
			flush()
			current = &CommandEntry{Command: m[1]}
			continue
		}

		if errorLineRe.MatchString(line) {
			errorLines = append(errorLines, line)
		}

		if current != nil {
			outputBuf = append(outputBuf, line)
		}
	}
	flush()

	return commands, errorLines
}

// ExtractConversation recognizes the shell-integration query forms
// ("$ ai <query>" / "$ aixterm <query>", with or without the script-prompt
// prefix) and the fallback "$ User: "/"$ Assistant: " forms. Shell-quote
// wrapping is stripped and obvious progress markers are dropped. Turns are
// emitted in log order without merging, so two queries with no logged reply
// between them yield two consecutive user turns.
func ExtractConversation(content string) []Turn {
	var turns []Turn

	for _, line := range strings.Split(content, "\n") {
		if progressMarkerRe.MatchString(strings.TrimSpace(line)) {
			continue
		}

		switch {
		case aiQueryRe.MatchString(line):
			turns = append(turns, Turn{Role: "user", Content: stripShellQuoting(aiQueryRe.FindStringSubmatch(line)[1])})
		case scriptAiQueryRe.MatchString(line):
			turns = append(turns, Turn{Role: "user", Content: stripShellQuoting(scriptAiQueryRe.FindStringSubmatch(line)[1])})
		case userTurnRe.MatchString(line):
			turns = append(turns, Turn{Role: "user", Content: stripShellQuoting(userTurnRe.FindStringSubmatch(line)[1])})
		case assistantTurnRe.MatchString(line):
			turns = append(turns, Turn{Role: "assistant", Content: stripShellQuoting(assistantTurnRe.FindStringSubmatch(line)[1])})
		}
	}

	return turns
}

// stripShellQuoting removes shell quote wrapping from s (e.g. a query
// logged as `"fix the bug"` or `'fix the bug'` becomes `fix the bug`),
// using a real POSIX word parser rather than a naive trim so embedded
// escapes and mixed quoting are handled the way a shell would.
func stripShellQuoting(s string) string {
	parser := syntax.NewParser()
	var words []string

	cfg := &expand.Config{}
	err := parser.Words(strings.NewReader(s), func(w *syntax.Word) bool {
		lit, litErr := expand.Literal(cfg, w)
		if litErr != nil {
			return true
		}
		words = append(words, lit)
		return true
	})
	if err != nil || len(words) == 0 {
		return s
	}
	return strings.Join(words, " ")
}

const (
	recentTierFraction   = 0.20
	previousTierFraction = 0.30
	abbrevMaxLines       = 10
	abbrevMaxChars       = 500
	maxErrorLines        = 5
)

// Summarize produces the tiered textual summary described in spec.md §4.D:
// the last 20% of commands, rounded up so the latest command always shows,
// are "recent" (command + abbreviated output),
// the middle 30% are "previous" (command only), and the remaining prefix
// collapses to a count. Up to five error lines are appended verbatim, with
// the remainder counted.
func Summarize(commands []CommandEntry, errorLines []string) string {
	var b strings.Builder

	n := len(commands)
	recentStart := n - int(math.Ceil(float64(n)*recentTierFraction))
	if recentStart < 0 {
		recentStart = 0
	}
	previousStart := n - int(float64(n)*(recentTierFraction+previousTierFraction))
	if previousStart < 0 {
		previousStart = 0
	}
	if previousStart > recentStart {
		previousStart = recentStart
	}

	if previousStart > 0 {
		b.WriteString(pluralCount(previousStart, "earlier command"))
		b.WriteString("\n")
	}

	for i := previousStart; i < recentStart; i++ {
		b.WriteString("$ ")
		b.WriteString(commands[i].Command)
		b.WriteString("\n")
	}

	for i := recentStart; i < n; i++ {
		b.WriteString("$ ")
		b.WriteString(commands[i].Command)
		b.WriteString("\n")
		abbrev := abbreviate(commands[i].Output)
		if abbrev != "" {
			b.WriteString(abbrev)
			b.WriteString("\n")
		}
	}

	if len(errorLines) > 0 {
		shown := errorLines
		remainder := 0
		if len(shown) > maxErrorLines {
			remainder = len(shown) - maxErrorLines
			shown = shown[:maxErrorLines]
		}
		b.WriteString("Recent errors\n")
		for _, e := range shown {
			b.WriteString(e)
			b.WriteString("\n")
		}
		if remainder > 0 {
			b.WriteString(pluralCount(remainder, "more error line"))
			b.WriteString("\n")
		}
	}

	return strings.TrimRight(b.String(), "\n")
}

func pluralCount(n int, noun string) string {
	if n == 1 {
		return "1 " + noun
	}
	return itoa(n) + " " + noun + "s"
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var digits []byte
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	if neg {
		return "-" + string(digits)
	}
	return string(digits)
}

// abbreviate caps text to at most abbrevMaxLines lines and abbrevMaxChars
// characters, preserving head and tail around an ellipsis. Line count is
// checked first, then character length.
func abbreviate(text string) string {
	text = strings.TrimRight(text, "\n")
	if text == "" {
		return ""
	}

	lines := strings.Split(text, "\n")
	if len(lines) > abbrevMaxLines {
		head := lines[:abbrevMaxLines/2]
		tail := lines[len(lines)-(abbrevMaxLines-abbrevMaxLines/2-1):]
		lines = append(append(append([]string{}, head...), "..."), tail...)
		text = strings.Join(lines, "\n")
	}

	if len(text) > abbrevMaxChars {
		half := (abbrevMaxChars - len("...")) / 2
		text = text[:half] + "..." + text[len(text)-half:]
	}

	return text
}
