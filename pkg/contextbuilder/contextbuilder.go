// Package contextbuilder assembles the user-turn payload the chat loop
// sends to the LLM: a working-directory summary, relevant file contents,
// a session summary, and recent conversation history, all partitioned
// under a token budget.
package contextbuilder

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/aixterm/aixterm/pkg/logger"
	"github.com/aixterm/aixterm/pkg/logparser"
	"github.com/aixterm/aixterm/pkg/sessionlog"
	"github.com/aixterm/aixterm/pkg/tokenizer"
)

const (
	cwdSummaryFraction    = 0.15
	fileContentsFraction  = 0.60
	sessionSummaryFloor   = 0.40
	conversationFraction  = 1.0 / 3.0

	perFileCapTokens  = 2000
	totalFileCapBytes = 1 << 20 // 1 MiB read from each file before token accounting kicks in
	binaryPeekBytes   = 1024
)

// Options parameterizes one Build call.
type Options struct {
	Query        string
	FilePaths    []string
	PlanningMode bool
	WorkDir      string

	Model                 string
	ContextSize           int
	ResponseBufferSize    int
	SystemPromptTokens    int
	ToolCatalogTokens     int
}

// Assembler builds context payloads, reading the current session's log for
// recent-history material.
type Assembler struct {
	Store *sessionlog.Store
}

// New returns an Assembler backed by store.
func New(store *sessionlog.Store) *Assembler {
	return &Assembler{Store: store}
}

// Build returns the assembled user-turn text. It never fails: assembly
// problems (unreadable files, an over-budget section) degrade to partial
// content and are logged as warnings.
func (a *Assembler) Build(opts Options) string {
	budget := opts.ContextSize - opts.ResponseBufferSize - opts.SystemPromptTokens -
		tokenizer.Count(opts.Query, opts.Model) - opts.ToolCatalogTokens
	if budget < 0 {
		logger.WarnCF("contextbuilder", "budget already negative before assembly", map[string]any{
			"context_size": opts.ContextSize,
		})
		budget = 0
	}

	var sections []string
	remaining := budget

	if cwdSummary := a.buildCWDSummary(opts.WorkDir, opts.Model, int(float64(remaining)*cwdSummaryFraction)); cwdSummary != "" {
		sections = append(sections, cwdSummary)
		remaining -= tokenizer.Count(cwdSummary, opts.Model)
	}

	hasFiles := len(opts.FilePaths) > 0
	if hasFiles {
		fileBudget := int(float64(budget) * fileContentsFraction)
		if fileBudget > remaining {
			fileBudget = remaining
		}
		files := a.buildFileContents(opts.FilePaths, opts.Model, fileBudget)
		if files != "" {
			sections = append(sections, files)
			remaining -= tokenizer.Count(files, opts.Model)
		}
	}

	sessionBudget := remaining
	if !hasFiles {
		floor := int(float64(budget) * sessionSummaryFloor)
		if sessionBudget < floor {
			sessionBudget = floor
		}
	}
	if sessionBudget > remaining {
		sessionBudget = remaining
	}
	if summary := a.buildSessionSummary(opts.Model, sessionBudget); summary != "" {
		sections = append(sections, summary)
		remaining -= tokenizer.Count(summary, opts.Model)
	}

	historyBudget := int(float64(budget) * conversationFraction)
	if historyBudget > remaining {
		historyBudget = remaining
	}
	if historyBudget > 0 {
		if history := a.buildConversationHistory(opts.Model, historyBudget); history != "" {
			sections = append(sections, history)
		}
	}

	assembled := strings.Join(sections, "\n\n")
	if tokenizer.Count(assembled, opts.Model) > budget {
		logger.WarnCF("contextbuilder", "assembled context exceeded budget, truncating", map[string]any{
			"budget": budget,
		})
		assembled = tokenizer.TruncateTo(assembled, budget, opts.Model, tokenizer.TruncateSuffix, "")
	}

	return assembled
}

func (a *Assembler) buildCWDSummary(workDir string, model string, maxTokens int) string {
	if maxTokens <= 0 {
		return ""
	}
	if workDir == "" {
		workDir, _ = os.Getwd()
	}
	if workDir == "" {
		return ""
	}

	projectType := detectProjectType(workDir)
	var b strings.Builder
	fmt.Fprintf(&b, "Working directory: %s", workDir)
	if projectType != "" {
		fmt.Fprintf(&b, " (%s project)", projectType)
	}

	summary := b.String()
	if tokenizer.Count(summary, model) > maxTokens {
		summary = tokenizer.TruncateTo(summary, maxTokens, model, tokenizer.TruncateSuffix, "")
	}
	return summary
}

var projectSignatures = []struct {
	name  string
	files []string
}{
	{"Python", []string{"requirements.txt", "setup.py", "pyproject.toml"}},
	{"Node.js", []string{"package.json"}},
	{"Java", []string{"pom.xml", "build.gradle"}},
	{"Docker", []string{"Dockerfile", "docker-compose.yml"}},
	{"Git", []string{".git"}},
	{"Web", []string{"index.html"}},
}

func detectProjectType(dir string) string {
	for _, sig := range projectSignatures {
		for _, f := range sig.files {
			if _, err := os.Stat(filepath.Join(dir, f)); err == nil {
				return sig.name
			}
		}
	}
	return ""
}

func (a *Assembler) buildFileContents(paths []string, model string, maxTokens int) string {
	if maxTokens <= 0 {
		return ""
	}

	var b strings.Builder
	remaining := maxTokens
	perFile := maxTokens
	if len(paths) > 0 {
		if share := maxTokens / len(paths); share > 0 && share < perFileCapTokens {
			perFile = share
		} else if perFileCapTokens < perFile {
			perFile = perFileCapTokens
		}
	}

	for _, p := range paths {
		if remaining <= 0 {
			break
		}
		content, resolved, err := readFileForContext(p)
		if err != nil {
			logger.WarnCF("contextbuilder", "failed to read context file", map[string]any{
				"path": p, "error": err.Error(),
			})
			continue
		}

		fileCap := perFile
		if fileCap > remaining {
			fileCap = remaining
		}
		content = tokenizer.TruncateTo(content, fileCap, model, tokenizer.TruncatePrefixEllipsis, resolved)

		fmt.Fprintf(&b, "--- %s ---\n%s\n", resolved, content)
		remaining -= tokenizer.Count(content, model)
	}

	return strings.TrimRight(b.String(), "\n")
}

func readFileForContext(path string) (content string, resolved string, err error) {
	resolved, err = filepath.Abs(path)
	if err != nil {
		resolved = path
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return "", resolved, err
	}
	if len(data) > totalFileCapBytes {
		data = data[:totalFileCapBytes]
	}

	if utf8.Valid(data) {
		return string(data), resolved, nil
	}

	peek := data
	if len(peek) > binaryPeekBytes {
		peek = peek[:binaryPeekBytes]
	}
	return fmt.Sprintf("[binary file, first %d bytes]\n%x", len(peek), peek), resolved, nil
}

func (a *Assembler) buildSessionSummary(model string, maxTokens int) string {
	if maxTokens <= 0 || a.Store == nil {
		return ""
	}

	path := a.Store.CurrentPath()
	content := a.Store.Read(path)
	if content == "" {
		return ""
	}

	commands, errLines := logparser.ExtractCommands(content)
	if len(commands) == 0 {
		return ""
	}

	summary := logparser.Summarize(commands, errLines)
	return tokenizer.TruncateTo(summary, maxTokens, model, tokenizer.TruncateSuffix, "")
}

func (a *Assembler) buildConversationHistory(model string, maxTokens int) string {
	if maxTokens <= 0 || a.Store == nil {
		return ""
	}

	path := a.Store.CurrentPath()
	content := a.Store.Read(path)
	if content == "" {
		return ""
	}

	turns := logparser.ExtractConversation(content)
	if len(turns) == 0 {
		return ""
	}

	// Reverse-chronological fill: walk from the most recent turn backward,
	// keeping whatever fits, then restore chronological order.
	var kept []logparser.Turn
	used := 0
	for i := len(turns) - 1; i >= 0; i-- {
		t := turns[i]
		line := fmt.Sprintf("%s: %s", t.Role, t.Content)
		cost := tokenizer.Count(line, model)
		if used+cost > maxTokens {
			break
		}
		kept = append([]logparser.Turn{t}, kept...)
		used += cost
	}

	if len(kept) == 0 {
		return ""
	}

	var b strings.Builder
	for _, t := range kept {
		fmt.Fprintf(&b, "%s: %s\n", t.Role, t.Content)
	}
	return strings.TrimRight(b.String(), "\n")
}
