// Package prompt loads the agent prompt files handed to solve and review
// commands through the environment.
package prompt

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	SolveRelPath  = ".codex/prompts/trudge.md"
	ReviewRelPath = ".codex/prompts/trudge_review.md"
)

// Pair holds the rendered solve and review prompts for a run.
type Pair struct {
	Solve  string
	Review string
}

// LoadPair reads both prompt files under home. A missing file is a startup
// error; prompts are part of the operator's contract with the agent.
func LoadPair(home string) (Pair, error) {
	solvePath := filepath.Join(home, SolveRelPath)
	reviewPath := filepath.Join(home, ReviewRelPath)
	for _, path := range []string{solvePath, reviewPath} {
		info, err := os.Stat(path)
		if err != nil || info.IsDir() {
			return Pair{}, fmt.Errorf("missing prompt file: %s", path)
		}
	}
	solve, err := Render(solvePath)
	if err != nil {
		return Pair{}, err
	}
	review, err := Render(reviewPath)
	if err != nil {
		return Pair{}, err
	}
	return Pair{Solve: solve, Review: review}, nil
}

// Render reads a prompt file and strips a leading YAML frontmatter block
// (a first line of exactly "---" up to the next "---" line).
func Render(path string) (string, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read prompt %s: %w", path, err)
	}

	text := strings.ReplaceAll(string(content), "\r\n", "\n")
	text = strings.TrimSuffix(text, "\n")

	var out strings.Builder
	inFrontmatter := false
	firstLine := true
	for _, line := range strings.Split(text, "\n") {
		if firstLine && line == "---" {
			inFrontmatter = true
			firstLine = false
			continue
		}
		firstLine = false
		if inFrontmatter && line == "---" {
			inFrontmatter = false
			continue
		}
		if !inFrontmatter {
			out.WriteString(line)
			out.WriteByte('\n')
		}
	}
	return strings.TrimSuffix(out.String(), "\n"), nil
}
