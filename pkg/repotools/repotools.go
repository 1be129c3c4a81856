// Package repotools registers the read-only repository access tools the
// agent loop exposes to the model: search_files, read_file, and list_dir.
// Every path is resolved against the configured repository root; escaping
// it is an error surfaced to the model, never a panic.
package repotools

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"repoagent/pkg/toolexecutor"
)

var skipDirs = map[string]struct{}{
	".git": {}, ".svn": {}, ".hg": {},
	"__pycache__": {}, ".mypy_cache": {}, ".pytest_cache": {},
	"node_modules": {}, ".venv": {}, "venv": {}, "env": {},
	".tox": {}, ".eggs": {}, "dist": {}, "build": {}, "target": {},
	".idea": {}, ".vscode": {},
}

var skipExtensions = map[string]struct{}{
	".pyc": {}, ".pyo": {}, ".so": {}, ".dll": {}, ".exe": {},
	".png": {}, ".jpg": {}, ".jpeg": {}, ".gif": {}, ".bmp": {}, ".ico": {}, ".svg": {},
	".zip": {}, ".tar": {}, ".gz": {}, ".bz2": {}, ".7z": {}, ".rar": {},
	".pdf": {}, ".doc": {}, ".docx": {}, ".xls": {}, ".xlsx": {},
	".mp3": {}, ".mp4": {}, ".avi": {}, ".mov": {},
	".woff": {}, ".woff2": {}, ".ttf": {}, ".eot": {},
	".db": {}, ".sqlite": {}, ".sqlite3": {},
}

const (
	// maxFileSize bounds both search scanning and read_file.
	maxFileSize = 1024 * 1024

	maxSearchResults = 30
	maxMatchLineLen  = 200

	defaultReadSpan = 120
	maxReadSpan     = 200

	maxTreeDepth = 2
)

// Register registers the repository tools on the executor, rooted at root.
func Register(executor *toolexecutor.Executor, root string) error {
	if executor == nil {
		return errors.New("tool executor is required")
	}

	absRoot, err := filepath.Abs(root)
	if err != nil {
		return fmt.Errorf("failed to resolve root: %w", err)
	}
	info, err := os.Stat(absRoot)
	if err != nil {
		return fmt.Errorf("failed to stat root: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("root is not a directory: %s", absRoot)
	}

	tools := []toolexecutor.ToolDefinition{
		searchFilesTool(absRoot),
		readFileTool(absRoot),
		listDirTool(absRoot),
	}

	for _, tool := range tools {
		if err := executor.RegisterTool(tool); err != nil {
			return fmt.Errorf("failed to register tool %s: %w", tool.Name, err)
		}
	}
	return nil
}

func searchFilesTool(root string) toolexecutor.ToolDefinition {
	return toolexecutor.ToolDefinition{
		Name: "search_files",
		Description: "Recursively search the repository for files containing the given text. " +
			"Returns matching file paths, line numbers, and content snippets. " +
			"Useful for locating function definitions, classes, variables, and import statements.",
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"query": map[string]interface{}{
					"type":        "string",
					"description": "Text to search for, e.g. a function name, class name, or any string",
				},
			},
			"required": []string{"query"},
		},
		Handler: func(ctx context.Context, args map[string]interface{}) (string, error) {
			query, _ := args["query"].(string)
			return searchFiles(ctx, root, query)
		},
	}
}

func readFileTool(root string) toolexecutor.ToolDefinition {
	return toolexecutor.ToolDefinition{
		Name: "read_file",
		Description: "Read a slice of a file. Takes a path relative to the repository root " +
			"plus optional start and end line numbers. Use it to inspect file contents " +
			"and understand code.",
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"path": map[string]interface{}{
					"type":        "string",
					"description": "Relative file path, e.g. 'src/main.go' or 'README.md'",
				},
				"start_line": map[string]interface{}{
					"type":        "integer",
					"description": "First line to read (1-based, defaults to 1)",
				},
				"end_line": map[string]interface{}{
					"type":        "integer",
					"description": "Last line to read, inclusive (defaults to start_line + 119)",
				},
			},
			"required": []string{"path"},
		},
		Handler: func(ctx context.Context, args map[string]interface{}) (string, error) {
			path, _ := args["path"].(string)
			return readFile(root, path, intArg(args, "start_line", 1), intArg(args, "end_line", 0))
		},
	}
}

func listDirTool(root string) toolexecutor.ToolDefinition {
	return toolexecutor.ToolDefinition{
		Name: "list_dir",
		Description: "List the files and subdirectories of a directory as a tree, " +
			"two levels deep. Useful for discovering project structure.",
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"path": map[string]interface{}{
					"type":        "string",
					"description": "Relative directory path, defaults to the repository root '.'",
				},
			},
		},
		Handler: func(ctx context.Context, args map[string]interface{}) (string, error) {
			path, _ := args["path"].(string)
			if strings.TrimSpace(path) == "" {
				path = "."
			}
			return listDir(root, path)
		},
	}
}

// resolveInRoot resolves a user-supplied path against root and rejects
// anything that escapes it.
func resolveInRoot(root, pathValue string) (string, error) {
	pathValue = strings.TrimSpace(pathValue)
	if pathValue == "" {
		return "", errors.New("path is required")
	}

	candidate := pathValue
	if !filepath.IsAbs(candidate) {
		candidate = filepath.Join(root, candidate)
	}
	candidate = filepath.Clean(candidate)

	rel, err := filepath.Rel(root, candidate)
	if err != nil {
		return "", fmt.Errorf("path %q is outside the repository root", pathValue)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q is outside the repository root", pathValue)
	}
	return candidate, nil
}

// IgnoredDir reports whether a directory name is excluded from search,
// listing, and watching.
func IgnoredDir(name string) bool {
	if _, ok := skipDirs[name]; ok {
		return true
	}
	return strings.HasPrefix(name, ".")
}

// isTextFile is a rough filter: known binary extensions and oversized
// files are excluded.
func isTextFile(path string, size int64) bool {
	if _, ok := skipExtensions[strings.ToLower(filepath.Ext(path))]; ok {
		return false
	}
	return size <= maxFileSize
}

var errEnoughMatches = errors.New("enough matches")

func searchFiles(ctx context.Context, root, query string) (string, error) {
	if strings.TrimSpace(query) == "" {
		return "", errors.New("query is required")
	}

	needle := strings.ToLower(query)
	var results []string
	filesScanned := 0

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if d.IsDir() {
			if path != root && IgnoredDir(d.Name()) {
				return fs.SkipDir
			}
			return nil
		}

		info, err := d.Info()
		if err != nil || !isTextFile(path, info.Size()) {
			return nil
		}
		filesScanned++

		matches, err := scanFileForMatches(path, root, needle, maxSearchResults-len(results))
		if err != nil {
			return nil
		}
		results = append(results, matches...)
		if len(results) >= maxSearchResults {
			return errEnoughMatches
		}
		return nil
	})
	if err != nil && !errors.Is(err, errEnoughMatches) {
		return "", fmt.Errorf("search failed: %w", err)
	}

	if len(results) == 0 {
		return fmt.Sprintf("No matches for %q (scanned %d files).", query, filesScanned), nil
	}

	header := fmt.Sprintf("Found %d matches (scanned %d files):\n", len(results), filesScanned)
	return header + strings.Join(results, "\n"), nil
}

func scanFileForMatches(path, root, needle string, remaining int) ([]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	rel, err := filepath.Rel(root, path)
	if err != nil {
		rel = path
	}

	var matches []string
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), maxFileSize+1)

	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Text()
		if !strings.Contains(strings.ToLower(line), needle) {
			continue
		}

		content := strings.TrimRight(line, " \t\r\n")
		if utf8.RuneCountInString(content) > maxMatchLineLen {
			content = string([]rune(content)[:maxMatchLineLen]) + "..."
		}
		matches = append(matches, fmt.Sprintf("  %s:%d: %s", rel, lineNum, content))
		if len(matches) >= remaining {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return matches, err
	}
	return matches, nil
}

func readFile(root, path string, startLine, endLine int) (string, error) {
	target, err := resolveInRoot(root, path)
	if err != nil {
		return "", err
	}

	info, err := os.Stat(target)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("file does not exist: %s", path)
		}
		return "", fmt.Errorf("cannot read file %s: %v", path, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("path is not a file: %s", path)
	}
	if !isTextFile(target, info.Size()) {
		return "", fmt.Errorf("file is not text or exceeds the size limit: %s", path)
	}

	if startLine < 1 {
		startLine = 1
	}
	if endLine <= 0 {
		endLine = startLine + defaultReadSpan - 1
	} else if endLine < startLine {
		endLine = startLine
	}
	if endLine-startLine+1 > maxReadSpan {
		endLine = startLine + maxReadSpan - 1
	}

	data, err := os.ReadFile(target)
	if err != nil {
		return "", fmt.Errorf("cannot read file %s: %v", path, err)
	}
	lines := splitLines(string(data))

	totalLines := len(lines)
	if startLine > totalLines {
		return "", fmt.Errorf("start line %d exceeds file length (%d lines)", startLine, totalLines)
	}

	displayEnd := endLine
	if displayEnd > totalLines {
		displayEnd = totalLines
	}

	rel, err := filepath.Rel(root, target)
	if err != nil {
		rel = path
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "File: %s (lines %d-%d of %d)\n", rel, startLine, displayEnd, totalLines)
	for i := startLine; i <= displayEnd; i++ {
		fmt.Fprintf(&sb, "  %4d | %s", i, strings.TrimRight(lines[i-1], " \t\r"))
		if i < displayEnd {
			sb.WriteByte('\n')
		}
	}
	return sb.String(), nil
}

func splitLines(content string) []string {
	if content == "" {
		return []string{}
	}
	return strings.Split(strings.TrimRight(content, "\n"), "\n")
}

func listDir(root, path string) (string, error) {
	target, err := resolveInRoot(root, path)
	if err != nil {
		return "", err
	}

	info, err := os.Stat(target)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("directory does not exist: %s", path)
		}
		return "", fmt.Errorf("cannot list directory %s: %v", path, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("path is not a directory: %s", path)
	}

	display, err := filepath.Rel(root, target)
	if err != nil {
		display = path
	}

	lines := []string{display + "/"}
	walkTree(target, "", 1, &lines)

	if len(lines) == 1 {
		return fmt.Sprintf("Directory %s is empty.", display), nil
	}
	return strings.Join(lines, "\n"), nil
}

func walkTree(current, prefix string, depth int, lines *[]string) {
	entries, err := os.ReadDir(current)
	if err != nil {
		return
	}

	var dirs, files []fs.DirEntry
	for _, entry := range entries {
		if entry.IsDir() {
			if !IgnoredDir(entry.Name()) {
				dirs = append(dirs, entry)
			}
		} else if !strings.HasPrefix(entry.Name(), ".") {
			files = append(files, entry)
		}
	}

	items := append(dirs, files...)
	for i, item := range items {
		last := i == len(items)-1
		connector, extension := "├── ", "│   "
		if last {
			connector, extension = "└── ", "    "
		}

		if item.IsDir() {
			*lines = append(*lines, prefix+connector+item.Name()+"/")
			child := filepath.Join(current, item.Name())
			if depth < maxTreeDepth {
				walkTree(child, prefix+extension, depth+1, lines)
			} else if n := visibleEntryCount(child); n > 0 {
				*lines = append(*lines, fmt.Sprintf("%s%s└── ... (%d entries)", prefix, extension, n))
			}
		} else {
			*lines = append(*lines, prefix+connector+item.Name())
		}
	}
}

func visibleEntryCount(dir string) int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}

	n := 0
	for _, entry := range entries {
		if entry.IsDir() {
			if !IgnoredDir(entry.Name()) {
				n++
			}
		} else if !strings.HasPrefix(entry.Name(), ".") {
			n++
		}
	}
	return n
}

func intArg(args map[string]interface{}, key string, fallback int) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return fallback
}
