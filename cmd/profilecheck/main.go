// Command profilecheck validates the transform profile documents kept
// in the repo before they are pushed to SSM Parameter Store. It writes
// an audit report and one task file per broken profile.
package main

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/jean-turgeon/lambdapipeline/internal/profile"
)

// DiscoverProfiles finds *.profile.json files under the given roots.
func DiscoverProfiles(roots []string) []string {
	var files []string
	for _, root := range roots {
		filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil || d.IsDir() {
				return nil
			}
			if strings.HasSuffix(path, ".profile.json") {
				files = append(files, path)
			}
			return nil
		})
	}
	return files
}

func check(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read: %w", err)
	}
	if _, err := profile.Parse(data); err != nil {
		return err
	}
	return nil
}

func createTask(path, file string, err error) {
	var b strings.Builder
	fmt.Fprintf(&b, "# Profile issue for %s\n\n", file)
	b.WriteString("## Problem\n")
	fmt.Fprintf(&b, "- %v\n", err)
	b.WriteString("\n## Acceptance Criteria\n- Updated profile passes schema and column checks\n")
	b.WriteString("\nEffort: S\nOwner: TBD\n")
	os.WriteFile(path, []byte(b.String()), 0o644)
}

func report(roots []string, reportDir, tasksDir string) bool {
	files := DiscoverProfiles(roots)

	os.MkdirAll(reportDir, 0o755)
	os.MkdirAll(tasksDir, 0o755)

	var table string
	var hasErrors bool
	taskID := 1
	for _, f := range files {
		if err := check(f); err != nil {
			hasErrors = true
			slug := strings.TrimSuffix(filepath.Base(f), ".profile.json")
			taskPath := filepath.Join(tasksDir, fmt.Sprintf("TASK-PROFILE-%03d_%s.md", taskID, slug))
			taskID++
			createTask(taskPath, f, err)
			table += fmt.Sprintf("| %s | ❌ |\n", f)
		} else {
			table += fmt.Sprintf("| %s | ✅ |\n", f)
		}
	}
	if table == "" {
		table = "_No profiles found_\n"
	} else {
		table = "| File | Status |\n|------|--------|\n" + table
	}

	badge := ""
	if !hasErrors && len(files) > 0 {
		badge = "\n\nProfile Integrity ✅"
	}

	content := fmt.Sprintf("## Profile Audit\n%s%s\n", table, badge)
	os.WriteFile(filepath.Join(reportDir, "Profile-Status-Report.md"), []byte(content), 0o644)
	return hasErrors
}

func main() {
	roots := []string{"profiles", "cmd", "internal"}
	if report(roots, "audit", "tasks") {
		os.Exit(1)
	}
}
