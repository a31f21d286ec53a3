package acceptance_test

import (
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"

	. "github.com/onsi/gomega"
)

// readHistory loads history.json (the default paths.history_file)
// from under a repo's working tree as raw maps, so assertions can
// check individual field values without importing internal/model.
func readHistory(repoDir string) []map[string]interface{} {
	data, err := os.ReadFile(filepath.Join(repoDir, "history.json"))
	ExpectWithOffset(1, err).NotTo(HaveOccurred())
	var records []map[string]interface{}
	ExpectWithOffset(1, json.Unmarshal(data, &records)).To(Succeed())
	return records
}

func runGit(dir string, args ...string) {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME=Test",
		"GIT_AUTHOR_EMAIL=test@test.com",
		"GIT_COMMITTER_NAME=Test",
		"GIT_COMMITTER_EMAIL=test@test.com",
	)
	out, err := cmd.CombinedOutput()
	ExpectWithOffset(1, err).NotTo(HaveOccurred(), "git %v: %s", args, string(out))
}

func runGitOutput(dir string, args ...string) string {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	ExpectWithOffset(1, err).NotTo(HaveOccurred(), "git %v: %s", args, string(out))
	return string(out)
}

func writeFile(path, content string) {
	dir := filepath.Dir(path)
	err := os.MkdirAll(dir, 0o755)
	ExpectWithOffset(1, err).NotTo(HaveOccurred())
	err = os.WriteFile(path, []byte(content), 0o644)
	ExpectWithOffset(1, err).NotTo(HaveOccurred())
}

// writeStub writes an executable shell script standing in for the
// Claude CLI. It finds the *.py file named in its prompt argument
// ($2, per toolrunner.BuildArgv's "-p <prompt>" convention) and runs
// sedExpr against it, then prints a minimal well-formed tool result.
func writeStub(path, sedExpr string) {
	script := "#!/bin/sh\n" +
		`prompt="$2"` + "\n" +
		`file=$(printf '%s' "$prompt" | grep -oE '[A-Za-z0-9_./-]+\.py' | head -1)` + "\n" +
		`if [ -n "$file" ] && [ -f "$file" ]; then` + "\n" +
		`  sed -i '` + sedExpr + `' "$file"` + "\n" +
		`fi` + "\n" +
		`printf '{"result": "ok", "cost_usd": 0.01}\n'` + "\n"
	writeFile(path, script)
	ExpectWithOffset(1, os.Chmod(path, 0o755)).NotTo(HaveOccurred())
}
