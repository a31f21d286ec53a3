package acceptance_test

import (
	"os"
	"os/exec"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("autoforge run --once (parallel workers)", func() {
	var tmpDir, repoDir, cfgPath, stubPath string

	BeforeEach(func() {
		var err error
		tmpDir, err = os.MkdirTemp("", "autoforge-parallel-*")
		Expect(err).NotTo(HaveOccurred())

		repoDir = filepath.Join(tmpDir, "repo")
		runGit(tmpDir, "init", repoDir)
		runGit(repoDir, "checkout", "-b", "main")
		for _, name := range []string{"one", "two", "three"} {
			writeFile(filepath.Join(repoDir, name+".py"), "x = 1  # TODO: bump x to 2\n")
		}
		runGit(repoDir, "add", ".")
		runGit(repoDir, "commit", "-m", "initial commit")

		stubPath = filepath.Join(tmpDir, "claude-stub.sh")
		cfgPath = filepath.Join(repoDir, "autoforge.yaml")
	})

	AfterEach(func() {
		cleanupTestRepo(repoDir, tmpDir)
	})

	It("merges every worker's branch onto main and leaves no stray worktrees (S3)", func() {
		writeStub(stubPath, `s/.*TODO.*/x = 2/`)
		writeFile(cfgPath, `
claude:
  command: "`+stubPath+`"
discovery:
  enable_todos: true
  todo_patterns: ["TODO"]
validation:
  test_command: "true"
parallel:
  enabled: true
  max_workers: 3
orchestrator:
  max_batch_size: 1
  max_tasks_per_cycle: 3
`)
		cmd := exec.Command(binaryPath, "run", "--once", "--config", cfgPath)
		output, err := cmd.CombinedOutput()
		Expect(err).NotTo(HaveOccurred(), "output: %s", string(output))

		for _, name := range []string{"one", "two", "three"} {
			content, err := os.ReadFile(filepath.Join(repoDir, name+".py"))
			Expect(err).NotTo(HaveOccurred())
			Expect(string(content)).To(ContainSubstring("x = 2"), "%s should contain the merged fix", name)
		}

		history := readHistory(repoDir)
		Expect(history).To(HaveLen(3))
		for _, rec := range history {
			Expect(rec["success"]).To(BeEquivalentTo(true))
		}

		log := runGitOutput(repoDir, "log", "--oneline", "main")
		Expect(len(splitLines(log))).To(BeNumerically(">=", 4), "initial commit plus 3 merged fixes")

		branches := runGitOutput(repoDir, "branch", "--list", "auto-claude/*")
		Expect(branches).To(BeEmpty(), "worker branches should be cleaned up after merge")

		worktrees := runGitOutput(repoDir, "worktree", "list")
		Expect(len(splitLines(worktrees))).To(Equal(1), "only the main worktree should remain")
	})
})

func splitLines(s string) []string {
	var lines []string
	for _, l := range splitOnNewline(s) {
		if l != "" {
			lines = append(lines, l)
		}
	}
	return lines
}

func splitOnNewline(s string) []string {
	var out []string
	start := 0
	for i, r := range s {
		if r == '\n' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	if start < len(s) {
		out = append(out, s[start:])
	}
	return out
}
