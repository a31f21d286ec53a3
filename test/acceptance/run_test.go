package acceptance_test

import (
	"os"
	"os/exec"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("autoforge run --once (single worker)", func() {
	var tmpDir, repoDir, cfgPath, stubPath string

	BeforeEach(func() {
		var err error
		tmpDir, err = os.MkdirTemp("", "autoforge-test-*")
		Expect(err).NotTo(HaveOccurred())

		repoDir = filepath.Join(tmpDir, "repo")
		runGit(tmpDir, "init", repoDir)
		runGit(repoDir, "checkout", "-b", "main")
		writeFile(filepath.Join(repoDir, "app.py"), "def add(a, b):\n    return a - b  # TODO: fix add to return a + b\n")
		runGit(repoDir, "add", "app.py")
		runGit(repoDir, "commit", "-m", "initial commit")

		stubPath = filepath.Join(tmpDir, "claude-stub.sh")
		cfgPath = filepath.Join(repoDir, "autoforge.yaml")
	})

	AfterEach(func() {
		cleanupTestRepo(repoDir, tmpDir)
	})

	It("commits a passing fix and records a successful cycle (S1)", func() {
		writeStub(stubPath, `s/.*TODO.*/    return a + b/`)
		writeFile(cfgPath, `
claude:
  command: "`+stubPath+`"
discovery:
  enable_todos: true
  todo_patterns: ["TODO"]
validation:
  test_command: "grep -q 'return a + b' app.py && ! grep -q TODO app.py"
`)
		beforeHead := runGitOutput(repoDir, "rev-parse", "HEAD")

		cmd := exec.Command(binaryPath, "run", "--once", "--config", cfgPath)
		output, err := cmd.CombinedOutput()
		Expect(err).NotTo(HaveOccurred(), "output: %s", string(output))

		afterHead := runGitOutput(repoDir, "rev-parse", "HEAD")
		Expect(afterHead).NotTo(Equal(beforeHead), "a new commit should land on main")

		content, err := os.ReadFile(filepath.Join(repoDir, "app.py"))
		Expect(err).NotTo(HaveOccurred())
		Expect(string(content)).To(ContainSubstring("return a + b"))

		history := readHistory(repoDir)
		Expect(history).To(HaveLen(1))
		Expect(history[0]["success"]).To(BeEquivalentTo(true))
	})

	It("rolls back a failing fix and records the failure (S2)", func() {
		writeStub(stubPath, `s/.*TODO.*/    return a * b  # TODO: still wrong/`)
		writeFile(cfgPath, `
claude:
  command: "`+stubPath+`"
discovery:
  enable_todos: true
  todo_patterns: ["TODO"]
validation:
  test_command: "grep -q 'return a + b' app.py && ! grep -q TODO app.py"
`)
		beforeHead := runGitOutput(repoDir, "rev-parse", "HEAD")
		beforeContent, err := os.ReadFile(filepath.Join(repoDir, "app.py"))
		Expect(err).NotTo(HaveOccurred())

		cmd := exec.Command(binaryPath, "run", "--once", "--config", cfgPath)
		_, _ = cmd.CombinedOutput() // a failed cycle is not itself a CLI error

		afterHead := runGitOutput(repoDir, "rev-parse", "HEAD")
		Expect(afterHead).To(Equal(beforeHead), "no commit should land on main after a failed validation")

		afterContent, err := os.ReadFile(filepath.Join(repoDir, "app.py"))
		Expect(err).NotTo(HaveOccurred())
		Expect(string(afterContent)).To(Equal(string(beforeContent)), "the working tree should be reverted")

		history := readHistory(repoDir)
		Expect(history).To(HaveLen(1))
		Expect(history[0]["success"]).To(BeEquivalentTo(false))
		Expect(history[0]["validation_summary"]).To(ContainSubstring("test: FAILED"))
	})
})
