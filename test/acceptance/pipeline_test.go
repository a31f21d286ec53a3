package acceptance_test

import (
	"os"
	"os/exec"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

// writePipelineStub writes a stand-in "claude" that plays all four
// agent-pipeline roles, distinguishing them by the marker phrase each
// role's prompt (see internal/pipeline/prompts.go) always contains.
// The review arm comes before the coding arm because the review prompt
// also mentions the coding stage. The reviewer answers REVISE once and APPROVED afterward, tracked in
// a counter file outside the git repo so `git clean -fd` between
// revisions (internal/gitops.Repo.Rollback) never resets it.
func writePipelineStub(path, counterPath, fixSed string) {
	script := "#!/bin/sh\n" +
		`prompt="$2"` + "\n" +
		`ws=".autoforge/workspace"` + "\n" +
		`mkdir -p "$ws"` + "\n" +
		`case "$prompt" in` + "\n" +
		`  *"planning stage"*)` + "\n" +
		`    printf 'bump x to 2\n' > "$ws/plan.md" ;;` + "\n" +
		`  *"review stage"*)` + "\n" +
		`    n=0` + "\n" +
		`    [ -f "` + counterPath + `" ] && n=$(cat "` + counterPath + `")` + "\n" +
		`    n=$((n+1))` + "\n" +
		`    echo "$n" > "` + counterPath + `"` + "\n" +
		`    if [ "$n" -lt 2 ]; then` + "\n" +
		`      printf 'VERDICT: REVISE\n\nadd a comment\n' > "$ws/review.md"` + "\n" +
		`    else` + "\n" +
		`      printf 'VERDICT: APPROVED\n\nlooks good\n' > "$ws/review.md"` + "\n" +
		`    fi ;;` + "\n" +
		`  *"coding stage"*)` + "\n" +
		`    file=$(printf '%s' "$prompt" | grep -oE '[A-Za-z0-9_./-]+\.py' | head -1)` + "\n" +
		`    if [ -n "$file" ] && [ -f "$file" ]; then sed -i '` + fixSed + `' "$file"; fi ;;` + "\n" +
		`esac` + "\n" +
		`printf '{"result": "ok", "cost_usd": 0.01}\n'` + "\n"
	writeFile(path, script)
	ExpectWithOffset(1, os.Chmod(path, 0o755)).NotTo(HaveOccurred())
}

var _ = Describe("autoforge run --once (agent pipeline)", func() {
	var tmpDir, repoDir, cfgPath, stubPath, counterPath string

	BeforeEach(func() {
		var err error
		tmpDir, err = os.MkdirTemp("", "autoforge-pipeline-*")
		Expect(err).NotTo(HaveOccurred())

		repoDir = filepath.Join(tmpDir, "repo")
		runGit(tmpDir, "init", repoDir)
		runGit(repoDir, "checkout", "-b", "main")
		writeFile(filepath.Join(repoDir, "app.py"), "x = 1  # TODO: bump x to 2\n")
		runGit(repoDir, "add", "app.py")
		runGit(repoDir, "commit", "-m", "initial commit")

		stubPath = filepath.Join(tmpDir, "claude-stub.sh")
		counterPath = filepath.Join(tmpDir, "review-count")
		cfgPath = filepath.Join(repoDir, "autoforge.yaml")
	})

	AfterEach(func() {
		cleanupTestRepo(repoDir, tmpDir)
	})

	It("revises once on reviewer feedback, then commits once approved (S4)", func() {
		writePipelineStub(stubPath, counterPath, `s/.*TODO.*/x = 2/`)
		writeFile(cfgPath, `
claude:
  command: "`+stubPath+`"
discovery:
  enable_todos: true
  todo_patterns: ["TODO"]
validation:
  test_command: "grep -q 'x = 2' app.py"
agent_pipeline:
  enabled: true
  max_revisions: 2
  planner:
    enabled: true
  coder:
    enabled: true
  reviewer:
    enabled: true
`)
		beforeHead := runGitOutput(repoDir, "rev-parse", "HEAD")

		cmd := exec.Command(binaryPath, "run", "--once", "--config", cfgPath)
		output, err := cmd.CombinedOutput()
		Expect(err).NotTo(HaveOccurred(), "output: %s", string(output))

		afterHead := runGitOutput(repoDir, "rev-parse", "HEAD")
		Expect(afterHead).NotTo(Equal(beforeHead), "the approved revision should commit to main")

		content, err := os.ReadFile(filepath.Join(repoDir, "app.py"))
		Expect(err).NotTo(HaveOccurred())
		Expect(string(content)).To(ContainSubstring("x = 2"))

		counterContent, err := os.ReadFile(counterPath)
		Expect(err).NotTo(HaveOccurred())
		Expect(string(counterContent)).To(Equal("2\n"), "reviewer should have been called exactly twice: REVISE then APPROVED")

		history := readHistory(repoDir)
		Expect(history).To(HaveLen(1))
		Expect(history[0]["success"]).To(BeEquivalentTo(true))
	})
})
