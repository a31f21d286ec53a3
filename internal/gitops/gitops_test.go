package gitops

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"
)

func initTestRepo(t *testing.T) *Repo {
	t.Helper()
	dir := t.TempDir()
	run(t, dir, "init", "-q", "-b", "main")
	r := NewRepo(dir)
	r.EnsureIdentity()

	writeFile(t, dir, "a.txt", "one\n")
	run(t, dir, "add", "a.txt")
	run(t, dir, "commit", "-q", "-m", "initial")
	return r
}

func run(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %v: %v\n%s", args, err, out)
	}
	return string(out)
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestSnapshotRollback_HardResetDiscardsEverything(t *testing.T) {
	r := initTestRepo(t)

	snapshot, err := r.Snapshot()
	if err != nil {
		t.Fatal(err)
	}

	writeFile(t, r.Dir, "a.txt", "changed\n")
	writeFile(t, r.Dir, "b.txt", "new file\n")

	if err := r.Rollback(snapshot, nil); err != nil {
		t.Fatalf("Rollback: %v", err)
	}

	content, err := os.ReadFile(filepath.Join(r.Dir, "a.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if string(content) != "one\n" {
		t.Errorf("a.txt = %q, want original content restored", content)
	}
	if _, err := os.Stat(filepath.Join(r.Dir, "b.txt")); !os.IsNotExist(err) {
		t.Errorf("b.txt should have been removed by the clean, stat err = %v", err)
	}
}

func TestRollback_AllowedSetRefusesUnexpectedDirtyFile(t *testing.T) {
	r := initTestRepo(t)

	snapshot, err := r.Snapshot()
	if err != nil {
		t.Fatal(err)
	}

	writeFile(t, r.Dir, "a.txt", "changed\n")
	writeFile(t, r.Dir, "unexpected.txt", "surprise\n")

	err = r.Rollback(snapshot, map[string]struct{}{"a.txt": {}})
	if err == nil {
		t.Fatal("expected Rollback to refuse when a dirty file lies outside the allowed set")
	}

	content, readErr := os.ReadFile(filepath.Join(r.Dir, "a.txt"))
	if readErr != nil {
		t.Fatal(readErr)
	}
	if string(content) != "changed\n" {
		t.Error("Rollback should not have touched anything on refusal")
	}
}

func TestRollback_AllowedSetRevertsOnlyAllowedFiles(t *testing.T) {
	r := initTestRepo(t)

	snapshot, err := r.Snapshot()
	if err != nil {
		t.Fatal(err)
	}

	writeFile(t, r.Dir, "a.txt", "changed\n")
	writeFile(t, r.Dir, "scratch.txt", "keep me\n")

	if err := r.Rollback(snapshot, map[string]struct{}{"a.txt": {}, "scratch.txt": {}}); err != nil {
		t.Fatalf("Rollback: %v", err)
	}

	content, err := os.ReadFile(filepath.Join(r.Dir, "a.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if string(content) != "one\n" {
		t.Errorf("a.txt = %q, want reverted to original", content)
	}
	if _, err := os.Stat(filepath.Join(r.Dir, "scratch.txt")); !os.IsNotExist(err) {
		t.Errorf("scratch.txt (untracked, in the allowed set) should have been removed")
	}
}

func TestGetChangedFiles_CoversStagedModifiedAndUntracked(t *testing.T) {
	r := initTestRepo(t)

	writeFile(t, r.Dir, "a.txt", "modified\n")
	writeFile(t, r.Dir, "staged.txt", "staged\n")
	run(t, r.Dir, "add", "staged.txt")
	writeFile(t, r.Dir, "untracked.txt", "untracked\n")

	changed, errs := r.GetChangedFiles()
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}

	want := map[string]bool{"a.txt": false, "staged.txt": false, "untracked.txt": false}
	for _, f := range changed {
		if _, ok := want[f]; ok {
			want[f] = true
		}
	}
	for f, seen := range want {
		if !seen {
			t.Errorf("expected %q in changed files, got %v", f, changed)
		}
	}
}

func TestCommit_NoOpWhenNothingStaged(t *testing.T) {
	r := initTestRepo(t)

	hash, err := r.Commit("empty", nil)
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if hash != "" {
		t.Errorf("expected empty hash for a no-op commit, got %q", hash)
	}
}

func TestCommit_StagesAndCommitsChanges(t *testing.T) {
	r := initTestRepo(t)
	before, err := r.Snapshot()
	if err != nil {
		t.Fatal(err)
	}

	writeFile(t, r.Dir, "a.txt", "two\n")
	hash, err := r.Commit("bump a", nil)
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if hash == "" || hash == before {
		t.Errorf("expected a new commit hash, got %q (before %q)", hash, before)
	}
}

func TestExcludePaths_AppendsOnceAndPersists(t *testing.T) {
	r := initTestRepo(t)

	if err := r.ExcludePaths([]string{"/.autoforge/state", "/.autoforge/workspace"}); err != nil {
		t.Fatalf("ExcludePaths: %v", err)
	}
	// second call with an overlapping pattern should not duplicate entries
	if err := r.ExcludePaths([]string{"/.autoforge/state", "/.autoforge/worktrees"}); err != nil {
		t.Fatalf("ExcludePaths (second call): %v", err)
	}

	data, err := os.ReadFile(filepath.Join(r.Dir, ".git", "info", "exclude"))
	if err != nil {
		t.Fatal(err)
	}

	writeFile(t, r.Dir, filepath.Join(".autoforge", "state", "worker-0.json"), "{}")
	changed, errs := r.GetChangedFiles()
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	for _, f := range changed {
		if f == ".autoforge/state/worker-0.json" {
			t.Errorf("excluded path leaked into GetChangedFiles: %v (exclude file contents: %s)", changed, data)
		}
	}
}

func TestCreateWorktreeAndRemoveWorktree(t *testing.T) {
	r := initTestRepo(t)

	if err := r.CreateBranch("feature", "main"); err != nil {
		t.Fatalf("CreateBranch: %v", err)
	}
	if !r.BranchExists("feature") {
		t.Fatal("expected feature branch to exist")
	}

	worktreePath := filepath.Join(t.TempDir(), "wt")
	if err := r.CreateWorktree(worktreePath, "feature"); err != nil {
		t.Fatalf("CreateWorktree: %v", err)
	}
	if _, err := os.Stat(worktreePath); err != nil {
		t.Fatalf("worktree dir missing: %v", err)
	}

	if err := r.RemoveWorktree(worktreePath, true); err != nil {
		t.Fatalf("RemoveWorktree: %v", err)
	}
	if err := r.DeleteBranch("feature", true); err != nil {
		t.Fatalf("DeleteBranch: %v", err)
	}
	if r.BranchExists("feature") {
		t.Error("expected feature branch to be gone after DeleteBranch")
	}
}

func TestMergeFFOnly(t *testing.T) {
	r := initTestRepo(t)

	if err := r.CreateBranch("feature", "main"); err != nil {
		t.Fatalf("CreateBranch: %v", err)
	}
	worktreePath := filepath.Join(t.TempDir(), "wt")
	if err := r.CreateWorktree(worktreePath, "feature"); err != nil {
		t.Fatalf("CreateWorktree: %v", err)
	}
	writeFile(t, worktreePath, "feature.txt", "new\n")
	run(t, worktreePath, "add", "feature.txt")
	run(t, worktreePath, "commit", "-q", "-m", "feature work")

	if err := r.MergeFFOnly("feature"); err != nil {
		t.Fatalf("MergeFFOnly: %v", err)
	}
	if _, err := os.Stat(filepath.Join(r.Dir, "feature.txt")); err != nil {
		t.Errorf("expected feature.txt on main after fast-forward merge: %v", err)
	}
}
