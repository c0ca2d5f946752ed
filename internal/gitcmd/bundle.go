package gitcmd

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// HeadCommit returns the OID of HEAD. A repository with zero commits makes
// "git rev-parse HEAD" fail, so HeadCommit returns that git error as is;
// HasCommits is the check for the empty-source case (spec §8 boundary
// behaviors).
func (e *Executor) HeadCommit(ctx context.Context, dir string) (string, error) {
	return e.RunOutput(ctx, dir, "rev-parse", "HEAD")
}

// HasCommits reports whether dir has at least one commit on any ref.
func (e *Executor) HasCommits(ctx context.Context, dir string) bool {
	ok, err := e.RunQuiet(ctx, dir, "rev-parse", "--verify", "--quiet", "HEAD")
	return err == nil && ok
}

// RevListCountNew counts commits reachable from all refs but not from since.
// since == "" counts every commit reachable from all refs.
func (e *Executor) RevListCountNew(ctx context.Context, dir, since string) (int, error) {
	rangeArg := "--all"
	args := []string{"rev-list", "--count"}
	if since != "" {
		rangeArg = since + "..HEAD"
		args = append(args, rangeArg, "--all")
	} else {
		args = append(args, "--all")
	}

	out, err := e.RunOutput(ctx, dir, args...)
	if err != nil {
		return 0, err
	}
	n, convErr := strconv.Atoi(strings.TrimSpace(out))
	if convErr != nil {
		return 0, fmt.Errorf("parse rev-list count %q: %w", out, convErr)
	}
	return n, nil
}

// HasNewCommits reports whether any commit reachable from current refs is
// not reachable from knownCommit (spec §4.3 step 4).
func (e *Executor) HasNewCommits(ctx context.Context, dir, knownCommit string) (bool, error) {
	if knownCommit == "" {
		return true, nil
	}
	out, err := e.RunOutput(ctx, dir, "rev-list", "--count", knownCommit+"..HEAD", "--all")
	if err != nil {
		// knownCommit may no longer exist locally (pruned); treat as "new".
		return true, nil //nolint:nilerr
	}
	n, convErr := strconv.Atoi(strings.TrimSpace(out))
	if convErr != nil {
		return true, nil
	}
	return n > 0, nil
}

// BundleCreateFull creates a bundle file at bundlePath capturing every ref
// reachable in dir (spec §4.3: "capture all refs in a single artifact").
func (e *Executor) BundleCreateFull(ctx context.Context, dir, bundlePath string) error {
	_, err := e.RunOutput(ctx, dir, "bundle", "create", bundlePath, "--all")
	return err
}

// BundleCreateIncremental creates a bundle covering commits reachable from
// current refs but not from sinceCommit (spec §4.3: "commit range
// M.lastBundleCommit..<all refs>").
func (e *Executor) BundleCreateIncremental(ctx context.Context, dir, bundlePath, sinceCommit string) error {
	_, err := e.RunOutput(ctx, dir, "bundle", "create", bundlePath, sinceCommit+"..HEAD", "--all")
	return err
}

// BundleVerify runs the bundle's own internal consistency check
// (spec §4.6 git restore step 1, §7 VerifyFailure).
func (e *Executor) BundleVerify(ctx context.Context, dir, bundlePath string) error {
	_, err := e.RunOutput(ctx, dir, "bundle", "verify", bundlePath)
	return err
}

// CloneFromBundle clones bundlePath into target, creating target's parent
// directories as needed.
func (e *Executor) CloneFromBundle(ctx context.Context, bundlePath, target string) error {
	_, err := e.RunOutput(ctx, "", "clone", bundlePath, target)
	return err
}

// FetchBundleInto fetches all refs from bundlePath into the repository at
// dir, mapping them onto refs/heads/* (used to play back incrementals onto
// an existing clone, spec §4.6 step 4).
func (e *Executor) FetchBundleInto(ctx context.Context, dir, bundlePath string) error {
	_, err := e.RunOutput(ctx, dir, "fetch", bundlePath, "+refs/heads/*:refs/heads/*", "+refs/tags/*:refs/tags/*")
	return err
}

// TagMark creates (or moves) a lightweight tag pointing at HEAD, used to pin
// the last-archived commit independent of the manifest (spec §4.3 step 1).
func (e *Executor) TagMark(ctx context.Context, dir, tagName string) error {
	_, err := e.RunOutput(ctx, dir, "tag", "--force", tagName, "HEAD")
	return err
}

// Checkout checks out branch in dir.
func (e *Executor) Checkout(ctx context.Context, dir, branch string) error {
	_, err := e.RunOutput(ctx, dir, "checkout", branch)
	return err
}

// BranchExists reports whether branch exists locally or as origin/branch.
func (e *Executor) BranchExists(ctx context.Context, dir, branch string) bool {
	if ok, err := e.RunQuiet(ctx, dir, "rev-parse", "--verify", "--quiet", branch); err == nil && ok {
		return true
	}
	ok, err := e.RunQuiet(ctx, dir, "rev-parse", "--verify", "--quiet", "origin/"+branch)
	return err == nil && ok
}

// FsckFull runs "git fsck --full" and returns nil only if its output is
// clean (spec §4.7.3: "git fsck --full returns clean").
func (e *Executor) FsckFull(ctx context.Context, dir string) error {
	result, err := e.Run(ctx, dir, "fsck", "--full")
	if err != nil {
		return err
	}
	if result.ExitCode != 0 {
		return &GitError{Command: "git fsck --full", ExitCode: result.ExitCode, Stderr: result.Stderr}
	}
	trimmed := strings.TrimSpace(result.Stdout + result.Stderr)
	if trimmed != "" {
		return &GitError{Command: "git fsck --full", ExitCode: 0, Stderr: trimmed}
	}
	return nil
}

// ListBranches returns local branch names.
func (e *Executor) ListBranches(ctx context.Context, dir string) ([]string, error) {
	return e.RunLines(ctx, dir, "for-each-ref", "--format=%(refname:short)", "refs/heads/")
}

// IgnoredFiles lists paths under dir that git considers ignored (spec
// §4.3 critical-file extractor: "git reports it as ignored"), relative
// to dir.
func (e *Executor) IgnoredFiles(ctx context.Context, dir string) ([]string, error) {
	return e.RunLines(ctx, dir, "ls-files", "--others", "--ignored", "--exclude-standard")
}
