package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
)

// ContentResolver materializes a target's content tree, including nested
// sub-repositories, and returns the directory the generator should read.
type ContentResolver interface {
	Resolve(ctx context.Context, src SourceConfig, workdir string, progress io.Writer) (string, error)
}

type GitContentResolver struct{}

func NewGitContentResolver() *GitContentResolver {
	return &GitContentResolver{}
}

func (r *GitContentResolver) Resolve(
	ctx context.Context,
	src SourceConfig,
	workdir string,
	progress io.Writer,
) (string, error) {
	if src.Repository != "" {
		return r.clone(ctx, src, filepath.Join(workdir, "source"), progress)
	}
	return r.local(ctx, src, progress)
}

func (r *GitContentResolver) clone(
	ctx context.Context,
	src SourceConfig,
	dest string,
	progress io.Writer,
) (string, error) {
	if err := os.RemoveAll(dest); err != nil {
		return "", err
	}

	opts := &git.CloneOptions{
		URL:      src.Repository,
		Progress: progress,
		Depth:    src.Depth,
	}
	if src.Branch != "" {
		opts.ReferenceName = plumbing.NewBranchReferenceName(src.Branch)
		opts.SingleBranch = true
	}
	if src.Submodules {
		opts.RecurseSubmodules = git.DefaultSubmoduleRecursionDepth
	}

	repo, err := git.PlainCloneContext(ctx, dest, false, opts)
	if err != nil {
		return "", fmt.Errorf("err cloning %s: %w", src.Repository, err)
	}
	if head, err := repo.Head(); err == nil && progress != nil {
		fmt.Fprintf(progress, "checked out %s at %s\n", src.Repository, head.Hash().String()[:8])
	}
	return contentRoot(dest, src.Path)
}

func (r *GitContentResolver) local(
	ctx context.Context,
	src SourceConfig,
	progress io.Writer,
) (string, error) {
	root, err := filepath.Abs(src.Path)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(root)
	if err != nil {
		return "", fmt.Errorf("err reading content tree: %w", err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("content tree %s is not a directory", root)
	}
	if !src.Submodules {
		return root, nil
	}

	repo, err := git.PlainOpenWithOptions(root, &git.PlainOpenOptions{DetectDotGit: true})
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return root, nil
	}
	if err != nil {
		return "", err
	}
	if err := updateSubmodules(ctx, repo, progress); err != nil {
		return "", err
	}
	return root, nil
}

func updateSubmodules(ctx context.Context, repo *git.Repository, progress io.Writer) error {
	wt, err := repo.Worktree()
	if err != nil {
		return err
	}
	subs, err := wt.Submodules()
	if err != nil {
		return fmt.Errorf("err listing submodules: %w", err)
	}
	if len(subs) == 0 {
		return nil
	}
	if err := subs.UpdateContext(ctx, &git.SubmoduleUpdateOptions{
		Init:              true,
		RecurseSubmodules: git.DefaultSubmoduleRecursionDepth,
	}); err != nil {
		return fmt.Errorf("err updating submodules: %w", err)
	}
	if progress != nil {
		fmt.Fprintf(progress, "updated %d submodules\n", len(subs))
	}
	return nil
}

// contentRoot joins an optional sub-path of a clone, rejecting paths that
// leave it.
func contentRoot(dest, sub string) (string, error) {
	if sub == "" {
		return dest, nil
	}
	root := filepath.Join(dest, sub)
	rel, err := filepath.Rel(dest, root)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
		return "", fmt.Errorf("content path %q escapes the repository", sub)
	}
	return root, nil
}
