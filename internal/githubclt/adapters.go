package githubclt

import (
	"context"

	"github.com/rebasebot/rebasebot/internal/artpr"
	"github.com/rebasebot/rebasebot/internal/prmanager"
)

// ArtProviderAdapter adapts Client to artpr.Provider.
type ArtProviderAdapter struct {
	Clt *Client
}

func (a *ArtProviderAdapter) ListOpenPullRequests(ctx context.Context, owner, repo string) ([]artpr.PullRequest, error) {
	prs, err := a.Clt.ListOpenPullRequests(ctx, owner, repo)
	if err != nil {
		return nil, err
	}

	result := make([]artpr.PullRequest, 0, len(prs))
	for _, pr := range prs {
		result = append(result, artpr.PullRequest{
			Number: pr.Number, Title: pr.Title, AuthorLogin: pr.AuthorLogin,
			HeadOwner: pr.HeadOwner, HeadRepo: pr.HeadRepo, HeadRef: pr.HeadRef, HeadSHA: pr.HeadSHA,
		})
	}
	return result, nil
}

func (a *ArtProviderAdapter) ListPullRequestCommitSHAs(ctx context.Context, owner, repo string, number int) ([]string, error) {
	return a.Clt.ListPullRequestCommitSHAs(ctx, owner, repo, number)
}

// PRProviderAdapter adapts Client to prmanager.Provider.
type PRProviderAdapter struct {
	Clt *Client
}

func (a *PRProviderAdapter) ListOpenPullRequests(ctx context.Context, owner, repo string) ([]prmanager.PRListEntry, error) {
	prs, err := a.Clt.ListOpenPullRequests(ctx, owner, repo)
	if err != nil {
		return nil, err
	}

	result := make([]prmanager.PRListEntry, 0, len(prs))
	for _, pr := range prs {
		result = append(result, prmanager.PRListEntry{
			Number: pr.Number, Title: pr.Title, Body: pr.Body, AuthorLogin: pr.AuthorLogin,
			HeadOwner: pr.HeadOwner, HeadRepo: pr.HeadRepo, HeadRef: pr.HeadRef, HeadSHA: pr.HeadSHA,
		})
	}
	return result, nil
}

func (a *PRProviderAdapter) CreatePullRequest(ctx context.Context, owner, repo, title, body, headOwner, headBranch, base string) (*prmanager.PRListEntry, error) {
	pr, err := a.Clt.CreatePullRequest(ctx, owner, repo, title, body, headOwner, headBranch, base)
	if err != nil {
		return nil, err
	}
	return &prmanager.PRListEntry{Number: pr.Number, Title: pr.Title, Body: pr.Body, HeadOwner: pr.HeadOwner, HeadRepo: pr.HeadRepo, HeadRef: pr.HeadRef}, nil
}

func (a *PRProviderAdapter) UpdatePullRequestTitleAndBody(ctx context.Context, owner, repo string, number int, title, body *string) error {
	return a.Clt.UpdatePullRequestTitleAndBody(ctx, owner, repo, number, title, body)
}

func (a *PRProviderAdapter) ListLabels(ctx context.Context, owner, repo string, number int) ([]string, error) {
	return a.Clt.ListLabels(ctx, owner, repo, number)
}

func (a *PRProviderAdapter) IsBlockedFromMerge(ctx context.Context, owner, repo string, number int) (bool, error) {
	status, err := a.Clt.ReadyForMerge(ctx, owner, repo, number)
	if err != nil {
		return false, err
	}
	return status.IsBlocked(), nil
}

func (a *PRProviderAdapter) ListReleases(ctx context.Context, owner, repo string) ([]prmanager.ReleaseInfo, error) {
	releases, err := a.Clt.ListReleases(ctx, owner, repo)
	if err != nil {
		return nil, err
	}

	result := make([]prmanager.ReleaseInfo, 0, len(releases))
	for _, r := range releases {
		result = append(result, prmanager.ReleaseInfo{TagName: r.TagName, HTMLURL: r.HTMLURL})
	}
	return result, nil
}
