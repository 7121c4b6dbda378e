// Package githubclt provides the hosting-provider API client: the concrete
// implementation of the "list open PRs", "create PR", "update PR
// title/body", "list PR labels", "list releases" operations this system
// treats as an external interface.
package githubclt

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/google/go-github/v59/github"
	"github.com/shurcooL/githubv4"
	"go.uber.org/zap"

	"github.com/rebasebot/rebasebot/internal/credentials"
	"github.com/rebasebot/rebasebot/internal/goorderr"
	"github.com/rebasebot/rebasebot/internal/logfields"
	"github.com/rebasebot/rebasebot/internal/retry"
)

const DefaultHTTPClientTimeout = time.Minute

const loggerName = "github_client"

var ErrPullRequestIsClosed = errors.New("pull request is closed")

// Client is a github API client. All methods return a
// goorderr.RetryableError when an operation can be retried, e.g. when the
// API rate limit is exceeded or the server returned a transient error.
//
// The idempotent list/get operations (ListOpenPullRequests,
// ListPullRequestCommitSHAs, ListLabels, ListReleases) run through retryer
// when one is configured, so transient failures are retried in place
// instead of surfacing to the caller as a RetryableError. Create/update
// operations never go through retryer: spec.md §7 requires they are never
// retried automatically.
type Client struct {
	restClt    *github.Client
	graphQLClt *githubv4.Client
	logger     *zap.Logger
	retryer    *retry.Retryer
}

// New returns a new github API client authenticating via creds. retryer may
// be nil, in which case idempotent calls are attempted exactly once.
func New(creds credentials.Provider, retryer *retry.Retryer) *Client {
	httpClient := &http.Client{
		Timeout:   DefaultHTTPClientTimeout,
		Transport: &credentialTransport{creds: creds, base: http.DefaultTransport},
	}

	return &Client{
		restClt:    github.NewClient(httpClient),
		graphQLClt: githubv4.NewClient(httpClient),
		logger:     zap.L().Named(loggerName),
		retryer:    retryer,
	}
}

// withRetry runs fn directly when no retryer is configured, otherwise
// retries it per the configured policy.
func (clt *Client) withRetry(ctx context.Context, operation string, fn func(context.Context) error) error {
	if clt.retryer == nil {
		return fn(ctx)
	}

	return clt.retryer.Run(ctx, fn, []zap.Field{zap.String("operation", operation)})
}

// credentialTransport injects a fresh Authorization header on every
// request, since installation-token credentials may expire mid-run.
type credentialTransport struct {
	creds credentials.Provider
	base  http.RoundTripper
}

func (t *credentialTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())

	if appJWT, ok := credentials.AppJWTFromContext(req.Context()); ok {
		req.Header.Set("Authorization", "Bearer "+appJWT)
		return t.base.RoundTrip(req)
	}

	header, err := t.creds.AuthHeader(req.Context())
	if err != nil {
		return nil, fmt.Errorf("obtaining github credentials: %w", err)
	}

	req.Header.Set("Authorization", header)

	return t.base.RoundTrip(req)
}

// PullRequest is the subset of github.PullRequest data this system needs.
type PullRequest struct {
	Number      int
	Title       string
	Body        string
	AuthorLogin string
	HeadOwner   string
	HeadRepo    string
	HeadRef     string
	HeadSHA     string
	Labels      []string
}

func fromGithubPR(pr *github.PullRequest) PullRequest {
	result := PullRequest{
		Number: pr.GetNumber(),
		Title:  pr.GetTitle(),
		Body:   pr.GetBody(),
	}

	if user := pr.GetUser(); user != nil {
		result.AuthorLogin = user.GetLogin()
	}

	if head := pr.GetHead(); head != nil {
		result.HeadRef = head.GetRef()
		result.HeadSHA = head.GetSHA()
		if repo := head.GetRepo(); repo != nil {
			result.HeadRepo = repo.GetName()
			if owner := repo.GetOwner(); owner != nil {
				result.HeadOwner = owner.GetLogin()
			}
		}
	}

	for _, l := range pr.Labels {
		result.Labels = append(result.Labels, l.GetName())
	}

	return result
}

// ListOpenPullRequests returns every open pull request of owner/repo.
func (clt *Client) ListOpenPullRequests(ctx context.Context, owner, repo string) ([]PullRequest, error) {
	var result []PullRequest

	err := clt.withRetry(ctx, "list_open_pull_requests", func(ctx context.Context) error {
		result = nil

		opts := &github.PullRequestListOptions{
			State:       "open",
			ListOptions: github.ListOptions{PerPage: 100},
		}

		for {
			prs, resp, err := clt.restClt.PullRequests.List(ctx, owner, repo, opts)
			if err != nil {
				return clt.wrapRetryableErrors(err)
			}

			for _, pr := range prs {
				result = append(result, fromGithubPR(pr))
			}

			if resp.NextPage == 0 {
				break
			}
			opts.Page = resp.NextPage
		}

		return nil
	})

	return result, err
}

// ListPullRequestCommitSHAs returns the commit SHAs of a pull request,
// oldest first.
func (clt *Client) ListPullRequestCommitSHAs(ctx context.Context, owner, repo string, number int) ([]string, error) {
	var result []string

	err := clt.withRetry(ctx, "list_pull_request_commits", func(ctx context.Context) error {
		result = nil

		opts := &github.ListOptions{PerPage: 100}
		for {
			commits, resp, err := clt.restClt.PullRequests.ListCommits(ctx, owner, repo, number, opts)
			if err != nil {
				return clt.wrapRetryableErrors(err)
			}

			for _, c := range commits {
				result = append(result, c.GetSHA())
			}

			if resp.NextPage == 0 {
				break
			}
			opts.Page = resp.NextPage
		}

		return nil
	})

	return result, err
}

// CreatePullRequest opens a new pull request from head into base.
func (clt *Client) CreatePullRequest(ctx context.Context, owner, repo, title, body, headOwner, headBranch, base string) (*PullRequest, error) {
	head := headBranch
	if headOwner != owner {
		head = headOwner + ":" + headBranch
	}

	pr, _, err := clt.restClt.PullRequests.Create(ctx, owner, repo, &github.NewPullRequest{
		Title: &title,
		Body:  &body,
		Head:  &head,
		Base:  &base,
	})
	if err != nil {
		return nil, clt.wrapRetryableErrors(err)
	}

	result := fromGithubPR(pr)
	return &result, nil
}

// UpdatePullRequestTitleAndBody updates the title and/or body of a pull
// request. Either may be nil to leave that field unchanged. Create/update
// operations are never retried automatically (spec.md §7): a duplicate
// create or a partial update is worse than a failed run surfaced to the
// caller.
func (clt *Client) UpdatePullRequestTitleAndBody(ctx context.Context, owner, repo string, number int, title, body *string) error {
	update := &github.PullRequest{}
	if title != nil {
		update.Title = title
	}
	if body != nil {
		update.Body = body
	}

	_, _, err := clt.restClt.PullRequests.Edit(ctx, owner, repo, number, update)
	if err != nil {
		var respErr *github.ErrorResponse
		if errors.As(err, &respErr) {
			return err
		}
		return err
	}

	return nil
}

// ListLabels returns the labels currently applied to a pull request or
// issue.
func (clt *Client) ListLabels(ctx context.Context, owner, repo string, number int) ([]string, error) {
	var result []string

	err := clt.withRetry(ctx, "list_labels", func(ctx context.Context) error {
		labels, _, err := clt.restClt.Issues.ListLabelsByIssue(ctx, owner, repo, number, &github.ListOptions{PerPage: 100})
		if err != nil {
			return clt.wrapRetryableErrors(err)
		}

		result = make([]string, 0, len(labels))
		for _, l := range labels {
			result = append(result, l.GetName())
		}

		return nil
	})

	return result, err
}

// Release is the subset of a github release this system annotates PR
// bodies with.
type Release struct {
	TagName string
	HTMLURL string
}

// ListReleases returns the releases of owner/repo, most recent first.
func (clt *Client) ListReleases(ctx context.Context, owner, repo string) ([]Release, error) {
	var result []Release

	err := clt.withRetry(ctx, "list_releases", func(ctx context.Context) error {
		releases, _, err := clt.restClt.Repositories.ListReleases(ctx, owner, repo, &github.ListOptions{PerPage: 20})
		if err != nil {
			return clt.wrapRetryableErrors(err)
		}

		result = make([]Release, 0, len(releases))
		for _, r := range releases {
			result = append(result, Release{TagName: r.GetTagName(), HTMLURL: r.GetHTMLURL()})
		}

		return nil
	})

	return result, err
}

// CreateIssueComment creates a comment on an issue or pull request.
func (clt *Client) CreateIssueComment(ctx context.Context, owner, repo string, issueOrPRNr int, comment string) error {
	_, _, err := clt.restClt.Issues.CreateComment(ctx, owner, repo, issueOrPRNr, &github.IssueComment{Body: &comment})
	return clt.wrapRetryableErrors(err)
}

// CreateInstallationToken exchanges a GitHub App JWT (carried in ctx by the
// caller; the client's transport sends it as the bearer token) for a scoped
// installation access token.
func (clt *Client) CreateInstallationToken(ctx context.Context, installationID int64) (token string, expiresAt time.Time, err error) {
	it, _, err := clt.restClt.Apps.CreateInstallationToken(ctx, installationID, nil)
	if err != nil {
		return "", time.Time{}, clt.wrapRetryableErrors(err)
	}

	return it.GetToken(), it.GetExpiresAt().Time, nil
}

func (clt *Client) wrapRetryableErrors(err error) error {
	if err == nil {
		return nil
	}

	switch v := err.(type) {
	case *github.RateLimitError:
		clt.logger.Info(
			"rate limit exceeded",
			logfields.Event("github_api_rate_limit_exceeded"),
			zap.Int("github_api_rate_limit", v.Rate.Limit),
			zap.Time("github_api_rate_limit_reset_time", v.Rate.Reset.Time),
		)

		return goorderr.NewRetryableError(err, v.Rate.Reset.Time)

	case *github.ErrorResponse:
		if v.Response.StatusCode >= 500 && v.Response.StatusCode < 600 {
			return goorderr.NewRetryableAnytimeError(err)
		}
	}

	return err
}

var graphQlHTTPStatusErrRe = regexp.MustCompile(`^non-200 OK status code: ([0-9]+) .*`)

func (clt *Client) wrapGraphQLRetryableErrors(err error) error {
	matches := graphQlHTTPStatusErrRe.FindStringSubmatch(err.Error())
	if len(matches) != 2 {
		return err
	}

	errcode, atoiErr := strconv.Atoi(matches[1])
	if atoiErr != nil {
		clt.logger.Info(
			"parsing http code from error string failed",
			zap.Error(atoiErr),
			zap.String("error_string", err.Error()),
			zap.String("http_errcode", matches[1]),
		)
		return err
	}

	if errcode >= 500 && errcode < 600 {
		return goorderr.NewRetryableAnytimeError(err)
	}

	return err
}
