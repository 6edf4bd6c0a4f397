package notify

import (
	"context"
	"fmt"
)

// IssueCommenter is implemented by services.GitHubService.
type IssueCommenter interface {
	CreateIssueComment(ctx context.Context, owner, repo string, number int, body string) error
}

// GitHubNotifier comments on a tracking issue or pull request.
type GitHubNotifier struct {
	client IssueCommenter
	owner  string
	repo   string
	issue  int
}

func NewGitHubNotifier(client IssueCommenter, owner, repo string, issue int) *GitHubNotifier {
	return &GitHubNotifier{
		client: client,
		owner:  owner,
		repo:   repo,
		issue:  issue,
	}
}

func (g *GitHubNotifier) Notify(ctx context.Context, event Event) error {
	if err := g.client.CreateIssueComment(ctx, g.owner, g.repo, g.issue, event.Text()); err != nil {
		return fmt.Errorf("failed to comment on %s/%s#%d: %w", g.owner, g.repo, g.issue, err)
	}
	return nil
}
