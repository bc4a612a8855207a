// Issue URL parsing and display helpers. Issue URLs follow the GitHub
// convention https://{host}/{owner}/{repo}/issues/{number}; anything else
// still trades but falls back to the raw URL for display.
package model

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
)

// issueURLRegex matches: https://{host}/{owner}/{repo}/issues/{number}
// Example: https://github.com/pinfactory/pinfactory/issues/42
var issueURLRegex = regexp.MustCompile(
	`^https?://([^/]+)/([^/]+)/([^/]+)/(?:issues|pull|merge_requests)/(\d+)$`,
)

// ErrInvalidIssueURL is returned when a URL cannot be parsed as an issue
// reference.
var ErrInvalidIssueURL = errors.New("model: URL is not an issue reference")

// IssueRef is a parsed issue URL.
type IssueRef struct {
	Host    string `json:"host"`
	Owner   string `json:"owner"`
	Project string `json:"project"`
	Number  int    `json:"number"`
}

// ParseIssueURL parses and validates an issue URL.
func ParseIssueURL(url string) (*IssueRef, error) {
	matches := issueURLRegex.FindStringSubmatch(url)
	if matches == nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidIssueURL, url)
	}

	number, err := strconv.Atoi(matches[4])
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidIssueURL, url)
	}

	return &IssueRef{
		Host:    matches[1],
		Owner:   matches[2],
		Project: matches[3],
		Number:  number,
	}, nil
}

// DisplayName returns the issue title, or a parsed fallback, or the raw URL.
func (i *Issue) DisplayName() string {
	if i.Title != "" {
		return i.Title
	}
	if ref, err := ParseIssueURL(i.URL); err == nil {
		return fmt.Sprintf("Issue %d in project %s", ref.Number, ref.Project)
	}
	return i.URL
}

// ProjectName returns the "{owner}/{repo}" slug, or the raw URL when the
// URL does not follow the issue-tracker convention.
func (i *Issue) ProjectName() string {
	ref, err := ParseIssueURL(i.URL)
	if err != nil {
		return i.URL
	}
	return ref.Owner + "/" + ref.Project
}
