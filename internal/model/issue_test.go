package model

import (
	"errors"
	"testing"
)

func TestParseIssueURL(t *testing.T) {
	for _, tc := range []struct {
		url  string
		want IssueRef
	}{
		{
			"https://github.com/pinfactory/pinfactory/issues/42",
			IssueRef{Host: "github.com", Owner: "pinfactory", Project: "pinfactory", Number: 42},
		},
		{
			"https://github.com/acme/widget/pull/7",
			IssueRef{Host: "github.com", Owner: "acme", Project: "widget", Number: 7},
		},
		{
			"https://gitlab.com/acme/widget/merge_requests/19",
			IssueRef{Host: "gitlab.com", Owner: "acme", Project: "widget", Number: 19},
		},
		{
			"http://bugs.example.org/team/tool/issues/1",
			IssueRef{Host: "bugs.example.org", Owner: "team", Project: "tool", Number: 1},
		},
	} {
		got, err := ParseIssueURL(tc.url)
		if err != nil {
			t.Errorf("ParseIssueURL(%q): %v", tc.url, err)
			continue
		}
		if *got != tc.want {
			t.Errorf("ParseIssueURL(%q) = %+v, want %+v", tc.url, got, tc.want)
		}
	}
}

func TestParseIssueURLRejectsGarbage(t *testing.T) {
	for _, url := range []string{
		"",
		"not a url",
		"https://github.com/acme/widget",
		"https://github.com/acme/widget/issues/",
		"https://github.com/acme/widget/issues/abc",
		"ftp://github.com/acme/widget/issues/42",
	} {
		if _, err := ParseIssueURL(url); !errors.Is(err, ErrInvalidIssueURL) {
			t.Errorf("ParseIssueURL(%q): expected ErrInvalidIssueURL, got %v", url, err)
		}
	}
}

func TestIssueDisplayName(t *testing.T) {
	i := Issue{URL: "https://github.com/acme/widget/issues/42", Title: "Crash on startup"}
	if got := i.DisplayName(); got != "Crash on startup" {
		t.Errorf("DisplayName() = %q", got)
	}
	i.Title = ""
	if got := i.DisplayName(); got != "Issue 42 in project widget" {
		t.Errorf("untitled DisplayName() = %q", got)
	}
	i.URL = "https://example.com/somewhere"
	if got := i.DisplayName(); got != i.URL {
		t.Errorf("unparseable DisplayName() = %q", got)
	}
}

func TestIssueProjectName(t *testing.T) {
	i := Issue{URL: "https://github.com/acme/widget/issues/42"}
	if got := i.ProjectName(); got != "acme/widget" {
		t.Errorf("ProjectName() = %q", got)
	}
}
