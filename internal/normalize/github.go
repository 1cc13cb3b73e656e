package normalize

import (
	"iter"

	json "github.com/goccy/go-json"
)

// GitHubParser reads push hook payloads and counts one event per commit.
type GitHubParser struct{}

type githubPush struct {
	Ref        Scalar            `json:"ref"`
	Repository *githubRepository `json:"repository"`
	Commits    *[]githubCommit   `json:"commits"`
}

type githubRepository struct {
	Name Scalar `json:"name"`
}

type githubCommit struct {
	ID        Scalar `json:"id"`
	Timestamp Scalar `json:"timestamp"`
	Author    struct {
		Email Scalar `json:"email"`
	} `json:"author"`
}

// Source returns the github source tag.
func (GitHubParser) Source() string {
	return SourceGitHub
}

// Parse yields github.<repo>.<ref>.<author>.<commit> with value 1 per commit.
func (GitHubParser) Parse(payload []byte) iter.Seq2[Candidate, error] {
	var push githubPush
	if err := json.Unmarshal(payload, &push); err != nil {
		return failed(malformed(err))
	}

	var missing []string
	if push.Repository == nil {
		missing = append(missing, "repository")
	}
	if push.Commits == nil {
		missing = append(missing, "commits")
	}
	if !push.Ref.Present() {
		missing = append(missing, "ref")
	}
	if len(missing) > 0 {
		return failed(missingFields(missing...))
	}

	repo := push.Repository.Name
	ref := refEscaper.Escape(push.Ref.Text())

	return func(yield func(Candidate, error) bool) {
		for _, commit := range *push.Commits {
			candidate := Candidate{
				Segments: []string{
					SourceGitHub,
					repo.Text(),
					ref,
					authorEscaper.Escape(commit.Author.Email.Text()),
					commit.ID.Text(),
				},
				Value:  scalarOne,
				Time:   commit.Timestamp,
				Source: SourceGitHub,
				Missing: absentFields(
					namedField{"repository.name", repo},
					namedField{"commit.author.email", commit.Author.Email},
					namedField{"commit.id", commit.ID},
				),
			}
			if !yield(candidate, nil) {
				return
			}
		}
	}
}
