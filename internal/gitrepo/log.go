package gitrepo

import (
	"context"
	"strings"
)

// CommitDescriptor describes a single commit as needed by the classifier
// and planner.
type CommitDescriptor struct {
	SHA       string
	Author    string
	Committer string
	Subject   string
	Body      string
	Parents   []string
}

const logFieldSep = "\x1f"
const logRecordSep = "\x1e"

// Log returns the non-merge commits reachable from until but not from
// since, oldest first.
func (r *Repo) Log(ctx context.Context, since, until string) ([]CommitDescriptor, error) {
	format := strings.Join([]string{
		"%H", "%an <%ae>", "%cn <%ce>", "%s", "%b", "%P",
	}, logFieldSep) + logRecordSep

	out, err := r.run(ctx, "log",
		"--reverse", "--no-merges",
		"--pretty=format:"+format,
		since+".."+until,
	)
	if err != nil {
		return nil, err
	}

	var result []CommitDescriptor
	for _, rec := range strings.Split(out, logRecordSep) {
		rec = strings.TrimPrefix(rec, "\n")
		if strings.TrimSpace(rec) == "" {
			continue
		}

		fields := strings.Split(rec, logFieldSep)
		if len(fields) != 6 {
			continue
		}

		var parents []string
		if p := strings.TrimSpace(fields[5]); p != "" {
			parents = strings.Split(p, " ")
		}

		result = append(result, CommitDescriptor{
			SHA:       fields[0],
			Author:    fields[1],
			Committer: fields[2],
			Subject:   fields[3],
			Body:      strings.TrimSpace(fields[4]),
			Parents:   parents,
		})
	}

	return result, nil
}
