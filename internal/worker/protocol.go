package worker

import (
	"github.com/retracehq/retrace/internal/index"
)

// Job is one unit of ingestion work handed to the worker context.
type Job struct {
	ID    string
	URL   string
	Title string
	Text  string
}

// JobResult reports the outcome for a single job in a batch. A nil Err
// means the job was indexed. Permanent marks failures that retrying
// cannot fix, such as empty content.
type JobResult struct {
	ID        string
	Err       error
	Permanent bool
}

// request is the tagged union of messages the worker context accepts.
type request interface {
	isRequest()
}

type processBatchRequest struct {
	jobs  []Job
	reply chan []JobResult
}

type searchRequest struct {
	query string
	opts  index.SearchOptions
	reply chan searchReply
}

type searchReply struct {
	resp *index.SearchResponse
	err  error
}

type pingRequest struct {
	reply chan struct{}
}

type shutdownRequest struct {
	done chan struct{}
}

func (*processBatchRequest) isRequest() {}
func (*searchRequest) isRequest()       {}
func (*pingRequest) isRequest()         {}
func (*shutdownRequest) isRequest()     {}
