package update

// Result is the outcome of an update run.
type Result int

const (
	// Succeeded means at least one title was installed or updated.
	Succeeded Result = iota
	// AlreadyUpToDate means every listed title was already installed and
	// intact, nothing was changed.
	AlreadyUpToDate
	// Cancelled means the progress callback stopped the run at a title
	// boundary.
	Cancelled
	// ServerFailed means the update service was unreachable or returned a
	// malformed or empty title list.
	ServerFailed
	// DownloadFailed means a ticket, metadata or content fetch failed.
	DownloadFailed
	// ImportFailed means the store rejected an import step.
	ImportFailed
)

func (r Result) String() string {
	switch r {
	case Succeeded:
		return "succeeded"
	case AlreadyUpToDate:
		return "already up to date"
	case Cancelled:
		return "cancelled"
	case ServerFailed:
		return "server failed"
	case DownloadFailed:
		return "download failed"
	case ImportFailed:
		return "import failed"
	default:
		return "unknown"
	}
}

// Callback reports update progress. It runs synchronously before each title
// with the number of titles processed so far, and once more after the title
// with the count advanced. Returning false from the pre-title call cancels
// the run; the post-title return value is ignored.
type Callback func(processed, total int, titleID uint64) bool
