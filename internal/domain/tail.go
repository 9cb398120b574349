package domain

// FileEventKind tells what happened to a watched chat log.
type FileEventKind int

const (
	FileWritten FileEventKind = iota
	FileCreated
	FileRemoved
)

// FileEvent is a change notification for a chat log file.
type FileEvent struct {
	Path string
	Kind FileEventKind
}

// FileDelta holds the complete lines appended to a file since its last read.
// FirstLine is the 1-based line number of Lines[0] within the file.
type FileDelta struct {
	Path      string
	Lines     []string
	FirstLine int
	Offset    int64
}
