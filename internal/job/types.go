// Package job defines the job and dataset records the file access service
// reads, and the lifecycle states an external scheduler moves jobs through.
package job

// Job is a unit of execution tracked by an external scheduler.
//
// Dataset paths are deliberately absent: they are resolved through the
// object store on every request so a rewired association is seen at once.
type Job struct {
	ID      string
	State   State
	Handler string // assignment tag; an unknown handler pins the state
	Inputs  []Association
	Outputs []Association
}

// Dataset identifies stored bytes. The object store maps it to exactly one
// physical file.
type Dataset struct {
	ID   string
	UUID string
}

// Association binds a named role ("input1", "output1", ...) to a dataset.
type Association struct {
	Name    string
	Dataset Dataset
}

// Direction of an association relative to the job.
type Direction string

const (
	DirectionInput  Direction = "input"
	DirectionOutput Direction = "output"
)
