package repair

import "fmt"

// State is one node of the session state machine. The concrete types are
// Attempting, Succeeded, Exhausted and RepairFailed; the last three are terminal.
type State interface {
	Terminal() bool
	String() string
	isState()
}

// Attempting is the state of executing attempt K (1-based) with Code.
type Attempting struct {
	K    int
	Max  int
	Code string
}

// Succeeded holds the durable artifact path of the winning attempt.
type Succeeded struct {
	Artifact string
}

// Exhausted means every attempt failed. Code and Error come from the last one.
type Exhausted struct {
	Code  string
	Error string
}

// RepairFailed means the repair call itself failed. Error is the last
// execution error followed by the repair failure detail.
type RepairFailed struct {
	Code  string
	Error string
}

func (Attempting) Terminal() bool   { return false }
func (Succeeded) Terminal() bool    { return true }
func (Exhausted) Terminal() bool    { return true }
func (RepairFailed) Terminal() bool { return true }

func (s Attempting) String() string { return fmt.Sprintf("attempting(%d/%d)", s.K, s.Max) }
func (Succeeded) String() string    { return "succeeded" }
func (Exhausted) String() string    { return "exhausted" }
func (RepairFailed) String() string { return "repair_failed" }

func (Attempting) isState()   {}
func (Succeeded) isState()    {}
func (Exhausted) isState()    {}
func (RepairFailed) isState() {}
