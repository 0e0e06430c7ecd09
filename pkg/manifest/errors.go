package manifest

import "fmt"

// Diff is one (name, expected, got) triple produced by path verification or
// entry-compatibility comparison.
type Diff struct {
	Name     string
	Expected interface{}
	Got      interface{}
}

// MismatchError reports that a path failed verification against the entry
// describing it.
type MismatchError struct {
	Path  string
	Entry *Entry
	Diff  []Diff
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("%s does not match its manifest entry: %v", e.Path, e.Diff)
}

// CrossDeviceError reports that a path resides on a different device than
// the tree it is being verified within. It is always fatal; it is never
// routed through a fail/warn handler.
type CrossDeviceError struct {
	Path string
}

func (e *CrossDeviceError) Error() string {
	return fmt.Sprintf("%s crosses a device boundary", e.Path)
}

// IncompatibleEntryError reports that two entries describing the same path
// cannot be reconciled into one.
type IncompatibleEntryError struct {
	Entry1, Entry2 *Entry
	Diff           []Diff
}

func (e *IncompatibleEntryError) Error() string {
	return fmt.Sprintf("incompatible manifest entries for %s: %v", e.Entry1.Path, e.Diff)
}

// InvalidPathError reports a structurally invalid path, such as an AUX
// entry outside its owning Manifest's files/ prefix.
type InvalidPathError struct {
	Detail string
}

func (e *InvalidPathError) Error() string {
	return fmt.Sprintf("invalid manifest path: %s", e.Detail)
}
