package data

import "fmt"

// UnknownDatasetError is returned for a dataset name with no loader.
type UnknownDatasetError struct {
	Name string
}

func (e *UnknownDatasetError) Error() string {
	return "unknown dataset: " + e.Name
}

// ResourceError wraps a failure to read dataset files.
type ResourceError struct {
	Path string
	Err  error
}

func (e *ResourceError) Error() string {
	return fmt.Sprintf("cannot read dataset at %s: %v", e.Path, e.Err)
}

func (e *ResourceError) Unwrap() error {
	return e.Err
}

// FormatError reports a malformed record.
type FormatError struct {
	Path   string
	Record int
	Reason string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("%s: record %d: %s", e.Path, e.Record, e.Reason)
}

// SpeciesError reports a charge in an evaluation split that the training
// split never contains.
type SpeciesError struct {
	Split  string
	Charge int
}

func (e *SpeciesError) Error() string {
	return fmt.Sprintf("split %s contains species %d absent from the training split", e.Split, e.Charge)
}
