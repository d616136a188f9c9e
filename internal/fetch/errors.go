package fetch

import "fmt"

// FetchError reports a failure acquiring one external input. Source
// names the manifest entry so the pipeline can attribute the failure.
type FetchError struct {
	Source string
	Reason string
	Err    error
}

func (e *FetchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("fetch %s: %s: %v", e.Source, e.Reason, e.Err)
	}
	return fmt.Sprintf("fetch %s: %s", e.Source, e.Reason)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}
