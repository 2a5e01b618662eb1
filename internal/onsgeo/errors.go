package onsgeo

import "fmt"

// ResponseStatusError is returned when the server answered with a
// non-successful status after the retry budget was spent.
type ResponseStatusError struct {
	URL        string
	StatusCode int
	Status     string
}

func (e *ResponseStatusError) Error() string {
	return fmt.Sprintf("unexpected status %d from %s", e.StatusCode, e.URL)
}

// ResponseFormatError is returned when a response's content type or
// payload does not have the expected shape.
type ResponseFormatError struct {
	URL         string
	ContentType string
	Reason      string
	Err         error
}

func (e *ResponseFormatError) Error() string {
	msg := fmt.Sprintf("unexpected response format from %s: %s", e.URL, e.Reason)
	if e.ContentType != "" {
		msg = fmt.Sprintf("%s (content-type %q)", msg, e.ContentType)
	}

	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}

	return msg
}

func (e *ResponseFormatError) Unwrap() error {
	return e.Err
}
