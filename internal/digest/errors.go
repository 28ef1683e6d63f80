package digest

import "errors"

// Delivery errors.
var (
	ErrContentFetch       = errors.New("content fetch failed")
	ErrSummarizationEmpty = errors.New("summarization returned no content")
	ErrTransport          = errors.New("email transport failed")
)
