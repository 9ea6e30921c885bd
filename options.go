package qcow2

// Option configures an Engine at Connect or Create time, in the same
// functional-options idiom the teacher codebase uses for image-open
// configuration (Option func(*imageOptions), WithXxx constructors).
type Option func(*engineOptions)

// engineOptions holds configuration gathered from a caller's Option
// list before the Engine is built.
type engineOptions struct {
	cacheMaxSizeBytes uint64
}

func defaultEngineOptions() *engineOptions {
	return &engineOptions{
		cacheMaxSizeBytes: defaultCacheMaxSizeBytes,
	}
}

// WithCacheMaxSizeBytes sets the range-lock cache's size bound
// (spec.md §4.7). Writes that would push the cache past this bound
// trigger a lazy write-back first. Zero falls back to the 100 MiB
// default.
func WithCacheMaxSizeBytes(n uint64) Option {
	return func(o *engineOptions) {
		if n > 0 {
			o.cacheMaxSizeBytes = n
		}
	}
}

func applyOptions(opts []Option) *engineOptions {
	o := defaultEngineOptions()
	for _, opt := range opts {
		opt(o)
	}
	return o
}
