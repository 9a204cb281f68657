package web

// Service response.
type (
	CacheInfo struct {
		Size              int64  `json:"size"`
		HumanReadableSize string `json:"human_readable_size"`

		MaxSize              int64  `json:"max_size"`
		HumanReadableMaxSize string `json:"human_readable_max_size"`
		UseLargeMaxSize      bool   `json:"use_large_max_size"`

		ActiveJobs int `json:"active_jobs"`
	}
)
