package stepflow

// Version information for the stepflow workflow engine
const (
	// Version is the current engine version
	Version = "development"

	// APIVersion is the current HTTP API version
	APIVersion = "v1"

	// BuildDate is set during build time
	BuildDate = "development"

	// GitCommit is set during build time
	GitCommit = "unknown"
)
