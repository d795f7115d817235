package client

import "time"

// Upload phases reported in Progress.Phase.
const (
	PhaseStarting  = "starting"
	PhaseUploading = "uploading"
	PhaseFinishing = "finishing"
	PhaseComplete  = "complete"
)

// Progress contains information about an upload in flight.
// Passed to ProgressCallback during Upload.
type Progress struct {
	// Phase describes the current operation phase:
	//   "starting"  - Announcing the image to the hub
	//   "uploading" - Sending chunks
	//   "finishing" - Waiting for the hub to verify the image
	//   "complete"  - The hub accepted the image
	Phase string

	// BytesSent is the number of image bytes the hub accepted so far
	BytesSent int

	// TotalBytes is the image size
	TotalBytes int

	// Percentage is the completion percentage (0.0 to 100.0)
	Percentage float64

	// Restarts counts how often the upload went back to offset zero
	Restarts int

	// ElapsedTime is the time elapsed since the upload started
	ElapsedTime time.Duration
}

// ProgressCallback is called during uploads to report progress.
// Implementations should return quickly.
//
// Example:
//
//	c := client.New(port,
//	    client.WithProgressCallback(func(p client.Progress) {
//	        fmt.Printf("[%s] %d/%d bytes\n", p.Phase, p.BytesSent, p.TotalBytes)
//	    }),
//	)
type ProgressCallback func(Progress)
