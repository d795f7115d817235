package bootloader

import "time"

// Programming phases reported in Progress.Phase.
const (
	PhaseConnecting = "connecting"
	PhaseErasing    = "erasing"
	PhaseWriting    = "writing"
	PhaseVerifying  = "verifying"
	PhaseFinishing  = "finishing"
	PhaseComplete   = "complete"
)

// Progress contains information about the programming progress.
// Passed to ProgressCallback during programming operations.
type Progress struct {
	// Phase describes the current operation phase:
	//   "connecting" - Querying the loader
	//   "erasing"    - Erasing the shared region
	//   "writing"    - Writing image frames
	//   "verifying"  - Reading the staged image back
	//   "finishing"  - Waiting for the device to check the signature
	//   "complete"   - The device accepted the image
	Phase string

	// BytesWritten is the total number of bytes staged so far
	BytesWritten int

	// TotalBytes is the image size
	TotalBytes int

	// Percentage is the completion percentage (0.0 to 100.0)
	Percentage float64

	// ElapsedTime is the time elapsed since programming started
	ElapsedTime time.Duration
}

// ProgressCallback is called periodically during programming to report progress.
// Implementations should return quickly to avoid blocking the programming operation.
//
// Example:
//
//	prog := bootloader.New(port,
//	    bootloader.WithProgressCallback(func(p bootloader.Progress) {
//	        fmt.Printf("[%s] %.1f%% - %d/%d bytes\n",
//	            p.Phase, p.Percentage, p.BytesWritten, p.TotalBytes)
//	    }),
//	)
type ProgressCallback func(Progress)
