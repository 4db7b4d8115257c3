// Command replayd keeps the last few seconds of a camera stream in memory and
// writes them to a video file on demand.
package main

import (
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
