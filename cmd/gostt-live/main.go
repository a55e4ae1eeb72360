// Command gostt-live captures the microphone and system output, cuts the
// audio into utterances and transcribes them in the background.
//
// Usage:
//
//	gostt-live [--config path] <command>
//
// Commands:
//
//	init    - write the default config file
//	run     - run the daemon in the foreground
//	start   - start the daemon in the background
//	stop    - stop the running daemon and write final transcripts
//	status  - show the running daemon's state
//	transcribe <file> - transcribe one audio file
//	batch <dir>       - transcribe every audio file in a directory
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
